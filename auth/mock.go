package auth

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mqy/minichat/wire"
)

const AddressCookie = "x-address"

// MockClient trusts the address the peer claims, from the CONNECT auth object
// `{"address": "..."}` or else from the `x-address` cookie. For development
// servers only.
type MockClient struct {
	Client
}

func (c *MockClient) Auth(r *http.Request, payload json.RawMessage) (string, error) {
	var address string

	if len(payload) > 0 {
		var v struct {
			Address string `json:"address"`
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return "", fmt.Errorf("error parse auth payload: %v", err)
		}
		address = v.Address
	}

	if address == "" {
		if c, err := r.Cookie(AddressCookie); err == nil {
			address = c.Value
		}
	}

	address = wire.NormalizeAddress(address)
	if address == "" {
		return "", fmt.Errorf("empty address from auth payload or %s cookie", AddressCookie)
	}
	return address, nil
}
