package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClient(t *testing.T) {
	c := &MockClient{}

	r := httptest.NewRequest(http.MethodGet, "/socket.io/", nil)
	addr, err := c.Auth(r, json.RawMessage(`{"address":" 0xABC "}`))
	require.NoError(t, err)
	assert.Equal(t, "0xabc", addr)

	r.AddCookie(&http.Cookie{Name: AddressCookie, Value: "0xDEF"})
	addr, err = c.Auth(r, nil)
	require.NoError(t, err)
	assert.Equal(t, "0xdef", addr)

	// the auth object wins over the cookie
	addr, err = c.Auth(r, json.RawMessage(`{"address":"0x1"}`))
	require.NoError(t, err)
	assert.Equal(t, "0x1", addr)

	_, err = c.Auth(httptest.NewRequest(http.MethodGet, "/", nil), nil)
	assert.Error(t, err)

	_, err = c.Auth(httptest.NewRequest(http.MethodGet, "/", nil), json.RawMessage(`[1]`))
	assert.Error(t, err)
}

func TestClientFunc(t *testing.T) {
	var c Client = ClientFunc(func(*http.Request, json.RawMessage) (string, error) {
		return "0xa", nil
	})
	addr, err := c.Auth(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "0xa", addr)
}
