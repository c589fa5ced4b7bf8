package ws

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDMApiSend(t *testing.T) {
	conf := DefaultConf()
	conf.MaxBodyBytes = 8
	api := NewApi(conf)
	now := time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC)
	api.now = func() time.Time { return now }

	msg, apiErr := api.Send("0xa", json.RawMessage(`{"to":" 0xB ","body":"hi"}`))
	require.Nil(t, apiErr)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "0xa", msg.From)
	assert.Equal(t, "0xb", msg.To)
	assert.Equal(t, "hi", msg.Body)
	assert.Equal(t, now.Truncate(time.Millisecond), msg.Timestamp)

	other, _ := api.Send("0xa", json.RawMessage(`{"to":"0xb","body":"hi"}`))
	assert.NotEqual(t, msg.ID, other.ID)
}

func TestDMApiSendInvalid(t *testing.T) {
	conf := DefaultConf()
	conf.MaxBodyBytes = 8
	api := NewApi(conf)

	cases := []struct {
		payload string
		params  []string
	}{
		{``, []string{"payload: missing"}},
		{`{"to":"0xb","body":"ok"`, nil},
		{`{}`, []string{"to: should be non-empty string", "body: should be non-empty string"}},
		{`{"to":" ","body":"ok"}`, []string{"to: should be non-empty string"}},
		{`{"to":"0xb","body":"  "}`, []string{"body: should be non-empty string"}},
		{`{"to":"0xb","body":"` + strings.Repeat("x", 9) + `"}`, []string{"body: exceeds limit: 8 bytes"}},
	}
	for _, c := range cases {
		msg, apiErr := api.Send("0xa", json.RawMessage(c.payload))
		assert.Nil(t, msg, c.payload)
		require.NotNil(t, apiErr, c.payload)
		assert.Equal(t, ErrorCodeInvalidArguments, apiErr.Code, c.payload)
		if c.params != nil {
			assert.Equal(t, c.params, apiErr.Params, c.payload)
		}
	}
}

func TestInterceptError(t *testing.T) {
	e := newInternalError("dial tcp 10.0.0.1:3306: i/o timeout")
	interceptError(e)
	assert.Equal(t, []string{"temp storage error"}, e.Params)

	e = newInvalidArgumentError("to: should be non-empty string")
	interceptError(e)
	assert.Equal(t, []string{"to: should be non-empty string"}, e.Params)
}
