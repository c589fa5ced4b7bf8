// Package auth authenticates Socket.IO connect requests on the chat server.
package auth

import (
	"encoding/json"
	"net/http"
)

type Client interface {
	// Auth authenticates the peer of a websocket request, return its address.
	// payload is the auth object of the CONNECT packet, nil if none was sent.
	Auth(r *http.Request, payload json.RawMessage) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(r *http.Request, payload json.RawMessage) (string, error)

func (f ClientFunc) Auth(r *http.Request, payload json.RawMessage) (string, error) {
	return f(r, payload)
}
