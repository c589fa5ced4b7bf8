// Package transporttest runs an in-process chat server for tests.
package transporttest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/wire"
	"github.com/mqy/minichat/ws"
)

// Server is a chat server listening on a loopback address.
type Server struct {
	*httptest.Server
	Hub *ws.Hub

	t testing.TB
}

type Option func(*config)

type config struct {
	auth auth.Client
	conf *ws.Conf
}

// WithAuth replaces the default authenticator, which trusts the claimed
// address.
func WithAuth(c auth.Client) Option {
	return func(cfg *config) { cfg.auth = c }
}

// RejectAll makes every CONNECT fail with message.
func RejectAll(message string) Option {
	return WithAuth(auth.ClientFunc(func(*http.Request, json.RawMessage) (string, error) {
		return "", errors.New(message)
	}))
}

func WithConf(conf *ws.Conf) Option {
	return func(cfg *config) { cfg.conf = conf }
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB, opts ...Option) *Server {
	cfg := &config{auth: &auth.MockClient{}}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.conf == nil {
		cfg.conf = ws.DefaultConf()
		cfg.conf.PingInterval = 200 * time.Millisecond
		cfg.conf.PingTimeout = 500 * time.Millisecond
	}

	hub := ws.NewHub(cfg.auth, cfg.conf)
	hub.Online()

	mux := http.NewServeMux()
	mux.Handle(wire.DefaultPath, hub)

	s := &Server{Server: httptest.NewServer(mux), Hub: hub, t: t}
	t.Cleanup(func() {
		hub.Close()
		s.Server.Close()
	})
	return s
}

// Session waits for a live session of address and returns it.
func (s *Server) Session(address string) *ws.Handler {
	s.t.Helper()
	var out *ws.Handler
	require.Eventually(s.t, func() bool {
		if hs := s.Hub.Sessions(address); len(hs) > 0 {
			out = hs[0]
			return true
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "no session for %s", address)
	return out
}

// WaitNoSession waits until address has no live session.
func (s *Server) WaitNoSession(address string) {
	s.t.Helper()
	require.Eventually(s.t, func() bool {
		return len(s.Hub.Sessions(address)) == 0
	}, 5*time.Second, 10*time.Millisecond, "session of %s still alive", address)
}

// Emit sends an event to every session of address.
func (s *Server) Emit(address, event string, v interface{}) {
	s.t.Helper()
	for _, h := range s.Hub.Sessions(address) {
		require.NoError(s.t, h.Emit(event, v))
	}
}

// EmitRaw sends an event whose payload is raw JSON, which may be malformed.
func (s *Server) EmitRaw(address, event string, payload string) {
	s.t.Helper()
	name, _ := json.Marshal(event)
	frame := wire.EncodeSocket(wire.SocketPacket{
		Type: wire.SocketEvent,
		Data: json.RawMessage("[" + string(name) + "," + payload + "]"),
	})
	for _, h := range s.Hub.Sessions(address) {
		h.SendRaw(frame)
	}
}
