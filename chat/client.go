// Package chat assembles a chat client: the connection to the server, the
// event router and the state it maintains.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mqy/minichat/endpoint"
	"github.com/mqy/minichat/identity"
	"github.com/mqy/minichat/notify"
	"github.com/mqy/minichat/router"
	"github.com/mqy/minichat/state"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/transport"
	"github.com/mqy/minichat/wire"
)

var (
	ErrEmptyPeer = errors.New("chat: empty recipient")
	ErrEmptyBody = errors.New("chat: empty message body")
)

type Config struct {
	Mode  endpoint.Mode
	LanIP string
	// Endpoint overrides the URL resolved from Mode and LanIP.
	Endpoint string

	Identity identity.Provider
	Sink     notify.Sink

	// Transport is used as is, except that when neither Auth nor AuthFunc is
	// set the CONNECT auth carries the address of Identity at each dial.
	Transport transport.Options

	// DropLogPath is the bbolt file that keeps rejected frames, none if empty.
	DropLogPath string
	Registerer  prometheus.Registerer
	OutgoingCue bool
}

// Client is the chat client. Its state is read through Status, Presence and
// Conversations; only server events change it.
type Client struct {
	cfg      Config
	endpoint string
	stores   *state.Stores
	drops    *store.DropLog

	mu            sync.Mutex
	socket        *transport.Socket
	router        *router.Router
	wantListeners bool
}

// New builds a client. It fails only when the drop log cannot be opened. If
// the connection cannot be built the status becomes ServerWarming and Connect
// tries again.
func New(cfg Config) (*Client, error) {
	if cfg.Identity == nil {
		cfg.Identity = identity.Static("")
	}
	if cfg.Sink == nil {
		cfg.Sink = notify.Nop{}
	}

	c := &Client{
		cfg:      cfg,
		endpoint: cfg.Endpoint,
		stores:   state.NewStores(),
	}
	if c.endpoint == "" {
		c.endpoint = endpoint.Resolve(cfg.Mode, cfg.LanIP)
	}

	if cfg.DropLogPath != "" {
		drops, err := store.OpenDropLog(cfg.DropLogPath)
		if err != nil {
			return nil, err
		}
		c.drops = drops
	}

	c.mu.Lock()
	_ = c.build()
	c.mu.Unlock()
	return c, nil
}

// build constructs the socket and router. Must hold c.mu.
func (c *Client) build() error {
	if c.socket != nil {
		return nil
	}

	opts := c.cfg.Transport
	if opts.Auth == nil && opts.AuthFunc == nil {
		opts.AuthFunc = c.identityAuth
	}

	socket, err := transport.New(c.endpoint, opts)
	if err != nil {
		glog.Errorf("chat: server is cold starting, repolling until ready: %v", err)
		c.stores.Status.Set(state.ServerWarming)
		return err
	}

	ropts := []router.Option{
		router.WithIdentity(c.cfg.Identity),
		router.WithSink(c.cfg.Sink),
		router.WithOutgoingCue(c.cfg.OutgoingCue),
	}
	if c.drops != nil {
		ropts = append(ropts, router.WithDropLog(c.drops))
	}
	if c.cfg.Registerer != nil {
		ropts = append(ropts, router.WithMetrics(c.cfg.Registerer))
	}
	c.socket = socket
	c.router = router.New(socket, c.stores, ropts...)
	glog.Infof("chat: %s for %s", socket, c.endpoint)

	if c.wantListeners {
		c.router.Register()
	}
	return nil
}

// identityAuth reads the wallet on every dial, so a wallet connected after
// New is the one the server authenticates.
func (c *Client) identityAuth() map[string]interface{} {
	id, ok := c.cfg.Identity.Current()
	if !ok {
		return nil
	}
	return map[string]interface{}{"address": id.Address}
}

func (c *Client) Endpoint() string { return c.endpoint }

// RegisterListeners attaches the state handlers to the connection. It returns
// true only for the call that attached them. Before the connection is built
// the registration is deferred to its construction and false is returned.
func (c *Client) RegisterListeners() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.router == nil {
		c.wantListeners = true
		return false
	}
	return c.router.Register()
}

// Connect starts connecting, building the connection first if an earlier
// attempt failed.
func (c *Client) Connect() error {
	c.mu.Lock()
	if err := c.build(); err != nil {
		c.mu.Unlock()
		return err
	}
	socket := c.socket
	c.mu.Unlock()

	socket.Connect()
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (c *Client) Disconnect() {
	c.mu.Lock()
	socket := c.socket
	c.mu.Unlock()
	if socket != nil {
		socket.Disconnect()
	}
}

// Close disconnects and releases the drop log.
func (c *Client) Close() error {
	c.Disconnect()
	if c.drops != nil {
		return c.drops.Close()
	}
	return nil
}

// SendDirectMessage asks the server to deliver body to peer. The message
// shows up in the conversation when the server confirms it with dm:sent.
func (c *Client) SendDirectMessage(ctx context.Context, peer, body string) error {
	peer = wire.NormalizeAddress(peer)
	if peer == "" {
		return ErrEmptyPeer
	}
	if strings.TrimSpace(body) == "" {
		return ErrEmptyBody
	}

	c.mu.Lock()
	socket := c.socket
	c.mu.Unlock()
	if socket == nil {
		return transport.ErrNotConnected
	}
	return socket.Emit(ctx, wire.EventDMSend, &wire.DirectMessage{To: peer, Body: body})
}

// DropLog returns the drop log, nil if none is configured.
func (c *Client) DropLog() *store.DropLog { return c.drops }

func (c *Client) Status() state.StatusReader { return c.stores.Status }

func (c *Client) Presence() state.PresenceReader { return c.stores.Presence }

func (c *Client) Conversations() state.ConversationReader { return c.stores.Conversations }
