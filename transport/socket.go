// Package transport keeps one reconnecting Socket.IO connection to the chat
// server over a websocket and dispatches its events.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/backoff"
	"github.com/mqy/minichat/wire"
)

const (
	// Time allowed to write a frame to the server.
	defaultWriteWait = 3 * time.Second

	// Time allowed to dial and to receive the Engine.IO open packet.
	defaultHandshakeTimeout = 10 * time.Second

	// Used until the open packet tells otherwise.
	defaultKeepAlive = 45 * time.Second

	// websocket max message size to read.
	readLimit = 1 << 20

	sendQueueSize = 16
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: socket closed")

	errServerDisconnect = errors.New("transport: disconnected by server")
	errServerClose      = errors.New("transport: engine closed by server")
)

// Handler receives the first argument of an event, nil if there is none.
// Lifecycle events carry: connect {sid}, disconnect {reason},
// connect_error {message}.
type Handler func(payload json.RawMessage)

type Options struct {
	// Jar supplies cookies to the websocket handshake (credential forwarding).
	Jar http.CookieJar
	// Header is sent with the websocket handshake.
	Header http.Header
	// Auth is sent in the Socket.IO CONNECT packet when not nil.
	Auth map[string]interface{}
	// AuthFunc, when set, is called on every dial and its result is sent
	// instead of Auth.
	AuthFunc func() map[string]interface{}

	Reconnection      bool
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64

	HandshakeTimeout time.Duration
	WriteWait        time.Duration

	// Dialer overrides the websocket dialer built from the fields above.
	Dialer *websocket.Dialer
}

func DefaultOptions() Options {
	return Options{
		Reconnection:      true,
		BackoffMin:        backoff.MinInterval,
		BackoffMax:        backoff.MaxInterval,
		BackoffMultiplier: backoff.Multiplier,
		HandshakeTimeout:  defaultHandshakeTimeout,
		WriteWait:         defaultWriteWait,
	}
}

// Socket is a duplex event channel to one server. It does not dial until
// Connect is called. All handlers run on a single goroutine, one at a time,
// in the order the server sent the frames.
type Socket struct {
	id     string
	url    *url.URL
	opts   Options
	dialer *websocket.Dialer

	hmu      sync.RWMutex
	handlers map[string][]Handler

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	sess    *session
}

// session is the state of one websocket connection.
type session struct {
	sendC     chan []byte
	done      chan struct{}
	connected bool
}

// New builds a Socket for endpoint, an http(s) or ws(s) URL. It fails when the
// endpoint cannot be used.
func New(endpoint string, opts Options) (*Socket, error) {
	u, err := wire.SocketURL(endpoint)
	if err != nil {
		return nil, err
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	d := opts.Dialer
	if d == nil {
		d = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
			Jar:              opts.Jar,
		}
	}
	return &Socket{
		id:       uuid.New(),
		url:      u,
		opts:     opts,
		dialer:   d,
		handlers: make(map[string][]Handler),
	}, nil
}

func (s *Socket) String() string {
	return fmt.Sprintf("socket %s (%s)", s.id, s.url.Host)
}

func (s *Socket) ID() string { return s.id }

func (s *Socket) URL() string { return s.url.String() }

// On adds h to the handlers of event. Adding the same handler twice makes it
// run twice per event.
func (s *Socket) On(event string, h Handler) {
	s.hmu.Lock()
	s.handlers[event] = append(s.handlers[event], h)
	s.hmu.Unlock()
}

// HandlerCount returns how many handlers are attached to event.
func (s *Socket) HandlerCount(event string) int {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	return len(s.handlers[event])
}

// Connect starts dialing in the background. It is a no-op while the socket
// is already running.
func (s *Socket) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Disconnect closes the connection and stops reconnecting. It returns after
// the disconnect event, if any, has been handled.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess != nil && s.sess.connected
}

// Emit sends an event with one argument to the server.
func (s *Socket) Emit(ctx context.Context, event string, v interface{}) error {
	frame, err := wire.EncodeEvent(event, v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	sess := s.sess
	ok := sess != nil && sess.connected
	s.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}

	select {
	case sess.sendC <- frame:
		return nil
	case <-sess.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Socket) run(ctx context.Context, done chan struct{}) {
	glog.Infof("%s: run(): enter", s)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		glog.Infof("%s: run(): exited", s)
		close(done)
	}()

	b := backoff.New(s.opts.BackoffMin, s.opts.BackoffMax, s.opts.BackoffMultiplier)

	for {
		wasConnected, err := s.serve(ctx)
		if ctx.Err() != nil {
			return
		}

		var ce *wire.ConnectError
		if errors.As(err, &ce) {
			glog.Errorf("%s: server rejected connection: %v", s, ce)
			return
		}
		if errors.Is(err, errServerDisconnect) {
			glog.Infof("%s: disconnected by server, not reconnecting", s)
			return
		}
		if !s.opts.Reconnection {
			glog.Infof("%s: connection lost: %v, reconnection disabled", s, err)
			return
		}

		if wasConnected {
			b.Reset()
		}
		sleep := b.Next()
		glog.Infof("%s: connection lost: %v, reconnecting in %s", s, err, sleep)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return
		}
	}
}

// serve runs one connection until it ends. wasConnected reports whether the
// server accepted the Socket.IO connection.
func (s *Socket) serve(ctx context.Context) (wasConnected bool, err error) {
	conn, keepAlive, err := s.dial(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.dispatch(wire.EventConnectError, reasonPayload("message", err.Error()))
		}
		return false, err
	}

	sess := &session{
		sendC: make(chan []byte, sendQueueSize),
		done:  make(chan struct{}),
	}
	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sendLoop(ctx, conn, sess)
	}()

	err = s.recvLoop(conn, sess, keepAlive)

	s.mu.Lock()
	wasConnected = sess.connected
	sess.connected = false
	s.sess = nil
	s.mu.Unlock()

	close(sess.done)
	wg.Wait()
	conn.Close()

	if wasConnected {
		reason := "transport close"
		switch {
		case ctx.Err() != nil:
			reason = "io client disconnect"
		case errors.Is(err, errServerDisconnect):
			reason = "io server disconnect"
		}
		s.dispatch(wire.EventDisconnect, reasonPayload("reason", reason))
	} else {
		var ce *wire.ConnectError
		if ctx.Err() == nil && !errors.As(err, &ce) {
			s.dispatch(wire.EventConnectError, reasonPayload("message", err.Error()))
		}
	}
	return wasConnected, err
}

// dial opens the websocket, reads the Engine.IO open packet and sends the
// Socket.IO connect packet. keepAlive is the read deadline window.
func (s *Socket) dial(ctx context.Context) (conn *websocket.Conn, keepAlive time.Duration, err error) {
	glog.V(5).Infof("%s: dialing %s", s, s.url)
	conn, resp, err := s.dialer.DialContext(ctx, s.url.String(), s.opts.Header)
	if err != nil {
		if resp != nil {
			return nil, 0, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, 0, fmt.Errorf("dial: %w", err)
	}
	defer func() {
		if err != nil {
			conn.Close()
			conn = nil
		}
	}()

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return nil, 0, fmt.Errorf("read open packet: %w", err)
	}
	p, err := wire.DecodeEngine(frame)
	if err != nil || p.Type != wire.EngineOpen {
		return nil, 0, fmt.Errorf("expected open packet, got %q", frame)
	}
	var open wire.OpenPayload
	if err := json.Unmarshal(p.Data, &open); err != nil {
		return nil, 0, fmt.Errorf("decode open packet: %w", err)
	}
	keepAlive = open.KeepAlive()
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	glog.V(5).Infof("%s: engine open, sid: %s, keepalive: %s", s, open.SID, keepAlive)

	var auth json.RawMessage
	authObj := s.opts.Auth
	if s.opts.AuthFunc != nil {
		authObj = s.opts.AuthFunc()
	}
	if authObj != nil {
		if auth, err = json.Marshal(authObj); err != nil {
			return nil, 0, fmt.Errorf("encode auth: %w", err)
		}
	}
	conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, wire.EncodeSocket(wire.SocketPacket{
		Type: wire.SocketConnect,
		Data: auth,
	})); err != nil {
		return nil, 0, fmt.Errorf("send connect packet: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(keepAlive))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(keepAlive))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.opts.WriteWait))
	})
	return conn, keepAlive, nil
}

func (s *Socket) recvLoop(conn *websocket.Conn, sess *session, keepAlive time.Duration) error {
	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(keepAlive))

		if msgType != websocket.TextMessage {
			glog.Errorf("%s: recvLoop(): unexpected message type: %d", s, msgType)
			continue
		}
		glog.V(5).Infof("%s: recvLoop(): incoming frame: %s", s, frame)

		p, err := wire.DecodeEngine(frame)
		if err != nil {
			glog.Errorf("%s: recvLoop(): %v", s, err)
			continue
		}

		switch p.Type {
		case wire.EnginePing:
			s.enqueue(sess, wire.EncodeEngine(wire.EnginePacket{Type: wire.EnginePong, Data: p.Data}))
		case wire.EngineClose:
			return errServerClose
		case wire.EngineMessage:
			if err := s.handleSocketPacket(sess, p.Data); err != nil {
				return err
			}
		case wire.EngineNoop, wire.EnginePong:
		default:
			glog.Errorf("%s: recvLoop(): unexpected engine packet %q", s, p.Type)
		}
	}
}

func (s *Socket) handleSocketPacket(sess *session, data []byte) error {
	sp, err := wire.DecodeSocket(data)
	if err != nil {
		glog.Errorf("%s: drop socket packet: %v", s, err)
		return nil
	}
	if sp.Namespace != wire.DefaultNamespace {
		glog.V(5).Infof("%s: ignore packet for namespace %s", s, sp.Namespace)
		return nil
	}

	switch sp.Type {
	case wire.SocketConnect:
		s.mu.Lock()
		already := sess.connected
		sess.connected = true
		s.mu.Unlock()
		if !already {
			glog.Infof("%s: connected", s)
			s.dispatch(wire.EventConnect, sp.Data)
		}
	case wire.SocketConnectError:
		ce := &wire.ConnectError{}
		if len(sp.Data) > 0 {
			if err := json.Unmarshal(sp.Data, ce); err != nil {
				ce.Message = string(sp.Data)
			}
		}
		payload := sp.Data
		if len(payload) == 0 {
			payload = reasonPayload("message", ce.Message)
		}
		s.dispatch(wire.EventConnectError, payload)
		return ce
	case wire.SocketDisconnect:
		return errServerDisconnect
	case wire.SocketEvent:
		name, payload, err := wire.DecodeEvent(sp.Data)
		if err != nil {
			glog.Errorf("%s: drop event: %v", s, err)
			return nil
		}
		switch name {
		case wire.EventConnect, wire.EventDisconnect, wire.EventConnectError:
			glog.Errorf("%s: drop event with reserved name %q", s, name)
			return nil
		}
		s.dispatch(name, payload)
	case wire.SocketAck:
		glog.V(5).Infof("%s: ignore ack %d", s, sp.AckID)
	}
	return nil
}

func (s *Socket) enqueue(sess *session, frame []byte) {
	select {
	case sess.sendC <- frame:
	case <-sess.done:
	}
}

// sendLoop is the only writer of conn besides control frames.
func (s *Socket) sendLoop(ctx context.Context, conn *websocket.Conn, sess *session) {
	defer glog.V(5).Infof("%s: sendLoop(): exited", s)
	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			_ = conn.WriteMessage(websocket.TextMessage, wire.EncodeSocket(wire.SocketPacket{Type: wire.SocketDisconnect}))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close() // unblocks recvLoop
			return
		case <-sess.done:
			return
		case frame := <-sess.sendC:
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				glog.Errorf("%s: sendLoop(): write error: %v", s, err)
				conn.Close()
				return
			}
		}
	}
}

// dispatch runs the handlers of event in registration order. A panicking
// handler is logged and skipped.
func (s *Socket) dispatch(event string, payload json.RawMessage) {
	s.hmu.RLock()
	hs := append([]Handler(nil), s.handlers[event]...)
	s.hmu.RUnlock()

	if len(hs) == 0 {
		glog.V(5).Infof("%s: no handler for %s", s, event)
		return
	}
	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("%s: handler for %s panicked: %v", s, event, r)
				}
			}()
			h(payload)
		}()
	}
}

func reasonPayload(key, value string) json.RawMessage {
	out, _ := json.Marshal(map[string]string{key: value})
	return out
}
