package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/wire"
)

type SessionError int

const (
	ReadError   SessionError = 1
	WriteError  SessionError = 2
	PingError   SessionError = 3
	BadRequest  SessionError = 4
	ServerStop  SessionError = 5
	KickedOff   SessionError = 6
	ClientClose SessionError = 7
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// websocket max message size to read.
	readLimit = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Fix error: request origin not allowed by Upgrader.CheckOrigin
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients of the demo server are served from other origins.
		return true
	},
}

// Handler manages an active connection to one client.
// Every new websocket connection creates a new session.
type Handler struct {
	sync.Mutex

	hub  *Hub
	conn *websocket.Conn

	sid      string
	remoteIP string
	created  time.Time

	// address is set once the CONNECT packet is authenticated.
	address string

	dataChan chan *SessionData
	closing  bool
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Frame []byte
	// Close closes the session after Frame is written.
	Close bool
}

func (h *Handler) String() string {
	return fmt.Sprintf("{sid: %s, address: %s, ip: %s}", h.sid, h.Address(), h.remoteIP)
}

func (h *Handler) SID() string { return h.sid }

// Address returns the authenticated address, empty before CONNECT.
func (h *Handler) Address() string {
	h.Lock()
	defer h.Unlock()
	return h.address
}

func (h *Handler) setAddress(address string) {
	h.Lock()
	h.address = address
	h.Unlock()
}

func (h *Handler) isClosing() bool {
	h.Lock()
	defer h.Unlock()
	return h.closing
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	if h.closing {
		h.Unlock()
		return
	}

	h.closing = true

	_ = h.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
	h.conn.Close()

	close(h.dataChan)
	h.Unlock()

	if cause != ServerStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
		// Ask for hub to remove this handler. Must not hold the lock: the hub
		// writes to other sessions.
		h.hub.delHandler(h)
	}
}

func (h *Handler) appendDataChan(v *SessionData) {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return
	}
	select {
	case h.dataChan <- v:
	default:
		glog.Errorf("appendDataChan(): queue full, drop frame, sid: %s", h.sid)
	}
}

// Emit sends an event with one argument to the client.
func (h *Handler) Emit(event string, v interface{}) error {
	frame, err := wire.EncodeEvent(event, v)
	if err != nil {
		return err
	}
	h.appendDataChan(&SessionData{Frame: frame})
	return nil
}

// SendRaw sends frame as is. Used to feed clients malformed input.
func (h *Handler) SendRaw(frame []byte) {
	h.appendDataChan(&SessionData{Frame: frame})
}

// Disconnect sends a Socket.IO DISCONNECT packet, then closes the session.
func (h *Handler) Disconnect() {
	h.appendDataChan(&SessionData{
		Frame: wire.EncodeSocket(wire.SocketPacket{Type: wire.SocketDisconnect}),
		Close: true,
	})
}

// Drop closes the underlying network connection without any close handshake,
// as a network failure would.
func (h *Handler) Drop() {
	_ = h.conn.UnderlyingConn().Close()
}

func sendFrame(conn *websocket.Conn, frame []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (h *Handler) keepAlive() time.Duration {
	return h.hub.conf.PingInterval + h.hub.conf.PingTimeout
}

func (h *Handler) recvLoop(r *http.Request) {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(h.keepAlive()))

	var (
		connected bool
		address   string
	)

	for !h.isClosing() {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			if !h.isClosing() {
				glog.V(5).Infof("recvLoop(): read error: %v, session: %s", err, h)
			}
			h.close(ReadError)
			return
		}
		h.conn.SetReadDeadline(time.Now().Add(h.keepAlive()))

		glog.V(5).Infof("recvLoop(): incoming client message: %s", msg)

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.close(BadRequest)
			return
		}

		p, err := wire.DecodeEngine(msg)
		if err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", msg, err)
			h.close(BadRequest)
			return
		}

		switch p.Type {
		case wire.EnginePong, wire.EngineNoop:
			continue
		case wire.EnginePing:
			h.appendDataChan(&SessionData{Frame: wire.EncodeEngine(wire.EnginePacket{Type: wire.EnginePong, Data: p.Data})})
			continue
		case wire.EngineClose:
			h.close(ClientClose)
			return
		case wire.EngineMessage:
		default:
			glog.Errorf("recvLoop(): unsupported engine packet: %s", msg)
			continue
		}

		sp, err := wire.DecodeSocket(p.Data)
		if err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", msg, err)
			h.close(BadRequest)
			return
		}

		if !connected {
			if sp.Type != wire.SocketConnect {
				glog.Errorf("recvLoop(): expect CONNECT packet, got: %s", msg)
				h.close(BadRequest)
				return
			}
			address, err = h.hub.authClient.Auth(r, sp.Data)
			if err != nil {
				glog.Errorf("recvLoop(): authenticate error: %v, session: %s", err, h)
				data, _ := json.Marshal(&wire.ConnectError{Message: err.Error()})
				h.appendDataChan(&SessionData{
					Frame: wire.EncodeSocket(wire.SocketPacket{Type: wire.SocketConnectError, Data: data}),
					Close: true,
				})
				return
			}
			h.setAddress(address)
			connected = true
			data, _ := json.Marshal(map[string]string{"sid": h.sid})
			h.appendDataChan(&SessionData{Frame: wire.EncodeSocket(wire.SocketPacket{Type: wire.SocketConnect, Data: data})})
			h.hub.addHandler(h)
			continue
		}

		switch sp.Type {
		case wire.SocketDisconnect:
			h.close(ClientClose)
			return
		case wire.SocketEvent:
			name, payload, err := wire.DecodeEvent(sp.Data)
			if err != nil {
				glog.Errorf("recvLoop(): event error: msg: %s, err: %v", msg, err)
				continue
			}
			if name != wire.EventDMSend {
				glog.Errorf("recvLoop(): unsupported event: %s", name)
				continue
			}
			if !h.hub.conf.EnableClientMsg {
				_ = h.Emit(EventDMError, newInvalidArgumentError("feature is not supported"))
				continue
			}
			dm, apiErr := h.hub.api.Send(address, payload)
			if apiErr != nil {
				glog.Errorf("recvLoop(): dm:send error: %v", apiErr)
				_ = h.Emit(EventDMError, apiErr)
				continue
			}
			if err := h.hub.routeMsg(dm); err != nil {
				glog.Errorf("recvLoop(): route message error: %v", err)
				apiErr := newInternalError(err.Error())
				interceptError(apiErr)
				_ = h.Emit(EventDMError, apiErr)
			}
		default:
			glog.Errorf("recvLoop(): unsupported request: %s", msg)
		}
	}
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(h.hub.conf.PingInterval)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h)
	}()

	ping := wire.EncodeEngine(wire.EnginePacket{Type: wire.EnginePing})

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.conn.Close()
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h)
				return
			}

			if glog.V(5) {
				logValue := string(v.Frame)
				if len(logValue) > 100 {
					logValue = logValue[:100] + " ..."
				}
				glog.Infof("sendLoop(), get from data chan, value: %s, session: %s", logValue, h)
			}

			if err := sendFrame(h.conn, v.Frame); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, err: %v", h, err)
				h.close(WriteError)
				return
			}
			if v.Close {
				h.close(KickedOff)
				return
			}
		case <-pingTicker.C:
			if err := sendFrame(h.conn, ping); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}
