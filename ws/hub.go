// Package ws serves the chat server side of the Socket.IO websocket
// transport: sessions, presence broadcasts and direct message routing.
package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/wire"
)

// Conf configures a Hub.
type Conf struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	MaxPayload   int
	MaxBodyBytes int

	// EnableClientMsg accepts dm:send from clients.
	EnableClientMsg bool
}

func DefaultConf() *Conf {
	return &Conf{
		PingInterval:    25 * time.Second,
		PingTimeout:     20 * time.Second,
		MaxPayload:      readLimit,
		MaxBodyBytes:    4096,
		EnableClientMsg: true,
	}
}

// Hub works as a hub that manages and serves sessions.
type Hub struct {
	conf       *Conf
	api        *DMApi
	authClient auth.Client
	hstore     *HandlerStore

	// presenceMu orders presence broadcasts with session add and delete.
	presenceMu sync.Mutex

	saveMsgFunc func(ctx context.Context, msg *wire.ChatMessage) error
	online      int32
}

// NewHub creates a `Hub`. It refuses connections until Online is called.
func NewHub(authClient auth.Client, conf *Conf) *Hub {
	if conf == nil {
		conf = DefaultConf()
	}
	return &Hub{
		conf:       conf,
		api:        NewApi(conf),
		authClient: authClient,
		hstore:     newHandlerStore(),
	}
}

// SetSaveMsgFunc routes accepted messages through fn instead of delivering
// them locally. fn is expected to call Deliver eventually.
func (h *Hub) SetSaveMsgFunc(fn func(ctx context.Context, msg *wire.ChatMessage) error) {
	h.saveMsgFunc = fn
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&h.online) == 0 {
		http.Error(w, "Server is warming up", http.StatusServiceUnavailable)
		return
	}

	if t := r.URL.Query().Get("transport"); t != "" && t != "websocket" {
		http.Error(w, "Transport unknown", http.StatusBadRequest)
		return
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error: %s", err)
		return
	}

	// NOTE:  after upgrade, `w.WriteHeader(...)`` causes error `response.Write on hijacked connection`.

	handler := &Handler{
		dataChan: make(chan *SessionData, 256),
		sid:      strings.ReplaceAll(uuid.New(), "-", ""),
		remoteIP: getRemoteIP(r),
		created:  time.Now(),
		conn:     conn,
		hub:      h,
	}

	open, _ := json.Marshal(&wire.OpenPayload{
		SID:          handler.sid,
		Upgrades:     []string{},
		PingInterval: int(h.conf.PingInterval / time.Millisecond),
		PingTimeout:  int(h.conf.PingTimeout / time.Millisecond),
		MaxPayload:   h.conf.MaxPayload,
	})
	if err := sendFrame(conn, wire.EncodeEngine(wire.EnginePacket{Type: wire.EngineOpen, Data: open})); err != nil {
		glog.Errorf("ServeHTTP(): send open packet error: %v", err)
		conn.Close()
		return
	}

	go handler.recvLoop(r)
	go handler.sendLoop()
}

// addHandler registers an authenticated session, sends it the presence
// snapshot and tells everyone else when its address comes online.
func (h *Hub) addHandler(handler *Handler) {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()

	address := handler.Address()
	wasOnline := len(h.hstore.getByAddress(address)) > 0
	h.hstore.add(handler)

	users := make([]wire.PresenceUser, 0)
	for _, a := range h.hstore.addresses() {
		users = append(users, wire.PresenceUser{Address: a, Online: true})
	}
	_ = handler.Emit(wire.EventPresenceSnapshot, &wire.PresenceSnapshot{Users: users})

	if !wasOnline {
		glog.V(5).Infof("address online: %s", address)
		h.broadcast(wire.EventPresenceOnline, &wire.PresenceDelta{Address: address}, handler.sid)
	}
}

func (h *Hub) delHandler(handler *Handler) {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()

	if !h.hstore.del(handler.sid) {
		return
	}
	address := handler.Address()
	if len(h.hstore.getByAddress(address)) == 0 {
		glog.V(5).Infof("address offline: %s", address)
		h.broadcast(wire.EventPresenceOffline, &wire.PresenceDelta{Address: address}, "")
	}
}

func (h *Hub) broadcast(event string, v interface{}, exceptSid string) {
	frame, err := wire.EncodeEvent(event, v)
	if err != nil {
		glog.Errorf("broadcast(): %v", err)
		return
	}
	for _, s := range h.hstore.shallowCopy() {
		if s.sid != exceptSid {
			s.appendDataChan(&SessionData{Frame: frame})
		}
	}
}

func (h *Hub) routeMsg(msg *wire.ChatMessage) error {
	if h.saveMsgFunc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return h.saveMsgFunc(ctx, msg)
	}
	h.Deliver(msg)
	return nil
}

// Deliver sends msg as dm:sent to the sessions of its sender and as
// dm:message to the sessions of its recipient.
func (h *Hub) Deliver(msg *wire.ChatMessage) {
	sent, err := wire.EncodeEvent(wire.EventDMSent, msg)
	if err != nil {
		glog.Errorf("Deliver(): %v", err)
		return
	}
	for _, s := range h.hstore.getByAddress(msg.From) {
		s.appendDataChan(&SessionData{Frame: sent})
	}
	if msg.To == msg.From {
		return
	}
	received, _ := wire.EncodeEvent(wire.EventDMMessage, msg)
	for _, s := range h.hstore.getByAddress(msg.To) {
		s.appendDataChan(&SessionData{Frame: received})
	}
}

// Sessions returns the live sessions of address, all sessions if address is
// empty.
func (h *Hub) Sessions(address string) []*Handler {
	if address == "" {
		return h.hstore.shallowCopy()
	}
	return h.hstore.getByAddress(wire.NormalizeAddress(address))
}

// Kickoff disconnects a session.
func (h *Hub) Kickoff(sid string) {
	glog.Infof("Kickoff: %s", sid)
	if s := h.hstore.get(sid); s != nil {
		glog.V(5).Infof("Kickoff(): kickoff local session: %s", s)
		s.Disconnect()
	}
}

// Online starts accepting connections.
func (h *Hub) Online() {
	glog.Infof("Online()")
	atomic.StoreInt32(&h.online, 1)
}

// Offline refuses new connections; existing sessions are kept.
func (h *Hub) Offline() {
	glog.Infof("Offline()")
	atomic.StoreInt32(&h.online, 0)
}

// Close closes all sessions.
func (h *Hub) Close() {
	h.Offline()
	glog.Infof("close connections ...")
	h.hstore.close()
	glog.Infof("close connections done")
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
