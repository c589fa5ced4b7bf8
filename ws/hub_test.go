package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/wire"
)

func newTestHub(t *testing.T, setup ...func(*Hub)) (*Hub, *httptest.Server) {
	conf := DefaultConf()
	conf.PingInterval = 10 * time.Second
	conf.PingTimeout = 10 * time.Second
	hub := NewHub(&auth.MockClient{}, conf)
	for _, fn := range setup {
		fn(hub)
	}
	hub.Online()

	mux := http.NewServeMux()
	mux.Handle(wire.DefaultPath, hub)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

type peer struct {
	t    *testing.T
	conn *websocket.Conn
	sid  string
}

// join connects as address and consumes the handshake up to the presence
// snapshot, which it returns.
func join(t *testing.T, srv *httptest.Server, address string) (*peer, []wire.PresenceUser) {
	u, err := wire.SocketURL(srv.URL)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	p := &peer{t: t, conn: conn}
	open := p.readEngine()
	require.Equal(t, wire.EngineOpen, open.Type)

	auth, _ := json.Marshal(map[string]string{"address": address})
	p.write(wire.EncodeSocket(wire.SocketPacket{Type: wire.SocketConnect, Data: auth}))

	sp := p.readSocket()
	require.Equal(t, wire.SocketConnect, sp.Type, "%s", sp.Data)
	var ack struct{ Sid string }
	require.NoError(t, json.Unmarshal(sp.Data, &ack))
	p.sid = ack.Sid

	name, payload := p.readEvent()
	require.Equal(t, wire.EventPresenceSnapshot, name)
	snap, err := wire.DecodePresenceSnapshot(payload)
	require.NoError(t, err)
	return p, snap.Users
}

func (p *peer) write(frame []byte) {
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, frame))
}

func (p *peer) readEngine() wire.EnginePacket {
	p.t.Helper()
	for {
		_ = p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, frame, err := p.conn.ReadMessage()
		require.NoError(p.t, err)
		pkt, err := wire.DecodeEngine(frame)
		require.NoError(p.t, err)
		if pkt.Type != wire.EnginePing {
			return pkt
		}
	}
}

func (p *peer) readSocket() wire.SocketPacket {
	p.t.Helper()
	pkt := p.readEngine()
	require.Equal(p.t, wire.EngineMessage, pkt.Type)
	sp, err := wire.DecodeSocket(pkt.Data)
	require.NoError(p.t, err)
	return sp
}

func (p *peer) readEvent() (string, json.RawMessage) {
	p.t.Helper()
	sp := p.readSocket()
	require.Equal(p.t, wire.SocketEvent, sp.Type, "%s", sp.Data)
	name, payload, err := wire.DecodeEvent(sp.Data)
	require.NoError(p.t, err)
	return name, payload
}

func (p *peer) send(to, body string) {
	frame, err := wire.EncodeEvent(wire.EventDMSend, &wire.DirectMessage{To: to, Body: body})
	require.NoError(p.t, err)
	p.write(frame)
}

func TestHubWarmingUp(t *testing.T) {
	hub, srv := newTestHub(t)
	hub.Offline()

	resp, err := http.Get(srv.URL + wire.DefaultPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHubRejectsPolling(t *testing.T) {
	_, srv := newTestHub(t)

	resp, err := http.Get(srv.URL + wire.DefaultPath + "?EIO=4&transport=polling")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHubPresenceAndDelivery(t *testing.T) {
	hub, srv := newTestHub(t)

	alice, users := join(t, srv, "0xA")
	assert.Equal(t, []wire.PresenceUser{{Address: "0xa", Online: true}}, users)

	bob, users := join(t, srv, "0xb")
	assert.ElementsMatch(t, []wire.PresenceUser{{Address: "0xa", Online: true}, {Address: "0xb", Online: true}}, users)

	name, payload := alice.readEvent()
	assert.Equal(t, wire.EventPresenceOnline, name)
	assert.JSONEq(t, `{"address":"0xb"}`, string(payload))

	alice.send("0xB", "hello")

	name, payload = alice.readEvent()
	require.Equal(t, wire.EventDMSent, name)
	sent, err := wire.DecodeChatMessage(name, payload)
	require.NoError(t, err)

	name, payload = bob.readEvent()
	require.Equal(t, wire.EventDMMessage, name)
	got, err := wire.DecodeChatMessage(name, payload)
	require.NoError(t, err)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "0xa", got.From)
	assert.Equal(t, "0xb", got.To)
	assert.Equal(t, "hello", got.Body)
	assert.False(t, got.Timestamp.IsZero())

	// a second session of bob does not announce him again
	bob2, _ := join(t, srv, "0xb")
	require.Len(t, hub.Sessions("0xB"), 2)

	bob.conn.Close()
	require.Eventually(t, func() bool { return len(hub.Sessions("0xb")) == 1 }, 5*time.Second, 5*time.Millisecond)
	bob2.conn.Close()

	name, payload = alice.readEvent()
	assert.Equal(t, wire.EventPresenceOffline, name)
	assert.JSONEq(t, `{"address":"0xb"}`, string(payload))
}

func TestHubSendToSelf(t *testing.T) {
	_, srv := newTestHub(t)
	alice, _ := join(t, srv, "0xa")

	alice.send("0xa", "note to self")
	name, _ := alice.readEvent()
	assert.Equal(t, wire.EventDMSent, name)

	alice.send("0xb", "second")
	name, payload := alice.readEvent()
	assert.Equal(t, wire.EventDMSent, name, "no dm:message for the self message came in between")
	msg, err := wire.DecodeChatMessage(name, payload)
	require.NoError(t, err)
	assert.Equal(t, "second", msg.Body)
}

func TestHubDMError(t *testing.T) {
	_, srv := newTestHub(t, func(hub *Hub) {
		hub.SetSaveMsgFunc(func(ctx context.Context, msg *wire.ChatMessage) error {
			return errors.New("mysql: connection refused")
		})
	})
	alice, _ := join(t, srv, "0xa")

	alice.send("", "hi")
	name, payload := alice.readEvent()
	require.Equal(t, EventDMError, name)
	var apiErr Error
	require.NoError(t, json.Unmarshal(payload, &apiErr))
	assert.Equal(t, ErrorCodeInvalidArguments, apiErr.Code)

	alice.send("0xb", "hi")
	name, payload = alice.readEvent()
	require.Equal(t, EventDMError, name)
	require.NoError(t, json.Unmarshal(payload, &apiErr))
	assert.Equal(t, ErrorCodeInternal, apiErr.Code)
	assert.Equal(t, []string{"temp storage error"}, apiErr.Params)
}

func TestHubAuthRejected(t *testing.T) {
	hub, srv := newTestHub(t, func(hub *Hub) {
		hub.authClient = auth.ClientFunc(func(*http.Request, json.RawMessage) (string, error) {
			return "", errors.New("bad signature")
		})
	})

	u, _ := wire.SocketURL(srv.URL)
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	defer conn.Close()

	p := &peer{t: t, conn: conn}
	p.readEngine()
	p.write(wire.EncodeSocket(wire.SocketPacket{Type: wire.SocketConnect}))

	sp := p.readSocket()
	require.Equal(t, wire.SocketConnectError, sp.Type)
	assert.JSONEq(t, `{"message":"bad signature"}`, string(sp.Data))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "session closed")
	assert.Empty(t, hub.Sessions(""))
}

func TestHubKickoff(t *testing.T) {
	hub, srv := newTestHub(t)
	alice, _ := join(t, srv, "0xa")

	hub.Kickoff(alice.sid)
	sp := alice.readSocket()
	assert.Equal(t, wire.SocketDisconnect, sp.Type)
	require.Eventually(t, func() bool { return len(hub.Sessions("0xa")) == 0 }, 5*time.Second, 5*time.Millisecond)
}
