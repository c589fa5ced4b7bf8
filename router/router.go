// Package router turns server events into state mutations.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mqy/minichat/identity"
	"github.com/mqy/minichat/notify"
	"github.com/mqy/minichat/state"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/transport"
	"github.com/mqy/minichat/wire"
)

const (
	uninitialized int32 = iota
	registered
)

const dropRecordTimeout = time.Second

// Source delivers server events. *transport.Socket implements it.
type Source interface {
	On(event string, h transport.Handler)
}

// DropRecorder keeps the frames the router rejected. *store.DropLog
// implements it.
type DropRecorder interface {
	Record(ctx context.Context, d store.Drop) error
}

type Option func(*Router)

// WithIdentity tells the router who the local user is, to recognize echoes of
// its own messages.
func WithIdentity(p identity.Provider) Option {
	return func(r *Router) { r.id = p }
}

func WithSink(s notify.Sink) Option {
	return func(r *Router) { r.sink = s }
}

func WithDropLog(d DropRecorder) Option {
	return func(r *Router) { r.drops = d }
}

// WithMetrics registers the router metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(r *Router) { r.reg = reg }
}

// WithOutgoingCue plays notify.CueOutgoing when the server confirms a message
// sent by the local user.
func WithOutgoingCue(on bool) Option {
	return func(r *Router) { r.outgoingCue = on }
}

// Router is the only writer of the stores it is given, once registered.
type Router struct {
	src    Source
	stores *state.Stores

	id          identity.Provider
	sink        notify.Sink
	drops       DropRecorder
	reg         prometheus.Registerer
	outgoingCue bool

	metrics *metrics
	state   int32
}

func New(src Source, stores *state.Stores, opts ...Option) *Router {
	r := &Router{
		src:    src,
		stores: stores,
		id:     identity.Static(""),
		sink:   notify.Nop{},
	}
	for _, o := range opts {
		o(r)
	}
	r.metrics = newMetrics(r.reg)
	r.metrics.setStatus(stores.Status.Get())
	return r
}

// Register attaches the handlers to the source. Only the first call does
// anything; it returns whether this call registered.
//
// The flag is per Router. A chat.Client builds exactly one Router for its one
// Socket, so per Router is the same as once per connection for the process.
func (r *Router) Register() bool {
	if !atomic.CompareAndSwapInt32(&r.state, uninitialized, registered) {
		glog.V(5).Infof("router: already registered")
		return false
	}

	r.on(wire.EventConnect, r.lifecycle(wire.EventConnect))
	r.on(wire.EventDisconnect, r.lifecycle(wire.EventDisconnect))
	r.on(wire.EventConnectError, r.lifecycle(wire.EventConnectError))
	r.on(wire.EventPresenceSnapshot, r.onPresenceSnapshot)
	r.on(wire.EventPresenceOnline, r.presenceDelta(wire.EventPresenceOnline, true))
	r.on(wire.EventPresenceOffline, r.presenceDelta(wire.EventPresenceOffline, false))
	r.on(wire.EventDMSent, r.onDMSent)
	r.on(wire.EventDMMessage, r.onDMMessage)

	glog.Infof("router: registered")
	return true
}

func (r *Router) Registered() bool {
	return atomic.LoadInt32(&r.state) == registered
}

func (r *Router) on(event string, h func(json.RawMessage)) {
	r.src.On(event, func(payload json.RawMessage) {
		defer func() {
			if v := recover(); v != nil {
				glog.Errorf("router: %s handler panicked: %v", event, v)
			}
		}()
		r.metrics.events.WithLabelValues(event).Inc()
		h(payload)
	})
}

func (r *Router) lifecycle(event string) func(json.RawMessage) {
	return func(payload json.RawMessage) {
		if r.stores.Status.Apply(event) {
			glog.Infof("router: connection status: %s (%s)", r.stores.Status.Get(), event)
		}
		if event == wire.EventConnectError {
			glog.Errorf("router: connect error: %s", payload)
		}
		r.metrics.setStatus(r.stores.Status.Get())
	}
}

func (r *Router) onPresenceSnapshot(payload json.RawMessage) {
	snap, err := wire.DecodePresenceSnapshot(payload)
	if err != nil {
		r.drop(wire.EventPresenceSnapshot, payload, err)
		return
	}
	r.stores.Presence.Replace(snap.Users)
}

func (r *Router) presenceDelta(event string, online bool) func(json.RawMessage) {
	return func(payload json.RawMessage) {
		d, err := wire.DecodePresenceDelta(event, payload)
		if err != nil {
			r.drop(event, payload, err)
			return
		}
		r.stores.Presence.SetOnline(d.Address, online)
	}
}

func (r *Router) onDMSent(payload json.RawMessage) {
	msg, err := wire.DecodeChatMessage(wire.EventDMSent, payload)
	if err != nil {
		r.drop(wire.EventDMSent, payload, err)
		return
	}
	if r.outgoingCue {
		notify.Fire(r.sink, notify.CueOutgoing)
	}
	r.stores.Conversations.Append(msg.To, *msg)
	r.metrics.appended.WithLabelValues(DirectionSent).Inc()
}

func (r *Router) onDMMessage(payload json.RawMessage) {
	msg, err := wire.DecodeChatMessage(wire.EventDMMessage, payload)
	if err != nil {
		r.drop(wire.EventDMMessage, payload, err)
		return
	}

	id, ok := r.id.Current()
	isSelf := ok && identity.Normalize(id.Address) == msg.From

	peer := msg.From
	direction := DirectionReceived
	if isSelf {
		peer = msg.To
		direction = DirectionSelfEcho
	} else {
		notify.Fire(r.sink, notify.CueIncoming)
	}
	r.stores.Conversations.Append(peer, *msg)
	r.metrics.appended.WithLabelValues(direction).Inc()
}

func (r *Router) drop(event string, payload json.RawMessage, err error) {
	glog.Warningf("router: drop %s: %v, payload: %s", event, err, payload)
	r.metrics.dropped.WithLabelValues(event).Inc()

	if r.drops == nil {
		return
	}
	reason := err.Error()
	var pe *wire.PayloadError
	if errors.As(err, &pe) {
		reason = pe.Reason
	}
	d := store.Drop{Time: time.Now(), Event: event, Reason: reason}
	if json.Valid(payload) {
		d.Payload = payload
	}
	ctx, cancel := context.WithTimeout(context.Background(), dropRecordTimeout)
	defer cancel()
	if err := r.drops.Record(ctx, d); err != nil {
		glog.Errorf("router: record drop of %s: %v", event, err)
	}
}
