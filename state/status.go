package state

import (
	"sync"

	"github.com/mqy/minichat/wire"
)

type ConnStatus int

const (
	Disconnected ConnStatus = iota
	Connected
	ServerWarming
	AuthFailed
)

func (s ConnStatus) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case ServerWarming:
		return "server warming"
	case AuthFailed:
		return "auth failed"
	default:
		return "unknown"
	}
}

// AllStatuses lists every ConnStatus, in declaration order.
var AllStatuses = []ConnStatus{Disconnected, Connected, ServerWarming, AuthFailed}

// StatusFor maps a transport lifecycle event to the status it leads to.
func StatusFor(event string) (ConnStatus, bool) {
	switch event {
	case wire.EventConnect:
		return Connected, true
	case wire.EventDisconnect:
		return Disconnected, true
	case wire.EventConnectError:
		return AuthFailed, true
	}
	return 0, false
}

type StatusReader interface {
	Get() ConnStatus
	Subscribe(fn func(ConnStatus)) (cancel func())
}

// Status holds exactly one ConnStatus, Disconnected initially.
type Status struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	cur     ConnStatus
	subs    subscribers[ConnStatus]
}

func NewStatus() *Status {
	return &Status{cur: Disconnected}
}

func (s *Status) Get() ConnStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Set stores v and notifies observers. Setting the current value again is a
// no-op.
func (s *Status) Set(v ConnStatus) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.cur == v {
		s.mu.Unlock()
		return false
	}
	s.cur = v
	s.mu.Unlock()

	s.subs.notify(v)
	return true
}

// Apply moves to the status a lifecycle event leads to. It returns whether
// the status changed; unknown events leave it unchanged.
func (s *Status) Apply(event string) bool {
	v, ok := StatusFor(event)
	if !ok {
		return false
	}
	return s.Set(v)
}

// Subscribe calls fn with the current status, then after every change. fn
// may call Get but must not Set or Subscribe.
func (s *Status) Subscribe(fn func(ConnStatus)) func() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cancel := s.subs.add(fn)
	fn(s.Get())
	return cancel
}
