package ws

import (
	"sort"
	"sync"
)

// memory handler store for local sessions.
type HandlerStore struct {
	sync.RWMutex
	handlers map[string]*Handler
}

func newHandlerStore() *HandlerStore {
	return &HandlerStore{handlers: make(map[string]*Handler)}
}

func (hs *HandlerStore) get(sid string) *Handler {
	hs.RLock()
	h := hs.handlers[sid]
	hs.RUnlock()
	return h
}

func (hs *HandlerStore) del(sid string) bool {
	hs.Lock()
	defer hs.Unlock()
	if _, ok := hs.handlers[sid]; ok {
		delete(hs.handlers, sid)
		return true
	}
	return false
}

func (hs *HandlerStore) add(handler *Handler) {
	hs.Lock()
	hs.handlers[handler.sid] = handler
	hs.Unlock()
}

func (hs *HandlerStore) getByAddress(address string) []*Handler {
	hs.RLock()
	defer hs.RUnlock()

	var out []*Handler
	for _, h := range hs.handlers {
		if h.address == address {
			out = append(out, h)
		}
	}
	return out
}

// addresses returns the sorted set of addresses with at least one session.
func (hs *HandlerStore) addresses() []string {
	hs.RLock()
	seen := make(map[string]struct{}, len(hs.handlers))
	for _, h := range hs.handlers {
		seen[h.address] = struct{}{}
	}
	hs.RUnlock()

	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (hs *HandlerStore) shallowCopy() []*Handler {
	hs.RLock()
	defer hs.RUnlock()
	out := make([]*Handler, 0, len(hs.handlers))
	for _, h := range hs.handlers {
		out = append(out, h)
	}
	return out
}

func (hs *HandlerStore) close() {
	for _, h := range hs.shallowCopy() {
		h.close(ServerStop)
	}
}
