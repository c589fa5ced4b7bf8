package state

import (
	"sync"

	"github.com/mqy/minichat/wire"
)

type PresenceReader interface {
	Snapshot() map[string]bool
	Online(address string) (online, known bool)
	Seeded() bool
	Subscribe(fn func(map[string]bool)) (cancel func())
}

// Presence maps peer address to online state. A snapshot replaces the table;
// a delta sets one key and never deletes one, so the last known state of a
// peer stays available.
type Presence struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	table   map[string]bool
	seeded  bool
	subs    subscribers[map[string]bool]
}

func NewPresence() *Presence {
	return &Presence{table: make(map[string]bool)}
}

// Replace swaps in the table described by a presence snapshot.
func (p *Presence) Replace(users []wire.PresenceUser) {
	next := make(map[string]bool, len(users))
	for _, u := range users {
		next[wire.NormalizeAddress(u.Address)] = u.Online
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	p.table = next
	p.seeded = true
	p.mu.Unlock()

	p.subs.notify(copyTable(next))
}

// SetOnline upserts one address.
func (p *Presence) SetOnline(address string, online bool) {
	address = wire.NormalizeAddress(address)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	next := copyTable(p.table)
	next[address] = online
	p.table = next
	p.mu.Unlock()

	p.subs.notify(copyTable(next))
}

func (p *Presence) Snapshot() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copyTable(p.table)
}

func (p *Presence) Online(address string) (bool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	online, known := p.table[wire.NormalizeAddress(address)]
	return online, known
}

// Seeded reports whether a presence snapshot has been applied.
func (p *Presence) Seeded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.seeded
}

// Subscribe calls fn with a copy of the table, then after every mutation.
// fn may read p but must not mutate it or Subscribe to it.
func (p *Presence) Subscribe(fn func(map[string]bool)) func() {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	cancel := p.subs.add(fn)
	fn(p.Snapshot())
	return cancel
}

func copyTable(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
