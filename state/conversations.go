package state

import (
	"sort"
	"sync"

	"github.com/mqy/minichat/wire"
)

type ConversationReader interface {
	History(peer string) []wire.ChatMessage
	Len(peer string) int
	Peers() []string
	Snapshot() map[string][]wire.ChatMessage
	Subscribe(fn func(map[string][]wire.ChatMessage)) (cancel func())
}

// Conversations keys message history by the other party. Appending builds a
// new slice for the peer, so a history returned earlier never changes.
// Returned slices are shared and must be treated as read-only.
type Conversations struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	logs    map[string][]wire.ChatMessage
	subs    subscribers[map[string][]wire.ChatMessage]
}

func NewConversations() *Conversations {
	return &Conversations{logs: make(map[string][]wire.ChatMessage)}
}

// Append adds msg to the end of peer's history. Messages are not deduplicated.
func (c *Conversations) Append(peer string, msg wire.ChatMessage) {
	peer = wire.NormalizeAddress(peer)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	old := c.logs[peer]
	next := make([]wire.ChatMessage, len(old)+1)
	copy(next, old)
	next[len(old)] = msg
	c.logs[peer] = next
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.subs.notify(snap)
}

func (c *Conversations) History(peer string) []wire.ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logs[wire.NormalizeAddress(peer)]
}

func (c *Conversations) Len(peer string) int {
	return len(c.History(peer))
}

// Peers returns every peer with history, sorted.
func (c *Conversations) Peers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.logs))
	for k := range c.logs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *Conversations) Snapshot() map[string][]wire.ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// Subscribe calls fn with a snapshot, then after every append. fn may read
// c but must not Append or Subscribe.
func (c *Conversations) Subscribe(fn func(map[string][]wire.ChatMessage)) func() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	cancel := c.subs.add(fn)
	fn(c.Snapshot())
	return cancel
}

func (c *Conversations) snapshotLocked() map[string][]wire.ChatMessage {
	out := make(map[string][]wire.ChatMessage, len(c.logs))
	for k, v := range c.logs {
		out[k] = v
	}
	return out
}
