// Package state owns the client-side view of the chat server: connection
// status, peer presence and per-peer message history.
//
// Every owner serializes its mutations and notifies observers after each one,
// in mutation order. Observers run while the owner holds its write lock: they
// may read the owner, but must not mutate it or Subscribe to it.
package state

import (
	"sort"
	"sync"
)

type subscribers[T any] struct {
	sync.Mutex
	next int
	fns  map[int]func(T)
}

func (s *subscribers[T]) add(fn func(T)) func() {
	s.Lock()
	if s.fns == nil {
		s.fns = make(map[int]func(T))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	s.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.Lock()
			delete(s.fns, id)
			s.Unlock()
		})
	}
}

// notify calls observers in subscription order.
func (s *subscribers[T]) notify(v T) {
	s.Lock()
	ids := make([]int, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.fns[id])
	}
	s.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Stores groups the three owners of one client.
type Stores struct {
	Status        *Status
	Presence      *Presence
	Conversations *Conversations
}

func NewStores() *Stores {
	return &Stores{
		Status:        NewStatus(),
		Presence:      NewPresence(),
		Conversations: NewConversations(),
	}
}
