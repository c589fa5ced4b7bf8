// Package identity supplies the wallet address of the local user.
package identity

import (
	"strings"
	"sync"
)

type Identity struct {
	Address string
}

type Provider interface {
	// Current returns the connected wallet, ok is false when none is connected.
	// The address is lowercased.
	Current() (Identity, bool)
}

// Normalize lowercases and trims an address.
func Normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

type static struct {
	id Identity
}

// Static returns a Provider for a fixed address. An empty address means
// no wallet is connected.
func Static(address string) Provider {
	return &static{id: Identity{Address: Normalize(address)}}
}

func (s *static) Current() (Identity, bool) {
	if s.id.Address == "" {
		return Identity{}, false
	}
	return s.id, true
}

// Settable is a Provider whose wallet can connect and disconnect at runtime.
type Settable struct {
	sync.RWMutex
	address string
}

func (s *Settable) Set(address string) {
	s.Lock()
	s.address = Normalize(address)
	s.Unlock()
}

func (s *Settable) Clear() {
	s.Set("")
}

func (s *Settable) Current() (Identity, bool) {
	s.RLock()
	defer s.RUnlock()
	if s.address == "" {
		return Identity{}, false
	}
	return Identity{Address: s.address}, true
}
