package state

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mqy/minichat/wire"
)

func TestStatusTransitions(t *testing.T) {
	s := NewStatus()
	assert.Equal(t, Disconnected, s.Get())

	assert.True(t, s.Apply(wire.EventConnectError))
	assert.Equal(t, AuthFailed, s.Get())

	assert.True(t, s.Apply(wire.EventConnect))
	assert.Equal(t, Connected, s.Get())

	assert.True(t, s.Apply(wire.EventDisconnect))
	assert.Equal(t, Disconnected, s.Get())

	// repeated events are not transitions
	assert.False(t, s.Apply(wire.EventDisconnect))
	assert.True(t, s.Apply(wire.EventConnectError))
	assert.False(t, s.Apply(wire.EventConnectError))
	assert.True(t, s.Apply(wire.EventDisconnect))

	assert.False(t, s.Apply("reconnect_attempt"))
	assert.False(t, s.Apply(wire.EventDMMessage))
	assert.Equal(t, Disconnected, s.Get())
}

func TestStatusSubscribe(t *testing.T) {
	s := NewStatus()
	var seen []ConnStatus
	cancel := s.Subscribe(func(v ConnStatus) { seen = append(seen, v) })

	s.Set(ServerWarming)
	s.Set(ServerWarming)
	s.Apply(wire.EventConnect)
	cancel()
	s.Apply(wire.EventDisconnect)

	assert.Equal(t, []ConnStatus{Disconnected, ServerWarming, Connected}, seen)
}

func TestStatusObserverReads(t *testing.T) {
	s := NewStatus()
	var seen []ConnStatus
	s.Subscribe(func(ConnStatus) { seen = append(seen, s.Get()) })
	s.Set(Connected)
	assert.Equal(t, []ConnStatus{Disconnected, Connected}, seen)
}

func TestConnStatusString(t *testing.T) {
	assert.Equal(t, "server warming", ServerWarming.String())
	assert.Equal(t, "auth failed", AuthFailed.String())
	assert.Equal(t, "unknown", ConnStatus(99).String())
	assert.Len(t, AllStatuses, 4)
}
