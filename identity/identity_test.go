package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatic(t *testing.T) {
	id, ok := Static("0xABCdef").Current()
	assert.True(t, ok)
	assert.Equal(t, "0xabcdef", id.Address)

	_, ok = Static("  ").Current()
	assert.False(t, ok)
}

func TestSettable(t *testing.T) {
	var s Settable
	_, ok := s.Current()
	assert.False(t, ok)

	s.Set("0xABC")
	id, ok := s.Current()
	assert.True(t, ok)
	assert.Equal(t, "0xabc", id.Address)

	s.Clear()
	_, ok = s.Current()
	assert.False(t, ok)
}
