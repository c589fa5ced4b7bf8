package state

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/wire"
)

func msg(from, to, body string) wire.ChatMessage {
	return wire.ChatMessage{From: from, To: to, Body: body}
}

func TestConversationsAppendOrder(t *testing.T) {
	c := NewConversations()
	const n = 5
	for i := 0; i < n; i++ {
		c.Append("0xdef", msg("0xdef", "0xabc", fmt.Sprint(i)))
	}
	c.Append("0x123", msg("0x123", "0xabc", "other"))

	h := c.History("0xDEF")
	require.Len(t, h, n)
	for i, m := range h {
		assert.Equal(t, fmt.Sprint(i), m.Body)
	}
	assert.Equal(t, 1, c.Len("0x123"))
	assert.Equal(t, []string{"0x123", "0xdef"}, c.Peers())
}

func TestConversationsHistoryIsStable(t *testing.T) {
	c := NewConversations()
	c.Append("0xdef", msg("0xdef", "0xabc", "a"))
	before := c.History("0xdef")

	c.Append("0xdef", msg("0xdef", "0xabc", "b"))

	assert.Len(t, before, 1)
	assert.Equal(t, "a", before[0].Body)
	assert.Len(t, c.History("0xdef"), 2)
}

func TestConversationsNoDedup(t *testing.T) {
	c := NewConversations()
	m := wire.ChatMessage{ID: "42", From: "0xdef", To: "0xabc", Body: "dup"}
	c.Append("0xdef", m)
	c.Append("0xdef", m)
	assert.Equal(t, 2, c.Len("0xdef"))
}

func TestConversationsSubscribe(t *testing.T) {
	c := NewConversations()
	var lens []int
	cancel := c.Subscribe(func(m map[string][]wire.ChatMessage) { lens = append(lens, len(m["0xdef"])) })

	c.Append("0xdef", msg("0xdef", "0xabc", "a"))
	c.Append("0xdef", msg("0xdef", "0xabc", "b"))
	cancel()
	c.Append("0xdef", msg("0xdef", "0xabc", "c"))

	assert.Equal(t, []int{0, 1, 2}, lens)
}

func TestConversationsConcurrentReaders(t *testing.T) {
	c := NewConversations()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			c.Append("0xdef", msg("0xdef", "0xabc", fmt.Sprint(i)))
		}
	}()
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				h := c.History("0xdef")
				for k, m := range h {
					if m.Body != fmt.Sprint(k) {
						t.Errorf("history out of order at %d: %q", k, m.Body)
						return
					}
				}
				_ = c.Snapshot()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 200, c.Len("0xdef"))
}
