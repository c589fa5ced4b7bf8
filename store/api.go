// Package store persists diagnostics of the chat client and messages of the
// chat server.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mqy/minichat/wire"
)

// Drop is a server frame the client rejected.
type Drop struct {
	Seq     uint64          `json:"seq"`
	Time    time.Time       `json:"time"`
	Event   string          `json:"event"`
	Reason  string          `json:"reason"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is a direct message as saved by the chat server.
type Message struct {
	Offset int64 `json:"-"` // kafka offset, 0 when not relayed through kafka
	*wire.ChatMessage
}

type IMessageStore interface {
	// Save inserts msg. Saving the same message id twice returns an error
	// for which IsDupKeyError is true.
	Save(ctx context.Context, msg *Message) error

	// History gets up to limit messages exchanged between a and b, newest
	// first.
	History(ctx context.Context, a, b string, limit int) ([]*wire.ChatMessage, error)

	// DeleteOutdated deletes messages older than ttlDays days.
	DeleteOutdated(ctx context.Context, ttlDays int32) (int64, error)

	IsDupKeyError(err error) bool
}
