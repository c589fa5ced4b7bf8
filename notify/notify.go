// Package notify plays audible cues for chat traffic.
package notify

//go:generate mockgen -destination=mock/sink.go -package=mock github.com/mqy/minichat/notify Sink

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
)

type Cue int

const (
	CueIncoming Cue = iota
	CueOutgoing
)

// playTimeout bounds a detached Play call.
const playTimeout = 5 * time.Second

func (c Cue) String() string {
	switch c {
	case CueIncoming:
		return "incoming"
	case CueOutgoing:
		return "outgoing"
	default:
		return "unknown"
	}
}

type Sink interface {
	Play(ctx context.Context, cue Cue) error
}

// Nop discards every cue.
type Nop struct{}

func (Nop) Play(context.Context, Cue) error { return nil }

// Bell rings the terminal bell. Cues arriving in quick succession each ring
// once; writes are serialized.
type Bell struct {
	mu sync.Mutex
	W  io.Writer
}

func (b *Bell) Play(ctx context.Context, cue Cue) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.W == nil {
		return fmt.Errorf("bell: no writer")
	}
	_, err := io.WriteString(b.W, "\a")
	return err
}

// Fire plays cue on a detached goroutine. Errors and panics are logged and
// dropped; the caller never waits.
func Fire(sink Sink, cue Cue) {
	if sink == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				glog.Errorf("notify: play %s panicked: %v", cue, r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), playTimeout)
		defer cancel()
		if err := sink.Play(ctx, cue); err != nil {
			glog.V(5).Infof("notify: play %s failed: %v", cue, err)
		}
	}()
}
