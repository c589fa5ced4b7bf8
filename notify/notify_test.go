package notify_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/mqy/minichat/notify"
	"github.com/mqy/minichat/notify/mock"
)

func TestBell(t *testing.T) {
	var buf bytes.Buffer
	b := &notify.Bell{W: &buf}
	assert.NoError(t, b.Play(context.Background(), notify.CueIncoming))
	assert.NoError(t, b.Play(context.Background(), notify.CueOutgoing))
	assert.Equal(t, "\a\a", buf.String())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, b.Play(ctx, notify.CueIncoming))
	assert.Equal(t, "\a\a", buf.String())
}

func TestFireSwallowsError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	done := make(chan struct{})
	sink := mock.NewMockSink(ctrl)
	sink.EXPECT().Play(gomock.Any(), notify.CueIncoming).DoAndReturn(func(context.Context, notify.Cue) error {
		close(done)
		return errors.New("playback blocked")
	})

	notify.Fire(sink, notify.CueIncoming)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Play")
	}
}

type panicSink struct{ called chan struct{} }

func (p panicSink) Play(context.Context, notify.Cue) error {
	close(p.called)
	panic("audio device gone")
}

func TestFireRecoversPanic(t *testing.T) {
	s := panicSink{called: make(chan struct{})}
	notify.Fire(s, notify.CueIncoming)
	select {
	case <-s.called:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Play")
	}
	// Give the goroutine time to unwind; a leaked panic would crash the test binary.
	time.Sleep(10 * time.Millisecond)
}

func TestFireNilSink(t *testing.T) {
	notify.Fire(nil, notify.CueIncoming)
}
