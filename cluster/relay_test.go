package cluster

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cluster_mock "github.com/mqy/minichat/cluster/mock"
	"github.com/mqy/minichat/store"
	store_mock "github.com/mqy/minichat/store/mock"
	"github.com/mqy/minichat/wire"
)

func kmsg(offset int64, value string) kafka.Message {
	return kafka.Message{Offset: offset, Value: []byte(value), Time: time.Now()}
}

// feed serves msgs to FetchMessage, then blocks until ctx is done.
func feed(reader *cluster_mock.MockIKafkaReader, msgs ...kafka.Message) {
	ch := make(chan kafka.Message, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	reader.EXPECT().FetchMessage(gomock.Any()).DoAndReturn(func(ctx context.Context) (kafka.Message, error) {
		select {
		case m := <-ch:
			return m, nil
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		}
	}).AnyTimes()
}

func runRelay(t *testing.T, r *relay) (cancel func()) {
	ctx, cancelFn := context.WithCancel(context.Background())
	stopped := make(chan struct{}, 1)
	go r.run(ctx, stopped)
	return func() {
		cancelFn()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Fatal("relay did not stop")
		}
	}
}

func waitOffsets(t *testing.T, committed <-chan int64, n int) []int64 {
	t.Helper()
	var got []int64
	for len(got) < n {
		select {
		case o := <-committed:
			got = append(got, o)
		case <-time.After(5 * time.Second):
			t.Fatalf("committed %v, want %d offsets", got, n)
		}
	}
	return got
}

func TestConsumeLoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ms := store_mock.NewMockIMessageStore(ctrl)
	reader := cluster_mock.NewMockIKafkaReader(ctrl)
	hub := cluster_mock.NewMockIHub(ctrl)

	feed(reader,
		kmsg(1, `{"id":"m1","from":"0xA","to":"0xb","body":"hi"}`),
		kmsg(2, `not json`),
		kmsg(3, `{"id":"m1","from":"0xa","to":"0xb","body":"hi"}`),
		kmsg(4, `{"from":"0xa","to":"0xb","body":"no id"}`),
	)

	dupErr := errors.New("duplicate entry")
	gomock.InOrder(
		ms.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, m *store.Message) error {
			assert.Equal(t, int64(1), m.Offset)
			assert.Equal(t, "0xa", m.From)
			return nil
		}),
		ms.EXPECT().Save(gomock.Any(), gomock.Any()).Return(dupErr),
	)
	ms.EXPECT().IsDupKeyError(dupErr).Return(true)

	delivered := make(chan *wire.ChatMessage, 4)
	hub.EXPECT().Deliver(gomock.Any()).Do(func(m *wire.ChatMessage) { delivered <- m }).Times(1)

	committed := make(chan int64, 8)
	reader.EXPECT().CommitMessages(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, msgs ...kafka.Message) error {
		for _, m := range msgs {
			committed <- m.Offset
		}
		return nil
	}).Times(4)
	reader.EXPECT().Close().Return(nil)

	stop := runRelay(t, newRelay(ms, reader, hub, false, 30, 1024))
	assert.Equal(t, []int64{1, 2, 3, 4}, waitOffsets(t, committed, 4))
	stop()

	m := <-delivered
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "hi", m.Body)
}

func TestConsumeLoopRetriesSave(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ms := store_mock.NewMockIMessageStore(ctrl)
	reader := cluster_mock.NewMockIKafkaReader(ctrl)
	hub := cluster_mock.NewMockIHub(ctrl)

	feed(reader, kmsg(7, `{"id":"m7","from":"0xa","to":"0xb","body":"again"}`))

	busy := errors.New("too many connections")
	gomock.InOrder(
		ms.EXPECT().Save(gomock.Any(), gomock.Any()).Return(busy),
		ms.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil),
	)
	ms.EXPECT().IsDupKeyError(busy).Return(false)
	hub.EXPECT().Deliver(gomock.Any()).Times(1)

	committed := make(chan int64, 1)
	gomock.InOrder(
		reader.EXPECT().CommitMessages(gomock.Any(), gomock.Any()).Return(errors.New("rebalancing")),
		reader.EXPECT().CommitMessages(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, msgs ...kafka.Message) error {
			committed <- msgs[0].Offset
			return nil
		}),
	)
	reader.EXPECT().Close().Return(nil)

	stop := runRelay(t, newRelay(ms, reader, hub, false, 30, 1024))
	assert.Equal(t, []int64{7}, waitOffsets(t, committed, 1))
	stop()
}

func TestConsumeLoopWithoutStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reader := cluster_mock.NewMockIKafkaReader(ctrl)
	hub := cluster_mock.NewMockIHub(ctrl)

	feed(reader, kmsg(1, `{"id":"m1","from":"0xa","to":"0xb","body":"hi"}`))
	hub.EXPECT().Deliver(gomock.Any()).Times(1)
	committed := make(chan int64, 1)
	reader.EXPECT().CommitMessages(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, msgs ...kafka.Message) error {
		committed <- msgs[0].Offset
		return nil
	})
	reader.EXPECT().Close().Return(nil)

	r := newRelay(nil, reader, hub, true, 30, 1024)
	assert.False(t, r.cleanMessages)

	stop := runRelay(t, r)
	waitOffsets(t, committed, 1)
	stop()
}

func TestDecodeKafkaMsg(t *testing.T) {
	r := newRelay(nil, nil, nil, false, 1, 64)

	m := kmsg(1, `{"id":"x","from":"0xA","to":"0xB"}`)
	cm := r.decodeKafkaMsg(&m)
	require.NotNil(t, cm)
	assert.Equal(t, "0xa", cm.From)
	assert.Equal(t, "0xb", cm.To)

	m = kmsg(2, `{"id":"x","from":"0xa","to":"0xb","body":"`+strings.Repeat("z", 64)+`"}`)
	assert.Nil(t, r.decodeKafkaMsg(&m), "too large")

	m = kmsg(3, `{"id":"x","from":"0xa","to":"0xb"}`)
	m.Time = time.Now().Add(-48 * time.Hour)
	assert.Nil(t, r.decodeKafkaMsg(&m), "too old")

	m = kmsg(4, `{"id":"x","to":"0xb"}`)
	assert.Nil(t, r.decodeKafkaMsg(&m), "no sender")
}
