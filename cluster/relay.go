package cluster

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/backoff"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/wire"
)

const storeDeleteInterval = time.Hour

// relay consumes direct messages from kafka, saves them to the optional store
// and delivers them to the local hub. It also periodically deletes outdated
// messages when cleanMessages is set.
// There MUST be exactly one consumer per kafka group partition.
type relay struct {
	ms            store.IMessageStore
	hub           IHub
	kafkaReader   IKafkaReader
	cleanMessages bool
	ttlDays       int32
	valueMaxBytes int32
	wg            sync.WaitGroup
}

func newRelay(ms store.IMessageStore, kafkaReader IKafkaReader, hub IHub,
	cleanMessages bool, ttlDays, valueMaxBytes int32) *relay {
	return &relay{
		ms:            ms,
		hub:           hub,
		kafkaReader:   kafkaReader,
		cleanMessages: cleanMessages && ms != nil && ttlDays > 0,
		ttlDays:       ttlDays,
		valueMaxBytes: valueMaxBytes,
	}
}

// run blocks until ctx is done and every loop exited.
func (r *relay) run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	if r.kafkaReader != nil {
		r.wg.Add(1)
		go r.consumeLoop(ctx)
	}
	if r.cleanMessages {
		r.wg.Add(1)
		go r.deleteLoop(ctx)
	}

	glog.Info("relay: ready")
	<-ctx.Done()

	glog.Info("relay: stopping")
	if r.kafkaReader != nil {
		_ = r.kafkaReader.Close() // slow: take about 7s
	}
	r.wg.Wait()

	glog.Info("relay: stopped")
	stopDoneNotifyC <- struct{}{}
}

// deleteLoop deletes outdated messages.
func (r *relay) deleteLoop(ctx context.Context) {
	glog.Info("relay: delete loop enter")

	ticker := time.NewTicker(storeDeleteInterval)
	defer func() {
		ticker.Stop()
		glog.Info("relay: delete loop exit")
		r.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			n, err := r.ms.DeleteOutdated(ctx, r.ttlDays)
			if err == nil {
				glog.Infof("relay: deleted %d outdated messages, took %s", n, time.Since(start))
			} else {
				glog.Errorf("relay: delete outdated messages error: %v ", err)
			}
		}
	}
}

func (r *relay) consumeLoop(ctx context.Context) {
	glog.Info("relay: consume loop enter")
	defer func() {
		glog.Info("relay: consume loop exited")
		r.wg.Done()
	}()

	b := backoff.Default()
	for {
		glog.V(5).Info("relay: fetching message ...")
		msg, err := r.kafkaReader.FetchMessage(ctx)
		if err != nil {
			glog.Errorf("relay: fetch from kafka err: %v", err)
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if !sleep(ctx, b.Next()) {
				return
			}
			continue
		}
		b.Reset()

		// skip: bad format or too old.
		if cm := r.decodeKafkaMsg(&msg); cm != nil {
			saved, ok := r.save(ctx, &store.Message{Offset: msg.Offset, ChatMessage: cm})
			if !ok {
				return
			}
			if saved {
				r.hub.Deliver(cm)
			}
		}

		// If this message is not committed back, it will be fetched by the
		// next FetchMessage(); save handles the duplicate.
		for {
			err := r.kafkaReader.CommitMessages(ctx, msg)
			if err == nil {
				b.Reset()
				break
			}
			glog.Errorf("relay: commit to kafka err: %v", err)
			if errors.Is(err, context.Canceled) || !sleep(ctx, b.Next()) {
				return
			}
		}
	}
}

// save retries until msg is saved or ctx is done. saved is false when the
// message was saved before under another offset; ok is false when ctx is done.
func (r *relay) save(ctx context.Context, msg *store.Message) (saved, ok bool) {
	if r.ms == nil {
		return true, true
	}
	b := backoff.Default()
	for {
		glog.V(5).Infof("relay: saving %s", msg.ID)
		err := r.ms.Save(ctx, msg)
		if err == nil {
			return true, true
		}
		if r.ms.IsDupKeyError(err) {
			glog.Warningf("relay: message %s at offset %d was saved before, skipped", msg.ID, msg.Offset)
			return false, true
		}
		glog.Errorf("relay: save message to mysql err: %v", err)
		if errors.Is(err, context.Canceled) || !sleep(ctx, b.Next()) {
			return false, false
		}
	}
}

func (r *relay) shouldDiscard(msg *kafka.Message) bool {
	return r.ttlDays > 0 && time.Since(msg.Time) > time.Duration(r.ttlDays)*24*time.Hour
}

func (r *relay) decodeKafkaMsg(msg *kafka.Message) *wire.ChatMessage {
	if len(msg.Value) > int(r.valueMaxBytes) {
		glog.Errorf("relay: kafka value out of limit, msg.Value: %s", string(msg.Value))
		return nil
	}
	cm, err := wire.DecodeChatMessage(wire.EventDMSent, msg.Value)
	if err != nil {
		glog.Errorf("relay: failed to decode kafka msg value: `%s`, error: %v", msg.Value, err)
		return nil
	}
	if cm.ID == "" {
		glog.Errorf("relay: kafka msg without id at offset %d", msg.Offset)
		return nil
	}
	if r.shouldDiscard(msg) {
		glog.Errorf("relay: ignore incoming message because too old, msg.Offset: %d, msg.Time: %s", msg.Offset, msg.Time)
		return nil
	}
	return cm
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
