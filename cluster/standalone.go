// Package cluster runs the chat server: the http listener, and the optional
// kafka relay that orders and persists direct messages before delivery.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/wire"
)

const (
	kafkaReadTimeout  = 10 * time.Second
	kafkaWriteTimeout = 10 * time.Second
)

var ErrMsgTooLarge = errors.New("message too large")

type ClusterCfg struct {
	Addr string
	Hub  IHub
	Mux  *http.ServeMux

	// No kafka brokers: messages are saved and delivered in place.
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupId string

	// MessageStore is optional.
	MessageStore           store.IMessageStore
	CleanMessages          bool
	MessageTTLDays         int32
	MessagePayloadMaxBytes int32
}

// Standalone is a single node chat server.
type Standalone struct {
	conf        *ClusterCfg
	httpServer  *http.Server
	relay       *relay
	kafkaWriter IKafkaWriter

	mu  sync.Mutex
	lis net.Listener
}

var _ ICluster = (*Standalone)(nil)

func NewStandalone(conf *ClusterCfg) *Standalone {
	s := &Standalone{
		conf:       conf,
		httpServer: &http.Server{Handler: h2c.NewHandler(conf.Mux, &http2.Server{})},
	}

	var kafkaReader IKafkaReader
	if len(conf.KafkaBrokers) > 0 {
		kafkaReader = kafka.NewReader(kafka.ReaderConfig{
			Brokers: conf.KafkaBrokers,
			GroupID: conf.KafkaGroupId,
			Topic:   conf.KafkaTopic,
			Dialer: &kafka.Dialer{
				Timeout:   kafkaReadTimeout,
				DualStack: true,
			},
		})
		s.kafkaWriter = kafka.NewWriter(kafka.WriterConfig{
			Brokers:  conf.KafkaBrokers,
			Topic:    conf.KafkaTopic,
			Balancer: &kafka.Hash{},
			Dialer: &kafka.Dialer{
				Timeout:   kafkaWriteTimeout,
				DualStack: true,
			},
		})
	}

	s.relay = newRelay(conf.MessageStore, kafkaReader, conf.Hub, conf.CleanMessages,
		conf.MessageTTLDays, conf.MessagePayloadMaxBytes)
	return s
}

// Listen binds the server address. Run calls it if it was not called before.
func (s *Standalone) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		lis, err := net.Listen("tcp", s.conf.Addr)
		if err != nil {
			return nil, fmt.Errorf("listen %s error: %v", s.conf.Addr, err)
		}
		s.lis = lis
	}
	return s.lis.Addr(), nil
}

func (s *Standalone) Run(ctx context.Context, stopNotifyCh chan<- struct{}) {
	glog.Infof("standalone server is starting")

	addr, err := s.Listen()
	if err != nil {
		glog.Error(err)
		panic(err)
	}

	go func() {
		glog.Infof("http server is listening %v", addr)
		if err := s.httpServer.Serve(s.lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			err := fmt.Errorf("error serve http mux server: %v", err)
			glog.Error(err)
			panic(err)
		}
	}()

	relayStopDoneC := make(chan struct{}, 1)
	go s.relay.run(ctx, relayStopDoneC)
	s.conf.Hub.Online()

	<-ctx.Done()
	s.conf.Hub.Offline()
	glog.Infof("standalone server is stopping")

	_ = s.httpServer.Shutdown(context.Background())
	glog.Infof("standalone server: http server shutdown done")

	s.conf.Hub.Close()
	glog.Infof("standalone server: hub closed")

	<-relayStopDoneC
	glog.Infof("standalone server: relay stopped")

	if s.kafkaWriter != nil {
		_ = s.kafkaWriter.Close()
	}
	glog.Infof("standalone server: stopped")
	stopNotifyCh <- struct{}{}
}

// SaveMsg publishes msg to kafka when brokers are configured, the relay
// delivers it once consumed. Otherwise msg is saved and delivered in place.
func (s *Standalone) SaveMsg(ctx context.Context, msg *wire.ChatMessage) error {
	if s.kafkaWriter != nil {
		return saveChatMsg(ctx, s.kafkaWriter, msg, int(s.conf.MessagePayloadMaxBytes))
	}
	if s.conf.MessageStore != nil {
		if err := s.conf.MessageStore.Save(ctx, &store.Message{ChatMessage: msg}); err != nil {
			return err
		}
	}
	s.conf.Hub.Deliver(msg)
	return nil
}

// saveChatMsg writes msg keyed by its recipient, so that messages to the same
// address keep their order.
func saveChatMsg(ctx context.Context, w IKafkaWriter, msg *wire.ChatMessage, maxBytes int) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if maxBytes > 0 && len(value) > maxBytes {
		return ErrMsgTooLarge
	}
	return w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.To),
		Value: value,
		Time:  msg.Timestamp,
	})
}
