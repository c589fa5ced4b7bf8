package cluster

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/wire"
)

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

type ICluster interface {
	Run(ctx context.Context, stopNotifyCh chan<- struct{})
	SaveMsg(ctx context.Context, msg *wire.ChatMessage) error
}

// IHub provides interfaces of local Hub.
type IHub interface {
	Deliver(*wire.ChatMessage)
	Online()
	Offline()
	Close()
}
