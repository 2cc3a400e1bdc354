// Package broker moves events between producers and Event Intake. Kafka is
// the production transport; Queue is an in-process stand-in with the same
// fetch/commit contract.
package broker

import (
	"context"
	"errors"

	"github.com/segmentio/kafka-go"
)

// ErrClosed is returned by Fetch after the source has been closed.
var ErrClosed = errors.New("broker closed")

// Message is one fetched record. Offsets are per partition.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	Headers   map[string]string

	raw kafka.Message
}

// Source is what Event Intake consumes. Commit acknowledges msg and every
// earlier message of its partition.
type Source interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
}

// Publisher is what the API publishes events through.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

func fromKafka(m kafka.Message) Message {
	h := make(map[string]string, len(m.Headers))
	for _, x := range m.Headers {
		h[x.Key] = string(x.Value)
	}
	return Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       string(m.Key),
		Value:     m.Value,
		Headers:   h,
		raw:       m,
	}
}

// EventKey is the partition key for an event. Events of one series share a
// partition so the broker preserves their order; others spread by subject.
func EventKey(tenant, seriesID, subject string) string {
	if seriesID != "" {
		return tenant + "/series/" + seriesID
	}
	return tenant + "/" + subject
}
