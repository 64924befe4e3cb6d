// Package kafkasink streams archive groups into a Kafka topic. It is an
// export-only sink: purge is a no-op because retention belongs to the Kafka
// cluster configuration.
package kafkasink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/monstermq/monstermq"
)

// Sink implements monstermq.ArchiveStore by producing one Kafka record per
// archive entry, keyed by the MQTT topic so per-topic ordering survives
// partitioning.
type Sink struct {
	writer *kafka.Writer
}

var _ monstermq.ArchiveStore = (*Sink)(nil)

// New builds a sink producing to topic on brokers.
func New(brokers []string, topic string) *Sink {
	return &Sink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

type record struct {
	Topic     string      `json:"topic"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   []byte      `json:"payload"`
	QoS       uint8       `json:"qos"`
	Retain    bool        `json:"retain"`
	ClientID  string      `json:"clientId"`
	UserProps [][2]string `json:"userProps,omitempty"`
}

func (s *Sink) Append(ctx context.Context, entries []*monstermq.ArchiveEntry) error {
	msgs := make([]kafka.Message, len(entries))
	for i, e := range entries {
		value, err := json.Marshal(record{
			Topic:     e.Topic,
			Timestamp: e.Timestamp,
			Payload:   e.Payload,
			QoS:       e.QoS,
			Retain:    e.Retain,
			ClientID:  e.ClientID,
			UserProps: e.UserProperties,
		})
		if err != nil {
			return err
		}
		msgs[i] = kafka.Message{Key: []byte(e.Topic), Value: value, Time: e.Timestamp}
	}
	return s.writer.WriteMessages(ctx, msgs...)
}

// PurgeOlderThan is a no-op; Kafka topics expire records via their own
// retention settings.
func (s *Sink) PurgeOlderThan(context.Context, time.Time) (int, error) { return 0, nil }

func (s *Sink) Close() error { return s.writer.Close() }
