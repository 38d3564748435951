package export

import (
	"context"
	"encoding/json"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

type kafkaQueue struct {
	w *kafka.Writer
}

// NewKafka publishes game events to a Kafka topic. An empty broker list
// degrades to the noop queue.
func NewKafka(brokers []string, topic string) Queue {
	if len(brokers) == 0 {
		return NewNoop()
	}
	if topic == "" {
		topic = "pickup.game-events"
	}
	// Writers are safe for concurrent use
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireOne,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &kafkaQueue{w: w}
}

func (q *kafkaQueue) PublishGameEvent(evt map[string]any) error {
	b, _ := json.Marshal(evt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key, _ := evt["game_id"].(string)
	return q.w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (q *kafkaQueue) Close() error {
	if q.w == nil {
		return nil
	}
	return q.w.Close()
}
