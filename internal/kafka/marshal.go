package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-pickup-orders/internal/events"
)

// EventPublisher puts envelopes on their topic, keyed by correlation id.
type EventPublisher struct {
	P *Producer
}

func (ep *EventPublisher) Publish(env events.Envelope) error {
	topic := events.TopicFor(env.EventType)
	if topic == "" {
		return fmt.Errorf("no topic for event %q", env.EventType)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	ep.P.Publish(topic, events.PartitionKey(env.CorrelationID), b,
		kafka.Header{Key: "x-event-type", Value: []byte(env.EventType)},
		kafka.Header{Key: "x-event-version", Value: []byte(fmt.Sprint(env.EventVersion))},
	)
	return nil
}

func DecodeEnvelope(b []byte) (events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// UnwrapPayload decodes the event specific payload.
func UnwrapPayload[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}
