package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/eddielth/crane-telemetry/logger"
	"github.com/go-redis/redis/v8"
)

// queue decouples forwarding from the publisher. Events that do not fit
// the buffer are dropped.
type queue struct {
	name   string
	events chan Event
	send   func(ctx context.Context, e Event) error
}

func newQueue(name string, buffer int, send func(ctx context.Context, e Event) error) *queue {
	if buffer <= 0 {
		buffer = 256
	}
	return &queue{
		name:   name,
		events: make(chan Event, buffer),
		send:   send,
	}
}

// Publish implements Sink
func (q *queue) Publish(e Event) {
	select {
	case q.events <- e:
	default:
		logger.Warn("%s forwarder queue full, dropping %s event for %s", q.name, e.Type, e.DeviceID)
	}
}

// Run forwards queued events until ctx is done
func (q *queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-q.events:
			if err := q.send(ctx, e); err != nil {
				logger.Error("%s forwarder failed to send %s event for %s: %v", q.name, e.Type, e.DeviceID, err)
			}
		}
	}
}

// Pending returns the number of queued events
func (q *queue) Pending() int {
	return len(q.events)
}

// StreamForwarder appends events to a Redis Stream with XADD
type StreamForwarder struct {
	*queue
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamForwarder creates a forwarder writing to stream. Call Run to start it.
func NewStreamForwarder(client *redis.Client, stream string, buffer int) *StreamForwarder {
	f := &StreamForwarder{
		client: client,
		stream: stream,
		maxLen: 100000,
	}
	f.queue = newQueue("redis", buffer, f.send)
	return f
}

func (f *StreamForwarder) send(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: f.stream,
		MaxLen: f.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":      string(e.Type),
			"device_id": e.DeviceID,
			"data":      string(data),
			"timestamp": e.Time.Unix(),
		},
	}).Err()
}

// Publisher is the part of the message bus client the MQTT forwarder needs
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// MQTTForwarder publishes events as JSON to {prefix}/{type}
type MQTTForwarder struct {
	*queue
	publisher Publisher
	prefix    string
}

// NewMQTTForwarder creates a forwarder publishing under prefix. Call Run to start it.
func NewMQTTForwarder(publisher Publisher, prefix string, buffer int) *MQTTForwarder {
	f := &MQTTForwarder{
		publisher: publisher,
		prefix:    strings.TrimSuffix(prefix, "/"),
	}
	f.queue = newQueue("mqtt", buffer, f.send)
	return f
}

// Topic returns the topic an event of type t is published on
func (f *MQTTForwarder) Topic(t Type) string {
	return f.prefix + "/" + string(t)
}

func (f *MQTTForwarder) send(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	return f.publisher.Publish(f.Topic(e.Type), data)
}
