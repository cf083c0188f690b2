package events

import (
	"sync"
	"time"

	"github.com/eddielth/crane-telemetry/logger"
	"github.com/google/uuid"
)

// Type names an internal notification
type Type string

const (
	TelemetryReceived Type = "telemetry.received"
	DeviceDiscovered  Type = "device.discovered"
	DeviceApproved    Type = "device.approved"
	DeviceRejected    Type = "device.rejected"
	DeviceExpired     Type = "device.expired"
	DeviceDeactivated Type = "device.deactivated"
	DeviceOffline     Type = "device.offline"
	AlertCreated      Type = "alert.created"
	AlertResolved     Type = "alert.resolved"
)

// Event is an internal notification. Payload holds the domain record the
// event is about (telemetry, device, pending entry or alert).
type Event struct {
	ID       string      `json:"id"`
	Type     Type        `json:"type"`
	DeviceID string      `json:"device_id"`
	TenantID string      `json:"tenant_id,omitempty"`
	Time     time.Time   `json:"time"`
	Payload  interface{} `json:"payload,omitempty"`
}

// Sink receives events. Publish must not block.
type Sink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(e Event)

// Publish calls f(e)
func (f SinkFunc) Publish(e Event) { f(e) }

// Nop discards every event
type Nop struct{}

// Publish implements Sink
func (Nop) Publish(Event) {}

type subscription struct {
	ch    chan Event
	types map[Type]bool
}

func (s *subscription) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// Broadcaster fans events out to in-process subscribers and forwarders.
// Slow subscribers lose events instead of blocking the publisher.
type Broadcaster struct {
	mu         sync.RWMutex
	subs       map[int]*subscription
	next       int
	forwarders []Sink
	closed     bool
	now        func() time.Time
}

// NewBroadcaster creates a broadcaster forwarding every event to forwarders
func NewBroadcaster(forwarders ...Sink) *Broadcaster {
	return &Broadcaster{
		subs:       make(map[int]*subscription),
		forwarders: forwarders,
		now:        time.Now,
	}
}

// AddForwarder registers another sink
func (b *Broadcaster) AddForwarder(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forwarders = append(b.forwarders, s)
}

// Subscribe returns a channel receiving events of the given types, all types
// when none are given, and a function that cancels the subscription
func (b *Broadcaster) Subscribe(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscription{
		ch:    make(chan Event, buffer),
		types: make(map[Type]bool, len(types)),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := b.next
	b.next++
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

// Publish implements Sink. ID and Time are filled when empty.
func (b *Broadcaster) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Time.IsZero() {
		e.Time = b.now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if !sub.wants(e.Type) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			logger.Debug("subscriber buffer full, dropping %s event for %s", e.Type, e.DeviceID)
		}
	}

	for _, f := range b.forwarders {
		f.Publish(e)
	}
}

// Close closes every subscriber channel. Later publishes are discarded.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
