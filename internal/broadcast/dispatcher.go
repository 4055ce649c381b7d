// Package broadcast implements channel fan-out: given a channel id, an event
// name, and a payload, push the event to every connection currently
// subscribed to the channel. Delivery is best-effort and fire-and-forget;
// a connection that is mid-teardown or whose outbound queue is full simply
// misses the push, and gap recovery re-surfaces the durable fact.
package broadcast

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/commune/realtime/internal/metrics"
	"github.com/commune/realtime/internal/protocol"
)

// Members is the group-registry view the dispatcher needs: a point-in-time
// snapshot of the connections subscribed to a channel.
type Members interface {
	Members(channelID string) []string
}

// Transport enqueues an encoded frame to a single connection. It must never
// block; a false return means the frame was dropped.
type Transport interface {
	Enqueue(connID string, data []byte) bool
}

// Backplane mirrors published events across gateway instances. Optional;
// a single-instance deployment runs without one.
type Backplane interface {
	PublishChannelEvent(channelID string, data []byte) error
	SubscribeChannelEvents(handler func(data []byte)) error
}

// Envelope is the backplane wire format. Origin identifies the publishing
// instance so it can skip its own mirrored events; Data carries the already
// encoded client frame.
type Envelope struct {
	Origin  string          `json:"origin"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// Dispatcher fans published events out to channel members. Fan-out to N
// members is independent and unordered between members, but each member
// receives events from one channel in publish order because enqueues happen
// from the publishing goroutine onto per-connection FIFO queues.
type Dispatcher struct {
	registry  Members
	transport Transport
	origin    string
	backplane Backplane
}

// NewDispatcher creates a Dispatcher over the given registry and transport.
func NewDispatcher(registry Members, transport Transport, origin string) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		transport: transport,
		origin:    origin,
	}
}

// AttachBackplane connects the dispatcher to a cross-instance backplane.
// Local publishes are mirrored to it, and events originating on other
// instances are fanned out to this instance's local subscribers.
func (d *Dispatcher) AttachBackplane(bp Backplane) error {
	if err := bp.SubscribeChannelEvents(d.handleRemote); err != nil {
		return fmt.Errorf("broadcast: subscribe backplane: %w", err)
	}
	d.backplane = bp
	return nil
}

// Publish pushes the event to every connection subscribed to the channel.
func (d *Dispatcher) Publish(channelID, event string, payload interface{}) error {
	return d.PublishExcept(channelID, event, payload, "")
}

// PublishExcept behaves like Publish but skips one local connection,
// typically the sender's own (typing indicators, message echo suppression).
func (d *Dispatcher) PublishExcept(channelID, event string, payload interface{}, exceptConnID string) error {
	if !protocol.KnownEvent(event) {
		return fmt.Errorf("broadcast: unknown event name %q", event)
	}

	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		return fmt.Errorf("broadcast: encode %s: %w", event, err)
	}

	d.fanout(channelID, event, data, exceptConnID)

	if d.backplane != nil {
		env, err := json.Marshal(Envelope{
			Origin:  d.origin,
			Channel: channelID,
			Event:   event,
			Data:    data,
		})
		if err != nil {
			return fmt.Errorf("broadcast: encode envelope: %w", err)
		}
		if err := d.backplane.PublishChannelEvent(channelID, env); err != nil {
			// Local delivery already happened; the backplane gap is
			// covered by the other instances' clients via gap recovery.
			log.Printf("broadcast: backplane publish failed channel=%s event=%s: %v", channelID, event, err)
		}
	}
	return nil
}

// fanout enqueues the encoded frame to every current member. Enqueue
// failures (closed connection, full queue) are counted and otherwise
// invisible: the dispatcher never retries and never surfaces them to the
// sender.
func (d *Dispatcher) fanout(channelID, event string, data []byte, exceptConnID string) {
	start := time.Now()

	for _, connID := range d.registry.Members(channelID) {
		if connID == exceptConnID {
			continue
		}
		if !d.transport.Enqueue(connID, data) {
			metrics.DeliveriesDropped.Inc()
		}
	}

	metrics.EventsPublished.WithLabelValues(event).Inc()
	metrics.FanoutLatency.Observe(time.Since(start).Seconds())
}

// handleRemote delivers an event published by another instance to this
// instance's local subscribers.
func (d *Dispatcher) handleRemote(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("broadcast: bad backplane envelope: %v", err)
		return
	}
	if env.Origin == d.origin {
		return // our own publish, already delivered locally
	}
	if !protocol.KnownEvent(env.Event) {
		log.Printf("broadcast: unknown remote event %q", env.Event)
		return
	}
	d.fanout(env.Channel, env.Event, env.Data, "")
}
