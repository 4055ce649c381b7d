// Package gateway binds the client-facing verbs to the group registry,
// presence tracker, persistence store, delivery rules, and broadcast
// dispatcher. Every mutation is durably applied through the store before any
// broadcast is issued; a persistence failure fails the verb and produces no
// fan-out.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/commune/realtime/internal/broadcast"
	"github.com/commune/realtime/internal/channel"
	"github.com/commune/realtime/internal/delivery"
	"github.com/commune/realtime/internal/metrics"
	"github.com/commune/realtime/internal/presence"
	"github.com/commune/realtime/internal/protocol"
	"github.com/commune/realtime/internal/ratelimit"
	"github.com/commune/realtime/internal/store"
)

// verbTimeout bounds the persistence call behind a single verb.
const verbTimeout = 5 * time.Second

// Conn is the narrow connection view verb handlers need. *ws.Connection
// satisfies it; tests use fakes.
type Conn interface {
	ConnID() string
	User() string
	Send(data []byte) bool
}

// RateLimiter is the subset of the Redis limiter the gateway uses. Optional;
// a nil limiter disables throttling.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Gateway implements the verb set clients may invoke on an established
// connection.
type Gateway struct {
	registry   *channel.Registry
	presence   *presence.Tracker
	store      store.Store
	dispatcher *broadcast.Dispatcher
	limiter    RateLimiter
}

// New creates a Gateway and hooks presence edge events into the dispatcher:
// a user's 0->1 transition broadcasts user-online to the user's personal
// channel, 1->0 broadcasts user-offline.
func New(reg *channel.Registry, tracker *presence.Tracker, st store.Store, disp *broadcast.Dispatcher) *Gateway {
	g := &Gateway{
		registry:   reg,
		presence:   tracker,
		store:      st,
		dispatcher: disp,
	}

	tracker.OnEvent(func(ev presence.Event) {
		event := protocol.EventUserOnline
		if !ev.Online {
			event = protocol.EventUserOffline
		}
		err := disp.Publish(channel.User(ev.UserID), event, protocol.PresenceEvent{
			UserID: ev.UserID,
		})
		if err != nil {
			log.Printf("gateway: presence broadcast failed user=%s: %v", ev.UserID, err)
		}
		metrics.OnlineUsers.Set(float64(tracker.OnlineCount()))
	})

	return g
}

// SetRateLimiter attaches the Redis rate limiter.
func (g *Gateway) SetRateLimiter(l RateLimiter) {
	g.limiter = l
}

// OnConnect registers the connection with the presence tracker. Wired to the
// transport's connect callback.
func (g *Gateway) OnConnect(c Conn) {
	g.presence.Attach(c.User(), c.ConnID())
}

// OnDisconnect removes the connection from every channel it joined and from
// the presence tracker, which evaluates whether a presence edge fired. Wired
// to the transport's disconnect callback; safe to run concurrently with an
// in-flight publish.
func (g *Gateway) OnDisconnect(c Conn) {
	g.registry.DropConnection(c.ConnID())
	g.presence.Detach(c.User(), c.ConnID())
}

// allow consults the rate limiter, failing open without one.
func (g *Gateway) allow(ctx context.Context, identifier string, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	ok, _ := g.limiter.Allow(ctx, identifier, rule)
	return ok
}

// createKind maps a channel kind to the record family created in it.
func createKind(kind channel.Kind) store.Kind {
	switch kind {
	case channel.KindPost:
		return store.KindComment
	case channel.KindUser:
		return store.KindNotification
	default:
		return store.KindMessage
	}
}

// createEvent is the broadcast event announcing a new record in the channel.
// Notifications ride the message-received event on the user's personal
// channel.
func createEvent(kind store.Kind) string {
	if kind == store.KindComment {
		return protocol.EventCommentReceived
	}
	return protocol.EventMessageReceived
}

// statusEvent maps a delivery transition event onto the comment- family when
// the record is a comment.
func statusEvent(kind store.Kind, event string) string {
	if kind != store.KindComment {
		return event
	}
	switch event {
	case protocol.EventMessageDeleted:
		return protocol.EventCommentDeleted
	default:
		return protocol.EventCommentUpdated
	}
}

// CreateRecord durably creates a record in the channel and, only after the
// write succeeds, fans out the corresponding received event to the other
// channel members. exceptConnID suppresses the echo to the sender's own
// connection (which gets the ack instead); it is empty on the REST fallback
// path.
func (g *Gateway) CreateRecord(ctx context.Context, userID, channelID, body, exceptConnID string) (*store.Record, error) {
	kind, _, err := channel.Parse(channelID)
	if err != nil {
		return nil, err
	}
	if err := ValidateBody(body); err != nil {
		return nil, err
	}

	rec := &store.Record{
		ID:      uuid.New().String(),
		Channel: channelID,
		Kind:    createKind(kind),
		Sender:  userID,
		Body:    body,
		Status:  delivery.StatusSent,
	}
	if err := g.store.Create(ctx, rec); err != nil {
		metrics.PersistenceFailures.Inc()
		return nil, fmt.Errorf("gateway: persist record: %w", err)
	}

	err = g.dispatcher.PublishExcept(rec.Channel, createEvent(rec.Kind), protocol.RecordEvent{
		ID:      rec.ID,
		Channel: rec.Channel,
		From:    rec.Sender,
		Body:    rec.Body,
		Status:  string(rec.Status),
		Ts:      rec.CreatedAt.Unix(),
	}, exceptConnID)
	if err != nil {
		// The record is durable; only the push was lost. Gap recovery
		// re-surfaces it.
		log.Printf("gateway: broadcast failed record=%s: %v", rec.ID, err)
	}
	return rec, nil
}

// TransitionRecord moves a record to a new status and broadcasts the event
// the delivery state machine assigns to that transition. A non-empty
// expectChannel must match the record's channel; a mismatch reads as not
// found so a caller cannot probe record ids across channels. Recalls
// additionally enforce the owner-and-window policy.
func (g *Gateway) TransitionRecord(ctx context.Context, callerID, recordID, expectChannel string, to delivery.Status) (*store.Record, error) {
	rec, err := g.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if expectChannel != "" && rec.Channel != expectChannel {
		return nil, fmt.Errorf("%w: record %s not in channel %s", store.ErrNotFound, recordID, expectChannel)
	}

	if to == delivery.StatusRecalled {
		if err := delivery.CheckRecall(rec.Sender, callerID, rec.CreatedAt, time.Now()); err != nil {
			return nil, err
		}
	}

	event, err := delivery.Transition(rec.Status, to)
	if err != nil {
		return nil, err
	}

	updated, err := g.store.UpdateStatus(ctx, recordID, rec.Status, to)
	if errors.Is(err, store.ErrStatusConflict) {
		// Lost the CAS to a concurrent transition; surface as a state
		// conflict rather than clobbering.
		return nil, fmt.Errorf("%w: concurrent update on %s", delivery.ErrStateConflict, recordID)
	}
	if err != nil {
		metrics.PersistenceFailures.Inc()
		return nil, fmt.Errorf("gateway: persist transition: %w", err)
	}

	err = g.dispatcher.Publish(updated.Channel, statusEvent(updated.Kind, event), protocol.RecordEvent{
		ID:      updated.ID,
		Channel: updated.Channel,
		From:    updated.Sender,
		Status:  string(updated.Status),
		Ts:      updated.UpdatedAt.Unix(),
	})
	if err != nil {
		log.Printf("gateway: broadcast failed record=%s: %v", updated.ID, err)
	}
	return updated, nil
}

// Owner returns the sender of a record. The REST delete endpoint uses it for
// its authorization check before attempting the transition.
func (g *Gateway) Owner(ctx context.Context, recordID string) (string, error) {
	rec, err := g.store.Get(ctx, recordID)
	if err != nil {
		return "", err
	}
	return rec.Sender, nil
}

// ListSince exposes the store's cursor query to the REST gap-recovery
// endpoint. A personal channel is readable only by its owner; anyone else
// gets ErrNotFound, the same answer a nonexistent channel would give.
func (g *Gateway) ListSince(ctx context.Context, callerID, channelID string, cursor int64, limit int) ([]store.Record, error) {
	kind, id, err := channel.Parse(channelID)
	if err != nil {
		return nil, err
	}
	if kind == channel.KindUser && id != callerID {
		return nil, fmt.Errorf("%w: channel %s", store.ErrNotFound, channelID)
	}
	return g.store.ListSince(ctx, channelID, cursor, limit)
}
