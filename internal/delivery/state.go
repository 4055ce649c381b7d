// Package delivery governs the lifecycle of a message or notification record
// and decides which broadcast event corresponds to each status transition.
// The dispatcher is never consulted about whether to broadcast; that decision
// lives here so future non-realtime consumers (digests, webhooks) can hook
// the same transitions.
package delivery

import (
	"errors"
	"fmt"
	"time"

	"github.com/commune/realtime/internal/protocol"
)

// Status is the persisted state of a message or notification record.
type Status string

const (
	StatusSent     Status = "sent"
	StatusRead     Status = "read"
	StatusRecalled Status = "recalled"
	StatusDeleted  Status = "deleted"
)

// RecallWindow is how long after creation the owner may recall a message.
// The upstream product never pinned this down; two minutes matches common
// messenger behavior.
const RecallWindow = 2 * time.Minute

// ErrStateConflict is returned for any transition outside the allowed set.
// The record's state is left unchanged.
var ErrStateConflict = errors.New("delivery: illegal status transition")

// ErrNotOwner is returned when a caller tries to recall a message they did
// not send.
var ErrNotOwner = errors.New("delivery: caller does not own the message")

// ErrRecallExpired is returned when the recall window has passed.
var ErrRecallExpired = errors.New("delivery: recall window expired")

// transitions is the complete set of legal status transitions and the
// broadcast event each one produces. recalled and deleted are terminal.
var transitions = map[Status]map[Status]string{
	StatusSent: {
		StatusRead:     protocol.EventMessageRead,
		StatusRecalled: protocol.EventMessageRecalled,
		StatusDeleted:  protocol.EventMessageDeleted,
	},
	StatusRead: {
		StatusRecalled: protocol.EventMessageRecalled,
		StatusDeleted:  protocol.EventMessageDeleted,
	},
}

// ValidStatus reports whether s is one of the four known statuses.
func ValidStatus(s Status) bool {
	switch s {
	case StatusSent, StatusRead, StatusRecalled, StatusDeleted:
		return true
	}
	return false
}

// Transition validates a status change and returns the broadcast event name
// for it. Illegal transitions (including self-transitions and anything out
// of a terminal state) return ErrStateConflict.
func Transition(from, to Status) (string, error) {
	if !ValidStatus(from) || !ValidStatus(to) {
		return "", fmt.Errorf("%w: %s -> %s", ErrStateConflict, from, to)
	}
	event, ok := transitions[from][to]
	if !ok {
		return "", fmt.Errorf("%w: %s -> %s", ErrStateConflict, from, to)
	}
	return event, nil
}

// CheckRecall enforces the recall policy: only the owner may recall, and
// only within RecallWindow of the record's creation time.
func CheckRecall(ownerID, callerID string, createdAt, now time.Time) error {
	if ownerID != callerID {
		return ErrNotOwner
	}
	if now.Sub(createdAt) > RecallWindow {
		return ErrRecallExpired
	}
	return nil
}
