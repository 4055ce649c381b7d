// Package channel defines the logical broadcast scopes of the realtime layer
// and the in-memory group registry mapping channels to subscribed connections.
//
// A channel id is one of three shapes:
//
//	conversation:<id>  one-to-one or group chat
//	post:<id>          a post's comment thread
//	user:<id>          a user's personal notification channel
//
// Channels have no storage of their own; a channel exists as a registry key
// while at least one connection is subscribed, and implicitly at all times as
// an addressable target.
package channel

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidID is wrapped by every Parse failure so callers can match the
// whole family with errors.Is.
var ErrInvalidID = errors.New("channel: invalid channel id")

// Kind identifies which of the three channel shapes an id belongs to.
type Kind string

const (
	KindConversation Kind = "conversation"
	KindPost         Kind = "post"
	KindUser         Kind = "user"
)

// Conversation builds a conversation channel id.
func Conversation(id string) string { return string(KindConversation) + ":" + id }

// Post builds a post comment-thread channel id.
func Post(id string) string { return string(KindPost) + ":" + id }

// User builds a user's personal notification channel id.
func User(id string) string { return string(KindUser) + ":" + id }

// Parse validates a channel id and returns its kind and the embedded
// resource id. The three documented prefixes are the only valid shapes;
// anything else is rejected.
func Parse(channelID string) (Kind, string, error) {
	prefix, rest, ok := strings.Cut(channelID, ":")
	if !ok || rest == "" {
		return "", "", fmt.Errorf("%w: malformed %q", ErrInvalidID, channelID)
	}

	switch Kind(prefix) {
	case KindConversation, KindPost, KindUser:
		return Kind(prefix), rest, nil
	default:
		return "", "", fmt.Errorf("%w: unknown kind %q", ErrInvalidID, prefix)
	}
}

// Valid reports whether channelID is a well-formed channel id.
func Valid(channelID string) bool {
	_, _, err := Parse(channelID)
	return err == nil
}
