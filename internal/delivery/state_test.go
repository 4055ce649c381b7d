package delivery

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commune/realtime/internal/protocol"
)

func TestLegalTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		event    string
	}{
		{StatusSent, StatusRead, protocol.EventMessageRead},
		{StatusSent, StatusRecalled, protocol.EventMessageRecalled},
		{StatusSent, StatusDeleted, protocol.EventMessageDeleted},
		{StatusRead, StatusRecalled, protocol.EventMessageRecalled},
		{StatusRead, StatusDeleted, protocol.EventMessageDeleted},
	}

	for _, tc := range cases {
		event, err := Transition(tc.from, tc.to)
		require.NoErrorf(t, err, "%s -> %s should be legal", tc.from, tc.to)
		assert.Equal(t, tc.event, event)
	}
}

func TestIllegalTransitions(t *testing.T) {
	cases := []struct{ from, to Status }{
		{StatusRecalled, StatusSent},  // terminal states never leave
		{StatusRecalled, StatusRead},
		{StatusDeleted, StatusRecalled},
		{StatusDeleted, StatusSent},
		{StatusRead, StatusSent},      // no un-read
		{StatusSent, StatusSent},      // no self-transitions
		{StatusRead, StatusRead},
		{Status("draft"), StatusSent}, // unknown status
		{StatusSent, Status("")},
	}

	for _, tc := range cases {
		_, err := Transition(tc.from, tc.to)
		require.Errorf(t, err, "%s -> %s should be rejected", tc.from, tc.to)
		assert.True(t, errors.Is(err, ErrStateConflict), "expected ErrStateConflict, got %v", err)
	}
}

func TestCheckRecall(t *testing.T) {
	now := time.Now()

	assert.NoError(t, CheckRecall("user-1", "user-1", now.Add(-30*time.Second), now))

	err := CheckRecall("user-1", "user-2", now.Add(-30*time.Second), now)
	assert.ErrorIs(t, err, ErrNotOwner)

	err = CheckRecall("user-1", "user-1", now.Add(-RecallWindow-time.Second), now)
	assert.ErrorIs(t, err, ErrRecallExpired)

	// Exactly at the boundary is still allowed.
	assert.NoError(t, CheckRecall("user-1", "user-1", now.Add(-RecallWindow), now))
}

func TestValidStatus(t *testing.T) {
	for _, s := range []Status{StatusSent, StatusRead, StatusRecalled, StatusDeleted} {
		assert.True(t, ValidStatus(s))
	}
	assert.False(t, ValidStatus(Status("pending")))
	assert.False(t, ValidStatus(Status("")))
}
