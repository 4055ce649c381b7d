package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commune/realtime/internal/auth"
	"github.com/commune/realtime/internal/broadcast"
	"github.com/commune/realtime/internal/channel"
	"github.com/commune/realtime/internal/delivery"
	"github.com/commune/realtime/internal/gateway"
	"github.com/commune/realtime/internal/presence"
	"github.com/commune/realtime/internal/ratelimit"
	"github.com/commune/realtime/internal/store"
)

type nullTransport struct{}

func (nullTransport) Enqueue(string, []byte) bool { return true }

func newTestAPI(t *testing.T) (*API, *store.MemoryStore, *gateway.Gateway) {
	t.Helper()
	reg := channel.NewRegistry()
	st := store.NewMemoryStore()
	disp := broadcast.NewDispatcher(reg, nullTransport{}, "gw-test")
	gw := gateway.New(reg, presence.NewTracker(), st, disp)
	authn := auth.StaticAuthenticator{
		"token-alice": "alice",
		"token-bob":   "bob",
	}
	return NewAPI(gw, authn), st, gw
}

func doRequest(api *API, method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	api.Routes().ServeHTTP(w, req)
	return w
}

func TestAuthRequired(t *testing.T) {
	api, _, _ := newTestAPI(t)

	w := doRequest(api, http.MethodGet, "/channels/conversation:42/messages", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(api, http.MethodGet, "/channels/conversation:42/messages", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListMessagesSinceCursor(t *testing.T) {
	api, st, _ := newTestAPI(t)

	for i := 1; i <= 5; i++ {
		err := st.Create(context.Background(), &store.Record{
			ID:      fmt.Sprintf("m%d", i),
			Channel: "conversation:42",
			Kind:    store.KindMessage,
			Sender:  "alice",
			Body:    fmt.Sprintf("msg %d", i),
			Status:  delivery.StatusSent,
		})
		require.NoError(t, err)
	}

	w := doRequest(api, http.MethodGet, "/channels/conversation:42/messages?since=2", "token-alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Channel string          `json:"channel"`
		Cursor  int64           `json:"cursor"`
		Records []recordPayload `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	require.Len(t, resp.Records, 3, "records with seq > 2")
	assert.Equal(t, int64(5), resp.Cursor)
	for i, rec := range resp.Records {
		assert.Equal(t, int64(i+3), rec.Seq, "ascending seq order")
	}
}

func TestListMessagesEmptyChannel(t *testing.T) {
	api, _, _ := newTestAPI(t)

	w := doRequest(api, http.MethodGet, "/channels/conversation:quiet/messages", "token-alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Cursor  int64           `json:"cursor"`
		Records []recordPayload `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Records)
	assert.Equal(t, int64(0), resp.Cursor, "cursor unchanged when nothing is missed")
}

func TestListMessagesRejectsBadCursor(t *testing.T) {
	api, _, _ := newTestAPI(t)

	w := doRequest(api, http.MethodGet, "/channels/conversation:42/messages?since=abc", "token-alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListMessagesRejectsBadChannel(t *testing.T) {
	api, _, _ := newTestAPI(t)

	w := doRequest(api, http.MethodGet, "/channels/noprefix/messages", "token-alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListForeignUserChannelNotFound(t *testing.T) {
	api, st, _ := newTestAPI(t)

	err := st.Create(context.Background(), &store.Record{
		ID: "n1", Channel: "user:alice", Kind: store.KindNotification,
		Sender: "system", Body: "welcome", Status: delivery.StatusSent,
	})
	require.NoError(t, err)

	// Another user's inbox reads as nonexistent, not forbidden.
	w := doRequest(api, http.MethodGet, "/channels/user:alice/messages", "token-bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// The owner reads it fine.
	w = doRequest(api, http.MethodGet, "/channels/user:alice/messages", "token-alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Records []recordPayload `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Records, 1)
}

func TestListMessagesBlanksRecalledBody(t *testing.T) {
	api, _, gw := newTestAPI(t)

	rec, err := gw.CreateRecord(context.Background(), "alice", "conversation:42", "regret", "")
	require.NoError(t, err)
	_, err = gw.TransitionRecord(context.Background(), "alice", rec.ID, "", delivery.StatusRecalled)
	require.NoError(t, err)

	w := doRequest(api, http.MethodGet, "/channels/conversation:42/messages", "token-alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Records []recordPayload `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Records, 1)
	assert.Equal(t, string(delivery.StatusRecalled), resp.Records[0].Status)
	assert.Empty(t, resp.Records[0].Body, "recalled body must not be served")
}

func TestSendMessageCreatesRecord(t *testing.T) {
	api, st, _ := newTestAPI(t)

	body, _ := json.Marshal(sendRequest{Body: "hello from http"})
	w := doRequest(api, http.MethodPost, "/channels/conversation:42/messages", "token-alice", body)
	require.Equal(t, http.StatusCreated, w.Code)

	var rec recordPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "alice", rec.From)
	assert.Equal(t, string(delivery.StatusSent), rec.Status)

	stored, err := st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello from http", stored.Body)
}

// windowLimiter admits a fixed number of requests and reports the quota
// left, standing in for the Redis INCR+EXPIRE limiter.
type windowLimiter struct {
	limit int
	used  int
}

func (l *windowLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	l.used++
	return l.used <= l.limit, nil
}

func (l *windowLimiter) Remaining(context.Context, string, ratelimit.Rule) (int, error) {
	remaining := l.limit - l.used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func TestSendMessageRateLimited(t *testing.T) {
	api, _, _ := newTestAPI(t)
	api.SetRateLimiter(&windowLimiter{limit: 1})

	body, _ := json.Marshal(sendRequest{Body: "first"})
	w := doRequest(api, http.MethodPost, "/channels/conversation:42/messages", "token-alice", body)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	body, _ = json.Marshal(sendRequest{Body: "second"})
	w = doRequest(api, http.MethodPost, "/channels/conversation:42/messages", "token-alice", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
}

func TestSendMessageRejectsEmptyBody(t *testing.T) {
	api, _, _ := newTestAPI(t)

	body, _ := json.Marshal(sendRequest{Body: "  "})
	w := doRequest(api, http.MethodPost, "/channels/conversation:42/messages", "token-alice", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteMessageByOwner(t *testing.T) {
	api, st, gw := newTestAPI(t)

	rec, err := gw.CreateRecord(context.Background(), "alice", "conversation:42", "bye", "")
	require.NoError(t, err)

	w := doRequest(api, http.MethodDelete, "/messages/"+rec.ID, "token-alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	stored, err := st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusDeleted, stored.Status)
}

func TestDeleteMessageByNonOwnerForbidden(t *testing.T) {
	api, st, gw := newTestAPI(t)

	rec, err := gw.CreateRecord(context.Background(), "alice", "conversation:42", "mine", "")
	require.NoError(t, err)

	w := doRequest(api, http.MethodDelete, "/messages/"+rec.ID, "token-bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	stored, err := st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusSent, stored.Status, "record must be untouched")
}

func TestDeleteMissingMessage(t *testing.T) {
	api, _, _ := newTestAPI(t)

	w := doRequest(api, http.MethodDelete, "/messages/no-such-id", "token-alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteAlreadyDeletedConflicts(t *testing.T) {
	api, _, gw := newTestAPI(t)

	rec, err := gw.CreateRecord(context.Background(), "alice", "conversation:42", "bye", "")
	require.NoError(t, err)
	_, err = gw.TransitionRecord(context.Background(), "alice", rec.ID, "", delivery.StatusDeleted)
	require.NoError(t, err)

	w := doRequest(api, http.MethodDelete, "/messages/"+rec.ID, "token-alice", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}
