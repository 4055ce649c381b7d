// Package rest exposes the HTTP companion surface of the realtime gateway:
// cursor-based catch-up for reconnecting clients, a send fallback for callers
// without a WebSocket, and message deletion. All routes under /api require a
// bearer token validated by the same authenticator as the WebSocket
// handshake.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/commune/realtime/internal/auth"
	"github.com/commune/realtime/internal/channel"
	"github.com/commune/realtime/internal/delivery"
	"github.com/commune/realtime/internal/gateway"
	"github.com/commune/realtime/internal/ratelimit"
	"github.com/commune/realtime/internal/store"
)

// DefaultPageSize bounds a catch-up page when the client does not say.
const (
	DefaultPageSize = 100
	MaxPageSize     = 500
)

type ctxKey int

const userKey ctxKey = 0

// RateLimiter is the limiter view the REST surface needs: the admission
// check plus the remaining-quota read surfaced in response headers.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	Remaining(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
}

// API serves the REST routes on top of the gateway core.
type API struct {
	gw      *gateway.Gateway
	authn   auth.Authenticator
	limiter RateLimiter
}

// NewAPI creates the REST API over the gateway and authenticator.
func NewAPI(gw *gateway.Gateway, authn auth.Authenticator) *API {
	return &API{gw: gw, authn: authn}
}

// SetRateLimiter attaches the Redis rate limiter. Optional; without one the
// send endpoint is unthrottled and emits no quota headers.
func (a *API) SetRateLimiter(l RateLimiter) {
	a.limiter = l
}

// Routes builds the chi router for the /api subtree.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(a.requireAuth)

	r.Get("/channels/{channel}/messages", a.listMessages)
	r.Post("/channels/{channel}/messages", a.sendMessage)
	r.Delete("/messages/{id}", a.deleteMessage)

	return r
}

// requireAuth validates the bearer token and stores the user id in the
// request context.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			writeError(w, http.StatusUnauthorized, "missing_token", "bearer token required")
			return
		}
		userID, err := a.authn.ValidateToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token", "token rejected")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, userID)))
	})
}

func requestUser(r *http.Request) string {
	userID, _ := r.Context().Value(userKey).(string)
	return userID
}

// recordPayload is the JSON shape of a record in REST responses.
type recordPayload struct {
	ID      string `json:"id"`
	Seq     int64  `json:"seq"`
	Channel string `json:"channel"`
	Kind    string `json:"kind"`
	From    string `json:"from"`
	Body    string `json:"body,omitempty"`
	Status  string `json:"status"`
	Ts      int64  `json:"ts"`
}

func toPayload(rec store.Record) recordPayload {
	p := recordPayload{
		ID:      rec.ID,
		Seq:     rec.Seq,
		Channel: rec.Channel,
		Kind:    string(rec.Kind),
		From:    rec.Sender,
		Status:  string(rec.Status),
		Ts:      rec.CreatedAt.Unix(),
	}
	// Recalled and deleted bodies are never served, matching the blanked
	// rendering connected clients apply.
	if rec.Status != delivery.StatusRecalled && rec.Status != delivery.StatusDeleted {
		p.Body = rec.Body
	}
	return p
}

// listMessages is the gap-recovery endpoint: records in the channel with
// sequence numbers strictly greater than the "since" cursor, oldest first.
// The response carries the new cursor so the client can resume from it.
func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channel")

	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid_cursor", "since must be a non-negative integer")
			return
		}
		since = v
	}

	limit := DefaultPageSize
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		if v > MaxPageSize {
			v = MaxPageSize
		}
		limit = v
	}

	records, err := a.gw.ListSince(r.Context(), requestUser(r), channelID, since, limit)
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}

	cursor := since
	payload := make([]recordPayload, 0, len(records))
	for _, rec := range records {
		payload = append(payload, toPayload(rec))
		if rec.Seq > cursor {
			cursor = rec.Seq
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channel": channelID,
		"cursor":  cursor,
		"records": payload,
	})
}

type sendRequest struct {
	Body string `json:"body"`
}

// sendMessage creates a record over HTTP. Connected members of the channel
// receive the same broadcast a WebSocket send would produce; the caller gets
// the persisted record back instead of an ack frame. The message rate limit
// is shared with the WebSocket verb and reported in X-RateLimit-Remaining.
func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channel")
	userID := requestUser(r)

	if a.limiter != nil {
		allowed, _ := a.limiter.Allow(r.Context(), userID, ratelimit.RuleMessage)
		if remaining, err := a.limiter.Remaining(r.Context(), userID, ratelimit.RuleMessage); err == nil {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}
		if !allowed {
			writeError(w, http.StatusTooManyRequests, gateway.CodeRateLimited, "too many messages, slow down")
			return
		}
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}

	rec, err := a.gw.CreateRecord(r.Context(), userID, channelID, req.Body, "")
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, toPayload(*rec))
}

// deleteMessage transitions a record to deleted and broadcasts the deletion.
// Only the sender may delete their own record over this endpoint.
func (a *API) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := requestUser(r)

	rec, err := a.gw.Owner(r.Context(), id)
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}
	if rec != userID {
		writeError(w, http.StatusForbidden, gateway.CodeNotOwner, "only the sender may delete this message")
		return
	}

	updated, err := a.gw.TransitionRecord(r.Context(), userID, id, "", delivery.StatusDeleted)
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, toPayload(*updated))
}

// mapError translates gateway errors to HTTP status and wire code.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, gateway.CodeNotFound
	case errors.Is(err, delivery.ErrNotOwner):
		return http.StatusForbidden, gateway.CodeNotOwner
	case errors.Is(err, delivery.ErrRecallExpired):
		return http.StatusConflict, gateway.CodeRecallExpired
	case errors.Is(err, delivery.ErrStateConflict):
		return http.StatusConflict, gateway.CodeStateConflict
	case errors.Is(err, gateway.ErrBodyEmpty),
		errors.Is(err, gateway.ErrBodyTooLarge),
		errors.Is(err, gateway.ErrBodyInvalid):
		return http.StatusBadRequest, gateway.CodeInvalidBody
	case errors.Is(err, channel.ErrInvalidID):
		return http.StatusBadRequest, gateway.CodeInvalidChannel
	default:
		return http.StatusInternalServerError, gateway.CodePersistenceFailure
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("rest: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
