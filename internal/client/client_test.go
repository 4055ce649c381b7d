package client

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/jonboulle/clockwork"
)

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	// Zero jitter source with a fixed seed still jitters; check bounds
	// instead of exact values.
	rng := rand.New(rand.NewSource(42))

	unjittered := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for attempt, base := range unjittered {
		d := backoffDelay(attempt, rng)
		lo := time.Duration(float64(base) * (1 - BackoffJitter))
		hi := time.Duration(float64(base) * (1 + BackoffJitter))
		if d < lo || d > hi {
			t.Errorf("attempt %d: delay %s outside [%s, %s]", attempt, d, lo, hi)
		}
	}
}

func TestBackoffDelayNeverExceedsJitteredCap(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	max := time.Duration(float64(BackoffCap) * (1 + BackoffJitter))
	for attempt := 0; attempt < 50; attempt++ {
		if d := backoffDelay(attempt, rng); d > max {
			t.Fatalf("attempt %d: delay %s exceeds cap ceiling %s", attempt, d, max)
		}
	}
}

func TestRunGivesUpAfterMaxRetries(t *testing.T) {
	clk := clockwork.NewFakeClock()
	// Port 1 refuses immediately; every dial fails.
	c := New("ws://127.0.0.1:1", "tok",
		WithClock(clk),
		WithRand(rand.New(rand.NewSource(1))),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	for i := 0; i < MaxRetries; i++ {
		clk.BlockUntil(1)
		clk.Advance(time.Minute)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrGaveUp) {
			t.Fatalf("expected ErrGaveUp, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not give up after exhausting retries")
	}

	if got := c.State(); got != StateStopped {
		t.Errorf("expected state stopped, got %s", got)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	clk := clockwork.NewFakeClock()
	c := New("ws://127.0.0.1:1", "tok",
		WithClock(clk),
		WithRand(rand.New(rand.NewSource(1))),
	)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	clk.BlockUntil(1) // first backoff wait
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// wsTestServer upgrades connections and then stays silent, holding each
// client in a blocked frame read.
func wsTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		// Hold the connection open; never send a frame.
		<-r.Context().Done()
		_ = conn.Close()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunStopsOnCancelWhileConnected(t *testing.T) {
	srv := wsTestServer(t)
	wsURL := "ws://" + strings.TrimPrefix(srv.URL, "http://")

	connected := make(chan struct{}, 1)
	c := New(wsURL, "tok", WithStateListener(func(s State) {
		if s == StateConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	select {
	case <-connected:
	case <-time.After(10 * time.Second):
		t.Fatal("client never reached connected state")
	}

	// The server sends nothing, so the client sits in a blocked read.
	// Cancelling must still tear the connection down and return.
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel while connected")
	}
}

func TestStateTransitionsReported(t *testing.T) {
	clk := clockwork.NewFakeClock()
	states := make(chan State, 64)
	c := New("ws://127.0.0.1:1", "tok",
		WithClock(clk),
		WithRand(rand.New(rand.NewSource(1))),
		WithStateListener(func(s State) { states <- s }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = c.Run(ctx) }()

	if got := <-states; got != StateConnecting {
		t.Fatalf("expected connecting first, got %s", got)
	}
	if got := <-states; got != StateReconnecting {
		t.Fatalf("expected reconnecting after failed dial, got %s", got)
	}
	cancel()
}

func TestTimelineDedupesByID(t *testing.T) {
	tl := NewTimeline()

	// Live push first, no sequence number yet.
	tl.Apply(Entry{ID: "m1", Channel: "conversation:42", Body: "hi", Status: "sent", Ts: 100})
	// Same record arrives in a catch-up page with its sequence number.
	tl.Merge([]Entry{
		{ID: "m1", Seq: 7, Channel: "conversation:42", Body: "hi", Status: "sent", Ts: 100},
		{ID: "m2", Seq: 8, Channel: "conversation:42", Body: "there", Status: "sent", Ts: 101},
	})

	records := tl.Records("conversation:42")
	if len(records) != 2 {
		t.Fatalf("expected 2 records after dedupe, got %d", len(records))
	}
	if records[0].ID != "m1" || records[0].Seq != 7 {
		t.Errorf("unexpected first record: %+v", records[0])
	}
	if got := tl.Cursor("conversation:42"); got != 8 {
		t.Errorf("expected cursor 8, got %d", got)
	}
}

func TestTimelineCatchUpCarriesNewerStatus(t *testing.T) {
	tl := NewTimeline()
	tl.Apply(Entry{ID: "m1", Channel: "conversation:42", Body: "hi", Status: "sent", Ts: 100})

	// While disconnected the record was recalled; catch-up serves it with
	// the final status and a blanked body.
	tl.Merge([]Entry{{ID: "m1", Seq: 7, Channel: "conversation:42", Status: "recalled", Ts: 100}})

	records := tl.Records("conversation:42")
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Status != "recalled" {
		t.Errorf("expected recalled status, got %s", records[0].Status)
	}
}

func TestTimelineStatusForUnknownRecordIgnored(t *testing.T) {
	tl := NewTimeline()
	tl.ApplyStatus("ghost", "read")
	if tl.Len() != 0 {
		t.Errorf("status for an unknown record must not create an entry")
	}
}

func TestTimelineOrdersBySeq(t *testing.T) {
	tl := NewTimeline()
	tl.Merge([]Entry{
		{ID: "m3", Seq: 3, Channel: "conversation:42", Ts: 300},
		{ID: "m1", Seq: 1, Channel: "conversation:42", Ts: 100},
		{ID: "m2", Seq: 2, Channel: "conversation:42", Ts: 200},
	})
	// A live push without a seq sorts after sequenced history.
	tl.Apply(Entry{ID: "m4", Channel: "conversation:42", Ts: 400})

	records := tl.Records("conversation:42")
	want := []string{"m1", "m2", "m3", "m4"}
	if len(records) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(records))
	}
	for i, id := range want {
		if records[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, records[i].ID)
		}
	}
}

func TestJoinRemembersChannelForResume(t *testing.T) {
	c := New("ws://127.0.0.1:1", "tok")

	// Not connected: the send fails but the membership is remembered so the
	// next successful connection joins it.
	if err := c.Join("conversation:42"); err == nil {
		t.Fatal("expected send failure while disconnected")
	}
	c.mu.Lock()
	_, ok := c.joined["conversation:42"]
	c.mu.Unlock()
	if !ok {
		t.Error("join must be remembered even when the send fails")
	}

	if err := c.Leave("conversation:42"); err == nil {
		t.Fatal("expected send failure while disconnected")
	}
	c.mu.Lock()
	_, ok = c.joined["conversation:42"]
	c.mu.Unlock()
	if ok {
		t.Error("leave must forget the channel")
	}
}
