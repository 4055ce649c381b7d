package client

import (
	"sort"
	"sync"
)

// Entry is one record in a channel timeline, whether it arrived as a live
// push or through catch-up after a reconnect.
type Entry struct {
	ID      string
	Seq     int64
	Channel string
	From    string
	Body    string
	Status  string
	Ts      int64
}

// Timeline accumulates records per channel and remembers the highest
// sequence number seen, which is the cursor catch-up resumes from. Records
// are deduplicated by id so a message that arrived live and again in a
// catch-up page lands exactly once; the later copy wins because catch-up may
// carry a newer status.
type Timeline struct {
	mu      sync.RWMutex
	byID    map[string]Entry
	cursors map[string]int64
}

// NewTimeline creates an empty Timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		byID:    make(map[string]Entry),
		cursors: make(map[string]int64),
	}
}

// Apply upserts a single entry. Live pushes have no sequence number; they
// only advance the cursor when one is present (catch-up records always are).
func (t *Timeline) Apply(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byID[e.ID]; ok {
		// Keep the known seq if the update carries none.
		if e.Seq == 0 {
			e.Seq = existing.Seq
		}
		if e.Body == "" {
			e.Body = existing.Body
		}
	}
	t.byID[e.ID] = e

	if e.Seq > t.cursors[e.Channel] {
		t.cursors[e.Channel] = e.Seq
	}
}

// ApplyStatus updates the status of a known entry. Unknown ids are ignored;
// a status event for a record the client never saw carries nothing worth
// rendering.
func (t *Timeline) ApplyStatus(id, status string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byID[id]
	if !ok {
		return
	}
	e.Status = status
	t.byID[id] = e
}

// Merge applies a catch-up page.
func (t *Timeline) Merge(entries []Entry) {
	for _, e := range entries {
		t.Apply(e)
	}
}

// Cursor returns the highest sequence number seen in the channel, 0 if none.
func (t *Timeline) Cursor(channelID string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cursors[channelID]
}

// Records returns the channel's entries ordered by sequence number, with
// unsequenced live entries (Seq 0) last in arrival-independent ts order.
func (t *Timeline) Records(channelID string) []Entry {
	t.mu.RLock()
	out := make([]Entry, 0)
	for _, e := range t.byID {
		if e.Channel == channelID {
			out = append(out, e)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			if out[i].Seq == 0 {
				return false
			}
			if out[j].Seq == 0 {
				return true
			}
			return out[i].Seq < out[j].Seq
		}
		return out[i].Ts < out[j].Ts
	})
	return out
}

// Len returns the total number of entries across all channels.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
