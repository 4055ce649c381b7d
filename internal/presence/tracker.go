// Package presence tracks which users currently have at least one live
// connection. A user is online iff their connection set is non-empty; the
// tracker emits exactly one edge event per 0->1 and 1->0 transition so
// consumers subscribe to edges instead of polling.
package presence

import "sync"

// Event describes a presence edge transition for a single user.
type Event struct {
	UserID string
	Online bool
}

// Listener receives presence edge events. Listeners are invoked outside the
// tracker's lock and must not block for extended periods.
type Listener func(Event)

// Tracker maps a user identity to its reference-counted set of connection
// ids. It is safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	conns     map[string]map[string]struct{} // user id -> set of connection ids
	listeners []Listener
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		conns: make(map[string]map[string]struct{}),
	}
}

// OnEvent registers a listener for presence edge events. Listeners must be
// registered before connections start flowing; registration is not
// synchronized with concurrent Attach/Detach calls.
func (t *Tracker) OnEvent(fn Listener) {
	t.listeners = append(t.listeners, fn)
}

// Attach records a connection for the user. The 0->1 transition emits a
// single online event; attaching further connections for an already-online
// user emits nothing.
func (t *Tracker) Attach(userID, connID string) {
	t.mu.Lock()
	set, ok := t.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		t.conns[userID] = set
	}
	wasEmpty := len(set) == 0
	set[connID] = struct{}{}
	t.mu.Unlock()

	if wasEmpty {
		t.emit(Event{UserID: userID, Online: true})
	}
}

// Detach removes a connection for the user. The 1->0 transition emits a
// single offline event. Detaching an unknown connection is a no-op.
func (t *Tracker) Detach(userID, connID string) {
	t.mu.Lock()
	set, ok := t.conns[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if _, exists := set[connID]; !exists {
		t.mu.Unlock()
		return
	}
	delete(set, connID)
	nowEmpty := len(set) == 0
	if nowEmpty {
		delete(t.conns, userID)
	}
	t.mu.Unlock()

	if nowEmpty {
		t.emit(Event{UserID: userID, Online: false})
	}
}

// IsOnline reports whether the user has at least one live connection.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns[userID]) > 0
}

// OnlineUsers returns a snapshot of all currently online user ids.
func (t *Tracker) OnlineUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.conns))
	for userID := range t.conns {
		out = append(out, userID)
	}
	return out
}

// OnlineCount returns the number of currently online users.
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *Tracker) emit(ev Event) {
	for _, fn := range t.listeners {
		fn(ev)
	}
}
