package channel

import "sync"

// Registry is the thread-safe group registry mapping channel ids to the set
// of connection ids currently subscribed. It supports O(1) membership tests
// and O(members) fan-out snapshots. Channel entries with zero members are
// deleted on the last unsubscribe; an absent entry is semantically identical
// to an empty set.
type Registry struct {
	mu       sync.RWMutex
	members  map[string]map[string]struct{} // channel id -> set of connection ids
	channels map[string]map[string]struct{} // connection id -> set of channel ids
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		members:  make(map[string]map[string]struct{}),
		channels: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds the connection to the channel's member set. It is
// idempotent: subscribing a connection that is already a member leaves the
// set unchanged. It returns true if the connection was newly added.
func (r *Registry) Subscribe(connID, channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[channelID]
	if !ok {
		set = make(map[string]struct{})
		r.members[channelID] = set
	}
	if _, exists := set[connID]; exists {
		return false
	}
	set[connID] = struct{}{}

	chans, ok := r.channels[connID]
	if !ok {
		chans = make(map[string]struct{})
		r.channels[connID] = chans
	}
	chans[channelID] = struct{}{}
	return true
}

// Unsubscribe removes the connection from the channel's member set.
// Unsubscribing a connection that is not a member is a no-op, not an error.
// It returns true if the connection was actually removed.
func (r *Registry) Unsubscribe(connID, channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribeLocked(connID, channelID)
}

func (r *Registry) unsubscribeLocked(connID, channelID string) bool {
	set, ok := r.members[channelID]
	if !ok {
		return false
	}
	if _, exists := set[connID]; !exists {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.members, channelID)
	}

	if chans, ok := r.channels[connID]; ok {
		delete(chans, channelID)
		if len(chans) == 0 {
			delete(r.channels, connID)
		}
	}
	return true
}

// Members returns a snapshot of the connection ids subscribed to the channel.
// The returned slice is safe to iterate without holding any lock; a
// subscriber added after the snapshot is taken may miss the event being
// fanned out, which gap recovery compensates for.
func (r *Registry) Members(channelID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.members[channelID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for connID := range set {
		out = append(out, connID)
	}
	return out
}

// IsMember reports whether the connection is subscribed to the channel.
func (r *Registry) IsMember(connID, channelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.members[channelID]
	if !ok {
		return false
	}
	_, exists := set[connID]
	return exists
}

// Channels returns a snapshot of the channel ids the connection is
// subscribed to.
func (r *Registry) Channels(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chans, ok := r.channels[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(chans))
	for channelID := range chans {
		out = append(out, channelID)
	}
	return out
}

// DropConnection removes the connection from every channel it is subscribed
// to. It is called on disconnect and is idempotent and safe to run
// concurrently with an in-flight fan-out over the same channels.
func (r *Registry) DropConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chans, ok := r.channels[connID]
	if !ok {
		return
	}
	for channelID := range chans {
		if set, ok := r.members[channelID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.members, channelID)
			}
		}
	}
	delete(r.channels, connID)
}

// MemberCount returns the number of connections subscribed to the channel.
func (r *Registry) MemberCount(channelID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[channelID])
}
