// Package presence tracks which chat user is reachable over which live
// channel. It is the only mutable shared state inside the relay core; all
// maps live behind one coarse mutex and are never handed out to callers.
package presence

import (
	"sync"

	"github.com/suPer8Hu/chat-relay/internal/chat"
)

// Channel is one live bidirectional connection. Send must be safe for
// concurrent use; implementations wrap the underlying socket with a write
// lock.
type Channel interface {
	Send(payload []byte) error
}

type Registry struct {
	mu     sync.Mutex
	byUser map[chat.UserKey]Channel
	byChan map[Channel]chat.UserKey
	staff  map[Channel]struct{}
	// staff channel -> connection id currently on screen
	viewing map[Channel]uint64
}

func NewRegistry() *Registry {
	return &Registry{
		byUser:  map[chat.UserKey]Channel{},
		byChan:  map[Channel]chat.UserKey{},
		staff:   map[Channel]struct{}{},
		viewing: map[Channel]uint64{},
	}
}

// Register binds the channel to the user, superseding any previous channel
// for the same user. The superseded channel is not closed here; it simply
// stops being a delivery target.
func (r *Registry) Register(key chat.UserKey, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byUser[key]; ok && old != ch {
		r.dropLocked(old)
	}
	// the channel may be re-announcing as a different user
	if prev, ok := r.byChan[ch]; ok && prev != key {
		delete(r.byUser, prev)
	}

	r.byUser[key] = ch
	r.byChan[ch] = key
	if key.Role == chat.RoleStaff {
		r.staff[ch] = struct{}{}
	} else {
		delete(r.staff, ch)
	}
}

// Unregister removes the channel and every view of it. Safe to call for a
// channel that was never registered.
func (r *Registry) Unregister(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(ch)
}

func (r *Registry) dropLocked(ch Channel) {
	if key, ok := r.byChan[ch]; ok {
		if r.byUser[key] == ch {
			delete(r.byUser, key)
		}
		delete(r.byChan, ch)
	}
	delete(r.staff, ch)
	delete(r.viewing, ch)
}

// Lookup returns the live channel for a user, if any.
func (r *Registry) Lookup(key chat.UserKey) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.byUser[key]
	return ch, ok
}

// SetViewing records that the staff channel currently has the given
// connection on screen, overwriting any prior value. Ignored for channels
// that are not registered staff channels.
func (r *Registry) SetViewing(ch Channel, connectionID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.staff[ch]; !ok {
		return
	}
	r.viewing[ch] = connectionID
}

// BroadcastToAgents sends payload to every live staff channel except exclude
// and returns the number of successful sends. Channels that fail to accept
// the write are pruned as implicitly disconnected; failures never propagate
// to the caller.
func (r *Registry) BroadcastToAgents(payload []byte, exclude Channel) int {
	r.mu.Lock()
	targets := make([]Channel, 0, len(r.staff))
	for ch := range r.staff {
		if ch == exclude {
			continue
		}
		targets = append(targets, ch)
	}
	r.mu.Unlock()

	sent := 0
	for _, ch := range targets {
		if err := ch.Send(payload); err != nil {
			r.Unregister(ch)
			continue
		}
		sent++
	}
	return sent
}

// AgentsViewing returns the staff channels whose current view is the given
// connection, excluding exclude.
func (r *Registry) AgentsViewing(connectionID uint64, exclude Channel) []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Channel
	for ch := range r.staff {
		if ch == exclude {
			continue
		}
		if v, ok := r.viewing[ch]; ok && v == connectionID {
			out = append(out, ch)
		}
	}
	return out
}

// StaffCount reports the number of live staff channels.
func (r *Registry) StaffCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.staff)
}
