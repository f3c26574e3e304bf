// Package presence tracks which users currently hold live connections.
// The tracker is process-local state: it is constructed at startup,
// injected where needed and fully rebuilt from scratch after a restart.
package presence

import (
	"fmt"
	"sync"
)

// Sender is the minimal interface the tracker needs from a live
// connection: the ability to push an encoded frame to the client.
type Sender interface {
	Send(payload []byte) error
}

// Tracker maps user ids to their currently open live connections. A user
// may hold several at once (multiple tabs or devices); they count as
// online while at least one remains.
type Tracker struct {
	mu     sync.RWMutex
	conns  map[string]map[int64]Sender
	nextID int64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]map[int64]Sender)}
}

// Register adds a connection for the given user and returns a connection
// id used to unregister it later.
func (t *Tracker) Register(userID string, s Sender) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[userID]; !ok {
		t.conns[userID] = make(map[int64]Sender)
	}

	t.nextID++
	id := t.nextID
	t.conns[userID][id] = s
	return id
}

// Unregister removes a previously-registered connection. It reports
// whether this was the user's last connection, i.e. whether the user just
// went offline.
func (t *Tracker) Unregister(userID string, id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	conns, ok := t.conns[userID]
	if !ok {
		return false
	}
	if _, ok := conns[id]; !ok {
		return false
	}
	delete(conns, id)
	if len(conns) == 0 {
		delete(t.conns, userID)
		return true
	}
	return false
}

// IsOnline reports whether the user holds at least one live connection.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns[userID]) > 0
}

// OnlineUsers returns a snapshot of all user ids currently online.
func (t *Tracker) OnlineUsers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	users := make([]string, 0, len(t.conns))
	for id := range t.conns {
		users = append(users, id)
	}
	return users
}

// ConnectionsFor returns a snapshot of the user's live connections.
func (t *Tracker) ConnectionsFor(userID string) []Sender {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conns := t.conns[userID]
	out := make([]Sender, 0, len(conns))
	for _, s := range conns {
		out = append(out, s)
	}
	return out
}

// SendToUser pushes payload to every live connection of the user. If the
// user is not connected it returns an error. Delivery is best-effort per
// connection: a connection whose send fails is unregistered immediately,
// before the call returns, so later fan-outs never see the dead handle.
func (t *Tracker) SendToUser(userID string, payload []byte) error {
	t.mu.RLock()
	conns := t.conns[userID]
	targets := make(map[int64]Sender, len(conns))
	for id, s := range conns {
		targets[id] = s
	}
	t.mu.RUnlock()

	if len(targets) == 0 {
		return fmt.Errorf("user %s not connected", userID)
	}

	var firstErr error
	for id, s := range targets {
		if err := s.Send(payload); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			t.Unregister(userID, id)
		}
	}
	return firstErr
}
