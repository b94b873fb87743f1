package realtime

import (
	"sort"
	"sync"
	"time"
)

// Status is a user's reachability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// StatusChange is emitted once per presence transition.
type StatusChange struct {
	UserID   string    `json:"user_id"`
	Status   Status    `json:"status"`
	Previous Status    `json:"previous"`
	At       time.Time `json:"at"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// UserPresence is a point-in-time view of one user's presence.
type UserPresence struct {
	UserID      string    `json:"user_id"`
	Status      Status    `json:"status"`
	Since       time.Time `json:"since"`
	Connections int       `json:"connections"`
}

// StatusListener receives transitions while the tracker lock is held, so
// it must not block or call back into the tracker.
type StatusListener func(StatusChange)

// presenceRecord exists only for users with at least one connection.
type presenceRecord struct {
	status Status
	since  time.Time
}

// Tracker derives per-user presence from registry occupancy and explicit
// away/active events. Registry mutations that can cross the zero/non-zero
// connection boundary go through the tracker so the transition decision is
// atomic with the mutation.
type Tracker struct {
	mu        sync.Mutex
	registry  *Registry
	records   map[string]*presenceRecord
	listeners []StatusListener
	now       func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithStatusListener registers a transition listener.
func WithStatusListener(l StatusListener) TrackerOption {
	return func(t *Tracker) {
		t.listeners = append(t.listeners, l)
	}
}

// NewTracker creates a presence tracker over registry.
func NewTracker(registry *Registry, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		registry: registry,
		records:  make(map[string]*presenceRecord),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect adds connID for userID. The first connection moves the user
// offline -> online; a new connection while away counts as activity and
// moves the user back to online.
func (t *Tracker) Connect(userID, connID string) (StatusChange, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	added, first := t.registry.add(userID, connID)
	if !added {
		return StatusChange{}, false
	}
	now := t.now()

	rec, ok := t.records[userID]
	if first || !ok {
		t.records[userID] = &presenceRecord{status: StatusOnline, since: now}
		return t.emitLocked(StatusChange{UserID: userID, Status: StatusOnline, Previous: StatusOffline, At: now}), true
	}
	if rec.status != StatusAway {
		return StatusChange{}, false
	}
	return t.transitionLocked(userID, rec, StatusOnline, now)
}

// Disconnect removes connID from the registry and, when it was the user's
// last connection, moves the user to offline. The offline change carries
// LastSeen for persistence by the caller.
func (t *Tracker) Disconnect(connID string) (RemoveResult, StatusChange, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := t.registry.removeConnection(connID)
	if !res.Known || !res.BecameOffline {
		return res, StatusChange{}, false
	}

	prev := StatusOnline
	if rec, ok := t.records[res.UserID]; ok {
		prev = rec.status
	}
	delete(t.records, res.UserID)

	now := t.now()
	change := StatusChange{
		UserID:   res.UserID,
		Status:   StatusOffline,
		Previous: prev,
		At:       now,
		LastSeen: now,
	}
	return res, t.emitLocked(change), true
}

// SetAway marks a connected user as away. Offline users are ignored.
func (t *Tracker) SetAway(userID string) (StatusChange, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok || rec.status == StatusAway {
		return StatusChange{}, false
	}
	return t.transitionLocked(userID, rec, StatusAway, t.now())
}

// SetActive moves an away user back to online.
func (t *Tracker) SetActive(userID string) (StatusChange, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok || rec.status == StatusOnline {
		return StatusChange{}, false
	}
	return t.transitionLocked(userID, rec, StatusOnline, t.now())
}

// Status returns the user's current status.
func (t *Tracker) Status(userID string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[userID]; ok {
		return rec.status
	}
	return StatusOffline
}

// IsOnline reports whether the user has at least one connection. Away
// users are reachable and therefore online.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[userID]
	return ok
}

// Snapshot returns the presence of every connected user, sorted by id.
func (t *Tracker) Snapshot() []UserPresence {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]UserPresence, 0, len(t.records))
	for userID, rec := range t.records {
		out = append(out, UserPresence{
			UserID:      userID,
			Status:      rec.status,
			Since:       rec.since,
			Connections: len(t.registry.ListConnections(userID)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (t *Tracker) transitionLocked(userID string, rec *presenceRecord, to Status, now time.Time) (StatusChange, bool) {
	change := StatusChange{UserID: userID, Status: to, Previous: rec.status, At: now}
	rec.status = to
	rec.since = now
	return t.emitLocked(change), true
}

func (t *Tracker) emitLocked(change StatusChange) StatusChange {
	for _, l := range t.listeners {
		l(change)
	}
	return change
}
