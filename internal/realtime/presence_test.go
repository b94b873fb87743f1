package realtime

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type changeLog struct {
	mu      sync.Mutex
	changes []StatusChange
}

func (l *changeLog) record(c StatusChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *changeLog) statuses(userID string) []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Status
	for _, c := range l.changes {
		if c.UserID == userID {
			out = append(out, c.Status)
		}
	}
	return out
}

func newTestTracker() (*Tracker, *changeLog) {
	var l changeLog
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	return NewTracker(NewRegistry(), WithClock(clock), WithStatusListener(l.record)), &l
}

func TestTrackerOnlineOfflineBoundary(t *testing.T) {
	tr, l := newTestTracker()

	change, ok := tr.Connect("u1", "c1")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, change.Status)
	assert.Equal(t, StatusOffline, change.Previous)

	_, ok = tr.Connect("u1", "c2")
	assert.False(t, ok, "second connection does not transition")

	_, _, offline := tr.Disconnect("c1")
	assert.False(t, offline)
	assert.True(t, tr.IsOnline("u1"))

	res, change, offline := tr.Disconnect("c2")
	require.True(t, offline)
	assert.Equal(t, "u1", res.UserID)
	assert.Equal(t, StatusOffline, change.Status)
	assert.False(t, change.LastSeen.IsZero())
	assert.False(t, tr.IsOnline("u1"))

	assert.Equal(t, []Status{StatusOnline, StatusOffline}, l.statuses("u1"))
}

func TestTrackerDuplicateDisconnect(t *testing.T) {
	tr, l := newTestTracker()
	tr.Connect("u1", "c1")
	tr.Disconnect("c1")

	res, _, offline := tr.Disconnect("c1")
	assert.False(t, res.Known)
	assert.False(t, offline)
	assert.Len(t, l.statuses("u1"), 2)
}

func TestTrackerAwayActive(t *testing.T) {
	tr, l := newTestTracker()

	_, ok := tr.SetAway("u1")
	assert.False(t, ok, "offline users cannot go away")
	assert.Equal(t, StatusOffline, tr.Status("u1"))

	tr.Connect("u1", "c1")
	change, ok := tr.SetAway("u1")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, change.Previous)
	assert.Equal(t, StatusAway, tr.Status("u1"))
	assert.True(t, tr.IsOnline("u1"), "away users are reachable")

	_, ok = tr.SetAway("u1")
	assert.False(t, ok)

	_, ok = tr.SetActive("u1")
	assert.True(t, ok)
	_, ok = tr.SetActive("u1")
	assert.False(t, ok)

	assert.Equal(t, []Status{StatusOnline, StatusAway, StatusOnline}, l.statuses("u1"))
}

func TestTrackerNewConnectionClearsAway(t *testing.T) {
	tr, l := newTestTracker()
	tr.Connect("u1", "c1")
	tr.SetAway("u1")

	change, ok := tr.Connect("u1", "c2")
	require.True(t, ok)
	assert.Equal(t, StatusAway, change.Previous)
	assert.Equal(t, StatusOnline, tr.Status("u1"))
	assert.Equal(t, []Status{StatusOnline, StatusAway, StatusOnline}, l.statuses("u1"))
}

func TestTrackerAwayGoesOfflineOnLastDisconnect(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Connect("u1", "c1")
	tr.SetAway("u1")

	_, change, offline := tr.Disconnect("c1")
	require.True(t, offline)
	assert.Equal(t, StatusAway, change.Previous)
}

func TestTrackerConcurrentConnectAndPartialDisconnect(t *testing.T) {
	tr, l := newTestTracker()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.Connect("u1", fmt.Sprintf("c%d", i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n-1; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.Disconnect(fmt.Sprintf("c%d", i))
		}(i)
	}
	wg.Wait()

	assert.True(t, tr.IsOnline("u1"))
	assert.Equal(t, []Status{StatusOnline}, l.statuses("u1"))

	tr.Disconnect(fmt.Sprintf("c%d", n-1))
	assert.Equal(t, []Status{StatusOnline, StatusOffline}, l.statuses("u1"))
}

func TestTrackerSnapshot(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Connect("bob", "c3")
	tr.Connect("alice", "c1")
	tr.Connect("alice", "c2")
	tr.SetAway("bob")

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "alice", snap[0].UserID)
	assert.Equal(t, 2, snap[0].Connections)
	assert.Equal(t, StatusAway, snap[1].Status)
}

// requireAlternating checks that a user's online and offline changes
// alternate starting with online, so the running count of online minus
// offline is always 0 or 1.
func requireAlternating(t *testing.T, statuses []Status) {
	t.Helper()
	balance := 0
	for i, s := range statuses {
		switch s {
		case StatusOnline:
			if balance == 0 {
				balance++
			}
		case StatusOffline:
			balance--
		}
		require.Contains(t, []int{0, 1}, balance, "change %d in %v", i, statuses)
	}
}

func TestTrackerConcurrentConnectsAndDisconnect(t *testing.T) {
	for i := 0; i < 200; i++ {
		tr, l := newTestTracker()
		start := make(chan struct{})
		var wg sync.WaitGroup
		run := func(f func()) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				f()
			}()
		}
		run(func() { tr.Connect("u1", "c1") })
		run(func() { tr.Connect("u1", "c2") })
		run(func() { tr.Disconnect("c1") })
		close(start)
		wg.Wait()

		got := l.statuses("u1")
		requireAlternating(t, got)
		// c1 -> disconnect -> c2 is the only order that crosses the
		// boundary more than once.
		require.Contains(t, [][]Status{
			{StatusOnline},
			{StatusOnline, StatusOffline, StatusOnline},
		}, got)
		require.True(t, tr.IsOnline("u1"))

		conns := tr.registry.ListConnections("u1")
		require.Contains(t, conns, "c2")
		if len(got) == 3 {
			require.Equal(t, []string{"c2"}, conns)
		}
	}
}

func TestTrackerConcurrentDisconnectAllEmitsOneOffline(t *testing.T) {
	for i := 0; i < 50; i++ {
		tr, l := newTestTracker()
		const n = 20
		for c := 0; c < n; c++ {
			tr.Connect("u1", fmt.Sprintf("c%d", c))
		}

		start := make(chan struct{})
		var wg sync.WaitGroup
		var mu sync.Mutex
		offline := 0
		for c := 0; c < n; c++ {
			wg.Add(1)
			go func(c int) {
				defer wg.Done()
				<-start
				if _, _, ok := tr.Disconnect(fmt.Sprintf("c%d", c)); ok {
					mu.Lock()
					offline++
					mu.Unlock()
				}
			}(c)
		}
		close(start)
		wg.Wait()

		require.Equal(t, 1, offline)
		require.Equal(t, []Status{StatusOnline, StatusOffline}, l.statuses("u1"))
		require.False(t, tr.IsOnline("u1"))
		require.Zero(t, tr.registry.ConnectionCount())
	}
}

func TestTrackerOnlineBalanceUnderChurn(t *testing.T) {
	var (
		mu       sync.Mutex
		balance  int
		violated []int
	)
	tr := NewTracker(NewRegistry(), WithStatusListener(func(c StatusChange) {
		mu.Lock()
		defer mu.Unlock()
		switch c.Status {
		case StatusOnline:
			if c.Previous == StatusOffline {
				balance++
			}
		case StatusOffline:
			balance--
		}
		if balance != 0 && balance != 1 {
			violated = append(violated, balance)
		}
	}))

	const workers, rounds = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				connID := fmt.Sprintf("w%d-%d", w, r%3)
				if r%2 == 0 {
					tr.Connect("u1", connID)
				} else {
					tr.Disconnect(connID)
				}
			}
		}(w)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, violated)
	if tr.IsOnline("u1") {
		assert.Equal(t, 1, balance)
	} else {
		assert.Equal(t, 0, balance)
	}
}
