package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/markb/huddle/internal/auth"
	"github.com/markb/huddle/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu        sync.Mutex
	groups    map[string][]string
	messages  []store.Message
	lastSeen  map[string]time.Time
	seenCalls int
	failSeen  error
	failGroup error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		groups:   make(map[string][]string),
		lastSeen: make(map[string]time.Time),
	}
}

func (f *fakeStore) CreateMessage(_ context.Context, in store.MessageInput) (*store.Message, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := store.Message{
		ID:        fmt.Sprintf("m%d", len(f.messages)+1),
		RoomID:    in.RoomID,
		SenderID:  in.SenderID,
		Content:   in.Content,
		CreatedAt: time.Now().UTC(),
	}
	f.messages = append(f.messages, msg)
	return &msg, nil
}

func (f *fakeStore) FindGroupMembership(_ context.Context, groupID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGroup != nil {
		return nil, f.failGroup
	}
	members := append([]string{}, f.groups[groupID]...)
	sort.Strings(members)
	return members, nil
}

func (f *fakeStore) GroupExists(_ context.Context, groupID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGroup != nil {
		return false, f.failGroup
	}
	_, ok := f.groups[groupID]
	return ok, nil
}

func (f *fakeStore) UpdateLastSeen(_ context.Context, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seenCalls++
	if f.failSeen != nil {
		return f.failSeen
	}
	f.lastSeen[userID] = at
	return nil
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seenCalls
}

// testService is a Service whose connections are recorders.
type testService struct {
	*Service
	store *fakeStore
	conns map[string]*recorder
}

func newTestService(t *testing.T) *testService {
	t.Helper()
	fs := newFakeStore()
	svc, err := NewService(Config{
		Store: fs,
		Resolver: auth.ResolverFunc(func(_ context.Context, credential string) (string, error) {
			if credential == "" || credential == "bad" {
				return "", auth.ErrUnauthenticated
			}
			return credential, nil
		}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return &testService{Service: svc, store: fs, conns: make(map[string]*recorder)}
}

// connect attaches connID and registers it for userID.
func (ts *testService) connect(t *testing.T, userID, connID string) *recorder {
	t.Helper()
	rec := &recorder{}
	ts.conns[connID] = rec
	ts.Attach(connID, rec)
	require.NoError(t, ts.RegisterUser(connID, userID))
	return rec
}

func presenceOf(rec *recorder, userID string) []Status {
	var out []Status
	for _, ev := range rec.ofKind(KindPresenceChanged) {
		if c := ev.Payload.(StatusChange); c.UserID == userID {
			out = append(out, c.Status)
		}
	}
	return out
}

func TestServiceRegisterWithCredential(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	ts.Attach("c1", &recorder{})

	_, err := ts.Register(ctx, "c1", "bad")
	require.ErrorIs(t, err, auth.ErrUnauthenticated)
	_, ok := ts.UserOf("c1")
	assert.False(t, ok, "connection stays anonymous")

	userID, err := ts.Register(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
	assert.True(t, ts.IsOnline("alice"))

	_, err = ts.Register(ctx, "c1", "alice")
	assert.NoError(t, err, "repeat registration is a no-op")

	_, err = ts.Register(ctx, "c1", "bob")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	_, err = ts.Register(ctx, "unknown", "alice")
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestServiceJoinRequiresRegistration(t *testing.T) {
	ts := newTestService(t)
	ts.Attach("anon", &recorder{})

	ctx := context.Background()
	assert.ErrorIs(t, ts.Join(ctx, "anon", "r1"), ErrNotRegistered)
	assert.ErrorIs(t, ts.Leave("anon", "r1"), ErrNotRegistered)
	assert.ErrorIs(t, ts.Join(ctx, "missing", "r1"), ErrUnknownConnection)
}

func TestServicePersonalRoom(t *testing.T) {
	ts := newTestService(t)
	a1 := ts.connect(t, "alice", "a1")
	a2 := ts.connect(t, "alice", "a2")

	assert.Equal(t, []string{"a1", "a2"}, ts.rooms.MembersOf("alice"))
	require.NoError(t, ts.Leave("a1", "alice"))
	assert.True(t, ts.rooms.IsMember("a1", "alice"))

	report := ts.Publish(context.Background(), RoomTarget("alice"), "ping", nil)
	assert.Equal(t, 2, report.Delivered)
	assert.Len(t, a1.ofKind("ping"), 1)
	assert.Len(t, a2.ofKind("ping"), 1)
}

func TestServicePresenceEventsBroadcast(t *testing.T) {
	ts := newTestService(t)
	bob := ts.connect(t, "bob", "b1")
	ts.connect(t, "alice", "a1")
	ts.connect(t, "alice", "a2")

	assert.True(t, ts.SetAway("alice"))
	assert.False(t, ts.SetAway("alice"))
	assert.True(t, ts.SetActive("alice"))
	assert.False(t, ts.SetAway("nobody"))

	assert.Equal(t, []Status{StatusOnline, StatusAway, StatusOnline}, presenceOf(bob, "alice"))
}

func TestServiceGroupMembership(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	ts.store.groups["g1"] = []string{"a", "b", "c"}

	recs := map[string]*recorder{}
	for _, u := range []string{"a", "b", "c", "d"} {
		recs[u] = ts.connect(t, u, "conn-"+u)
	}

	assert.ErrorIs(t, ts.JoinGroup(ctx, "conn-d", "g1"), ErrNotMember)
	require.NoError(t, ts.JoinGroup(ctx, "conn-a", "g1"))

	res, err := ts.SyncGroup(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, res.Members)
	assert.Equal(t, 2, res.Joined)

	msg, report, err := ts.PublishMessage(ctx, store.MessageInput{
		RoomID:   "g1",
		SenderID: "a",
		Content:  json.RawMessage(`"hi"`),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Delivered)
	for _, u := range []string{"a", "b", "c"} {
		got := recs[u].ofKind(KindMessageCreated)
		require.Len(t, got, 1, u)
		assert.Equal(t, msg, got[0].Payload)
	}
	assert.Empty(t, recs["d"].ofKind(KindMessageCreated))
	assert.Empty(t, recs["d"].ofKind(KindMembershipChanged))

	// c leaves the group in the store
	ts.store.groups["g1"] = []string{"a", "b"}
	res, err = ts.SyncGroup(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.False(t, ts.rooms.IsMember("conn-c", "g1"))
}

func TestServicePlainJoinChecksGroupMembership(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	ts.store.groups["g1"] = []string{"a", "b", "c"}

	recs := map[string]*recorder{}
	for _, u := range []string{"a", "b", "c", "d"} {
		recs[u] = ts.connect(t, u, "conn-"+u)
	}
	for _, u := range []string{"a", "b", "c"} {
		require.NoError(t, ts.Join(ctx, "conn-"+u, "g1"))
	}

	assert.ErrorIs(t, ts.Join(ctx, "conn-d", "g1"), ErrNotMember)
	assert.False(t, ts.IsMember("conn-d", "g1"))

	_, report, err := ts.PublishMessage(ctx, store.MessageInput{
		RoomID:   "g1",
		SenderID: "a",
		Content:  json.RawMessage(`"hi"`),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Delivered)
	assert.Empty(t, recs["d"].ofKind(KindMessageCreated))
}

func TestServiceJoinRefusesForeignPersonalRoom(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	a := ts.connect(t, "a", "conn-a")
	d := ts.connect(t, "d", "conn-d")

	assert.ErrorIs(t, ts.Join(ctx, "conn-d", "a"), ErrPersonalRoom)
	assert.False(t, ts.IsMember("conn-d", "a"))
	require.NoError(t, ts.Join(ctx, "conn-d", "d"), "own personal room")

	report := ts.Publish(ctx, RoomTarget("a"), "ping", nil)
	assert.Equal(t, 1, report.Delivered)
	assert.Len(t, a.ofKind("ping"), 1)
	assert.Empty(t, d.ofKind("ping"))

	// A user who has not connected yet still gets a private room: whoever
	// joined it early is removed when the owner registers.
	require.NoError(t, ts.Join(ctx, "conn-d", "e"))
	ts.connect(t, "e", "conn-e")
	assert.Equal(t, []string{"conn-e"}, ts.RoomMembers("e"))
	assert.ErrorIs(t, ts.Join(ctx, "conn-d", "e"), ErrPersonalRoom)
}

func TestServiceGroupStoreFailure(t *testing.T) {
	ts := newTestService(t)
	ts.connect(t, "a", "c1")
	ts.store.failGroup = errors.New("db down")

	err := ts.JoinGroup(context.Background(), "c1", "g1")
	assert.ErrorIs(t, err, ErrPersistenceUnavailable)
	err = ts.Join(context.Background(), "c1", "r1")
	assert.ErrorIs(t, err, ErrPersistenceUnavailable)
	assert.False(t, ts.rooms.IsMember("c1", "r1"))
	_, err = ts.SyncGroup(context.Background(), "g1")
	assert.ErrorIs(t, err, ErrPersistenceUnavailable)
}

func TestServicePublishMessageInvalid(t *testing.T) {
	ts := newTestService(t)

	_, _, err := ts.PublishMessage(context.Background(), store.MessageInput{RoomID: "r1", SenderID: "a"})
	assert.ErrorIs(t, err, store.ErrInvalidMessage)
	assert.NotErrorIs(t, err, ErrPersistenceUnavailable)

	noStore, err := NewService(Config{})
	require.NoError(t, err)
	_, _, err = noStore.PublishMessage(context.Background(), store.MessageInput{})
	assert.ErrorIs(t, err, ErrPersistenceUnavailable)
}

func TestServiceStats(t *testing.T) {
	ts := newTestService(t)
	ts.connect(t, "alice", "a1")
	ts.connect(t, "alice", "a2")
	ts.Attach("anon", &recorder{})
	require.NoError(t, ts.Join(context.Background(), "a1", "r1"))

	stats := ts.Stats()
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, 3, stats.Attached)
	assert.Equal(t, 1, stats.OnlineUsers)
	assert.Equal(t, 2, stats.Rooms)
	assert.Equal(t, 3, stats.Memberships)
	require.Len(t, stats.Presence, 1)
	assert.Equal(t, 2, stats.Presence[0].Connections)
}

func TestServiceOnStatusChange(t *testing.T) {
	var l changeLog
	svc, err := NewService(Config{OnStatusChange: l.record})
	require.NoError(t, err)

	svc.Attach("c1", &recorder{})
	require.NoError(t, svc.RegisterUser("c1", "u1"))
	svc.OnDisconnect(context.Background(), "c1")

	assert.Equal(t, []Status{StatusOnline, StatusOffline}, l.statuses("u1"))
}
