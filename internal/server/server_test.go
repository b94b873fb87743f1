package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markb/huddle/internal/auth"
	"github.com/markb/huddle/internal/db"
	"github.com/markb/huddle/internal/realtime"
	"github.com/markb/huddle/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-min-32-characters"

type testEnv struct {
	srv      *Server
	http     *httptest.Server
	rt       *realtime.Service
	store    *store.SQLStore
	resolver *auth.HMACResolver
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.New(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations())
	t.Cleanup(func() { database.Close() })

	st := store.New(database)
	resolver, err := auth.NewHMACResolver(testSecret, auth.Options{})
	require.NoError(t, err)

	rt, err := realtime.NewService(realtime.Config{Store: st, Resolver: resolver})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })

	srv := New(Config{Realtime: rt, Store: st, Resolver: resolver})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		rt.CloseConnections(context.Background())
		ts.Close()
	})

	return &testEnv{srv: srv, http: ts, rt: rt, store: st, resolver: resolver}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.resolver.IssueToken(userID, time.Minute)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.http.URL+path, &buf)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/realtime/v1/websocket"
	if userID != "" {
		url += "?access_token=" + e.token(t, userID)
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readEvent reads frames until an event of kind arrives.
func readEvent(t *testing.T, ws *websocket.Conn, kind string) realtime.Event {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f realtime.Frame
		require.NoError(t, ws.ReadJSON(&f))
		if f.Event != realtime.FrameEvent {
			continue
		}
		var ev realtime.Event
		require.NoError(t, json.Unmarshal(f.Payload, &ev))
		if ev.Kind == kind {
			return ev
		}
	}
}

// readReply reads frames until the reply for ref arrives.
func readReply(t *testing.T, ws *websocket.Conn, ref string) realtime.ReplyPayload {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f realtime.Frame
		require.NoError(t, ws.ReadJSON(&f))
		if f.Event != realtime.FrameReply || f.Ref != ref {
			continue
		}
		var reply realtime.ReplyPayload
		require.NoError(t, json.Unmarshal(f.Payload, &reply))
		return reply
	}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t)

	resp := env.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestRESTRequiresBearerToken(t *testing.T) {
	env := setupTestServer(t)

	resp := env.do(t, "POST", "/rest/v1/messages", "", map[string]any{"room_id": "r", "content": "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "no_authorization", decode[ErrorResponse](t, resp).Error)

	req, _ := http.NewRequest("POST", env.http.URL+"/rest/v1/messages", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
	assert.Equal(t, "invalid_token", decode[ErrorResponse](t, resp2).Error)
}

func TestWebSocketRejectsBadHandshakeToken(t *testing.T) {
	env := setupTestServer(t)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/realtime/v1/websocket?access_token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPresenceLifecycle(t *testing.T) {
	env := setupTestServer(t)

	online := decode[map[string][]string](t, env.do(t, "GET", "/presence/v1/online", "", nil))
	assert.Empty(t, online["user_ids"])

	ws := env.dial(t, "alice")
	readEvent(t, ws, realtime.KindPresenceChanged)

	online = decode[map[string][]string](t, env.do(t, "GET", "/presence/v1/online", "", nil))
	assert.Equal(t, []string{"alice"}, online["user_ids"])

	p := decode[presenceResponse](t, env.do(t, "GET", "/presence/v1/users/alice", "", nil))
	assert.True(t, p.Online)
	assert.Equal(t, realtime.StatusOnline, p.Status)
	assert.Nil(t, p.LastSeen)

	ws.Close()
	// last_seen is written just after the offline transition
	require.Eventually(t, func() bool {
		p = decode[presenceResponse](t, env.do(t, "GET", "/presence/v1/users/alice", "", nil))
		return p.LastSeen != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, p.Online)
	assert.Equal(t, realtime.StatusOffline, p.Status)

	p = decode[presenceResponse](t, env.do(t, "GET", "/presence/v1/users/nobody", "", nil))
	assert.False(t, p.Online)
	assert.Nil(t, p.LastSeen)
}

func TestRegisterFrame(t *testing.T) {
	env := setupTestServer(t)

	ws := env.dial(t, "")
	assert.Empty(t, env.rt.OnlineUserIDs())

	require.NoError(t, ws.WriteJSON(map[string]any{
		"event":   "join",
		"topic":   "room-1",
		"ref":     "1",
		"payload": map[string]any{},
	}))
	reply := readReply(t, ws, "1")
	assert.Equal(t, realtime.ReplyError, reply.Status)

	require.NoError(t, ws.WriteJSON(map[string]any{
		"event":   "register",
		"ref":     "2",
		"payload": map[string]any{"access_token": env.token(t, "carol")},
	}))
	reply = readReply(t, ws, "2")
	assert.Equal(t, realtime.ReplyOK, reply.Status)
	assert.Equal(t, "carol", reply.Response.(map[string]any)["user_id"])
	assert.True(t, env.rt.IsOnline("carol"))

	require.NoError(t, ws.WriteJSON(map[string]any{"event": "away", "ref": "3"}))
	assert.Equal(t, realtime.ReplyOK, readReply(t, ws, "3").Status)
	assert.Equal(t, realtime.StatusAway, env.rt.Status("carol"))
}

func TestGroupMessageFanout(t *testing.T) {
	env := setupTestServer(t)

	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")
	dave := env.dial(t, "dave")
	for _, ws := range []*websocket.Conn{alice, bob, dave} {
		readEvent(t, ws, realtime.KindPresenceChanged)
	}
	require.Eventually(t, func() bool { return len(env.rt.OnlineUserIDs()) == 3 }, 5*time.Second, 10*time.Millisecond)

	resp := env.do(t, "POST", "/rest/v1/groups", "alice", map[string]any{"id": "g1", "name": "Team", "members": []string{"bob"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	readEvent(t, bob, realtime.KindMembershipChanged)

	resp = env.do(t, "POST", "/rest/v1/messages", "alice", map[string]any{
		"room_id": "g1",
		"content": map[string]string{"text": "hello team"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]any](t, resp)
	assert.Equal(t, float64(2), created["delivered"])

	ev := readEvent(t, bob, realtime.KindMessageCreated)
	assert.Equal(t, realtime.RoomTarget("g1"), ev.Target)
	payload := ev.Payload.(map[string]any)
	assert.Equal(t, "alice", payload["sender_id"])
	assert.Equal(t, map[string]any{"text": "hello team"}, payload["content"])

	msgs := decode[[]store.Message](t, env.do(t, "GET", "/rest/v1/rooms/g1/messages", "bob", nil))
	require.Len(t, msgs, 1)

	// dave is outside the group and cannot change it
	resp = env.do(t, "PUT", "/rest/v1/groups/g1/members/dave", "dave", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, "DELETE", "/rest/v1/groups/g1/members/bob", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[realtime.SyncResult](t, resp)
	assert.Equal(t, []string{"alice"}, res.Members)
	assert.Equal(t, 1, res.Removed)
}

func TestGroupMessageRoutesRequireMembership(t *testing.T) {
	env := setupTestServer(t)

	resp := env.do(t, "POST", "/rest/v1/groups", "alice", map[string]any{"id": "g1", "name": "Team", "members": []string{"bob"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = env.do(t, "POST", "/rest/v1/messages", "alice", map[string]any{"room_id": "g1", "content": "secret"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, "POST", "/rest/v1/messages", "dave", map[string]any{"room_id": "g1", "content": "let me in"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "not_member", decode[ErrorResponse](t, resp).Error)

	resp = env.do(t, "GET", "/rest/v1/rooms/g1/messages", "dave", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "not_member", decode[ErrorResponse](t, resp).Error)

	msgs := decode[[]store.Message](t, env.do(t, "GET", "/rest/v1/rooms/g1/messages", "bob", nil))
	require.Len(t, msgs, 1, "dave's message was not stored")

	// a removed member loses access
	resp = env.do(t, "DELETE", "/rest/v1/groups/g1/members/bob", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, "GET", "/rest/v1/rooms/g1/messages", "bob", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// rooms that are not groups stay open
	resp = env.do(t, "POST", "/rest/v1/messages", "dave", map[string]any{"room_id": "lobby", "content": "hi"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = env.do(t, "GET", "/rest/v1/rooms/lobby/messages", "alice", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateMessageValidation(t *testing.T) {
	env := setupTestServer(t)

	resp := env.do(t, "POST", "/rest/v1/messages", "alice", map[string]any{"room_id": "r1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_message", decode[ErrorResponse](t, resp).Error)
}

func TestSyncUnknownGroup(t *testing.T) {
	env := setupTestServer(t)

	resp := env.do(t, "POST", "/rest/v1/groups/nope/sync", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[realtime.SyncResult](t, resp).Members)
}

func TestStatsAndLogs(t *testing.T) {
	env := setupTestServer(t)
	env.dial(t, "alice")
	require.Eventually(t, func() bool { return env.rt.IsOnline("alice") }, 5*time.Second, 10*time.Millisecond)

	stats := decode[realtime.Stats](t, env.do(t, "GET", "/realtime/v1/stats", "", nil))
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.OnlineUsers)
	assert.Equal(t, 1, stats.Rooms) // personal room

	resp := env.do(t, "GET", "/realtime/v1/logs?lines=5&level=warn", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, "GET", "/realtime/v1/logs?lines=zero", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
