package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/putto11262002/chatsync/core"
	"github.com/putto11262002/chatsync/pkg/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var syncConfig = core.ManagerConfig{
	ConnectTimeout: baseTimeout,
	JoinTimeout:    baseTimeout,
	EmitTimeout:    baseTimeout,
	TypingExpiry:   200 * time.Millisecond,
	TypingIdle:     100 * time.Millisecond,
	TypingRefresh:  50 * time.Millisecond,
}

func newTestRelay(t *testing.T, cfg Config) (*Relay, *httptest.Server) {
	ctx, cancel := context.WithCancel(context.Background())
	r, err := New(ctx, cfg, testLogger)
	require.NoError(t, err)
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(func() {
		cancel()
		r.Close()
		srv.Close()
	})
	return r, srv
}

func wsURL(srv *httptest.Server, id core.Identity) string {
	q := url.Values{"userId": {id.UserID}, "name": {id.DisplayName}}
	return strings.Replace(srv.URL, "http://", "ws://", 1) + "/ws?" + q.Encode()
}

func newManager(t *testing.T, d channel.Dialer, id core.Identity) *core.Manager {
	m := core.NewManager(d, id, core.WithLogger(testLogger), core.WithConfig(syncConfig))
	t.Cleanup(func() { m.Close() })
	return m
}

func waitFor(t *testing.T, m *core.Manager, roomID string, cond func(core.Snapshot) bool, msg string) core.Snapshot {
	t.Helper()
	var last core.Snapshot
	require.Eventually(t, func() bool {
		last, _ = m.Snapshot(roomID)
		return cond(last)
	}, 2*baseTimeout, 10*time.Millisecond, msg)
	return last
}

func hasParticipant(id string) func(core.Snapshot) bool {
	return func(s core.Snapshot) bool {
		for _, p := range s.Participants {
			if p.ID == id {
				return true
			}
		}
		return false
	}
}

var (
	alice = core.Identity{UserID: "u1", DisplayName: "Alice"}
	bob   = core.Identity{UserID: "u2", DisplayName: "Bob"}
)

// exerciseRoom runs two managers through a room: join, presence, a message
// each way, typing and leave.
func exerciseRoom(t *testing.T, a, b *core.Manager) {
	ctx := context.Background()

	roomA, err := a.Join(ctx, "lobby")
	require.NoError(t, err)
	snap, _ := roomA.Snapshot()
	require.Equal(t, core.Connected, snap.Connection)

	roomB, err := b.Join(ctx, "lobby")
	require.NoError(t, err)
	snap, _ = roomB.Snapshot()
	assert.True(t, hasParticipant(alice.UserID)(snap))
	waitFor(t, a, "lobby", hasParticipant(bob.UserID), "alice never saw bob join")

	msg, err := roomA.Send(ctx, "hello bob")
	require.NoError(t, err)
	require.Equal(t, core.Confirmed, msg.State)
	require.NotEmpty(t, msg.ServerID)

	got := waitFor(t, b, "lobby", func(s core.Snapshot) bool { return len(s.Messages) == 1 }, "bob never got the message")
	assert.Equal(t, msg.ID, got.Messages[0].ID)
	assert.Equal(t, msg.ServerID, got.Messages[0].ServerID)
	assert.Equal(t, core.Confirmed, got.Messages[0].State)
	assert.False(t, got.Messages[0].Local)

	reply, err := roomB.Send(ctx, "hi alice")
	require.NoError(t, err)
	require.Equal(t, core.Confirmed, reply.State)

	// alice's own echo is merged, bob's reply is appended
	mine := waitFor(t, a, "lobby", func(s core.Snapshot) bool { return len(s.Messages) == 2 }, "alice never got the reply")
	assert.Equal(t, []string{msg.ID, reply.ID}, []string{mine.Messages[0].ID, mine.Messages[1].ID})

	require.NoError(t, roomB.SetTyping(true))
	waitFor(t, a, "lobby", func(s core.Snapshot) bool { return len(s.Typing()) == 1 }, "typing not shown")
	waitFor(t, a, "lobby", func(s core.Snapshot) bool { return len(s.Typing()) == 0 }, "typing not cleared")

	require.NoError(t, roomB.Leave())
	waitFor(t, a, "lobby", func(s core.Snapshot) bool { return !hasParticipant(bob.UserID)(s) }, "bob never left")
}

func TestRelayOverWebSocket(t *testing.T) {
	_, srv := newTestRelay(t, Config{AutoCreate: true})
	a := newManager(t, &channel.WSDialer{URL: wsURL(srv, alice), Logger: testLogger}, alice)
	b := newManager(t, &channel.WSDialer{URL: wsURL(srv, bob), Logger: testLogger}, bob)
	exerciseRoom(t, a, b)
}

func TestRelayOverNATS(t *testing.T) {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	ns := natsserver.RunServer(&opts)
	t.Cleanup(ns.Shutdown)

	newTestRelay(t, Config{AutoCreate: true, NATSURL: ns.ClientURL(), NATSPrefix: "test"})
	dialer := func() channel.Dialer {
		return &channel.NATSDialer{URL: ns.ClientURL(), Prefix: "test", Logger: testLogger}
	}
	exerciseRoom(t, newManager(t, dialer(), alice), newManager(t, dialer(), bob))
}

func TestRelayRejectsUnknownRoom(t *testing.T) {
	_, srv := newTestRelay(t, Config{Rooms: []string{"lobby"}})
	m := newManager(t, &channel.WSDialer{URL: wsURL(srv, alice), Logger: testLogger}, alice)

	_, err := m.Join(context.Background(), "secret")
	assert.ErrorIs(t, err, core.ErrRoomRejected)

	_, err = m.Join(context.Background(), "lobby")
	assert.NoError(t, err)
}

func TestRelayResendAfterReconnectIsNotDuplicated(t *testing.T) {
	r, srv := newTestRelay(t, Config{AutoCreate: true})
	m := newManager(t, &channel.WSDialer{URL: wsURL(srv, alice), Logger: testLogger}, alice)
	ctx := context.Background()

	room, err := m.Join(ctx, "lobby")
	require.NoError(t, err)
	msg, err := room.Send(ctx, "once")
	require.NoError(t, err)

	// the same client message id arriving again is acked, not stored twice
	_, err = request(t, r.Hub(), newFakePeer("other", alice.UserID), core.EventJoinRoom, core.JoinRoomPayload{RoomID: "lobby"})
	require.NoError(t, err)
	raw, err := request(t, r.Hub(), newFakePeer("other", alice.UserID), core.EventSendMessage, core.SendMessagePayload{
		RoomID: "lobby", Body: "once", AuthorID: alice.UserID, ClientMessageID: msg.ID,
	})
	require.NoError(t, err)
	var ack core.SendMessageAck
	require.NoError(t, json.Unmarshal(raw, &ack))
	assert.Equal(t, msg.ServerID, ack.ServerID)

	history, err := r.Hub().Messages("lobby", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRelayTokenAuth(t *testing.T) {
	secret := []byte("secret")
	_, srv := newTestRelay(t, Config{AutoCreate: true, Secret: secret})
	base := strings.Replace(srv.URL, "http://", "ws://", 1) + "/ws"

	t.Run("no token falls back to degraded", func(t *testing.T) {
		m := newManager(t, &channel.WSDialer{URL: base, Logger: testLogger}, alice)
		room, err := m.Join(context.Background(), "lobby")
		require.NoError(t, err)
		snap, _ := room.Snapshot()
		assert.Equal(t, core.Degraded, snap.Connection)
	})

	t.Run("valid token", func(t *testing.T) {
		token, _, err := core.NewToken(alice, time.Hour, secret)
		require.NoError(t, err)
		m := newManager(t, &channel.WSDialer{URL: base, Token: token, Logger: testLogger}, alice)
		room, err := m.Join(context.Background(), "lobby")
		require.NoError(t, err)
		snap, _ := room.Snapshot()
		assert.Equal(t, core.Connected, snap.Connection)
		require.Len(t, snap.Participants, 1)
		assert.Equal(t, "Alice", snap.Participants[0].DisplayName)
	})
}

func TestAuthenticator(t *testing.T) {
	secret := []byte("secret")
	token, _, err := core.NewToken(bob, time.Hour, secret)
	require.NoError(t, err)

	tcs := []struct {
		name   string
		auth   Authenticator
		target string
		header string
		exp    core.Identity
		err    bool
	}{
		{name: "query identity", target: "/ws?userId=u1&name=Alice", exp: alice},
		{name: "missing user", target: "/ws", err: true},
		{name: "bearer token", auth: Authenticator{Secret: secret}, target: "/ws", header: "Bearer " + token, exp: bob},
		{name: "query token", auth: Authenticator{Secret: secret}, target: "/ws?token=" + token, exp: bob},
		{name: "query identity ignored with secret", auth: Authenticator{Secret: secret}, target: "/ws?userId=u1", err: true},
		{name: "bad token", auth: Authenticator{Secret: secret}, target: "/ws?token=nope", err: true},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			id, err := tc.auth.Authenticate(req)
			if tc.err {
				assert.ErrorIs(t, err, ErrUnauthenticated)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.exp, id)
		})
	}
}

func TestRelayRunShutsDownWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r, err := New(ctx, Config{AutoCreate: true}, testLogger)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	errs := make(chan error, 1)
	go func() { errs <- r.Run(ctx, ln) }()

	res, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	cancel()
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(2 * baseTimeout):
		require.FailNow(t, "relay did not shut down")
	}
	_, err = r.Hub().Rooms()
	assert.ErrorIs(t, err, ErrHubClosed)
}
