package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	chatsync "github.com/putto11262002/chatsync/app"
	"github.com/putto11262002/chatsync/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	return file
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := root.Execute()
	return out.String(), err
}

func TestTokenCmd(t *testing.T) {
	file := writeConfig(t, "relay:\n  secret: c2VjcmV0\n")
	out, err := run(t, "", "--config", file, "token", "--user", "u1", "--name", "Alice", "--ttl", "1h")
	require.NoError(t, err)

	claims, err := core.VerifyToken(strings.TrimSpace(out), []byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, core.Identity{UserID: "u1", DisplayName: "Alice"}, claims.Identity())

	_, err = run(t, "", "--config", writeConfig(t, "log:\n  level: info\n"), "token", "--user", "u1")
	assert.ErrorIs(t, err, errNoSecret)

	_, err = run(t, "", "--config", file, "token")
	assert.Error(t, err, "--user is required")
}

func TestInvalidConfigFailsCommand(t *testing.T) {
	_, err := run(t, "", "--config", writeConfig(t, "transport: smoke-signals\n"), "token", "--user", "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport must be one of")

	_, err = run(t, "", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "rooms")
	assert.Error(t, err)
}

func TestJoinCmdLocal(t *testing.T) {
	file := writeConfig(t, `
transport: local
storage:
  driver: memory
identity:
  user_id: u1
  display_name: Alice
`)
	out, err := run(t, "hello\n/who\n/retry\n/shout\n/quit\n", "--config", file, "join", "lobby")
	require.NoError(t, err)

	assert.Contains(t, out, "* lobby: joined (degraded)")
	assert.Contains(t, out, "Alice: hello")
	assert.Contains(t, out, "  Alice (u1)")
	assert.Contains(t, out, "error: usage: /retry <id>")
	assert.Contains(t, out, "error: unknown command /shout")
}

func TestRoomsCmd(t *testing.T) {
	db := filepath.Join(t.TempDir(), "chatsync.db")
	file := writeConfig(t, "transport: local\nstorage:\n  driver: sqlite\n  sqlite:\n    file: "+db+"\n")

	cfg, err := chatsync.LoadConfig(file)
	require.NoError(t, err)
	ctx := context.Background()
	app, err := chatsync.New(ctx, cfg, io.Discard)
	require.NoError(t, err)
	_, err = app.Manager().Join(ctx, "lobby")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rooms, err := app.Manager().RecentRooms(ctx)
		return err == nil && len(rooms) == 1
	}, time.Second, 10*time.Millisecond)
	app.Close(ctx)

	out, err := run(t, "", "--config", file, "rooms")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "lobby\t"), out)
}

func TestViewUpdate(t *testing.T) {
	v := &view{}
	now := time.Now()
	snap := core.Snapshot{
		RoomID:     "lobby",
		State:      core.Joined,
		Connection: core.Connected,
		Participants: []core.Participant{
			{ID: "u1", DisplayName: "Alice"},
			{ID: "u2", IsTyping: true},
		},
		Messages: []core.ChatMessage{
			{ID: "m1", AuthorID: "u1", Body: "hi", SentAt: now, State: core.Pending},
		},
	}

	lines := v.update(snap)
	require.Len(t, lines, 3)
	assert.Equal(t, "* lobby: joined (connected)", lines[0])
	assert.Contains(t, lines[1], "Alice: hi")
	assert.Equal(t, "~ u2 typing...", lines[2])

	// nothing changed
	assert.Empty(t, v.update(snap))

	snap.Participants[1].IsTyping = false
	snap.Messages[0].State = core.Failed
	snap.Messages = append(snap.Messages, core.ChatMessage{ID: "m2", AuthorID: "u2", AuthorName: "Bob", Body: "yo", SentAt: now})
	lines = v.update(snap)
	require.Len(t, lines, 2)
	assert.Equal(t, "! not delivered, /retry m1", lines[0])
	assert.Contains(t, lines[1], "Bob: yo")

	snap.Connection = core.Degraded
	assert.Equal(t, []string{"* lobby: joined (degraded)"}, v.update(snap))
}

func TestBenchCmdLocal(t *testing.T) {
	file := writeConfig(t, "transport: local\nstorage:\n  driver: memory\n")
	out, err := run(t, "", "--config", file, "bench", "--clients", "2", "--interval", "10ms", "--duration", "60ms")
	require.NoError(t, err)
	assert.Contains(t, out, "Degraded clients: 2")
	assert.Contains(t, out, "Total failed: 0")
}
