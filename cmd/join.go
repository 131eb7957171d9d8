package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	chatsync "github.com/putto11262002/chatsync/app"
	"github.com/putto11262002/chatsync/core"
	"github.com/spf13/cobra"
)

const chatHelp = `commands:
  /who            list participants
  /typing on|off  show or clear your typing indicator
  /retry <id>     resend a failed message
  /quit           leave the room
anything else is sent as a message`

func newJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "join <room>",
		Short:   "Join a room and chat from the terminal",
		Args:    cobra.ExactArgs(1),
		PreRunE: requireConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := chatsync.New(ctx, config, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			room, err := app.Manager().Join(ctx, args[0])
			if err != nil {
				return fmt.Errorf("join %s: %w", args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), chatHelp)
			return chat(ctx, room, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// chat prints room updates to out and executes the lines read from in until
// in is exhausted, /quit is read or ctx is done. The room is left on return.
func chat(ctx context.Context, room *core.Room, in io.Reader, out io.Writer) error {
	var (
		mu sync.Mutex
		v  view
	)
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, format+"\n", args...)
	}
	render := func(snap core.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		for _, line := range v.update(snap) {
			fmt.Fprintln(out, line)
		}
	}

	snaps, unwatch := room.Watch()
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for snap := range snaps {
			render(snap)
		}
	}()
	defer func() {
		unwatch()
		<-rendered
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return room.Leave()
		case line, ok := <-lines:
			if !ok {
				return room.Leave()
			}
			quit, err := execute(ctx, room, strings.TrimSpace(line), printf)
			if err != nil {
				printf("error: %v", err)
			}
			if quit {
				return room.Leave()
			}
			// show the outcome before the next line is read
			if snap, ok := room.Snapshot(); ok {
				render(snap)
			}
		}
	}
}

func execute(ctx context.Context, room *core.Room, line string, printf func(string, ...any)) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := room.Send(ctx, line)
		return false, err
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return true, nil
	case "/who":
		snap, _ := room.Snapshot()
		for _, p := range snap.Participants {
			printf("  %s (%s)", displayName(p), p.ID)
		}
		return false, nil
	case "/typing":
		return false, room.SetTyping(arg != "off")
	case "/retry":
		if arg == "" {
			return false, errors.New("usage: /retry <id>")
		}
		_, err := room.Retry(ctx, arg)
		return false, err
	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
}

// view turns successive snapshots into terminal lines describing what
// changed.
type view struct {
	connection core.ConnectionState
	state      core.RoomState
	messages   map[string]core.DeliveryState
	typing     string
	started    bool
}

func (v *view) update(snap core.Snapshot) []string {
	var lines []string
	if !v.started || snap.State != v.state || snap.Connection != v.connection {
		lines = append(lines, fmt.Sprintf("* %s: %s (%s)", snap.RoomID, snap.State, snap.Connection))
		v.state, v.connection, v.started = snap.State, snap.Connection, true
	}
	if v.messages == nil {
		v.messages = make(map[string]core.DeliveryState)
	}

	names := make(map[string]string, len(snap.Participants))
	for _, p := range snap.Participants {
		names[p.ID] = displayName(p)
	}
	for _, m := range snap.Messages {
		prev, seen := v.messages[m.ID]
		v.messages[m.ID] = m.State
		switch {
		case !seen:
			lines = append(lines, formatMessage(m, names))
		case prev != m.State && m.State == core.Failed:
			lines = append(lines, fmt.Sprintf("! not delivered, /retry %s", m.ID))
		}
	}

	var typing []string
	for _, p := range snap.Typing() {
		typing = append(typing, displayName(p))
	}
	sort.Strings(typing)
	if joined := strings.Join(typing, ", "); joined != v.typing {
		v.typing = joined
		if joined != "" {
			lines = append(lines, fmt.Sprintf("~ %s typing...", joined))
		}
	}
	return lines
}

func formatMessage(m core.ChatMessage, names map[string]string) string {
	author := m.AuthorName
	if author == "" {
		author = names[m.AuthorID]
	}
	if author == "" {
		author = m.AuthorID
	}
	line := fmt.Sprintf("[%s] %s: %s", m.SentAt.Local().Format(time.Kitchen), author, m.Body)
	if m.State == core.Failed {
		line += fmt.Sprintf(" (not delivered, /retry %s)", m.ID)
	}
	return line
}

func displayName(p core.Participant) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.ID
}
