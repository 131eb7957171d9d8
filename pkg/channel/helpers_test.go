package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var baseTimeout = time.Second

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// testAckServer answers frames by type:
//   - "echo" is acked with its own payload
//   - "reject" is nacked
//   - "push" is acked and followed by a "pushed" event carrying the payload
//   - "drop" closes the connection without answering
//   - anything else is never answered
type testAckServer struct {
	*httptest.Server
	received chan *Frame
}

func newTestAckServer(t *testing.T) *testAckServer {
	s := &testAckServer{received: make(chan *Frame, 64)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f Frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			select {
			case s.received <- &f:
			default:
			}
			var replies []*Frame
			switch f.Type {
			case "echo":
				replies = append(replies, NewAck(f.ID, f.Payload))
			case "reject":
				replies = append(replies, NewNack(f.ID, "not allowed"))
			case "push":
				replies = append(replies, NewAck(f.ID, nil), &Frame{Type: "pushed", Payload: f.Payload})
			case "twice":
				replies = append(replies, NewAck(f.ID, f.Payload), NewAck(f.ID, f.Payload))
			case "drop":
				return
			}
			for _, reply := range replies {
				b, _ := json.Marshal(reply)
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *testAckServer) wsURL() string {
	return strings.Replace(s.URL, "http://", "ws://", 1)
}

// waitOrTimeout waits for fn to return or fails the test.
func waitOrTimeout(t *testing.T, fn func(), timeout time.Duration, s string, args ...interface{}) {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		require.Failf(t, "timeout", s, args...)
	}
}

type failingDialer struct{}

func (failingDialer) Dial(context.Context) (Handle, error) {
	return nil, errors.New("connection refused")
}

// hangingDialer blocks until released, then returns handle.
type hangingDialer struct {
	release chan struct{}
	handle  Handle
}

func (d *hangingDialer) Dial(context.Context) (Handle, error) {
	<-d.release
	return d.handle, nil
}
