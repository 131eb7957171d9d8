package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 64 << 10

	writeStreamSize = 64
)

// WSDialer dials a WebSocket endpoint speaking JSON frames.
type WSDialer struct {
	URL string
	// Token is sent as a bearer token when set.
	Token       string
	Header      http.Header
	Dialer      *websocket.Dialer
	EmitTimeout time.Duration
	Logger      *slog.Logger
}

func (d *WSDialer) Dial(ctx context.Context) (Handle, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	for k, v := range d.Header {
		header[k] = v
	}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	conn, res, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.URL, err, res.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}

	h := newWSHandle(conn, d.EmitTimeout, d.Logger)
	go h.readLoop()
	go h.writeLoop()
	return h, nil
}

var wsSeq atomic.Int64

type wsHandle struct {
	*dispatcher
	conn        *websocket.Conn
	writeStream chan *Frame
	seq         atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *Frame
}

func newWSHandle(conn *websocket.Conn, emitTimeout time.Duration, logger *slog.Logger) *wsHandle {
	id := fmt.Sprintf("ws-%d", wsSeq.Add(1))
	return &wsHandle{
		dispatcher:  newDispatcher(id, logger, emitTimeout, Connected),
		conn:        conn,
		writeStream: make(chan *Frame, writeStreamSize),
		pending:     make(map[int64]chan *Frame),
	}
}

func (h *wsHandle) Emit(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	if h.closed() {
		return nil, ErrDisconnected
	}
	raw, err := marshalPayload(event, payload)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withEmitTimeout(ctx, h.emitTimeout)
	defer cancel()

	id := h.seq.Add(1)
	acked := make(chan *Frame, 1)
	h.pendingMu.Lock()
	h.pending[id] = acked
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, id)
		h.pendingMu.Unlock()
	}()

	select {
	case h.writeStream <- &Frame{ID: id, Type: event, Payload: raw}:
	case <-h.done:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctxError(ctx.Err())
	}

	select {
	case f := <-acked:
		return ackResult(event, f)
	case <-h.done:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctxError(ctx.Err())
	}
}

func (h *wsHandle) Notify(event string, payload any) error {
	raw, err := marshalPayload(event, payload)
	if err != nil {
		return err
	}
	if h.closed() {
		return ErrDisconnected
	}
	select {
	case h.writeStream <- &Frame{Type: event, Payload: raw}:
		return nil
	case <-h.done:
		return ErrDisconnected
	default:
		return ErrBufferFull
	}
}

func (h *wsHandle) Disconnect() error {
	if h.shutdown() {
		h.logger.Info("disconnecting")
	}
	return nil
}

func (h *wsHandle) resolve(f *Frame) {
	h.pendingMu.Lock()
	acked, ok := h.pending[f.ID]
	h.pendingMu.Unlock()
	if !ok {
		h.logger.Debug(fmt.Sprintf("late ack: %d", f.ID))
		return
	}
	select {
	case acked <- f:
	default:
		h.logger.Debug(fmt.Sprintf("duplicate ack: %d", f.ID))
	}
}

func (h *wsHandle) readLoop() {
	h.logger.Debug("read loop started")
	defer func() {
		h.shutdown()
		h.conn.Close()
		h.logger.Debug("read loop stopped")
	}()

	h.conn.SetReadLimit(maxFrameSize)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, r, err := h.conn.NextReader()
		if err != nil {
			if h.closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Info(fmt.Sprintf("expected close: %v", err))
				return
			}
			h.logger.Error(fmt.Sprintf("NextReader: %v", err))
			return
		}
		if format != websocket.TextMessage {
			h.logger.Error(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var f Frame
		if err := DecodeFrame(r, &f); err != nil {
			h.logger.Error(err.Error())
			continue
		}
		h.logger.Debug(f.String())

		if f.Type == FrameAck {
			h.resolve(&f)
			continue
		}
		h.deliver(Event{Name: f.Type, Payload: f.Payload})
	}
}

func (h *wsHandle) writeLoop() {
	h.logger.Debug("write loop started")
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.conn.Close()
		h.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case f := <-h.writeStream:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := h.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				h.logger.Error(fmt.Sprintf("getting next writer: %v", err))
				h.shutdown()
				return
			}
			if err := EncodeFrame(w, f); err != nil {
				h.logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				h.logger.Error(fmt.Sprintf("flushing frame: %v", err))
				h.shutdown()
				return
			}
		case <-ticker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Error(fmt.Sprintf("writing ping: %v", err))
				h.shutdown()
				return
			}
		case <-h.done:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			h.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
