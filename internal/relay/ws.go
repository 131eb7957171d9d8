package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/chatsync/core"
	"github.com/putto11262002/chatsync/pkg/channel"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 << 10
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the identity of a WebSocket client. With a secret
// the client must present a token, as a bearer header or a token query
// parameter. Without one the identity is read from the userId and name
// query parameters.
type Authenticator struct {
	Secret []byte
}

func (a Authenticator) Authenticate(r *http.Request) (core.Identity, error) {
	q := r.URL.Query()
	if len(a.Secret) == 0 {
		id := core.Identity{UserID: q.Get("userId"), DisplayName: q.Get("name")}
		if id.UserID == "" {
			return id, fmt.Errorf("%w: missing userId", ErrUnauthenticated)
		}
		return id, nil
	}

	token := q.Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	if token == "" {
		return core.Identity{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	claims, err := core.VerifyToken(token, a.Secret)
	if err != nil {
		return core.Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return claims.Identity(), nil
}

// ConnManager upgrades HTTP requests to WebSocket connections and attaches
// them to the hub.
type ConnManager struct {
	hub      *Hub
	auth     Authenticator
	upgrader websocket.Upgrader
	context  context.Context
	logger   *slog.Logger
	wg       sync.WaitGroup
	seq      atomic.Int64

	mu    sync.Mutex
	conns map[string]*Conn

	WriteStreamSize int
}

type ConnManagerOption func(*ConnManager)

// WithAllowedOrigins restricts the origins allowed to connect. "*" allows
// every origin.
func WithAllowedOrigins(origins []string) ConnManagerOption {
	return func(m *ConnManager) {
		if len(origins) == 0 || slices.Contains(origins, "*") {
			return
		}
		m.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, origin)
		}
	}
}

func WithConnLogger(l *slog.Logger) ConnManagerOption {
	return func(m *ConnManager) {
		m.logger = l
	}
}

func NewConnManager(ctx context.Context, hub *Hub, auth Authenticator, opts ...ConnManagerOption) *ConnManager {
	m := &ConnManager{
		hub:     hub,
		auth:    auth,
		context: ctx,
		logger:  slog.Default(),
		conns:   make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		WriteStreamSize: 100,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect authenticates the request and upgrades it. Authentication errors
// are returned before anything is written.
func (m *ConnManager) Connect(w http.ResponseWriter, r *http.Request) error {
	id, err := m.auth.Authenticate(r)
	if err != nil {
		return err
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered
		m.logger.Error(fmt.Sprintf("upgrade: %v", err))
		return nil
	}

	connID := fmt.Sprintf("%s:%d", id.UserID, m.seq.Add(1))
	c := &Conn{
		id:          connID,
		identity:    id,
		conn:        conn,
		hub:         m.hub,
		context:     m.context,
		writeStream: make(chan *channel.Frame, m.WriteStreamSize),
		done:        make(chan struct{}),
		logger:      m.logger.With(slog.String("connection", connID)),
	}
	c.onClose = func() {
		m.mu.Lock()
		delete(m.conns, connID)
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.conns[connID] = c
	m.mu.Unlock()

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer m.wg.Done()
		c.writeLoop()
	}()
	return nil
}

func (m *ConnManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close closes every connection and waits for their loops to exit.
func (m *ConnManager) Close(ctx context.Context) error {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Conn is one WebSocket client.
type Conn struct {
	id          string
	identity    core.Identity
	conn        *websocket.Conn
	hub         *Hub
	context     context.Context
	writeStream chan *channel.Frame
	done        chan struct{}
	closeOnce   sync.Once
	onClose     func()
	logger      *slog.Logger
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) UserID() string {
	return c.identity.UserID
}

func (c *Conn) DisplayName() string {
	return c.identity.DisplayName
}

func (c *Conn) Send(event string, payload json.RawMessage) bool {
	return c.enqueue(&channel.Frame{Type: event, Payload: payload})
}

func (c *Conn) enqueue(f *channel.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.writeStream <- f:
		return true
	default:
		return false
	}
}

// Close signals the write loop to send a close message and exit.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Conn) reply(id int64) func(json.RawMessage, error) {
	return func(payload json.RawMessage, err error) {
		f := channel.NewAck(id, payload)
		if err != nil {
			f = channel.NewNack(id, publicReason(err))
		}
		if !c.enqueue(f) {
			c.logger.Warn(fmt.Sprintf("dropping ack %d", id))
		}
	}
}

func (c *Conn) readLoop() {
	c.logger.Info("read loop started")
	defer func() {
		c.Close()
		c.hub.Disconnect(c)
		c.conn.Close()
		c.logger.Info("read loop stopped")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info(fmt.Sprintf("expected close: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Error(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			c.logger.Debug(fmt.Sprintf("NextReader: %v", err))
			return
		}

		if format != websocket.TextMessage {
			c.logger.Error(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var f channel.Frame
		if err := channel.DecodeFrame(r, &f); err != nil {
			c.logger.Error(err.Error())
			continue
		}
		c.logger.Debug(f.String())
		if f.Type == channel.FrameAck {
			continue
		}

		req := &Request{Peer: c, Event: f.Type, Payload: f.Payload}
		if f.ID != 0 {
			req.Reply = c.reply(f.ID)
		}
		if !c.hub.Dispatch(req) {
			return
		}
	}
}

func (c *Conn) writeLoop() {
	c.logger.Info("write loop started")
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.Info("write loop stopped")
	}()

	for {
		select {
		case f := <-c.writeStream:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Error(fmt.Sprintf("getting next writer: %v", err))
				return
			}
			if err := channel.EncodeFrame(w, f); err != nil {
				c.logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				c.logger.Error(fmt.Sprintf("flush frame: %v", err))
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.logger.Info("sent close message")
			return
		case <-c.context.Done():
			c.logger.Info("context done")
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error(fmt.Sprintf("writing ping: %v", err))
				return
			}
		}
	}
}
