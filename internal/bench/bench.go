// Package bench drives many sync managers against a relay and measures how
// long sends take to be confirmed.
package bench

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/putto11262002/chatsync/core"
	"github.com/putto11262002/chatsync/pkg/channel"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Clients     int
	MessageSize int
	Interval    time.Duration
	Duration    time.Duration
	RoomID      string
	// Dialer returns the dialer for one client.
	Dialer func(core.Identity) channel.Dialer
	Config core.ManagerConfig
	Logger *slog.Logger
}

type Result struct {
	Sent      int
	Confirmed int
	Failed    int
	// Degraded counts clients whose room never reached the relay.
	Degraded  int
	Latencies []time.Duration
}

// Percentile returns the p-th (0..1) confirmation latency.
func (r Result) Percentile(p float64) time.Duration {
	if len(r.Latencies) == 0 {
		return 0
	}
	i := int(float64(len(r.Latencies)) * p)
	if i >= len(r.Latencies) {
		i = len(r.Latencies) - 1
	}
	return r.Latencies[i]
}

func (r Result) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Total requests: %d\n", r.Sent)
	fmt.Fprintf(&sb, "Total confirmed: %d\n", r.Confirmed)
	fmt.Fprintf(&sb, "Total failed: %d\n", r.Failed)
	fmt.Fprintf(&sb, "Degraded clients: %d\n", r.Degraded)
	fmt.Fprintf(&sb, "50th percentile latency: %v\n", r.Percentile(0.5))
	fmt.Fprintf(&sb, "99th percentile latency: %v\n", r.Percentile(0.99))
	return sb.String()
}

type recorder struct {
	mu  sync.Mutex
	res Result
}

func (r *recorder) record(msg core.ChatMessage, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.Sent++
	switch msg.State {
	case core.Confirmed:
		r.res.Confirmed++
		r.res.Latencies = append(r.res.Latencies, latency)
	case core.Failed:
		r.res.Failed++
	}
}

func (r *recorder) degraded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.Degraded++
}

// Run joins Clients managers to the room and has each send a message every
// Interval until Duration has passed or ctx is done.
func Run(ctx context.Context, opts Options) (Result, error) {
	if opts.Clients <= 0 || opts.Interval <= 0 || opts.Duration <= 0 {
		return Result{}, fmt.Errorf("clients, interval and duration must be positive")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	body := strings.Repeat("a", max(opts.MessageSize, 1))
	rec := &recorder{}

	managers := make([]*core.Manager, opts.Clients)
	rooms := make([]*core.Room, opts.Clients)
	defer func() {
		for _, m := range managers {
			if m != nil {
				m.Close()
			}
		}
	}()

	for i := range managers {
		id := core.Identity{UserID: uuid.NewString(), DisplayName: fmt.Sprintf("bench-%d", i)}
		managers[i] = core.NewManager(opts.Dialer(id), id,
			core.WithConfig(opts.Config),
			core.WithLogger(opts.Logger.With(slog.Int("client", i))))
		room, err := managers[i].Join(ctx, opts.RoomID)
		if err != nil {
			return Result{}, fmt.Errorf("client %d join: %w", i, err)
		}
		if snap, _ := room.Snapshot(); snap.Connection != core.Connected {
			rec.degraded()
		}
		rooms[i] = room
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, room := range rooms {
		g.Go(func() error {
			ticker := time.NewTicker(opts.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					start := time.Now()
					msg, err := room.Send(context.WithoutCancel(gctx), body)
					if err != nil {
						return err
					}
					rec.record(msg, time.Since(start))
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := rec.res
	slices.Sort(res.Latencies)
	return res, nil
}
