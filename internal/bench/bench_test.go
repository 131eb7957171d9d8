package bench

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/putto11262002/chatsync/core"
	"github.com/putto11262002/chatsync/internal/relay"
	"github.com/putto11262002/chatsync/pkg/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestRunAgainstRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r, err := relay.New(ctx, relay.Config{AutoCreate: true}, testLogger)
	require.NoError(t, err)
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	defer r.Close()

	base := strings.Replace(srv.URL, "http://", "ws://", 1) + "/ws"
	res, err := Run(ctx, Options{
		Clients:     3,
		MessageSize: 16,
		Interval:    20 * time.Millisecond,
		Duration:    300 * time.Millisecond,
		RoomID:      "bench",
		Dialer: func(id core.Identity) channel.Dialer {
			q := url.Values{"userId": {id.UserID}, "name": {id.DisplayName}}
			return &channel.WSDialer{URL: base + "?" + q.Encode(), Logger: testLogger}
		},
		Config: core.DefaultManagerConfig,
		Logger: testLogger,
	})
	require.NoError(t, err)

	assert.Zero(t, res.Degraded)
	assert.Zero(t, res.Failed)
	assert.Positive(t, res.Confirmed)
	assert.Equal(t, res.Sent, res.Confirmed)
	assert.LessOrEqual(t, res.Percentile(0.5), res.Percentile(0.99))
	assert.Contains(t, res.String(), "Total confirmed:")

	history, err := r.Hub().Messages("bench", 0)
	require.NoError(t, err)
	assert.Len(t, history, min(res.Confirmed, relay.DefaultHistory))
}

func TestRunLocalIsDegraded(t *testing.T) {
	res, err := Run(context.Background(), Options{
		Clients:  2,
		Interval: 10 * time.Millisecond,
		Duration: 50 * time.Millisecond,
		RoomID:   "bench",
		Dialer: func(core.Identity) channel.Dialer {
			return &channel.LocalDialer{Responder: core.Simulate}
		},
		Config: core.DefaultManagerConfig,
		Logger: testLogger,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Degraded)
}

func TestRunValidatesOptions(t *testing.T) {
	_, err := Run(context.Background(), Options{})
	assert.Error(t, err)
}

func TestPercentile(t *testing.T) {
	res := Result{Latencies: []time.Duration{1, 2, 3, 4}}
	assert.Equal(t, time.Duration(3), res.Percentile(0.5))
	assert.Equal(t, time.Duration(4), res.Percentile(1))
	assert.Zero(t, Result{}.Percentile(0.99))
}
