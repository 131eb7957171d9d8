package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	chatsync "github.com/putto11262002/chatsync/app"
	"github.com/putto11262002/chatsync/core"
	"github.com/putto11262002/chatsync/internal/bench"
	"github.com/putto11262002/chatsync/pkg/channel"
	"github.com/spf13/cobra"
)

func newBenchCmd() *cobra.Command {
	opts := bench.Options{}
	cmd := &cobra.Command{
		Use:     "bench",
		Short:   "Load a relay with concurrent clients and report confirmation latency",
		PreRunE: requireConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger, err := chatsync.NewLogger(config, io.Discard)
			if err != nil {
				return err
			}
			opts.Logger = logger
			opts.Config = config.ManagerConfig()
			opts.Dialer = func(id core.Identity) channel.Dialer {
				return chatsync.Dialer(config, id, logger)
			}
			res, err := bench.Run(ctx, opts)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), res.String())
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Clients, "clients", 100, "number of concurrent clients")
	cmd.Flags().IntVar(&opts.MessageSize, "size", 100, "message body size in bytes")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 500*time.Millisecond, "send interval per client")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 10*time.Second, "test duration")
	cmd.Flags().StringVar(&opts.RoomID, "room", "bench", "room to load")
	return cmd
}
