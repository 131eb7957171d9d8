package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	chatsync "github.com/putto11262002/chatsync/app"
	"github.com/spf13/cobra"
)

func newRelayCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:     "relay",
		Short:   "Run the reference relay over WebSocket and optionally NATS",
		PreRunE: requireConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				config.Relay.Addr = addr
			}
			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
			defer stop()

			logger, err := chatsync.NewLogger(config, os.Stdout)
			if err != nil {
				return err
			}
			r, err := chatsync.NewRelay(ctx, config, logger)
			if err != nil {
				return fmt.Errorf("start relay: %w", err)
			}
			logger.Info(fmt.Sprintf("relay listening on %s", config.Relay.Addr))
			return r.Run(ctx, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides relay.addr")
	return cmd
}
