package cmd

import (
	"fmt"
	"io"
	"time"

	chatsync "github.com/putto11262002/chatsync/app"
	"github.com/spf13/cobra"
)

func newRoomsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rooms",
		Short:   "List recently joined rooms",
		PreRunE: requireConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := chatsync.New(cmd.Context(), config, io.Discard)
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			rooms, err := app.Manager().RecentRooms(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range rooms {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.ID, r.LastJoinedAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
}
