package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/putto11262002/chatsync/core"
	"github.com/spf13/cobra"
)

var errNoSecret = errors.New("relay.secret is not set")

func newTokenCmd() *cobra.Command {
	var (
		id  core.Identity
		ttl time.Duration
	)
	cmd := &cobra.Command{
		Use:     "token",
		Short:   "Issue a connection token signed with the relay secret",
		PreRunE: requireConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(config.Relay.Secret) == 0 {
				return errNoSecret
			}
			token, exp, err := core.NewToken(id, ttl, config.Relay.Secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVarP(&id.UserID, "user", "u", "", "user id (required)")
	cmd.Flags().StringVarP(&id.DisplayName, "name", "n", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.MarkFlagRequired("user")
	return cmd
}
