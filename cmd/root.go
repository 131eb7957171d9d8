package cmd

import (
	"fmt"
	"os"

	chatsync "github.com/putto11262002/chatsync/app"
	"github.com/spf13/cobra"
)

var (
	configFile string
	config     *chatsync.Config
	configErr  error
)

func loadConfig() {
	config, configErr = chatsync.LoadConfig(configFile)
}

// requireConfig fails commands when the configuration could not be loaded
// or does not validate.
func requireConfig(*cobra.Command, []string) error {
	if configErr != nil {
		return configErr
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid config:\n%s", chatsync.FormatValidationErrors(err))
	}
	return nil
}

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "Room chat synchronization client and reference relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./config.yaml)")

	root.AddCommand(newRelayCmd(), newJoinCmd(), newRoomsCmd(), newTokenCmd(), newBenchCmd())
	return root
}

func init() {
	cobra.OnInitialize(loadConfig)
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
