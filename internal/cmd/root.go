// Package cmd implements the switchyard command line.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/switchyard-chat/switchyard/internal/config"
)

var version = "dev"

// NewRootCmd creates the root cobra command for switchyard.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:           "switchyard",
		Short:         "switchyard: multi-tenant chat session host",
		Long:          "switchyard keeps many chat accounts connected through a protocol bridge and dispatches their messages to command handlers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().String("api", "", "control API base URL (default from $SWITCHYARD_API or the config file)")
	root.PersistentFlags().String("token", "", "control API bearer token (default $SWITCHYARD_TOKEN)")

	return root
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. $SWITCHYARD_CONFIG, then ~/.switchyard/config.json
func resolveConfigPath(cmd *cobra.Command, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return config.DefaultPath()
}
