// Package cli implements the friends command line.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	ConfigPath string
}

// NewRootCommand creates the root command for the friends CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "friends",
		Short: "Peer-to-peer chat over replicated signed logs",
		Long: `friends keeps one append-only log per channel, replicated between every
member of the channel over a QUIC fabric.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML configuration file")

	cmd.AddCommand(NewChatCommand(opts))
	cmd.AddCommand(NewKeygenCommand(opts))

	return cmd
}

func (opts *RootOptions) logHandler() slog.Handler {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
}
