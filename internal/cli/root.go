package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"restopos/backend/internal/clock"
	"restopos/backend/internal/config"
	"restopos/backend/internal/gateway"
	"restopos/backend/internal/syncqueue"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"

	// newRemote builds the gateway submitter. Tests replace it.
	newRemote func(cfg config.Config) Remote
}

// Remote submits queued operations and answers health checks.
type Remote interface {
	syncqueue.Submitter
	syncqueue.Pinger
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the restopos-terminal command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	if opts.newRemote == nil {
		opts.newRemote = func(cfg config.Config) Remote {
			return gateway.NewClient(cfg.GatewayURL, cfg.GatewayUsername, cfg.GatewayPassword, 10*time.Second)
		}
	}

	cmd := &cobra.Command{
		Use:   "restopos-terminal",
		Short: "Offline sync queue tooling for a restopos terminal",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "terminal YAML config (env is used when empty)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.LoadFile(o.ConfigPath)
	if err != nil {
		return cfg, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

func openQueue(cfg config.Config) (*syncqueue.Queue, error) {
	q, err := syncqueue.Open(cfg.QueueDBPath, clock.System{})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open queue "+cfg.QueueDBPath, err)
	}
	return q, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
