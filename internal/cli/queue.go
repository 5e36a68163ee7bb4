package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"restopos/backend/internal/syncqueue"
)

// QueueEntry is one row of queue list output.
type QueueEntry struct {
	Seq           int64      `json:"seq"`
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	OrderingKey   string     `json:"ordering_key"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	Corrupt       string     `json:"corrupt,omitempty"`
}

func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the local sync queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueRetryCommand(rootOpts))
	cmd.AddCommand(newQueueVerifyCommand(rootOpts))
	return cmd
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List queued operations oldest first",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			q, err := openQueue(cfg)
			if err != nil {
				return err
			}
			defer q.Close()

			entries, err := q.List(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list queue", err)
			}
			rows := make([]QueueEntry, 0, len(entries))
			for _, e := range entries {
				row := QueueEntry{
					Seq:           e.Seq,
					ID:            e.ID,
					Type:          string(e.Type),
					OrderingKey:   e.OrderingKey,
					Status:        string(e.Status),
					Attempts:      e.Attempts,
					LastError:     e.LastError,
					NextAttemptAt: e.NextAttemptAt,
				}
				if e.Err != nil {
					row.Corrupt = e.Err.Error()
				}
				rows = append(rows, row)
			}

			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tID\tTYPE\tKEY\tSTATUS\tATTEMPTS\tLAST ERROR")
			for _, r := range rows {
				lastErr := r.LastError
				if r.Corrupt != "" {
					lastErr = "corrupt: " + r.Corrupt
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n", r.Seq, r.ID, r.Type, r.OrderingKey, r.Status, r.Attempts, lastErr)
			}
			return tw.Flush()
		},
	}
}

func newQueueRetryCommand(opts *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:           "retry [operation-id]",
		Short:         "Make failed operations eligible for the next drain pass",
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return NewExitError(ExitCommandError, "pass exactly one of an operation id or --all")
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			q, err := openQueue(cfg)
			if err != nil {
				return err
			}
			defer q.Close()

			if all {
				n, err := q.RetryAll(cmd.Context())
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to reset queue", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %d failed operations\n", n)
				return nil
			}
			if err := q.Retry(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, syncqueue.ErrNotFound) {
					return WrapExitError(ExitFailure, "no such operation", err)
				}
				return WrapExitError(ExitCommandError, "failed to reset operation", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "operation %s will be retried\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reset every failed operation")
	return cmd
}

func newQueueVerifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "verify",
		Short:         "Check queue integrity without changing it",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			q, err := openQueue(cfg)
			if err != nil {
				return err
			}
			defer q.Close()

			corrupt, verr := q.Verify(cmd.Context())
			if verr != nil && !errors.Is(verr, syncqueue.ErrCorrupt) {
				return WrapExitError(ExitCommandError, "failed to verify queue", verr)
			}
			if opts.Format == "json" {
				if corrupt == nil {
					corrupt = []syncqueue.CorruptEntry{}
				}
				if err := writeJSON(cmd.OutOrStdout(), corrupt); err != nil {
					return err
				}
			} else if verr == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Queue OK.")
			} else {
				for _, c := range corrupt {
					fmt.Fprintf(cmd.OutOrStdout(), "seq %d id %s: %s\n", c.Seq, c.ID, c.Reason)
				}
			}
			if verr != nil {
				return WrapExitError(ExitFailure, "queue has corrupt entries", verr)
			}
			return nil
		},
	}
}
