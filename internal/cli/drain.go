package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"restopos/backend/internal/syncqueue"
)

type DrainOptions struct {
	*RootOptions
	Once bool
	Wait time.Duration
}

// DrainResult is the json output of drain --once and drain --wait.
type DrainResult struct {
	Online    bool `json:"online"`
	Applied   int  `json:"applied"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	Remaining int  `json:"remaining"`
}

func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DrainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay queued operations to the gateway",
		Long: `Replay queued operations to the gateway in enqueue order.

Without flags the command keeps draining until interrupted, probing the
gateway and resuming as soon as it answers again.

Exit codes:
  0 - queue drained (or daemon stopped)
  1 - --wait elapsed with operations still queued
  2 - config or queue could not be opened

Examples:
  restopos-terminal drain --once
  restopos-terminal drain --wait 2m --config /etc/restopos/terminal.yaml`,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "run a single pass and exit")
	cmd.Flags().DurationVar(&opts.Wait, "wait", 0, "drain until the queue is empty or the duration elapses")
	return cmd
}

func runDrain(cmd *cobra.Command, opts *DrainOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	q, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	if corrupt, err := q.Verify(cmd.Context()); err != nil {
		if !errors.Is(err, syncqueue.ErrCorrupt) {
			return WrapExitError(ExitCommandError, "failed to verify queue", err)
		}
		log.Printf("[terminal] WARN: %v; %d entries left for review", err, len(corrupt))
	}

	remote := opts.newRemote(cfg)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	conn := syncqueue.NewConnectivity(remote.Ping(ctx) == nil)
	drainer := syncqueue.NewDrainer(q, remote, conn, syncqueue.DrainerOptions{Interval: cfg.DrainInterval()})

	if opts.Once {
		res, err := drainer.DrainOnce(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "drain pass failed", err)
		}
		return printDrain(cmd, opts.Format, DrainResult{
			Online:    conn.Online(),
			Applied:   res.Applied,
			Failed:    res.Failed,
			Skipped:   res.Skipped,
			Remaining: res.Remaining,
		})
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	wg.Add(2)
	go func() {
		defer wg.Done()
		syncqueue.Probe(runCtx, remote, conn, cfg.ProbeInterval())
	}()
	go func() {
		defer wg.Done()
		drainer.Run(runCtx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	if opts.Wait <= 0 {
		log.Printf("[terminal] draining %s to %s", cfg.QueueDBPath, cfg.GatewayURL)
		<-ctx.Done()
		return nil
	}

	synced := drainer.WaitSynced(ctx, opts.Wait)
	remaining, err := q.Count(context.Background())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count queue", err)
	}
	if err := printDrain(cmd, opts.Format, DrainResult{Online: conn.Online(), Remaining: remaining}); err != nil {
		return err
	}
	if !synced {
		return NewExitError(ExitFailure, fmt.Sprintf("%d operations still queued after %s", remaining, opts.Wait))
	}
	return nil
}

func printDrain(cmd *cobra.Command, format string, res DrainResult) error {
	if format == "json" {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	state := "offline"
	if res.Online {
		state = "online"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "gateway %s: applied %d, failed %d, skipped %d, remaining %d\n",
		state, res.Applied, res.Failed, res.Skipped, res.Remaining)
	return nil
}
