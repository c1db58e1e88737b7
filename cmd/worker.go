package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/expert-payments/internal"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run background workers",
	Long:  `Run the sync task pool or the reconciliation sweep outside the HTTP server.`,
}

var syncWorkerCmd = &cobra.Command{
	Use:   "sync",
	Short: "Process the durable sync task queue",
	Long:  `Retry project updates and deferred webhook events until they succeed or are dead-lettered.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runSyncWorker(); err != nil {
			fmt.Fprintf(os.Stderr, "worker sync: %v\n", err)
			os.Exit(1)
		}
	},
}

var sweepWorkerCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the reconciliation sweep",
	Long:  `Re-drive missed project updates, settle stale pending payments from the processor and finish stale refund claims.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runSweepWorker(); err != nil {
			fmt.Fprintf(os.Stderr, "worker sweep: %v\n", err)
			os.Exit(1)
		}
	},
}

var (
	runOnce       bool
	maxWorkers    int
	sweepInterval time.Duration
)

func runSyncWorker() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := initializeDependencies(ctx, func(cfg *internal.Config) {
		if maxWorkers > 0 {
			cfg.Worker.MaxWorkers = maxWorkers
		}
	})
	if err != nil {
		return err
	}
	defer deps.Close()

	if runOnce {
		n, err := deps.Worker.ProcessDue(ctx)
		if err != nil {
			return err
		}
		deps.Logger.Info("processed due sync tasks", "count", n)
		return nil
	}

	deps.Worker.Start(ctx)
	deps.Logger.Info("sync worker is running. Press Ctrl+C to stop.")
	<-ctx.Done()

	shutdownDone := make(chan struct{})
	go func() {
		deps.Worker.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		deps.Logger.Info("sync worker pool shutdown complete")
	case <-time.After(30 * time.Second):
		deps.Logger.Warn("shutdown timeout reached, forcing exit")
	}
	return nil
}

func runSweepWorker() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := initializeDependencies(ctx)
	if err != nil {
		return err
	}
	defer deps.Close()

	if runOnce {
		report, err := deps.Sweeper.Run(ctx)
		fmt.Printf("projects redriven: %d, pending resolved: %d, refunds finalized: %d, failures: %d\n",
			report.ProjectsRedriven, report.PendingResolved, report.RefundsFinalized, report.Failures)
		return err
	}

	interval := deps.Config.Worker.SweepInterval
	if sweepInterval > 0 {
		interval = sweepInterval
	}
	deps.Sweeper.RunEvery(ctx, interval)
	return nil
}

func init() {
	syncWorkerCmd.Flags().BoolVar(&runOnce, "once", false, "process currently due tasks and exit")
	syncWorkerCmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "worker pool size (overrides config)")
	sweepWorkerCmd.Flags().BoolVar(&runOnce, "once", false, "run a single sweep pass and exit")
	sweepWorkerCmd.Flags().DurationVar(&sweepInterval, "interval", 0, "sweep interval (overrides config)")

	workerCmd.AddCommand(syncWorkerCmd)
	workerCmd.AddCommand(sweepWorkerCmd)
}
