package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aretw0/tagmesh"
	tmlifecycle "github.com/aretw0/tagmesh/pkg/adapters/lifecycle"
	"github.com/aretw0/tagmesh/pkg/core"
)

var (
	syncWatch bool
	syncFor   time.Duration
)

// syncCmd represents the sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the subject with the server",
	Long: `Pull then push the schema store and the subject store once.
With --watch, keep a live sync running and print repository events until
interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSubject(); err != nil {
			return err
		}
		opts, err := options()
		if err != nil {
			return err
		}

		if syncWatch {
			return watch(cmd, opts)
		}

		report, err := tagmesh.Sync(cmd.Context(), subject, opts...)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sync completed: %d pulled, %d pushed.\n", report.Pulled, report.Pushed)
		return nil
	},
}

func watch(cmd *cobra.Command, opts []tagmesh.Option) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if syncFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, syncFor)
		defer cancel()
	}

	sink := core.NewMapSink()
	repo, err := tagmesh.Create(ctx, subject, sink, opts...)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, repo.Close(context.Background())) }()

	if !repo.Connected() {
		return errors.New("not connected; check --server and credentials")
	}

	src := tmlifecycle.NewSource(repo.Watch(ctx))
	if err := src.Start(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Watching %s (%d entities)\n", subject, sink.Len())
	for ev := range src.Events() {
		fmt.Fprintln(out, ev)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().BoolVar(&syncWatch, "watch", false, "Keep syncing and print events")
	syncCmd.Flags().DurationVar(&syncFor, "for", 0, "Stop watching after this long")
}
