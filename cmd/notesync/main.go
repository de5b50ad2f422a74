package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/notesync/internal/config"
	apperrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/logging"
	"github.com/alexjbarnes/notesync/internal/remote"
	"github.com/alexjbarnes/notesync/internal/state"
	syncer "github.com/alexjbarnes/notesync/internal/sync"
	"github.com/alexjbarnes/notesync/internal/vault"
)

var Version = "dev"

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("notesync starting",
		slog.String("version", Version),
		slog.String("dir", cfg.SyncDir),
		slog.String("device", cfg.DeviceName),
		slog.Duration("interval", cfg.SyncInterval),
		slog.Bool("push", cfg.EnablePush),
	)

	db, err := state.Open()
	if err != nil {
		return fmt.Errorf("opening state db: %w", err)
	}
	defer db.Close()

	entries, err := db.LoadMeta()
	if err != nil {
		return fmt.Errorf("loading sync metadata: %w", err)
	}

	store := state.NewStore()
	store.ReplaceAll(entries)
	logger.Info("sync metadata loaded", slog.Int("tracked", store.Len()))

	opts, err := config.LoadVaultOptions(cfg.SyncDir)
	if err != nil {
		return fmt.Errorf("loading vault options: %w", err)
	}

	v := vault.New(cfg.SyncDir, opts.Ignore)
	client := remote.NewClient(cfg.RemoteURL, cfg.RemoteToken, nil)
	reconciler := syncer.NewReconciler(v, client, store, logger)

	// One pass plus a metadata flush. Overlapping triggers are expected
	// while a pass runs; the reconciler's guard turns them into no-ops.
	runPass := func(ctx context.Context) {
		_, err := reconciler.Reconcile(ctx)
		if err != nil {
			if errors.Is(err, apperrors.ErrSyncInProgress) {
				logger.Debug("pass already running, trigger dropped")
				return
			}
			logger.Error("reconcile pass failed", slog.String("error", err.Error()))
			return
		}

		if err := db.SaveMeta(store.All()); err != nil {
			logger.Error("persisting sync metadata", slog.String("error", err.Error()))
		}
	}

	scheduler := syncer.NewScheduler(runPass, cfg.DebounceWindow, cfg.SyncInterval, logger)
	watcher := syncer.NewWatcher(v, scheduler.Request, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	g.Go(func() error {
		return watcher.Watch(gctx)
	})

	if cfg.EnablePush {
		notifier := remote.NewNotifier(remote.NotifierConfig{
			URL:      cfg.RemoteURL,
			Token:    cfg.RemoteToken,
			Device:   cfg.DeviceName,
			OnChange: func() { scheduler.Request("server change notification") },
		}, logger)

		g.Go(func() error {
			return notifier.Run(gctx)
		})
	}

	// Initial pass so a fresh start converges without waiting for the
	// first tick.
	scheduler.Request("startup")

	err = g.Wait()

	// Shutdown flush: a pass may have updated the store after its last
	// successful save.
	if saveErr := db.SaveMeta(store.All()); saveErr != nil {
		logger.Error("final metadata flush failed", slog.String("error", saveErr.Error()))
	}

	logger.Info("notesync stopped")

	return err
}
