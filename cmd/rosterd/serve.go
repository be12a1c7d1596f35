package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shiftcraft/rosterd/internal/api"
	"github.com/shiftcraft/rosterd/internal/events"
	"github.com/shiftcraft/rosterd/internal/history"
	"github.com/shiftcraft/rosterd/internal/preflight"
	"github.com/shiftcraft/rosterd/internal/service"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var flagListen string // value of --listen flag

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the supervisor and exposes it over HTTP",
	RunE:  doServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "address to listen on, overrides service.listen")
}

// backend is everything a command needs to supervise runs.
type backend struct {
	store      *history.Store
	bus        *events.Bus
	checker    *preflight.Checker
	supervisor *service.Supervisor
}

func openBackend(ctx context.Context) (*backend, error) {
	dir, err := config.HistoryDir()
	if err != nil {
		return nil, err
	}
	store, err := history.OpenExclusive(ctx, dir, config.MaxHistoryEntries())
	if err != nil {
		return nil, fmt.Errorf("opening history %s: %w", dir, err)
	}

	bus := events.NewBus(events.DefaultReplay)
	checker := preflight.NewChecker()
	supervisor, err := service.NewSupervisor(ctx, config, store, bus, checker)
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}
	return &backend{
		store:      store,
		bus:        bus,
		checker:    checker,
		supervisor: supervisor,
	}, nil
}

func (b *backend) Close() error {
	return b.store.Close()
}

func doServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.ErrorContext(ctx, "closing history", "error", err)
		}
	}()

	// the preflight result is only informative here, Submit checks again
	if err := b.checker.Check(ctx, config.Solver); err != nil {
		slog.WarnContext(ctx, "solver is not available", "error", err)
	}

	server := api.NewServer(b.supervisor, b.store, b.bus, b.checker, config.Solver)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.supervisor.Do(gctx)
	})
	g.Go(func() error {
		return server.ListenAndServe(gctx, config.Listen())
	})
	return g.Wait()
}
