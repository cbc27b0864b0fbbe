package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillreview/osce-live/internal/dotenv"
	"github.com/skillreview/osce-live/pkg/exam"
	"github.com/skillreview/osce-live/pkg/gateway/config"
	gatewayserver "github.com/skillreview/osce-live/pkg/gateway/server"
	"github.com/skillreview/osce-live/pkg/live"
	"github.com/skillreview/osce-live/pkg/store"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	buildDeps    func(context.Context, config.Config, *slog.Logger) (gatewayserver.Deps, func(), error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig: config.LoadFromEnv,
		buildDeps:  buildServerDeps,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// buildServerDeps wires the remote evaluation client and the snapshot
// store selected by the config. The returned cleanup releases the
// database pool when postgres is in use.
func buildServerDeps(ctx context.Context, cfg config.Config, logger *slog.Logger) (gatewayserver.Deps, func(), error) {
	client, err := live.NewGeminiClient(ctx, cfg.GeminiAPIKey)
	if err != nil {
		return gatewayserver.Deps{}, nil, fmt.Errorf("create gemini client: %w", err)
	}

	var snapshots exam.SnapshotStore
	cleanup := func() {}
	switch cfg.Store {
	case config.StorePostgres:
		if err := store.Migrate(cfg.StoreDSN); err != nil {
			return gatewayserver.Deps{}, nil, fmt.Errorf("migrate snapshot store: %w", err)
		}
		pool, err := pgxpool.New(ctx, cfg.StoreDSN)
		if err != nil {
			return gatewayserver.Deps{}, nil, fmt.Errorf("connect snapshot store: %w", err)
		}
		snapshots = store.NewPostgresStore(pool, logger)
		cleanup = pool.Close
	default:
		snapshots = store.NewFileStore(cfg.StorePath, logger)
	}

	return gatewayserver.Deps{
		Dialer:    &live.GeminiDialer{Client: client},
		Generator: &live.GeminiGenerator{Client: client, Model: cfg.SummaryModel},
		Store:     snapshots,
	}, cleanup, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.buildDeps == nil {
		return errors.New("missing buildDeps dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	serverDeps, cleanup, err := deps.buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	gw := gatewayserver.New(cfg, logger, serverDeps)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"store", cfg.Store,
		"live_model", cfg.LiveModel,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "osce-live: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "osce-live: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
