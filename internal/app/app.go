package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/go-chi/httplog/v2"
	"golang.org/x/sync/errgroup"

	api "github.com/linkcutter/linkcut/internal/api/http"
	"github.com/linkcutter/linkcut/internal/codec"
	"github.com/linkcutter/linkcut/internal/config"
	db "github.com/linkcutter/linkcut/internal/database/postgres"
	"github.com/linkcutter/linkcut/internal/pool"
	"github.com/linkcutter/linkcut/internal/registry"
	"github.com/linkcutter/linkcut/internal/service"
	"github.com/linkcutter/linkcut/pkg/postgres"
)

// Run wires the application together and blocks until ctx is cancelled
// or a component fails. Startup order matters: the instance must hold a
// registry slot before the code pool may reserve identifier ranges
// under its id.
func Run(ctx context.Context, cfg *config.Config) error {
	const op = "app.Run"

	logger := newLogger(cfg.Env)

	conn, err := postgres.New(
		ctx,
		cfg.Postgres.DSN(),
		postgres.WithConnMaxIdleTime(cfg.Postgres.ConnMaxIdleTime),
		postgres.WithConnMaxLifetime(cfg.Postgres.ConnMaxLifetime),
		postgres.WithMaxIdleConns(cfg.Postgres.MaxIdleConns),
		postgres.WithMaxOpenConns(cfg.Postgres.MaxOpenConns),
	)
	if err != nil {
		return fmt.Errorf("%s: failed to connect to database: %w", op, err)
	}
	defer conn.Close()

	if err := postgres.RunMigrations("file://migrations", cfg.Postgres.DSN()); err != nil {
		return fmt.Errorf("%s: failed to run migrations: %w", op, err)
	}

	enc, err := codec.New(cfg.ShortCode.Alphabet, cfg.ShortCode.Length)
	if err != nil {
		return fmt.Errorf("%s: failed to build codec: %w", op, err)
	}

	reg := registry.New(
		db.NewSlotRepository(conn),
		logger.Logger,
		cfg.Registry.MaxInstances,
		cfg.Registry.HeartbeatInterval,
		cfg.Registry.StaleThreshold,
	)

	slot, err := reg.Claim(ctx, instanceName(cfg))
	if err != nil {
		return fmt.Errorf("%s: failed to claim instance slot: %w", op, err)
	}

	codePool := pool.New(
		db.NewReservationLedger(conn),
		enc,
		logger.Logger,
		slot.ID,
		cfg.ShortCode.BatchSize,
		cfg.ShortCode.LowWater(),
	)
	if err := codePool.Warm(ctx); err != nil {
		return fmt.Errorf("%s: failed to warm code pool: %w", op, err)
	}

	urlSvc := service.NewURLService(db.NewURLRepository(conn), codePool, logger.Logger)

	server := &http.Server{
		Addr:           cfg.HTTPServer.Addr(),
		Handler:        api.NewRouter(logger, urlSvc),
		ReadTimeout:    cfg.HTTPServer.ReadTimeout,
		WriteTimeout:   cfg.HTTPServer.WriteTimeout,
		IdleTimeout:    cfg.HTTPServer.IdleTimeout,
		MaxHeaderBytes: cfg.HTTPServer.MaxHeaderBytes,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := reg.Run(ctx); err != nil {
			return fmt.Errorf("%s: registry stopped: %w", op, err)
		}

		return nil
	})

	g.Go(func() error {
		var err error

		switch cfg.Env {
		case config.EnvProd:
			err = server.ListenAndServeTLS(cfg.HTTPServer.CertFile, cfg.HTTPServer.KeyFile)
		default:
			err = server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s: server error occurred: %w", op, err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("%s: failed to shutdown server: %w", op, err)
		}

		return nil
	})

	return g.Wait()
}

func newLogger(env string) *httplog.Logger {
	opts := httplog.Options{
		LogLevel: slog.LevelDebug,
		Concise:  true,
	}

	if env == config.EnvStage || env == config.EnvProd {
		opts = httplog.Options{
			LogLevel: slog.LevelInfo,
			JSON:     true,
		}
	}

	return httplog.NewLogger("linkcut", opts)
}

func instanceName(cfg *config.Config) string {
	if cfg.Registry.InstanceName != "" {
		return cfg.Registry.InstanceName
	}

	host, err := os.Hostname()
	if err != nil {
		return "linkcut"
	}

	return host
}
