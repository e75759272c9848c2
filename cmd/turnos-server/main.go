package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/layneker8/soft-turnos/internal/broker"
	"github.com/layneker8/soft-turnos/internal/capability"
	"github.com/layneker8/soft-turnos/internal/clock"
	"github.com/layneker8/soft-turnos/internal/config"
	"github.com/layneker8/soft-turnos/internal/httpapi"
	"github.com/layneker8/soft-turnos/internal/hub"
	"github.com/layneker8/soft-turnos/internal/logger"
	"github.com/layneker8/soft-turnos/internal/relay"
	"github.com/layneker8/soft-turnos/internal/store"
	"github.com/layneker8/soft-turnos/internal/store/memory"
	"github.com/layneker8/soft-turnos/internal/store/postgres"
	"github.com/layneker8/soft-turnos/internal/telemetry"
)

func main() {
	cfg := config.Load()

	flags := pflag.NewFlagSet("turnos-server", pflag.ExitOnError)
	issueFor := flags.String("issue-token", "", "print a bearer token for this subject and exit")
	perms := flags.StringSlice("permissions", capability.Attendant, "permissions granted by --issue-token")
	flags.StringVar(&cfg.Port, "port", cfg.Port, "listen port")
	flags.StringVar(&cfg.CatalogPath, "catalog", cfg.CatalogPath, "site catalog YAML; the demo catalog is used when empty")
	_ = flags.Parse(os.Args[1:])

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	if *issueFor != "" {
		if cfg.JWTSecret == "" {
			log.Fatal("TURNOS_JWT_SECRET is required to issue tokens")
		}
		token, err := capability.Issue([]byte(cfg.JWTSecret), *issueFor, *perms, cfg.TokenTTL, time.Now())
		if err != nil {
			log.WithError(err).Fatal("issue token")
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("turnos-server stopped")
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	shutdownTelemetry := telemetry.Setup("turnos-server", telemetry.OptionsFromEnv(), log)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	secret, err := resolveSecret(cfg.JWTSecret)
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		token, err := capability.Issue(secret, "dev-attendant", []string{capability.All}, cfg.TokenTTL, time.Now())
		if err != nil {
			return err
		}
		log.WithField("token", token).Warn("TURNOS_JWT_SECRET not set; using a random secret and a dev token")
	}

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, cfg.DatabaseURL, cat, log)
	if err != nil {
		return err
	}
	defer closeStore()

	h := hub.New(httpapi.SiteSnapshot(st), log)
	rateLimit := httpapi.RateLimitConfig{IPPerMinute: cfg.RateLimitPerMinute, IPBurst: cfg.RateLimitBurst}

	g, ctx := errgroup.WithContext(ctx)

	var sinks []relay.Sink
	if cfg.RedisAddr != "" {
		rdb := broker.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rdb.Close()
		fanout := broker.NewFanout(rdb, log)
		sinks = append(sinks, fanout)
		g.Go(func() error {
			if err := fanout.Run(ctx, h); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("fanout: %w", err)
			}
			return nil
		})
		rateLimit.Remote = broker.NewSlidingWindowLimiter(rdb, "ip", cfg.RateLimitPerMinute, time.Minute)
		log.WithField("addr", cfg.RedisAddr).Info("redis fan-out enabled")
	} else {
		sinks = append(sinks, relay.HubSink(h))
	}
	if cfg.AMQPURL != "" {
		announcer := broker.NewAnnouncer(cfg.AMQPURL, log)
		defer announcer.Close()
		sinks = append(sinks, relay.BestEffort(announcer))
		log.Info("announcement publisher enabled")
	}

	if cfg.RelayEnabled {
		r := relay.New(st, relay.Config{Name: "turnos-relay", BatchSize: cfg.BatchSize}, log, sinks...)
		g.Go(func() error {
			r.Start(ctx, cfg.PollInterval, clock.Real())
			return nil
		})
	}

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: httpapi.NewServer(st, h, httpapi.ServerConfig{
			Secret:    secret,
			RateLimit: rateLimit,
			Log:       log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	g.Go(func() error {
		log.WithField("addr", server.Addr).Info("turnos-server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(ctx context.Context, dsn string, cat store.Catalog, log logrus.FieldLogger) (store.TicketStore, func(), error) {
	if dsn == "" {
		log.Warn("DB_DSN not set; using the in-memory store")
		return memory.New(cat, clock.Real()), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	st := postgres.NewStore(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := st.SeedCatalog(ctx, cat); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return st, pool.Close, nil
}

func loadCatalog(path string) (store.Catalog, error) {
	if path == "" {
		return store.DemoCatalog(), nil
	}
	return store.LoadCatalog(path)
}

// resolveSecret returns the configured signing secret, or a random one for
// local runs.
func resolveSecret(configured string) ([]byte, error) {
	if configured != "" {
		return []byte(configured), nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return secret, nil
}
