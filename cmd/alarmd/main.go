package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/alarmsync/internal/alarms"
	"github.com/g960059/alarmsync/internal/auth"
	"github.com/g960059/alarmsync/internal/config"
	"github.com/g960059/alarmsync/internal/daemon"
	"github.com/g960059/alarmsync/internal/db"
	"github.com/g960059/alarmsync/internal/device"
	"github.com/g960059/alarmsync/internal/docstore"
	"github.com/g960059/alarmsync/internal/identity"
	"github.com/g960059/alarmsync/internal/logging"
	"github.com/g960059/alarmsync/internal/mailgate"
	"github.com/g960059/alarmsync/internal/model"
	"github.com/g960059/alarmsync/internal/reconcile"
	"github.com/g960059/alarmsync/internal/security"
	"github.com/g960059/alarmsync/internal/session"
	"github.com/g960059/alarmsync/internal/trigger"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "alarmd: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var (
		configPath string
		overrides  config.Config
	)
	cmd := &cobra.Command{
		Use:           "alarmd",
		Short:         "Alarm sync daemon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("socket") {
				cfg.SocketPath = overrides.SocketPath
			}
			if flags.Changed("db") {
				cfg.LocalDBPath = overrides.LocalDBPath
			}
			if flags.Changed("platform") {
				cfg.Platform = overrides.Platform
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = overrides.LogLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "alarmd")
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, logger)
		},
	}
	defaults := config.DefaultConfig()
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file")
	cmd.Flags().StringVar(&overrides.SocketPath, "socket", defaults.SocketPath, "UDS path for alarmd")
	cmd.Flags().StringVar(&overrides.LocalDBPath, "db", defaults.LocalDBPath, "device SQLite path")
	cmd.Flags().StringVar(&overrides.Platform, "platform", defaults.Platform, "trigger platform (android or ios)")
	cmd.Flags().StringVar(&overrides.LogLevel, "log-level", defaults.LogLevel, "debug, info, warn or error")
	return cmd
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, err := db.Open(ctx, cfg.LocalDBPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close() //nolint:errcheck
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	}

	docs, err := docstore.Open(ctx, cfg.DocStoreDriver, cfg.DocStoreDSN, newNotifier(rdb, logger), logger.Named("docstore"))
	if err != nil {
		return err
	}
	defer docs.Close() //nolint:errcheck

	secret, err := identity.LoadSecret(ctx, store, cfg.SessionSecret)
	if err != nil {
		return err
	}
	provider, err := identity.NewProvider(docs, store, identity.Options{
		Secret: secret,
		TTL:    cfg.SessionTTL,
		Logger: logger.Named("identity"),
	})
	if err != nil {
		return err
	}
	if err := provider.Restore(ctx); err != nil {
		if !model.IsKind(err, model.KindTransient) {
			return err
		}
		// The token stays on disk; the next start restores it.
		logger.Warn("session restore deferred, starting signed out", zap.String("error", security.Redact(err.Error())))
	}
	resolver := auth.NewResolver(provider, store, docs, logger.Named("auth"))
	if err := resolver.Start(ctx); err != nil {
		return err
	}
	defer resolver.Stop()

	sim := device.NewSimulator(store, device.Capabilities{
		ExactAlarms:    cfg.SimExactAlarms,
		CriticalAlerts: cfg.SimCriticalAlerts,
	}, logger.Named("device"))
	adapter, err := prepareAdapter(ctx, trigger.DefaultRegistry(sim, sim), cfg.Platform, logger)
	if err != nil {
		return err
	}
	rec, err := reconcile.NewReconciler(adapter, cfg, logger.Named("reconcile"))
	if err != nil {
		return err
	}
	recordStore := alarms.NewStore(docs, alarms.Options{
		Resync: cfg.WatchResyncInterval,
		Logger: logger.Named("alarms"),
	})
	mgr := session.NewManager(resolver, recordStore, rec, session.Options{
		SweepInterval: cfg.SweepInterval,
		Logger:        logger.Named("session"),
	})
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	srv := daemon.NewServer(cfg, daemon.Deps{
		Auth:       resolver,
		Alarms:     recordStore,
		Session:    mgr,
		Reconciler: rec,
		Location:   loc,
		Logger:     logger.Named("daemon"),
	})

	deliver := func(ctx context.Context, f device.Fired) {
		mgr.HandleFired(ctx, f)
	}
	// Deliver what came due while the daemon was down before the session adopts it.
	if n, err := sim.FireDue(ctx, deliver); err != nil {
		logger.Warn("startup fire pass failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("delivered overdue triggers", zap.Int("count", n))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return sim.Run(gctx, cfg.FireLoopInterval, deliver) })
	if rdb != nil {
		consumer := mailgate.New(rdb, mgr, mailgate.Options{
			Stream:   cfg.MailStream,
			Group:    cfg.MailGroup,
			Consumer: cfg.MailConsumer,
			Logger:   logger.Named("mailgate"),
		})
		g.Go(func() error { return consumer.Run(gctx) })
	}
	g.Go(func() error { return srv.Start(gctx) })

	logger.Info("alarmd started",
		zap.String("socket", cfg.SocketPath),
		zap.String("platform", string(adapter.Platform())),
		zap.String("docstore", cfg.DocStoreDriver+" "+security.Redact(cfg.DocStoreDSN)),
		zap.Bool("redis", rdb != nil))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newNotifier fans change signals out through Redis when configured, otherwise in-process.
func newNotifier(rdb *redis.Client, logger *zap.Logger) docstore.Notifier {
	if rdb == nil {
		return docstore.NewBroker()
	}
	return docstore.NewRedisNotifier(rdb, logger.Named("notify"))
}

// prepareAdapter resolves the platform adapter and runs its one-time setup.
func prepareAdapter(ctx context.Context, registry *trigger.Registry, raw string, logger *zap.Logger) (trigger.Adapter, error) {
	platform, err := model.ParsePlatform(raw)
	if err != nil {
		return nil, err
	}
	adapter, err := registry.Resolve(platform)
	if err != nil {
		return nil, err
	}
	preparer, ok := adapter.(trigger.Preparer)
	if !ok {
		return adapter, nil
	}
	readiness, err := preparer.Prepare(ctx)
	switch {
	case model.IsKind(err, model.KindConfiguration):
		// Installs keep failing with the same error until the capability is granted.
		logger.Warn("trigger adapter not ready", zap.String("platform", string(platform)), zap.Error(err))
	case err != nil:
		return nil, fmt.Errorf("prepare %s adapter: %w", platform, err)
	}
	if len(readiness.Degraded) > 0 {
		logger.Warn("trigger delivery degraded",
			zap.String("platform", string(platform)),
			zap.Strings("degraded", readiness.Degraded))
	}
	return adapter, nil
}
