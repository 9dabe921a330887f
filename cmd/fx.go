package cmd

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.uber.org/fx"

	"github.com/iotic-labs/connector-engine/config"
	"github.com/iotic-labs/connector-engine/internal/adminserver"
	"github.com/iotic-labs/connector-engine/internal/auth"
	amqpconnector "github.com/iotic-labs/connector-engine/internal/connector/amqp"
	"github.com/iotic-labs/connector-engine/internal/engine"
	"github.com/iotic-labs/connector-engine/internal/telemetry"
	"github.com/iotic-labs/connector-engine/internal/transport/grpcclient"
)

// configFilePath is a distinct type so fx can supply the server
// command's --config-file value without colliding with any other
// string in the graph.
type configFilePath string

// NewApp assembles the fx graph: configuration, logger, bus, identity,
// transport, connector, metrics, the admission watcher, the single
// Model supervisor and the admin server, generalized from the
// teacher's cmd/fx.go NewApp. configFile is the --config-file path
// passed to the server command, forwarded to provideAdmissionWatcher
// so hot-reloaded admission tunables (SPEC_FULL.md's "Configuration"
// section) actually reach the running supervisor.
func NewApp(cfg *config.Config, configFile string) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			func() configFilePath { return configFilePath(configFile) },
			provideLogger,
			provideIdentity,
			provideBus,
			provideTransport,
			provideMeter,
			provideConnector,
			provideAdmissionWatcher,
			provideSupervisor,
			provideAdminServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}

	return telemetry.NewLogger(telemetry.LogConfig{
		FilePath:    cfg.Logging.FilePath,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
		Compress:    cfg.Logging.Compress,
		Level:       level,
		JSON:        cfg.Logging.JSON,
		ServiceName: ServiceName,
	})
}

func provideIdentity(cfg *config.Config) *auth.Provider {
	return auth.New(cfg.IdentityConfig())
}

func provideBus(cfg *config.Config, logger *slog.Logger) *engine.Bus {
	return engine.NewBus(logger, cfg.Admission.MailboxSize)
}

func provideTransport(cfg *config.Config) *grpcclient.Transport {
	return grpcclient.New(grpcclient.Options{Insecure: cfg.Identity.Insecure})
}

func provideMeter(logger *slog.Logger) *telemetry.Meter {
	meter, err := telemetry.NewMeter(otel.GetMeterProvider())
	if err != nil {
		logger.Error("metrics: build meter failed, continuing without instrumentation", "err", err)
		return nil
	}
	return meter
}

func provideConnector(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (engine.Connector, error) {
	switch cfg.Connector.Kind {
	case "amqp", "":
		c, err := amqpconnector.New(context.Background(), amqpconnector.Config{
			URL:   cfg.Connector.AMQPURL,
			Queue: cfg.Connector.AMQPFeed,
		}, logger)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return c.Close() }})
		return c, nil
	default:
		return nil, engine.ErrConfigMissing
	}
}

// provideAdmissionWatcher starts the fsnotify-backed config watch so the
// admission tunables in engine.Config below can be retuned live, per
// SPEC_FULL.md's "Configuration" section. An empty configFile (no
// --config-file flag given) yields a Watcher with nothing to watch;
// its accessors then always report the loaded cfg.Admission values,
// the same values provideSupervisor passes statically.
func provideAdmissionWatcher(path configFilePath, cfg *config.Config, logger *slog.Logger) *config.Watcher {
	return config.WatchAdmission(string(path), cfg.Admission, logger)
}

func provideSupervisor(
	cfg *config.Config,
	bus *engine.Bus,
	connector engine.Connector,
	identity *auth.Provider,
	transport *grpcclient.Transport,
	logger *slog.Logger,
	meter *telemetry.Meter,
	watcher *config.Watcher,
) *engine.ModelSupervisor {
	var metrics engine.Metrics
	if meter != nil {
		metrics = meter
	}

	return engine.NewModelSupervisor(
		bus,
		engine.Config{
			Model:                cfg.Model.ToEngineModel(),
			FetchInterval:        cfg.Admission.FetchInterval,
			DeleteTwinsOnCleanup: cfg.Admission.DeleteTwinsOnCleanup,
			MailboxSize:          cfg.Admission.MailboxSize,
			ConcurrentNewTwins:   cfg.Admission.ConcurrentNewTwins,
			ConcurrentShares:     cfg.Admission.ConcurrentShares,
			Admission:            watcher,
		},
		connector,
		identity,
		identity,
		transport,
		transport,
		logger,
		metrics,
	)
}

func provideAdminServer(cfg *config.Config, logger *slog.Logger, supervisor *engine.ModelSupervisor) *adminserver.Server {
	sources := map[string]adminserver.StatsSource{
		cfg.Model.LabelPrefix + " Model": supervisor,
	}
	return adminserver.New(logger, sources)
}

func registerLifecycle(
	lc fx.Lifecycle,
	cfg *config.Config,
	supervisor *engine.ModelSupervisor,
	admin *adminserver.Server,
	bus *engine.Bus,
	logger *slog.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := supervisor.Run(context.Background()); err != nil {
				return err
			}
			if cfg.AdminServer.Enabled {
				go func() {
					if err := admin.Run(context.Background(), cfg.AdminServer.Addr); err != nil {
						logger.Error("admin server: stopped", "err", err)
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return bus.Close()
		},
	})
}
