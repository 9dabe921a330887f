// Package config loads and hot-reloads the engine's process
// configuration: IOTICS_* identity settings (original_source's
// src/config.rs), admission/poll tunables, and ambient stack settings
// (logging, admin server, connector). Grounded on the viper +
// SetEnvKeyReplacer + SetDefault + Unmarshal pattern used throughout the
// example pack's config.Load functions, with fsnotify-driven hot reload
// added for the tunables that are safe to change without a restart.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/iotic-labs/connector-engine/internal/auth"
	"github.com/iotic-labs/connector-engine/internal/engine"
)

// Identity mirrors original_source/src/config.rs's IOTICS_* env vars.
type Identity struct {
	ResolverAddress string        `mapstructure:"resolver_address"`
	HostAddress     string        `mapstructure:"host_address"`
	UserDID         string        `mapstructure:"user_did"`
	AgentDID        string        `mapstructure:"agent_did"`
	AgentName       string        `mapstructure:"agent_name"`
	AgentSecret     string        `mapstructure:"agent_secret"`
	TokenDuration   time.Duration `mapstructure:"token_duration"`
	Insecure        bool          `mapstructure:"insecure"`
}

// Admission holds the hot-reloadable concurrency/tick tunables
// (spec.md 5). Zero limits and a zero mailbox size fall back to the
// engine package constants.
type Admission struct {
	FetchInterval        time.Duration `mapstructure:"fetch_interval"`
	ConcurrentNewTwins   int           `mapstructure:"concurrent_new_twins_limit"`
	ConcurrentShares     int           `mapstructure:"concurrent_shares_limit"`
	DeleteTwinsOnCleanup bool          `mapstructure:"delete_twins_on_cleanup"`
	MailboxSize          int           `mapstructure:"mailbox_size"`
}

// AdminServer configures internal/adminserver.
type AdminServer struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Logging configures internal/telemetry's logger.
type Logging struct {
	Level       string `mapstructure:"level"`
	JSON        bool   `mapstructure:"json"`
	FilePath    string `mapstructure:"file_path"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// Connector selects and configures the Connector implementation
// (spec.md 3; internal/connector/amqp is the reference transport).
type Connector struct {
	Kind     string `mapstructure:"kind"`
	AMQPURL  string `mapstructure:"amqp_url"`
	AMQPFeed string `mapstructure:"amqp_feed"`
}

// FeedValue mirrors engine.FeedValue for configuration purposes.
type FeedValue struct {
	Label    string `mapstructure:"label"`
	Comment  string `mapstructure:"comment"`
	DataType string `mapstructure:"data_type"`
	Unit     string `mapstructure:"unit"`
}

// FeedDef mirrors engine.FeedDefinition.
type FeedDef struct {
	ID        string      `mapstructure:"id"`
	Label     string      `mapstructure:"label"`
	StoreLast bool        `mapstructure:"store_last"`
	Values    []FeedValue `mapstructure:"values"`
}

// Model is the process's single configured Model template (spec.md 3).
// A process runs exactly one Model supervisor for its lifetime; its
// termination ends the process.
type Model struct {
	SeedPrefix  string    `mapstructure:"seed_prefix"`
	LabelPrefix string    `mapstructure:"label_prefix"`
	Private     bool      `mapstructure:"private"`
	FeedDefs    []FeedDef `mapstructure:"feeds"`
}

// ToEngineModel builds the engine.Model this configuration describes.
// The twin-property template always declares MODEL_PROPERTY/LABEL so
// every twin carries its model reference and display label; callers
// needing additional template predicates extend TwinPropertyTmpl after
// construction.
func (m Model) ToEngineModel() engine.Model {
	visibility := engine.VisibilityPublic
	if m.Private {
		visibility = engine.VisibilityPrivate
	}

	feeds := make([]engine.FeedDefinition, len(m.FeedDefs))
	for i, f := range m.FeedDefs {
		values := make([]engine.FeedValue, len(f.Values))
		for j, v := range f.Values {
			values[j] = engine.FeedValue{Label: v.Label, Comment: v.Comment, DataType: v.DataType, Unit: v.Unit}
		}
		feeds[i] = engine.FeedDefinition{ID: f.ID, Label: f.Label, StoreLast: f.StoreLast, Values: values}
	}

	return engine.Model{
		SeedPrefix:  m.SeedPrefix,
		LabelPrefix: m.LabelPrefix,
		Visibility:  visibility,
		FeedDefs:    feeds,
		TwinPropertyTmpl: []engine.Property{
			{Key: engine.PredicateModelProperty},
			{Key: engine.PredicateLabel},
			{Key: engine.PredicateCreatedAt},
			{Key: engine.PredicateUpdatedAt},
		},
	}
}

// Config is the full process configuration.
type Config struct {
	Identity    Identity    `mapstructure:"identity"`
	Model       Model       `mapstructure:"model"`
	Admission   Admission   `mapstructure:"admission"`
	AdminServer AdminServer `mapstructure:"admin_server"`
	Logging     Logging     `mapstructure:"logging"`
	Connector   Connector   `mapstructure:"connector"`
}

// IdentityConfig adapts Identity to internal/auth's IdentityConfig.
func (c Config) IdentityConfig() auth.IdentityConfig {
	return auth.IdentityConfig{
		ResolverAddress: c.Identity.ResolverAddress,
		HostAddress:     c.Identity.HostAddress,
		UserDID:         c.Identity.UserDID,
		AgentDID:        c.Identity.AgentDID,
		AgentKeyName:    engine.AgentKeyName,
		AgentName:       "#" + strings.TrimPrefix(c.Identity.AgentName, "#"),
		AgentSecret:     c.Identity.AgentSecret,
		TokenDuration:   c.Identity.TokenDuration,
	}
}

func defaults() *Config {
	return &Config{
		Identity: Identity{
			TokenDuration: 10 * time.Minute,
		},
		Admission: Admission{
			FetchInterval:      time.Minute,
			ConcurrentNewTwins: engine.ConcurrentNewTwinsLimit,
			ConcurrentShares:   engine.ConcurrentSharesLimit,
			MailboxSize:        engine.DefaultMailboxSize,
		},
		AdminServer: AdminServer{
			Enabled: true,
			Addr:    ":8088",
		},
		Logging: Logging{
			Level: "info",
			JSON:  true,
		},
		Connector: Connector{
			Kind: "amqp",
		},
	}
}

// Flags registers the CLI flags config.Load consults alongside the env
// and optional config file, mirroring the teacher's "config_file" flag
// on the server command.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	fs.String("config-file", "", "path to a YAML configuration file")
	return fs
}

// Load builds a Config from (in ascending priority) built-in defaults,
// an optional YAML file, and environment variables: the IOTICS_* and
// MODEL_* variables bound below, plus, through AutomaticEnv, unprefixed
// upper-cased keys with "." replaced by "_" (e.g. ADMISSION_MAILBOX_SIZE).
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, defaults())

	bindEnv(v, "identity.resolver_address", "IOTICS_RESOLVER_ADDRESS")
	bindEnv(v, "identity.host_address", "IOTICS_HOST_ADDRESS")
	bindEnv(v, "identity.user_did", "IOTICS_USER_DID")
	bindEnv(v, "identity.agent_did", "IOTICS_AGENT_DID")
	bindEnv(v, "identity.agent_name", "IOTICS_AGENT_NAME")
	bindEnv(v, "identity.agent_secret", "IOTICS_AGENT_SECRET")
	bindEnv(v, "identity.token_duration", "IOTICS_TOKEN_DURATION")
	bindEnv(v, "model.seed_prefix", "MODEL_SEED_PREFIX")
	bindEnv(v, "model.label_prefix", "MODEL_LABEL_PREFIX")

	if fs != nil {
		if path, err := fs.GetString("config-file"); err == nil && path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Identity.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrConfigMissing, err)
	}
	if cfg.Model.SeedPrefix == "" || cfg.Model.LabelPrefix == "" {
		return nil, fmt.Errorf("%w: MODEL_SEED_PREFIX/MODEL_LABEL_PREFIX are missing", engine.ErrConfigMissing)
	}

	return &cfg, nil
}

func (i Identity) validate() error {
	return auth.IdentityConfig{
		ResolverAddress: i.ResolverAddress,
		HostAddress:     i.HostAddress,
		UserDID:         i.UserDID,
		AgentDID:        i.AgentDID,
		AgentName:       i.AgentName,
		AgentSecret:     i.AgentSecret,
		TokenDuration:   i.TokenDuration,
	}.Validate()
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("identity.token_duration", def.Identity.TokenDuration)
	v.SetDefault("admission.fetch_interval", def.Admission.FetchInterval)
	v.SetDefault("admission.concurrent_new_twins_limit", def.Admission.ConcurrentNewTwins)
	v.SetDefault("admission.concurrent_shares_limit", def.Admission.ConcurrentShares)
	v.SetDefault("admission.mailbox_size", def.Admission.MailboxSize)
	v.SetDefault("admin_server.enabled", def.AdminServer.Enabled)
	v.SetDefault("admin_server.addr", def.AdminServer.Addr)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.json", def.Logging.JSON)
	v.SetDefault("connector.kind", def.Connector.Kind)
}

func bindEnv(v *viper.Viper, key, env string) {
	_ = v.BindEnv(key, env)
}

// Watcher hot-reloads the subset of Config that is safe to change
// without a process restart (admission tunables) whenever the backing
// YAML file changes, using fsnotify the way viper's own
// WatchConfig/OnConfigChange wires it.
type Watcher struct {
	mu     sync.RWMutex
	v      *viper.Viper
	logger *slog.Logger
	admit  Admission
}

// WatchAdmission starts watching path (if non-empty) for changes to the
// admission tunables. Safe to call with an empty path: it becomes a
// no-op that always returns the loaded Admission.
func WatchAdmission(path string, loaded Admission, logger *slog.Logger) *Watcher {
	w := &Watcher{logger: logger, admit: loaded}
	if path == "" {
		return w
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		logger.Warn("config: initial watch read failed, keeping loaded admission", "err", err)
		return w
	}
	w.v = v

	v.OnConfigChange(func(e fsnotify.Event) {
		var reloaded struct {
			Admission Admission `mapstructure:"admission"`
		}
		if err := v.Unmarshal(&reloaded); err != nil {
			logger.Error("config: hot reload unmarshal failed", "err", err)
			return
		}
		w.mu.Lock()
		w.admit = reloaded.Admission
		w.mu.Unlock()
		logger.Info("config: admission tunables reloaded", "fetch_interval", reloaded.Admission.FetchInterval)
	})
	v.WatchConfig()

	return w
}

// Admission returns the current (possibly hot-reloaded) tunables.
func (w *Watcher) Admission() Admission {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.admit
}

// FetchInterval, ConcurrentNewTwinsLimit, ConcurrentSharesLimit and
// DeleteTwinsOnCleanup satisfy engine.AdmissionSource, letting
// cmd/fx.go hand a Watcher straight to engine.Config.Admission so the
// supervisor re-reads these on every tick, sweep and admission.
func (w *Watcher) FetchInterval() time.Duration { return w.Admission().FetchInterval }
func (w *Watcher) ConcurrentNewTwinsLimit() int { return w.Admission().ConcurrentNewTwins }
func (w *Watcher) ConcurrentSharesLimit() int   { return w.Admission().ConcurrentShares }
func (w *Watcher) DeleteTwinsOnCleanup() bool   { return w.Admission().DeleteTwinsOnCleanup }
