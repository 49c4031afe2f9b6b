// Package config loads pushq configuration.
//
// Precedence, highest first: runtime overrides, PUSHQ_* environment variables,
// the user config file ($XDG_CONFIG_HOME/pushq/config.yaml or $PUSHQ_CONFIG),
// built-in defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Identity names the application for config and env lookups.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity returns the pushq identity.
func DefaultIdentity() *Identity {
	return &Identity{BinaryName: "pushq", EnvPrefix: "PUSHQ", ConfigName: "pushq"}
}

// Config is the resolved application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Health    HealthConfig    `mapstructure:"health"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// QueueConfig locates the job store and tunes the scheduler.
type QueueConfig struct {
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	DispatchRate float64       `mapstructure:"dispatch_rate"`

	// DataDir holds the job store under DataDir/jobs.
	DataDir         string `mapstructure:"data_dir"`
	DestinationsDir string `mapstructure:"destinations_dir"`
	ProfilesDir     string `mapstructure:"profiles_dir"`

	// WorkDir holds per-job staging directories for remote artifacts.
	WorkDir string `mapstructure:"work_dir"`

	// VerifyArtifacts checks artifact references when a job is marked ready.
	VerifyArtifacts bool `mapstructure:"verify_artifacts"`
}

// JobsDir is the job store root.
func (q QueueConfig) JobsDir() string {
	return filepath.Join(q.DataDir, "jobs")
}

// ArtifactsConfig configures access to s3:// artifact references.
type ArtifactsConfig struct {
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type envSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
)

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("health.enabled", true)

	v.SetDefault("queue.workers", 1)
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.dispatch_rate", 0.0)
	v.SetDefault("queue.data_dir", "")
	v.SetDefault("queue.destinations_dir", "")
	v.SetDefault("queue.profiles_dir", "")
	v.SetDefault("queue.work_dir", "")
	v.SetDefault("queue.verify_artifacts", true)

	v.SetDefault("artifacts.region", "")
	v.SetDefault("artifacts.endpoint", "")
	v.SetDefault("artifacts.profile", "")
	v.SetDefault("artifacts.force_path_style", false)
}

// Load resolves configuration and stores it for GetConfig. Each override map
// is nested by section, e.g. {"server": {"port": 9000}}.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	_ = ctx

	configMu.Lock()
	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}
	configMu.Unlock()

	v := viper.New()
	SetDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	resolvePaths(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be >= 1")
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("queue.poll_interval must be > 0")
	}
	if c.Queue.DispatchRate < 0 {
		return fmt.Errorf("queue.dispatch_rate must be >= 0")
	}
	if _, err := zapcore.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

func resolvePaths(cfg *Config) {
	q := &cfg.Queue
	if q.DataDir == "" {
		name := "pushq"
		configMu.RLock()
		if appIdentity != nil && appIdentity.ConfigName != "" {
			name = appIdentity.ConfigName
		}
		configMu.RUnlock()
		q.DataDir = gfconfig.GetAppDataDir(name)
	}
	if q.DestinationsDir == "" {
		q.DestinationsDir = filepath.Join(q.DataDir, "destinations")
	}
	if q.ProfilesDir == "" {
		q.ProfilesDir = filepath.Join(q.DataDir, "profiles")
	}
}

func readConfigFile(v *viper.Viper) error {
	configMu.RLock()
	prefix := ""
	if appIdentity != nil {
		prefix = appIdentity.EnvPrefix
	}
	configMu.RUnlock()

	if prefix != "" {
		if explicit := strings.TrimSpace(os.Getenv(prefix + "_CONFIG")); explicit != "" {
			v.SetConfigFile(explicit)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config %s: %w", explicit, err)
			}
			return nil
		}
	}

	paths := getUserConfigPaths()
	if len(paths) == 0 {
		return nil
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil || id.ConfigName == "" {
		return []string{}
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return []string{}
	}
	return []string{filepath.Join(dir, id.ConfigName)}
}

func getEnvSpecs() []envSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil || id.EnvPrefix == "" {
		return []envSpec{}
	}

	names := map[string]string{
		"HOST":             "server.host",
		"PORT":             "server.port",
		"READ_TIMEOUT":     "server.read_timeout",
		"WRITE_TIMEOUT":    "server.write_timeout",
		"IDLE_TIMEOUT":     "server.idle_timeout",
		"SHUTDOWN_TIMEOUT": "server.shutdown_timeout",
		"LOG_LEVEL":        "logging.level",
		"LOG_PROFILE":      "logging.profile",
		"HEALTH_ENABLED":   "health.enabled",
		"WORKERS":          "queue.workers",
		"POLL_INTERVAL":    "queue.poll_interval",
		"DISPATCH_RATE":    "queue.dispatch_rate",
		"DATA_DIR":         "queue.data_dir",
		"DESTINATIONS_DIR": "queue.destinations_dir",
		"PROFILES_DIR":     "queue.profiles_dir",
		"WORK_DIR":         "queue.work_dir",
		"VERIFY_ARTIFACTS": "queue.verify_artifacts",
		"S3_REGION":        "artifacts.region",
		"S3_ENDPOINT":      "artifacts.endpoint",
		"S3_PROFILE":       "artifacts.profile",
		"S3_PATH_STYLE":    "artifacts.force_path_style",
	}

	specs := make([]envSpec, 0, len(names))
	for suffix, path := range names {
		specs = append(specs, envSpec{Name: id.EnvPrefix + "_" + suffix, Path: path})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
