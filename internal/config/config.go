// Package config loads docflow runtime configuration.
//
// Precedence, lowest to highest: defaults, user config file, project config
// file, DOCFLOW_* environment variables, runtime overrides.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/docflow/pkg/processor/ocr"
	"github.com/3leaps/docflow/pkg/processor/vertex"
	"github.com/3leaps/docflow/pkg/store"
)

// Config is the full runtime configuration.
type Config struct {
	Server    ServerConfig  `mapstructure:"server"`
	Logging   LoggingConfig `mapstructure:"logging"`
	Health    HealthConfig  `mapstructure:"health"`
	Debug     DebugConfig   `mapstructure:"debug"`
	Workers   int           `mapstructure:"workers"`
	Manifest  string        `mapstructure:"manifest"`
	Workspace string        `mapstructure:"workspace"`
	Store     store.Config  `mapstructure:"store"`
	Queue     QueueConfig   `mapstructure:"queue"`
	Monitor   MonitorConfig `mapstructure:"monitor"`
	OCR       ocr.Config    `mapstructure:"ocr"`
	Vertex    vertex.Config `mapstructure:"vertex"`
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

type DebugConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// QueueConfig tunes the SQLite job queue.
type QueueConfig struct {
	Visibility    time.Duration `mapstructure:"visibility"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxDeliveries int           `mapstructure:"max_deliveries"`
}

// MonitorConfig tunes the stalled-step sweep.
type MonitorConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	StepTimeout time.Duration `mapstructure:"step_timeout"`
}

// EnvSpec maps one environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

// AppIdentity names the binary, its env prefix and its config file stem.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity Load installs when none is set.
var DefaultIdentity = AppIdentity{BinaryName: "docflow", EnvPrefix: "DOCFLOW", ConfigName: "docflow"}

var (
	configMu    sync.RWMutex
	appConfig   *Config
	appIdentity *AppIdentity
)

// Load builds the configuration and stores it for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadWithFile(ctx, "", overrides...)
}

// LoadWithFile is Load with an explicit config file. An empty path falls
// back to the user and project search paths.
func LoadWithFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	configMu.Unlock()

	v := viper.New()
	SetDefaults(v)

	files := []string{}
	if path != "" {
		files = append(files, path)
	} else {
		files = append(files, getUserConfigPaths()...)
		if root, err := findProjectRoot(); err == nil {
			files = append(files, filepath.Join(root, identity().ConfigName+".yaml"))
		}
	}
	for _, f := range files {
		if err := mergeFile(v, f, path != ""); err != nil {
			return nil, err
		}
	}

	for _, env := range getEnvSpecs() {
		if err := v.BindEnv(env.Path, env.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env.Name, err)
		}
	}

	for _, o := range overrides {
		applyOverrides(v, "", o)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Monitor.StepTimeout <= 0 {
		return fmt.Errorf("monitor.step_timeout must be positive")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	return nil
}

// SetDefaults installs every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("workers", 4)

	v.SetDefault("manifest", "")
	v.SetDefault("workspace", defaultDataPath("workspace"))
	v.SetDefault("store.path", defaultDataPath("docflow.db"))
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("queue.visibility", "15m")
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.batch_size", 8)
	v.SetDefault("queue.max_deliveries", 20)

	v.SetDefault("monitor.interval", "60s")
	v.SetDefault("monitor.step_timeout", "600s")

	v.SetDefault("ocr.endpoint", "")
	v.SetDefault("ocr.api_key", "")
	v.SetDefault("ocr.timeout", "120s")

	v.SetDefault("vertex.project", "")
	v.SetDefault("vertex.region", "us-central1")
	v.SetDefault("vertex.model", "gemini-1.5-pro")
}

func identity() AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	if appIdentity == nil {
		return AppIdentity{}
	}
	return *appIdentity
}

// getEnvSpecs lists the supported environment variables. Short names cover
// the common settings; every other key maps as PREFIX_SECTION_KEY.
func getEnvSpecs() []EnvSpec {
	id := identity()
	if id.EnvPrefix == "" {
		return []EnvSpec{}
	}
	p := id.EnvPrefix + "_"
	specs := []EnvSpec{
		{p + "HOST", "server.host"},
		{p + "PORT", "server.port"},
		{p + "READ_TIMEOUT", "server.read_timeout"},
		{p + "WRITE_TIMEOUT", "server.write_timeout"},
		{p + "IDLE_TIMEOUT", "server.idle_timeout"},
		{p + "SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{p + "LOG_LEVEL", "logging.level"},
		{p + "LOG_PROFILE", "logging.profile"},
		{p + "HEALTH_ENABLED", "health.enabled"},
		{p + "DEBUG", "debug.enabled"},
		{p + "WORKERS", "workers"},
		{p + "MANIFEST", "manifest"},
		{p + "WORKSPACE", "workspace"},
		{p + "DB_PATH", "store.path"},
		{p + "DB_URL", "store.url"},
		{p + "DB_AUTH_TOKEN", "store.auth_token"},
		{p + "STEP_TIMEOUT", "monitor.step_timeout"},
		{p + "MONITOR_INTERVAL", "monitor.interval"},
		{p + "QUEUE_VISIBILITY", "queue.visibility"},
		{p + "OCR_ENDPOINT", "ocr.endpoint"},
		{p + "OCR_API_KEY", "ocr.api_key"},
		{p + "OCR_TIMEOUT", "ocr.timeout"},
		{p + "VERTEX_PROJECT", "vertex.project"},
		{p + "VERTEX_REGION", "vertex.region"},
		{p + "VERTEX_MODEL", "vertex.model"},
	}
	return specs
}

func getUserConfigPaths() []string {
	id := identity()
	if id.ConfigName == "" {
		return []string{}
	}
	if gfconfig.GetXDGBaseDirs().ConfigHome == "" {
		return []string{}
	}
	return []string{filepath.Join(gfconfig.GetAppConfigDir(id.ConfigName), "config.yaml")}
}

// findProjectRoot walks up from the working directory to the nearest
// directory holding go.mod or a docflow.yaml. In CI the workspace variables
// win when they name an absolute directory containing the working directory.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true" {
		for _, key := range []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"} {
			if b := os.Getenv(key); b != "" && within(b, cwd) {
				return filepath.Clean(b), nil
			}
		}
	}

	marker := identity().ConfigName + ".yaml"
	for dir := cwd; ; {
		for _, m := range []string{"go.mod", marker} {
			if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd, nil
		}
		dir = parent
	}
}

func within(base, path string) bool {
	if !filepath.IsAbs(base) {
		return false
	}
	if info, err := os.Stat(base); err != nil || !info.IsDir() {
		return false
	}
	rel, err := filepath.Rel(base, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func mergeFile(v *viper.Viper, path string, required bool) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return fmt.Errorf("config file %s: %w", path, err)
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return nil
}

// applyOverrides sets every leaf of m so overrides outrank environment
// variables.
func applyOverrides(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverrides(v, key, nested)
			continue
		}
		v.Set(key, val)
	}
}

// defaultDataPath places name under the XDG data directory of the app.
func defaultDataPath(name string) string {
	app := identity().ConfigName
	if app == "" {
		app = "docflow"
	}
	if gfconfig.GetXDGBaseDirs().DataHome == "" {
		return filepath.Join(os.TempDir(), app, name)
	}
	return filepath.Join(gfconfig.GetAppDataDir(app), name)
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		intToDurationHook,
	)
}

// intToDurationHook accepts bare integers as seconds for duration fields.
func intToDurationHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch from.Kind() {
	case reflect.Int, reflect.Int64, reflect.Int32:
		return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
	case reflect.Float64:
		return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
	default:
		return data, nil
	}
}
