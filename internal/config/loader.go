package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ARBORIC_SERVER_HTTP_ADDR.
const EnvPrefix = "ARBORIC"

// Loader reads the configuration file and environment overrides.
// Load may be called again to pick up edits, which is how policies are
// reloaded.
type Loader struct {
	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader prepares a Loader for configFile. If configFile is empty, it
// searches for arboric.yaml/.yml in standard locations.
// The search requires an explicit YAML extension to avoid matching the
// binary itself.
func NewLoader(configFile string) *Loader {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		v.SetConfigFile(found)
	} else {
		// No search paths: ReadInConfig returns ConfigFileNotFoundError,
		// and the loader continues with env vars only.
		v.SetConfigName("arboric")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	bindNestedEnvKeys(v)

	return &Loader{v: v}
}

// findConfigFile searches standard locations for arboric.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".arboric"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "arboric"))
		}
	} else {
		paths = append(paths, "/etc/arboric")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first arboric.yaml or arboric.yml found
// in paths, or "".
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "arboric"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds scalar keys so env vars work without a file.
// Lists (policies) can only come from a file.
func bindNestedEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"server.http_addr",
		"server.log_level",
		"server.log_format",
		"server.tls_cert_file",
		"server.tls_key_file",
		"server.log_file",
		"server.log_file_level",
		"server.shutdown_timeout",

		"proxy.upstream",
		"proxy.timeout",
		"proxy.max_body_bytes",

		"jwt.required",
		"jwt.leeway",
		"jwt.signing_key.value",
		"jwt.signing_key.from_env",
		"jwt.signing_key.file",
		"jwt.signing_key.encoding",

		"policies_file",

		"audit.output",
		"audit.file.retention_days",
		"audit.file.max_file_size_mb",
		"audit.influx_db.uri",
		"audit.influx_db.database",
		"audit.influx_db.org",
		"audit.influx_db.token",
		"audit.channel_size",
		"audit.batch_size",
		"audit.flush_interval",
		"audit.send_timeout",
		"audit.warning_threshold",
		"audit.buffer_size",

		"admin.enabled",
		"admin.api_key_hash",

		"telemetry.tracing",
		"telemetry.metrics",

		"dev_mode",
	} {
		_ = v.BindEnv(key)
	}
}

// Set overrides a key, for CLI flags such as --dev.
func (l *Loader) Set(key string, value any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.v.Set(key, value)
}

// Load reads the configuration, applies defaults and dev defaults, and
// validates the result.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.LoadRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadRaw reads the configuration and applies defaults, without dev
// defaults or validation.
func (l *Loader) LoadRaw() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded file, or "" in env-only mode.
func (l *Loader) ConfigFileUsed() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v.ConfigFileUsed()
}
