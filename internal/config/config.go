// Package config provides configuration types for arboric.
//
// Configuration is file based (arboric.yaml) with environment overrides
// (ARBORIC_*). Policies may be declared inline or in a separate YAML file
// named by policies_file; both are merged in that order.
package config

import (
	"time"

	"github.com/arboric/arboric/internal/domain/policy"
)

// Config is the top-level configuration.
type Config struct {
	// Server configures the listener and logging.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Proxy configures the upstream GraphQL endpoint.
	Proxy ProxyConfig `yaml:"proxy" mapstructure:"proxy"`

	// JWT configures bearer token verification.
	JWT JWTConfig `yaml:"jwt" mapstructure:"jwt"`

	// PoliciesFile optionally names a standalone YAML file of policies,
	// appended after the inline ones.
	PoliciesFile string `yaml:"policies_file" mapstructure:"policies_file"`

	// Policies are evaluated in declaration order.
	// Empty means every request is denied, unless DevMode is set.
	Policies []PolicyConfig `yaml:"policies" mapstructure:"policies" validate:"omitempty,dive"`

	// Audit configures where audit records are written.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Admin configures the admin API under /admin/api/.
	Admin AdminConfig `yaml:"admin" mapstructure:"admin"`

	// Telemetry enables the OpenTelemetry stdout exporters.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables development defaults: debug logging, an allow-any
	// policy when none is configured and a fixed signing key when none is set.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP listener and logging.
type ServerConfig struct {
	// HTTPAddr is the address to listen on. Defaults to "127.0.0.1:4000".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel is one of "debug", "info", "warn", "error". Defaults to "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// LogFormat is "text" or "json". Defaults to "text".
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"omitempty,oneof=text json"`

	// TLSCertFile and TLSKeyFile switch the listener to HTTPS. Both or
	// neither must be set.
	TLSCertFile string `yaml:"tls_cert_file" mapstructure:"tls_cert_file" validate:"required_with=TLSKeyFile"`
	TLSKeyFile  string `yaml:"tls_key_file" mapstructure:"tls_key_file" validate:"required_with=TLSCertFile"`

	// LogFile adds a JSON log sink appended to this path.
	LogFile string `yaml:"log_file" mapstructure:"log_file"`

	// LogFileLevel overrides LogLevel for the file sink.
	LogFileLevel string `yaml:"log_file_level" mapstructure:"log_file_level" validate:"omitempty,oneof=debug info warn warning error"`

	// ShutdownTimeout bounds graceful shutdown. Defaults to 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"min=0"`
}

// ProxyConfig configures the upstream GraphQL server.
type ProxyConfig struct {
	// Upstream is the URL requests are forwarded to.
	Upstream string `yaml:"upstream" mapstructure:"upstream" validate:"required,url"`

	// Timeout bounds a single upstream round trip. Defaults to 30s.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"min=0"`

	// MaxBodyBytes caps the request body read by the gateway. Defaults to 1 MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes" validate:"min=0"`
}

// JWTConfig configures token verification.
type JWTConfig struct {
	// Required rejects requests without an Authorization header with 401
	// instead of evaluating them anonymously.
	Required bool `yaml:"required" mapstructure:"required"`

	// Leeway is the clock skew tolerated for exp and nbf.
	Leeway time.Duration `yaml:"leeway" mapstructure:"leeway" validate:"min=0"`

	// SigningKey locates the HS256 key.
	SigningKey SigningKeyConfig `yaml:"signing_key" mapstructure:"signing_key"`
}

// Key encodings accepted by SigningKeyConfig.Encoding.
const (
	EncodingBytes  = "bytes"
	EncodingHex    = "hex"
	EncodingBase64 = "base64"
)

// SigningKeyConfig names exactly one source for the signing key.
type SigningKeyConfig struct {
	// Value is the key itself.
	Value string `yaml:"value" mapstructure:"value"`

	// FromEnv names an environment variable holding the key.
	FromEnv string `yaml:"from_env" mapstructure:"from_env"`

	// File names a file holding the key.
	File string `yaml:"file" mapstructure:"file"`

	// Encoding is "bytes", "hex" or "base64". Defaults to "hex" for
	// value and from_env, "bytes" for file.
	Encoding string `yaml:"encoding" mapstructure:"encoding" validate:"omitempty,key_encoding"`
}

// PolicyConfig is the configuration form of a policy.
type PolicyConfig struct {
	// Name is optional and only used in logs and audit output.
	Name string `yaml:"name" mapstructure:"name"`

	// When lists conditions that must all hold for the policy to apply.
	When []ConditionConfig `yaml:"when" mapstructure:"when" validate:"omitempty,dive"`

	// Allow and Deny are field patterns such as "query:*" or "mutation:create*".
	Allow []string `yaml:"allow" mapstructure:"allow" validate:"omitempty,dive,pattern"`
	Deny  []string `yaml:"deny" mapstructure:"deny" validate:"omitempty,dive,pattern"`
}

// ConditionConfig is one condition of a policy. Exactly one form is allowed:
// claim_is_present, claim with equals or includes, or expr.
type ConditionConfig struct {
	ClaimIsPresent string  `yaml:"claim_is_present" mapstructure:"claim_is_present"`
	Claim          string  `yaml:"claim" mapstructure:"claim"`
	Equals         *string `yaml:"equals" mapstructure:"equals"`
	Includes       *string `yaml:"includes" mapstructure:"includes"`
	Expr           string  `yaml:"expr" mapstructure:"expr"`
}

// AuditConfig configures audit output and the async audit queue.
type AuditConfig struct {
	// Output is "none", "stdout", "influxdb", "file:///dir" or "sqlite:///path.db".
	// Defaults to "stdout".
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`

	// File configures file:// output.
	File AuditFileConfig `yaml:"file" mapstructure:"file"`

	// InfluxDB configures influxdb output.
	InfluxDB InfluxDBConfig `yaml:"influx_db" mapstructure:"influx_db"`

	// ChannelSize is the audit queue capacity. Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of records written per batch. Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often a partial batch is written. Defaults to 1s.
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval" validate:"min=0"`

	// SendTimeout is how long Record may block on a full queue before
	// dropping. Zero, the default, drops immediately so a stalled sink
	// never holds up a request.
	SendTimeout time.Duration `yaml:"send_timeout" mapstructure:"send_timeout" validate:"min=0"`

	// WarningThreshold is the queue fill percentage that logs a warning.
	// Defaults to 80.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`

	// BufferSize is the number of recent records kept in memory for the
	// admin API. Defaults to 1000.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=1"`
}

// AuditFileConfig configures file:// audit output.
type AuditFileConfig struct {
	// RetentionDays is how long daily files are kept. Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// MaxFileSizeMB rolls a day over to a new numbered file. Defaults to 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`
}

// InfluxDBConfig configures the InfluxDB audit sink.
type InfluxDBConfig struct {
	URI      string `yaml:"uri" mapstructure:"uri" validate:"omitempty,url"`
	Database string `yaml:"database" mapstructure:"database"`
	Org      string `yaml:"org" mapstructure:"org"`
	Token    string `yaml:"token" mapstructure:"token"`
}

// AdminConfig configures the admin API.
type AdminConfig struct {
	// Enabled mounts /admin/api/.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// APIKeyHash is an argon2id hash produced by "arboric hash-key".
	// Empty restricts the admin API to loopback clients.
	APIKeyHash string `yaml:"api_key_hash" mapstructure:"api_key_hash" validate:"omitempty,startswith=$argon2id$"`
}

// TelemetryConfig toggles the OpenTelemetry stdout exporters.
type TelemetryConfig struct {
	Tracing bool `yaml:"tracing" mapstructure:"tracing"`
	Metrics bool `yaml:"metrics" mapstructure:"metrics"`
}

// devSigningKey is used in dev mode when no signing key is configured.
const devSigningKey = "arboric-dev-signing-key"

// SetDevDefaults applies permissive defaults for development mode.
// It runs before validation so that an otherwise incomplete config passes.
// The allow-any policy is added later, once the policies file has been
// merged, by the policy source.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	c.Server.LogLevel = "debug"

	if c.JWT.SigningKey.sources() == 0 {
		c.JWT.SigningKey = SigningKeyConfig{Value: devSigningKey, Encoding: EncodingBytes}
	}
}

// SetDefaults fills unset optional fields.
func (c *Config) SetDefaults() {
	// Bind to localhost unless told otherwise.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:4000"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Proxy.Timeout == 0 {
		c.Proxy.Timeout = 30 * time.Second
	}
	if c.Proxy.MaxBodyBytes == 0 {
		c.Proxy.MaxBodyBytes = 1 << 20
	}

	if c.JWT.SigningKey.Encoding == "" {
		if c.JWT.SigningKey.File != "" {
			c.JWT.SigningKey.Encoding = EncodingBytes
		} else {
			c.JWT.SigningKey.Encoding = EncodingHex
		}
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
	if c.Audit.File.RetentionDays == 0 {
		c.Audit.File.RetentionDays = 7
	}
	if c.Audit.File.MaxFileSizeMB == 0 {
		c.Audit.File.MaxFileSizeMB = 100
	}
	if c.Audit.InfluxDB.URI == "" {
		c.Audit.InfluxDB.URI = "http://localhost:8086"
	}
	if c.Audit.InfluxDB.Database == "" {
		c.Audit.InfluxDB.Database = "arboric"
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == 0 {
		c.Audit.FlushInterval = time.Second
	}
	if c.Audit.WarningThreshold == 0 {
		c.Audit.WarningThreshold = 80
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = 1000
	}
}

// PolicyDefinitions converts the inline policies to their domain form.
func (c *Config) PolicyDefinitions() []policy.Definition {
	defs := make([]policy.Definition, len(c.Policies))
	for i, p := range c.Policies {
		defs[i] = p.Definition()
	}
	return defs
}

// Definition converts p to its domain form.
func (p PolicyConfig) Definition() policy.Definition {
	def := policy.Definition{
		Name:  p.Name,
		Allow: append([]string(nil), p.Allow...),
		Deny:  append([]string(nil), p.Deny...),
	}
	for _, w := range p.When {
		def.When = append(def.When, policy.ConditionDefinition{
			ClaimIsPresent: w.ClaimIsPresent,
			Claim:          w.Claim,
			Equals:         w.Equals,
			Includes:       w.Includes,
			Expr:           w.Expr,
		})
	}
	return def
}
