package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. LAKESYNC_SYNC_BATCH_SIZE.
const EnvPrefix = "LAKESYNC"

// legacyEnv maps configuration keys to the environment names used by
// existing deployments.
var legacyEnv = map[string]string{
	"source.host":     "DB_HOST",
	"source.port":     "DB_PORT",
	"source.database": "DB_NAME",
	"source.user":     "DB_USER",
	"source.password": "DB_PASSWORD",
	"source.type":     "DB_TYPE",
	"search.host":     "ES_HOST",
	"search.port":     "ES_PORT",
	"search.scheme":   "ES_SCHEME",
	"search.username": "ES_USERNAME",
	"search.password": "ES_PASSWORD",
}

// Load builds a Config from defaults, an optional YAML file at path and the
// environment, then loads the associations artifact it references.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the --config flag
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		v.SetConfigType("yaml")
		if err := v.ReadConfig(strings.NewReader(substituteEnvVars(string(data)))); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Sync.AssociationsFile != "" {
		set, err := LoadAssociations(cfg.Sync.AssociationsFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Associations = set
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it during
// Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("source.type", d.Source.Type)
	v.SetDefault("source.dsn", d.Source.DSN)
	v.SetDefault("source.host", d.Source.Host)
	v.SetDefault("source.port", d.Source.Port)
	v.SetDefault("source.database", d.Source.Database)
	v.SetDefault("source.user", d.Source.User)
	v.SetDefault("source.password", d.Source.Password)
	v.SetDefault("source.sslmode", d.Source.SSLMode)
	v.SetDefault("source.schema", d.Source.Schema)
	v.SetDefault("source.tables", d.Source.Tables)
	v.SetDefault("source.max_conns", d.Source.MaxConns)

	v.SetDefault("search.addresses", d.Search.Addresses)
	v.SetDefault("search.host", d.Search.Host)
	v.SetDefault("search.port", d.Search.Port)
	v.SetDefault("search.scheme", d.Search.Scheme)
	v.SetDefault("search.username", d.Search.Username)
	v.SetDefault("search.password", d.Search.Password)
	v.SetDefault("search.index_prefix", d.Search.IndexPrefix)
	v.SetDefault("search.refresh_interval", d.Search.RefreshInterval)
	v.SetDefault("search.compress_requests", d.Search.CompressRequests)
	v.SetDefault("search.enable_http2", d.Search.EnableHTTP2)
	v.SetDefault("search.request_timeout", d.Search.RequestTimeout)

	v.SetDefault("sync.batch_size", d.Sync.BatchSize)
	v.SetDefault("sync.workers", d.Sync.Workers)
	v.SetDefault("sync.soft_delete_policy", d.Sync.SoftDeletePolicy)
	v.SetDefault("sync.soft_delete_pattern", d.Sync.SoftDeletePattern)
	v.SetDefault("sync.short_string_max", d.Sync.ShortStringMax)
	v.SetDefault("sync.batch_timeout", d.Sync.BatchTimeout)
	v.SetDefault("sync.associations_file", d.Sync.AssociationsFile)

	v.SetDefault("reliability.retry_attempts", d.Reliability.RetryAttempts)
	v.SetDefault("reliability.retry_delay", d.Reliability.RetryDelay)
	v.SetDefault("reliability.retry_multiplier", d.Reliability.RetryMultiplier)
	v.SetDefault("reliability.max_retry_delay", d.Reliability.MaxRetryDelay)
	v.SetDefault("reliability.rate_limit_per_sec", d.Reliability.RateLimitPerSec)

	v.SetDefault("state.backend", d.State.Backend)
	v.SetDefault("state.driver", d.State.Driver)
	v.SetDefault("state.dsn", d.State.DSN)
	v.SetDefault("state.path", d.State.Path)

	v.SetDefault("dead_letter.dir", d.DeadLetter.Dir)
	v.SetDefault("dead_letter.compression", d.DeadLetter.Compression)

	v.SetDefault("notify.brokers", d.Notify.Brokers)
	v.SetDefault("notify.topic", d.Notify.Topic)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.sync_interval", d.Server.SyncInterval)

	v.SetDefault("observability.log_level", d.Observability.LogLevel)
	v.SetDefault("observability.log_encoding", d.Observability.LogEncoding)
	v.SetDefault("observability.development", d.Observability.Development)
	v.SetDefault("observability.enable_metrics", d.Observability.EnableMetrics)
	v.SetDefault("observability.enable_tracing", d.Observability.EnableTracing)
	v.SetDefault("observability.trace_sample_rate", d.Observability.TraceSampleRate)
}

// LoadAssociations reads and validates the versioned association artifact.
func LoadAssociations(path string) (AssociationSet, error) {
	var set AssociationSet
	if err := LoadYAML(path, &set); err != nil {
		return AssociationSet{}, fmt.Errorf("associations: %w", err)
	}
	if err := set.Validate(); err != nil {
		return AssociationSet{}, fmt.Errorf("associations %s: %w", path, err)
	}
	return set, nil
}

// LoadYAML loads a YAML file into out after ${VAR} substitution.
func LoadYAML(filePath string, out interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: path comes from operator configuration
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	content := substituteEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// SaveYAML writes v as YAML to filePath.
func SaveYAML(filePath string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		b.WriteString(content[:start])
		b.WriteString(os.Getenv(content[start+2 : end]))
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
