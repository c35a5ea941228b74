// Package config provides the configuration for lakesync.
// A Config is built once by Load (or Default) and then handed by value to the
// sync engine, which never mutates it.
//
// The configuration is organized into logical sections:
//   - Source: the relational database being mirrored
//   - Search: the document store receiving documents
//   - Sync: batching, workers, soft-delete policy and associations
//   - Reliability: retry and pacing of store writes
//   - State: where watermarks are persisted
//   - DeadLetter, Notify, Server, Observability: optional surfaces
package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Soft-delete policies.
const (
	// SoftDeleteRemove deletes documents whose source row is soft-deleted
	SoftDeleteRemove = "remove"
	// SoftDeleteTag keeps them in the index with a deletion marker
	SoftDeleteTag = "tag"
)

// Source database types.
const (
	SourcePostgres = "postgresql"
	SourceMySQL    = "mysql"
	SourceSQLite   = "sqlite"
)

// DefaultTables are the tables synced when none are configured.
var DefaultTables = []string{
	"Ticket", "TicketStatus", "TicketLabel", "Status",
	"Label", "Module", "User", "DataSource",
}

// Config is the complete, immutable lakesync configuration.
type Config struct {
	Source        SourceConfig        `yaml:"source" mapstructure:"source"`
	Search        SearchConfig        `yaml:"search" mapstructure:"search"`
	Sync          SyncConfig          `yaml:"sync" mapstructure:"sync"`
	Reliability   ReliabilityConfig   `yaml:"reliability" mapstructure:"reliability"`
	State         StateConfig         `yaml:"state" mapstructure:"state"`
	DeadLetter    DeadLetterConfig    `yaml:"dead_letter" mapstructure:"dead_letter"`
	Notify        NotifyConfig        `yaml:"notify" mapstructure:"notify"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`

	// Associations is filled from Sync.AssociationsFile by Load.
	Associations AssociationSet `yaml:"-" mapstructure:"-"`
}

// SourceConfig describes the relational source.
type SourceConfig struct {
	// Type is one of postgresql, mysql, sqlite
	Type     string `yaml:"type" mapstructure:"type"`
	DSN      string `yaml:"dsn" mapstructure:"dsn"`
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Database string `yaml:"database" mapstructure:"database"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	SSLMode  string `yaml:"sslmode" mapstructure:"sslmode"`
	// Schema is tried first; tables missing from it fall back to the
	// database's default schema.
	Schema   string   `yaml:"schema" mapstructure:"schema"`
	Tables   []string `yaml:"tables" mapstructure:"tables"`
	MaxConns int      `yaml:"max_conns" mapstructure:"max_conns"`
}

// SearchConfig describes the document store.
type SearchConfig struct {
	Addresses        []string      `yaml:"addresses" mapstructure:"addresses"`
	Host             string        `yaml:"host" mapstructure:"host"`
	Port             int           `yaml:"port" mapstructure:"port"`
	Scheme           string        `yaml:"scheme" mapstructure:"scheme"`
	Username         string        `yaml:"username" mapstructure:"username"`
	Password         string        `yaml:"password" mapstructure:"password"`
	IndexPrefix      string        `yaml:"index_prefix" mapstructure:"index_prefix"`
	RefreshInterval  string        `yaml:"refresh_interval" mapstructure:"refresh_interval"`
	CompressRequests bool          `yaml:"compress_requests" mapstructure:"compress_requests"`
	EnableHTTP2      bool          `yaml:"enable_http2" mapstructure:"enable_http2"`
	RequestTimeout   time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
}

// SyncConfig controls the engine.
type SyncConfig struct {
	BatchSize         int           `yaml:"batch_size" mapstructure:"batch_size"`
	Workers           int           `yaml:"workers" mapstructure:"workers"`
	SoftDeletePolicy  string        `yaml:"soft_delete_policy" mapstructure:"soft_delete_policy"`
	SoftDeletePattern string        `yaml:"soft_delete_pattern" mapstructure:"soft_delete_pattern"`
	ShortStringMax    int           `yaml:"short_string_max" mapstructure:"short_string_max"`
	BatchTimeout      time.Duration `yaml:"batch_timeout" mapstructure:"batch_timeout"`
	AssociationsFile  string        `yaml:"associations_file" mapstructure:"associations_file"`
}

// ReliabilityConfig controls retries of store writes.
type ReliabilityConfig struct {
	RetryAttempts   int           `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	RetryMultiplier float64       `yaml:"retry_multiplier" mapstructure:"retry_multiplier"`
	MaxRetryDelay   time.Duration `yaml:"max_retry_delay" mapstructure:"max_retry_delay"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec" mapstructure:"rate_limit_per_sec"`
}

// StateConfig selects the watermark backend.
type StateConfig struct {
	// Backend is sql or file
	Backend string `yaml:"backend" mapstructure:"backend"`
	// Driver is sqlite or postgresql for the sql backend
	Driver string `yaml:"driver" mapstructure:"driver"`
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
	// Path is the JSON file of the file backend
	Path string `yaml:"path" mapstructure:"path"`
}

// DeadLetterConfig enables the permanent-failure sink when Dir is set.
type DeadLetterConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
	// Compression is none, gzip, zstd or lz4
	Compression string `yaml:"compression" mapstructure:"compression"`
}

// NotifyConfig enables Kafka sync-result events when Brokers is set.
type NotifyConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr         string        `yaml:"addr" mapstructure:"addr"`
	SyncInterval time.Duration `yaml:"sync_interval" mapstructure:"sync_interval"`
}

// ObservabilityConfig configures logging, metrics and tracing.
type ObservabilityConfig struct {
	LogLevel        string  `yaml:"log_level" mapstructure:"log_level"`
	LogEncoding     string  `yaml:"log_encoding" mapstructure:"log_encoding"`
	Development     bool    `yaml:"development" mapstructure:"development"`
	EnableMetrics   bool    `yaml:"enable_metrics" mapstructure:"enable_metrics"`
	EnableTracing   bool    `yaml:"enable_tracing" mapstructure:"enable_tracing"`
	TraceSampleRate float64 `yaml:"trace_sample_rate" mapstructure:"trace_sample_rate"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Source: SourceConfig{
			Type:     SourcePostgres,
			Host:     "localhost",
			Port:     5432,
			SSLMode:  "disable",
			Schema:   "copy",
			Tables:   append([]string(nil), DefaultTables...),
			MaxConns: 10,
		},
		Search: SearchConfig{
			Host:            "localhost",
			Port:            9200,
			Scheme:          "http",
			IndexPrefix:     "data_lake_",
			RefreshInterval: "1s",
			RequestTimeout:  30 * time.Second,
		},
		Sync: SyncConfig{
			BatchSize:         1000,
			Workers:           4,
			SoftDeletePolicy:  SoftDeleteRemove,
			SoftDeletePattern: `(?i)^(deleted|removed|archived)_?(at|on|date)$`,
			ShortStringMax:    256,
			BatchTimeout:      5 * time.Minute,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   3,
			RetryDelay:      1 * time.Second,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   60 * time.Second,
		},
		State: StateConfig{
			Backend: "sql",
			Driver:  SourceSQLite,
			DSN:     "lakesync-state.db",
			Path:    "lakesync-watermarks.json",
		},
		DeadLetter: DeadLetterConfig{
			Compression: "gzip",
		},
		Notify: NotifyConfig{
			Topic: "lakesync.sync-results",
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Observability: ObservabilityConfig{
			LogLevel:        "info",
			LogEncoding:     "json",
			EnableMetrics:   true,
			TraceSampleRate: 1.0,
		},
	}
}

// Validate validates the configuration for correctness.
func (c Config) Validate() error {
	switch c.Source.Type {
	case SourcePostgres, SourceMySQL, SourceSQLite:
	default:
		return fmt.Errorf("source.type must be one of %s, %s, %s, got %q",
			SourcePostgres, SourceMySQL, SourceSQLite, c.Source.Type)
	}
	if c.Source.Type == SourceSQLite && c.Source.DSN == "" {
		return fmt.Errorf("source.dsn is required for sqlite")
	}
	if len(c.Source.Tables) == 0 {
		return fmt.Errorf("source.tables must list at least one table")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync.workers must be positive")
	}
	switch c.Sync.SoftDeletePolicy {
	case SoftDeleteRemove, SoftDeleteTag:
	default:
		return fmt.Errorf("sync.soft_delete_policy must be %q or %q, got %q",
			SoftDeleteRemove, SoftDeleteTag, c.Sync.SoftDeletePolicy)
	}
	if _, err := regexp.Compile(c.Sync.SoftDeletePattern); err != nil {
		return fmt.Errorf("sync.soft_delete_pattern: %w", err)
	}
	if c.Reliability.RetryAttempts < 1 {
		return fmt.Errorf("reliability.retry_attempts must be at least 1")
	}
	if c.Reliability.RateLimitPerSec < 0 {
		return fmt.Errorf("reliability.rate_limit_per_sec cannot be negative")
	}
	switch c.State.Backend {
	case "sql":
		if c.State.Driver != SourceSQLite && c.State.Driver != SourcePostgres {
			return fmt.Errorf("state.driver must be sqlite or postgresql, got %q", c.State.Driver)
		}
		if c.State.DSN == "" {
			return fmt.Errorf("state.dsn is required for the sql backend")
		}
	case "file":
		if c.State.Path == "" {
			return fmt.Errorf("state.path is required for the file backend")
		}
	default:
		return fmt.Errorf("state.backend must be sql or file, got %q", c.State.Backend)
	}
	switch c.DeadLetter.Compression {
	case "", "none", "gzip", "zstd", "lz4":
	default:
		return fmt.Errorf("dead_letter.compression %q is not supported", c.DeadLetter.Compression)
	}
	if len(c.Notify.Brokers) > 0 && c.Notify.Topic == "" {
		return fmt.Errorf("notify.topic is required when brokers are set")
	}
	return c.Associations.Validate()
}

// SearchAddresses returns the configured store addresses, composing one from
// host, port and scheme when none are listed.
func (c Config) SearchAddresses() []string {
	if len(c.Search.Addresses) > 0 {
		return append([]string(nil), c.Search.Addresses...)
	}
	scheme := c.Search.Scheme
	if scheme == "" {
		scheme = "http"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(c.Search.Host, strconv.Itoa(c.Search.Port)),
	}
	return []string{u.String()}
}

// AssociationsFor returns the associations owned by table.
func (c Config) AssociationsFor(table string) []AssociationSpec {
	var out []AssociationSpec
	for _, a := range c.Associations.Associations {
		if strings.EqualFold(a.Table, table) {
			out = append(out, a)
		}
	}
	return out
}
