package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1000, cfg.Sync.BatchSize)
	assert.Equal(t, "data_lake_", cfg.Search.IndexPrefix)
	assert.Equal(t, SoftDeleteRemove, cfg.Sync.SoftDeletePolicy)
	assert.Equal(t, DefaultTables, cfg.Source.Tables)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"unknown source", func(c *Config) { c.Source.Type = "oracle" }, "source.type"},
		{"sqlite without dsn", func(c *Config) { c.Source.Type = SourceSQLite }, "source.dsn"},
		{"no tables", func(c *Config) { c.Source.Tables = nil }, "source.tables"},
		{"zero batch", func(c *Config) { c.Sync.BatchSize = 0 }, "batch_size"},
		{"zero workers", func(c *Config) { c.Sync.Workers = 0 }, "workers"},
		{"bad policy", func(c *Config) { c.Sync.SoftDeletePolicy = "hide" }, "soft_delete_policy"},
		{"bad pattern", func(c *Config) { c.Sync.SoftDeletePattern = "(" }, "soft_delete_pattern"},
		{"no attempts", func(c *Config) { c.Reliability.RetryAttempts = 0 }, "retry_attempts"},
		{"bad backend", func(c *Config) { c.State.Backend = "redis" }, "state.backend"},
		{"bad state driver", func(c *Config) { c.State.Driver = "mysql" }, "state.driver"},
		{"bad codec", func(c *Config) { c.DeadLetter.Compression = "brotli" }, "dead_letter"},
		{"brokers without topic", func(c *Config) {
			c.Notify.Brokers = []string{"localhost:9092"}
			c.Notify.Topic = ""
		}, "notify.topic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSearchAddresses(t *testing.T) {
	cfg := Default()
	assert.Equal(t, []string{"http://localhost:9200"}, cfg.SearchAddresses())

	cfg.Search.Scheme = "https"
	cfg.Search.Host = "es.internal"
	cfg.Search.Port = 443
	assert.Equal(t, []string{"https://es.internal:443"}, cfg.SearchAddresses())

	cfg.Search.Addresses = []string{"http://a:9200", "http://b:9200"}
	assert.Equal(t, []string{"http://a:9200", "http://b:9200"}, cfg.SearchAddresses())
}

func TestLoadFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_LAKESYNC_DB", "tickets")
	path := writeFile(t, dir, "lakesync.yaml", `
source:
  type: postgresql
  database: ${TEST_LAKESYNC_DB}
  tables: [Ticket, Label]
sync:
  batch_size: 250
  batch_timeout: 90s
`)
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("LAKESYNC_SYNC_WORKERS", "8")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tickets", cfg.Source.Database)
	assert.Equal(t, "db.internal", cfg.Source.Host)
	assert.Equal(t, []string{"Ticket", "Label"}, cfg.Source.Tables)
	assert.Equal(t, 250, cfg.Sync.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.Sync.BatchTimeout)
	assert.Equal(t, 8, cfg.Sync.Workers)
	assert.Equal(t, "data_lake_", cfg.Search.IndexPrefix)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Sync, cfg.Sync)
}

func TestLoadAssociations(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_LABEL_TABLE", "Label")
	path := writeFile(t, dir, "associations.yaml", `
version: 1
associations:
  - table: Ticket
    field: labels
    kind: many_to_many
    join_table: TicketLabel
    join_owner_key: ticketId
    join_target_key: labelId
    join_soft_delete_column: deletedAt
    target_table: ${TEST_LABEL_TABLE}
    target_fields: [id, name]
  - table: Ticket
    field: module
    kind: many_to_one
    owner_key: moduleId
    target_table: Module
    target_fields: [id, name]
`)

	set, err := LoadAssociations(path)
	require.NoError(t, err)
	require.Len(t, set.Associations, 2)

	labels := set.Associations[0]
	assert.Equal(t, "Label", labels.TargetTable)
	assert.Equal(t, "id", labels.TargetKeyOrDefault())
	assert.Equal(t, "createdAt", labels.OrderByOrDefault())
	assert.False(t, labels.Descending())
	assert.Equal(t, []string{"moduleId"}, set.Associations[1].ForeignKeyColumns())

	cfg := Default()
	cfg.Associations = set
	assert.Len(t, cfg.AssociationsFor("ticket"), 2)
	assert.Empty(t, cfg.AssociationsFor("Label"))
}

func TestAssociationSetValidation(t *testing.T) {
	valid := AssociationSpec{
		Table: "Ticket", Field: "labels", Kind: ManyToMany,
		JoinTable: "TicketLabel", JoinOwnerKey: "ticketId", JoinTargetKey: "labelId",
		TargetTable: "Label", TargetFields: []string{"id"},
	}

	tests := []struct {
		name string
		set  AssociationSet
		ok   bool
	}{
		{"empty set needs no version", AssociationSet{}, true},
		{"valid", AssociationSet{Version: 1, Associations: []AssociationSpec{valid}}, true},
		{"wrong version", AssociationSet{Version: 2, Associations: []AssociationSpec{valid}}, false},
		{"duplicate field", AssociationSet{Version: 1, Associations: []AssociationSpec{valid, valid}}, false},
		{"missing join table", AssociationSet{Version: 1, Associations: []AssociationSpec{func() AssociationSpec {
			a := valid
			a.JoinTable = ""
			return a
		}()}}, false},
		{"bad order", AssociationSet{Version: 1, Associations: []AssociationSpec{func() AssociationSpec {
			a := valid
			a.Order = "sideways"
			return a
		}()}}, false},
		{"one_to_many without owner key", AssociationSet{Version: 1, Associations: []AssociationSpec{{
			Table: "Ticket", Field: "history", Kind: OneToMany, TargetTable: "Historic", TargetFields: []string{"id"},
		}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.set.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestShippedAssociationsAreValid(t *testing.T) {
	set, err := LoadAssociations(filepath.Join("..", "..", "configs", "associations.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, set.Associations)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_A", "alpha")
	assert.Equal(t, "x alpha y  z", substituteEnvVars("x ${TEST_A} y ${TEST_UNSET_VAR} z"))
	assert.Equal(t, "open ${never", substituteEnvVars("open ${never"))
}
