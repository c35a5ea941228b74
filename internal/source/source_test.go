package source

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/lakesync/pkg/config"
	"github.com/ajitpratap0/lakesync/pkg/errors"
	"github.com/ajitpratap0/lakesync/pkg/testutil"
)

func openFixture(t *testing.T) (*testutil.TicketDB, *Source) {
	t.Helper()
	fx := testutil.NewTicketDB(t)
	src, err := Open(context.Background(), config.SourceConfig{
		Type:   config.SourceSQLite,
		DSN:    fx.DSN,
		Schema: "copy",
	}, testutil.TestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	return fx, src
}

func TestClassify(t *testing.T) {
	tests := []struct {
		sourceType string
		length     int
		want       TypeClass
	}{
		{"text", 0, ClassText},
		{"TEXT", 0, ClassText},
		{"character varying", 64, ClassShortString},
		{"character varying", 1000, ClassText},
		{"character varying", 0, ClassText},
		{"varchar(16)", 0, ClassShortString},
		{"VARCHAR(300)", 0, ClassText},
		{"enum('open','closed')", 0, ClassShortString},
		{"user-defined", 0, ClassShortString},
		{"uuid", 0, ClassIdentifier},
		{"integer", 0, ClassInteger},
		{"bigint unsigned", 0, ClassInteger},
		{"tinyint(4)", 0, ClassInteger},
		{"bigserial", 0, ClassInteger},
		{"tinyint(1)", 0, ClassBoolean},
		{"boolean", 0, ClassBoolean},
		{"double precision", 0, ClassFloat},
		{"decimal(10,2)", 0, ClassFloat},
		{"real", 0, ClassFloat},
		{"timestamp with time zone", 0, ClassTimestamp},
		{"timestamp(3)", 0, ClassTimestamp},
		{"datetime", 0, ClassTimestamp},
		{"date", 0, ClassTimestamp},
		{"time", 0, ClassShortString},
		{"TIME(3)", 0, ClassShortString},
		{"time without time zone", 0, ClassShortString},
		{"time with time zone", 0, ClassShortString},
		{"timetz", 0, ClassShortString},
		{"timestamp without time zone", 0, ClassTimestamp},
		{"interval", 0, ClassText},
		{"jsonb", 0, ClassJSON},
		{"json", 0, ClassJSON},
		{"", 0, ClassText},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.sourceType, tt.length), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.sourceType, tt.length, DefaultShortStringMax))
		})
	}
}

func TestDialects(t *testing.T) {
	pg, err := DialectFor("postgresql")
	require.NoError(t, err)
	assert.Equal(t, "$3", pg.Placeholder(3))
	assert.Equal(t, `"Ticket""x"`, pg.QuoteIdentifier(`Ticket"x`))

	my, err := DialectFor("mysql")
	require.NoError(t, err)
	assert.Equal(t, "?", my.Placeholder(3))
	assert.Equal(t, "`Ticket`", my.QuoteIdentifier("Ticket"))

	_, err = DialectFor("oracle")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestConnectionSettings(t *testing.T) {
	dsn := PostgresDSN(config.SourceConfig{Host: "db", Port: 5433, Database: "tickets", User: "u", Password: "p@ss", SSLMode: "require"})
	assert.Equal(t, "postgres://u:p%40ss@db:5433/tickets?sslmode=require", dsn)

	mc, err := MySQLConfig(config.SourceConfig{Host: "db", Database: "tickets", User: "root"})
	require.NoError(t, err)
	assert.Equal(t, "db:3306", mc.Addr)
	assert.True(t, mc.ParseTime)
	assert.Equal(t, time.UTC, mc.Loc)

	assert.Equal(t, "file:x.db?_time_format=sqlite", SQLiteDSN("file:x.db"))
	assert.Equal(t, "x.db?mode=ro&_time_format=sqlite", SQLiteDSN("x.db?mode=ro"))
	assert.Equal(t, "x.db?_time_format=custom", SQLiteDSN("x.db?_time_format=custom"))
}

func TestIntrospectTicket(t *testing.T) {
	_, src := openFixture(t)
	in, err := NewIntrospector(src, IntrospectOptions{})
	require.NoError(t, err)

	tbl, err := in.Introspect(context.Background(), "Ticket")
	require.NoError(t, err)

	assert.Equal(t, "main", tbl.Schema, "falls back to the default schema")
	assert.Equal(t, "id", tbl.PrimaryKey)
	assert.Equal(t, "deletedAt", tbl.SoftDeleteColumn)
	assert.Equal(t, "updatedAt", tbl.UpdatedAtColumn)
	assert.Equal(t, "createdAt", tbl.CreatedAtColumn)
	assert.Equal(t, []string{"id", "title", "description", "priority", "estimate", "metadata",
		"moduleId", "userId", "createdAt", "updatedAt", "deletedAt"}, tbl.ColumnNames())

	classes := map[string]TypeClass{}
	for _, c := range tbl.Columns {
		classes[c.Name] = c.Class
	}
	assert.Equal(t, ClassText, classes["title"])
	assert.Equal(t, ClassInteger, classes["priority"])
	assert.Equal(t, ClassFloat, classes["estimate"])
	assert.Equal(t, ClassJSON, classes["metadata"])
	assert.Equal(t, ClassTimestamp, classes["createdAt"])

	assert.True(t, tbl.IsKey("id"))
	assert.True(t, tbl.IsKey("moduleId"))
	assert.False(t, tbl.IsKey("title"))
}

func TestIntrospectUniqueAndShortStrings(t *testing.T) {
	_, src := openFixture(t)
	in, err := NewIntrospector(src, IntrospectOptions{ShortStringMax: 100})
	require.NoError(t, err)

	user, err := in.Introspect(context.Background(), "User")
	require.NoError(t, err)
	email, ok := user.Column("email")
	require.True(t, ok)
	assert.True(t, email.Unique)
	assert.Equal(t, ClassText, email.Class, "255 exceeds the configured short-string bound")
	assert.Equal(t, "id", user.PrimaryKey, "a nullable unique column is not a key candidate")

	status, err := in.Introspect(context.Background(), "Status")
	require.NoError(t, err)
	final, _ := status.Column("isFinalStatus")
	assert.Equal(t, ClassBoolean, final.Class)
	name, _ := status.Column("name")
	assert.Equal(t, ClassShortString, name.Class)
}

func TestIntrospectSchemaErrors(t *testing.T) {
	_, src := openFixture(t)
	in, err := NewIntrospector(src, IntrospectOptions{})
	require.NoError(t, err)

	_, err = in.Introspect(context.Background(), "AuditLog")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchema))

	_, err = in.Introspect(context.Background(), "Nope")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchema))
}

func TestIntrospectCacheInvalidate(t *testing.T) {
	fx, src := openFixture(t)
	in, err := NewIntrospector(src, IntrospectOptions{})
	require.NoError(t, err)

	first, err := in.Introspect(context.Background(), "Label")
	require.NoError(t, err)

	fx.Exec(`ALTER TABLE "Label" ADD COLUMN icon TEXT`)

	cached, err := in.Introspect(context.Background(), "Label")
	require.NoError(t, err)
	assert.Equal(t, first.ColumnNames(), cached.ColumnNames())

	in.Invalidate("Label")
	fresh, err := in.Introspect(context.Background(), "Label")
	require.NoError(t, err)
	assert.Contains(t, fresh.ColumnNames(), "icon")
}

func TestInvalidSoftDeletePattern(t *testing.T) {
	_, err := NewIntrospector(nil, IntrospectOptions{SoftDeletePattern: "("})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestKeyStringAndToTime(t *testing.T) {
	raw := []byte{0x6b, 0xa7, 0xb8, 0x10, 0x9d, 0xad, 0x11, 0xd1, 0x80, 0xb4, 0x00, 0xc0, 0x4f, 0xd4, 0x30, 0xc8}
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", KeyString(raw))
	assert.Equal(t, "abc", KeyString([]byte("abc")))
	assert.Equal(t, "42", KeyString(int64(42)))
	assert.Equal(t, "", KeyString(nil))

	want := time.Date(2024, 3, 1, 10, 0, 0, 500, time.UTC)
	for _, v := range []interface{}{
		want,
		"2024-03-01 10:00:00.0000005+00:00",
		[]byte("2024-03-01T10:00:00.0000005Z"),
		"2024-03-01 12:00:00.0000005+02:00",
	} {
		got, ok := ToTime(v)
		require.True(t, ok, "%v", v)
		assert.True(t, want.Equal(got), "%v -> %v", v, got)
	}
	_, ok := ToTime("not a time")
	assert.False(t, ok)
}
