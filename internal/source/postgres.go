package source

import (
	"context"
	"database/sql"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/ajitpratap0/lakesync/pkg/config"
)

type postgresDialect struct{}

func (postgresDialect) Name() string { return config.SourcePostgres }

func (postgresDialect) QuoteIdentifier(name string) string { return quoteWith(`"`, name) }

func (postgresDialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (postgresDialect) OrderingExpr(expr string) string { return expr }

func (postgresDialect) OrderingValue(t time.Time) interface{} { return t.UTC() }

func (postgresDialect) OrderingPrecision() time.Duration { return time.Microsecond }

func (postgresDialect) Greatest(a, b string) string { return "GREATEST(" + a + ", " + b + ")" }

// PostgresDSN builds a connection URL from discrete settings.
func PostgresDSN(cfg config.SourceConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		Path:   "/" + cfg.Database,
	}
	if cfg.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{cfg.SSLMode}}.Encode()
	}
	return u.String()
}

// open creates a pgx pool and exposes it through database/sql.
func (postgresDialect) open(ctx context.Context, cfg config.SourceConfig) (*sql.DB, *pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(PostgresDSN(cfg))
	if err != nil {
		return nil, nil, err
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	if poolConfig.MaxConns <= 0 {
		poolConfig.MaxConns = 10
	}
	poolConfig.MinConns = poolConfig.MaxConns / 4
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, err
	}
	return stdlib.OpenDBFromPool(pool), pool, nil
}

func (postgresDialect) DefaultSchema(ctx context.Context, db *sql.DB) (string, error) {
	var schema string
	if err := db.QueryRowContext(ctx, `SELECT current_schema()`).Scan(&schema); err != nil {
		return "", err
	}
	return schema, nil
}

func (postgresDialect) Describe(ctx context.Context, db *sql.DB, schema, table string) (*Catalog, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT column_name, data_type, udt_name,
		       COALESCE(character_maximum_length, 0), is_nullable, ordinal_position
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, err
	}

	cat := &Catalog{}
	for rows.Next() {
		var c Column
		var dataType, udtName, nullable string
		if err := rows.Scan(&c.Name, &dataType, &udtName, &c.Length, &nullable, &c.Position); err != nil {
			rows.Close()
			return nil, err
		}
		c.SourceType = strings.ToLower(dataType)
		// data_type is "USER-DEFINED" for enums; uuid and json are reported
		// more precisely by udt_name
		switch udtName {
		case "uuid", "json", "jsonb":
			c.SourceType = udtName
		}
		c.Nullable = nullable == "YES"
		cat.Columns = append(cat.Columns, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(cat.Columns) == 0 {
		return nil, nil
	}

	keyRows, err := db.QueryContext(ctx, `
		SELECT tc.constraint_name, tc.constraint_type, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		 AND tc.table_name = kcu.table_name
		WHERE tc.table_schema = $1 AND tc.table_name = $2
		  AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE', 'FOREIGN KEY')
		ORDER BY tc.constraint_name, kcu.ordinal_position`, schema, table)
	if err != nil {
		return nil, err
	}
	keys, err := scanKeyRows(keyRows)
	if err != nil {
		return nil, err
	}
	cat.addKeyRows(keys)
	cat.applyKeys()
	return cat, nil
}
