package source

import (
	"context"
	"database/sql"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/ajitpratap0/lakesync/pkg/config"
)

type mysqlDialect struct{}

func (mysqlDialect) Name() string { return config.SourceMySQL }

func (mysqlDialect) QuoteIdentifier(name string) string { return quoteWith("`", name) }

func (mysqlDialect) Placeholder(int) string { return "?" }

func (mysqlDialect) OrderingExpr(expr string) string { return expr }

func (mysqlDialect) OrderingValue(t time.Time) interface{} { return t.UTC() }

func (mysqlDialect) OrderingPrecision() time.Duration { return time.Microsecond }

func (mysqlDialect) Greatest(a, b string) string { return "GREATEST(" + a + ", " + b + ")" }

// MySQLConfig returns the driver configuration for cfg. Times are parsed into
// time.Time in UTC so ordering values compare across dialects.
func MySQLConfig(cfg config.SourceConfig) (*mysql.Config, error) {
	var mc *mysql.Config
	if cfg.DSN != "" {
		parsed, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, err
		}
		mc = parsed
	} else {
		port := cfg.Port
		if port == 0 {
			port = 3306
		}
		mc = mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))
		mc.DBName = cfg.Database
	}
	mc.ParseTime = true
	mc.InterpolateParams = true
	mc.Loc = time.UTC
	return mc, nil
}

func (mysqlDialect) open(cfg config.SourceConfig) (*sql.DB, error) {
	mc, err := MySQLConfig(cfg)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// DefaultSchema is the connection's database; MySQL has no separate schemas.
func (mysqlDialect) DefaultSchema(ctx context.Context, db *sql.DB) (string, error) {
	var name sql.NullString
	if err := db.QueryRowContext(ctx, `SELECT DATABASE()`).Scan(&name); err != nil {
		return "", err
	}
	return name.String, nil
}

func (mysqlDialect) Describe(ctx context.Context, db *sql.DB, schema, table string) (*Catalog, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT COLUMN_NAME, COLUMN_TYPE, COALESCE(CHARACTER_MAXIMUM_LENGTH, 0),
		        IS_NULLABLE, ORDINAL_POSITION
		 FROM INFORMATION_SCHEMA.COLUMNS
		 WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		 ORDER BY ORDINAL_POSITION`, schema, table)
	if err != nil {
		return nil, err
	}

	cat := &Catalog{}
	for rows.Next() {
		var c Column
		var nullable string
		if err := rows.Scan(&c.Name, &c.SourceType, &c.Length, &nullable, &c.Position); err != nil {
			rows.Close()
			return nil, err
		}
		c.SourceType = strings.ToLower(c.SourceType)
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

	keyRows, err := db.QueryContext(ctx,
		`SELECT tc.CONSTRAINT_NAME, tc.CONSTRAINT_TYPE, kcu.COLUMN_NAME
		 FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		 JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
		   ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
		  AND tc.TABLE_SCHEMA = kcu.TABLE_SCHEMA
		  AND tc.TABLE_NAME = kcu.TABLE_NAME
		 WHERE tc.TABLE_SCHEMA = ? AND tc.TABLE_NAME = ?
		   AND tc.CONSTRAINT_TYPE IN ('PRIMARY KEY', 'UNIQUE', 'FOREIGN KEY')
		 ORDER BY tc.CONSTRAINT_NAME, kcu.ORDINAL_POSITION`, schema, table)
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
