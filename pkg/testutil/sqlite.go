package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ticketSchema is a small SQLite rendition of the ticketing schema. Column
// declarations use DATETIME so the driver hands back time.Time values.
var ticketSchema = []string{
	`CREATE TABLE "Module" (
		id TEXT PRIMARY KEY NOT NULL,
		name VARCHAR(100) NOT NULL,
		createdAt DATETIME NOT NULL,
		updatedAt DATETIME,
		deletedAt DATETIME
	)`,
	`CREATE TABLE "User" (
		id TEXT PRIMARY KEY NOT NULL,
		name TEXT NOT NULL,
		email VARCHAR(255) UNIQUE,
		createdAt DATETIME NOT NULL,
		updatedAt DATETIME,
		deletedAt DATETIME
	)`,
	`CREATE TABLE "Label" (
		id TEXT PRIMARY KEY NOT NULL,
		name VARCHAR(64) NOT NULL,
		color VARCHAR(16),
		createdAt DATETIME NOT NULL,
		updatedAt DATETIME,
		deletedAt DATETIME
	)`,
	`CREATE TABLE "Status" (
		id TEXT PRIMARY KEY NOT NULL,
		name VARCHAR(64) NOT NULL,
		isFinalStatus BOOLEAN NOT NULL DEFAULT 0,
		createdAt DATETIME NOT NULL,
		updatedAt DATETIME,
		deletedAt DATETIME
	)`,
	`CREATE TABLE "Ticket" (
		id TEXT PRIMARY KEY NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		priority INTEGER,
		estimate REAL,
		metadata JSON,
		moduleId TEXT REFERENCES "Module"(id),
		userId TEXT REFERENCES "User"(id),
		createdAt DATETIME NOT NULL,
		updatedAt DATETIME,
		deletedAt DATETIME
	)`,
	`CREATE TABLE "TicketLabel" (
		id TEXT PRIMARY KEY NOT NULL,
		ticketId TEXT NOT NULL REFERENCES "Ticket"(id),
		labelId TEXT NOT NULL REFERENCES "Label"(id),
		createdAt DATETIME NOT NULL,
		updatedAt DATETIME,
		deletedAt DATETIME
	)`,
	`CREATE TABLE "TicketStatus" (
		id TEXT PRIMARY KEY NOT NULL,
		ticketId TEXT NOT NULL REFERENCES "Ticket"(id),
		statusId TEXT NOT NULL REFERENCES "Status"(id),
		createdAt DATETIME NOT NULL,
		updatedAt DATETIME,
		deletedAt DATETIME
	)`,
	`CREATE TABLE "AuditLog" (
		ticketId TEXT,
		action TEXT,
		createdAt DATETIME NOT NULL
	)`,
}

// TicketDB is a throwaway SQLite database holding the ticketing schema.
type TicketDB struct {
	t   *testing.T
	DB  *sql.DB
	DSN string
}

// NewTicketDB creates the ticketing schema in a fresh file under t.TempDir.
func NewTicketDB(t *testing.T) *TicketDB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "source.db") + "?_time_format=sqlite&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, stmt := range ticketSchema {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return &TicketDB{t: t, DB: db, DSN: dsn}
}

// Exec runs a statement and fails the test on error.
func (f *TicketDB) Exec(query string, args ...interface{}) {
	f.t.Helper()
	_, err := f.DB.Exec(query, args...)
	require.NoError(f.t, err)
}

// AddLabel inserts a label.
func (f *TicketDB) AddLabel(id, name string, color interface{}, created time.Time) {
	f.t.Helper()
	f.Exec(`INSERT INTO "Label" (id, name, color, createdAt) VALUES (?, ?, ?, ?)`, id, name, color, created)
}

// AddStatus inserts a status.
func (f *TicketDB) AddStatus(id, name string, final bool, created time.Time) {
	f.t.Helper()
	f.Exec(`INSERT INTO "Status" (id, name, isFinalStatus, createdAt) VALUES (?, ?, ?, ?)`, id, name, final, created)
}

// AddModule inserts a module.
func (f *TicketDB) AddModule(id, name string, created time.Time) {
	f.t.Helper()
	f.Exec(`INSERT INTO "Module" (id, name, createdAt) VALUES (?, ?, ?)`, id, name, created)
}

// AddTicket inserts a ticket with createdAt and updatedAt set to ts.
func (f *TicketDB) AddTicket(id, title string, ts time.Time) {
	f.t.Helper()
	f.Exec(`INSERT INTO "Ticket" (id, title, createdAt, updatedAt) VALUES (?, ?, ?, ?)`, id, title, ts, ts)
}

// TouchTicket bumps a ticket's updatedAt.
func (f *TicketDB) TouchTicket(id string, ts time.Time) {
	f.t.Helper()
	f.Exec(`UPDATE "Ticket" SET updatedAt = ? WHERE id = ?`, ts, id)
}

// SoftDeleteTicket marks a ticket deleted at ts and bumps updatedAt.
func (f *TicketDB) SoftDeleteTicket(id string, ts time.Time) {
	f.t.Helper()
	f.Exec(`UPDATE "Ticket" SET deletedAt = ?, updatedAt = ? WHERE id = ?`, ts, ts, id)
}

// LinkLabel attaches a label to a ticket; deleted may be nil.
func (f *TicketDB) LinkLabel(id, ticketID, labelID string, created time.Time, deleted interface{}) {
	f.t.Helper()
	f.Exec(`INSERT INTO "TicketLabel" (id, ticketId, labelId, createdAt, deletedAt) VALUES (?, ?, ?, ?, ?)`,
		id, ticketID, labelID, created, deleted)
}

// LinkStatus attaches a status to a ticket.
func (f *TicketDB) LinkStatus(id, ticketID, statusID string, created time.Time) {
	f.t.Helper()
	f.Exec(`INSERT INTO "TicketStatus" (id, ticketId, statusId, createdAt) VALUES (?, ?, ?, ?)`,
		id, ticketID, statusID, created)
}
