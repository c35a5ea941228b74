package testutil

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ElasticsearchURLEnv names the cluster integration tests run against.
const ElasticsearchURLEnv = "LAKESYNC_TEST_ES_URL"

// IntegrationTest skips t in short mode.
func IntegrationTest(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// ElasticsearchURL returns the address of a live cluster, skipping t when
// none is configured.
func ElasticsearchURL(t *testing.T) string {
	t.Helper()
	IntegrationTest(t)
	addr := strings.TrimSpace(os.Getenv(ElasticsearchURLEnv))
	if addr == "" {
		t.Skipf("%s not set", ElasticsearchURLEnv)
	}
	return addr
}

// UniqueIndex returns an index name no other test run uses.
func UniqueIndex(t *testing.T, prefix string) string {
	t.Helper()
	name := strings.ToLower(strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	return fmt.Sprintf("%s%s_%d", prefix, name, time.Now().UnixNano())
}

// SeedTickets inserts n tickets t0000..t(n-1), one second apart starting at
// start, in a single transaction, and returns their IDs.
func (f *TicketDB) SeedTickets(n int, start time.Time) []string {
	f.t.Helper()

	tx, err := f.DB.Begin()
	require.NoError(f.t, err)
	stmt, err := tx.Prepare(`INSERT INTO "Ticket" (id, title, createdAt, updatedAt) VALUES (?, ?, ?, ?)`)
	require.NoError(f.t, err)

	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("t%04d", i)
		ts := start.Add(time.Duration(i) * time.Second)
		_, err := stmt.Exec(ids[i], fmt.Sprintf("Ticket %d", i), ts, ts)
		require.NoError(f.t, err)
	}
	require.NoError(f.t, stmt.Close())
	require.NoError(f.t, tx.Commit())
	return ids
}

// PerformanceTest checks a run against throughput and memory targets.
type PerformanceTest struct {
	t             *testing.T
	name          string
	minThroughput float64 // rows/sec
	maxMemory     int64   // bytes
}

// NewPerformanceTest creates a new performance test
func NewPerformanceTest(t *testing.T, name string) *PerformanceTest {
	return &PerformanceTest{t: t, name: name}
}

// WithThroughputTarget sets the minimum rows per second.
func (p *PerformanceTest) WithThroughputTarget(rowsPerSec float64) *PerformanceTest {
	p.minThroughput = rowsPerSec
	return p
}

// WithMemoryTarget sets the maximum heap growth in bytes.
func (p *PerformanceTest) WithMemoryTarget(maxBytes int64) *PerformanceTest {
	p.maxMemory = maxBytes
	return p
}

// Run times fn, which reports how many rows it moved, and checks the targets.
func (p *PerformanceTest) Run(fn func() (rows int)) {
	p.t.Helper()

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)

	start := time.Now()
	rows := fn()
	duration := time.Since(start)

	runtime.ReadMemStats(&after)
	grown := int64(after.HeapAlloc) - int64(before.HeapAlloc)
	throughput := float64(rows) / duration.Seconds()

	p.t.Logf("%s: %d rows in %v (%.0f rows/sec, heap %s)",
		p.name, rows, duration, throughput, formatBytes(grown))

	if p.minThroughput > 0 && throughput < p.minThroughput {
		p.t.Errorf("Throughput %.0f rows/sec below target %.0f rows/sec", throughput, p.minThroughput)
	}
	if p.maxMemory > 0 && grown > p.maxMemory {
		p.t.Errorf("Heap growth %s exceeds target %s", formatBytes(grown), formatBytes(p.maxMemory))
	}
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < 0 {
		return "-" + formatBytes(-bytes)
	}
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
