package deadletter

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/lakesync/pkg/config"
	"github.com/ajitpratap0/lakesync/pkg/errors"
	"github.com/ajitpratap0/lakesync/pkg/testutil"
)

func records() []Record {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return []Record{
		{Table: "Ticket", Index: "data_lake_ticket", DocumentID: "t1", Op: "index", Status: 400,
			Reason: "mapper_parsing_exception", Attempts: 1, Document: map[string]interface{}{"title": "broken"}, FailedAt: at},
		{Table: "Ticket", Index: "data_lake_ticket", DocumentID: "t2", Op: "index", Status: 503,
			Reason: "unavailable", Attempts: 3, FailedAt: at},
	}
}

func TestFileSinkRoundTrip(t *testing.T) {
	for _, codec := range []Codec{None, Gzip, Zstd, LZ4} {
		t.Run(string(codec), func(t *testing.T) {
			dir := t.TempDir()
			sink, err := NewFileSink(dir, codec, testutil.TestLogger(t))
			require.NoError(t, err)

			require.NoError(t, sink.Write(context.Background(), records()))
			require.NoError(t, sink.Write(context.Background(), nil))

			files, err := Files(dir)
			require.NoError(t, err)
			require.Len(t, files, 1)
			assert.True(t, strings.HasSuffix(files[0], ".ndjson"+codec.Extension()))
			assert.Contains(t, files[0], "ticket-")

			got, err := ReadFile(files[0])
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "t1", got[0].DocumentID)
			assert.Equal(t, "broken", got[0].Document["title"])
			assert.Equal(t, 3, got[1].Attempts)
			assert.True(t, records()[0].FailedAt.Equal(got[0].FailedAt))
			require.NoError(t, sink.Close())
		})
	}
}

func TestParseCodec(t *testing.T) {
	for name, want := range map[string]Codec{"": None, "none": None, "GZIP": Gzip, "zstd": Zstd, "lz4": LZ4} {
		got, err := ParseCodec(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCodec("brotli")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestOpen(t *testing.T) {
	sink, err := Open(config.DeadLetterConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, sink)
	assert.NoError(t, sink.Write(context.Background(), records()))

	sink, err = Open(config.DeadLetterConfig{Dir: t.TempDir(), Compression: "zstd"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileSink{}, sink)
}
