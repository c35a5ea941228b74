package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/lakesync/pkg/testutil"
)

func TestElasticsearchStoreLiveCluster(t *testing.T) {
	addr := testutil.ElasticsearchURL(t)
	ctx := testutil.TestContext(t)

	store, err := NewElasticsearchStore(ElasticsearchConfig{
		Addresses:        []string{addr},
		CompressRequests: true,
		Refresh:          "wait_for",
		Transport:        DefaultTransportConfig(),
	}, testutil.TestLogger(t))
	require.NoError(t, err)
	require.NoError(t, store.Ping(ctx))

	name := testutil.UniqueIndex(t, "lakesync_it_")
	require.NoError(t, store.CreateIndex(ctx, name, map[string]interface{}{"refresh_interval": "1s"}, ticketMapping()))

	results, err := store.Bulk(ctx, name, []Op{
		{Type: OpIndex, ID: "t1", Body: map[string]interface{}{"title": "Printer on fire"}},
		{Type: OpIndex, ID: "t2", Body: map[string]interface{}{"title": "Coffee machine"}},
	})
	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, r.OK(), "%s: %d %s", r.ID, r.Status, r.Reason)
	}

	res, err := store.Search(context.Background(), name, map[string]interface{}{
		"query": map[string]interface{}{"match": map[string]interface{}{"title": "printer"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "t1", res.Hits[0].ID)
}
