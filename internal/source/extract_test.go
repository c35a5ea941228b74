package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/lakesync/pkg/testutil"
)

func drain(t *testing.T, it *BatchIterator) ([][]string, Cursor) {
	t.Helper()
	var batches [][]string
	for {
		rows, err := it.Next(context.Background())
		require.NoError(t, err)
		if len(rows) == 0 {
			return batches, it.Cursor()
		}
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.PrimaryKey
		}
		batches = append(batches, ids)
	}
}

func TestExtractorKeysetOrder(t *testing.T) {
	fx, src := openFixture(t)
	fx.AddTicket("t3", "third", testutil.At(10))
	fx.AddTicket("t1", "first", testutil.At(0))
	fx.AddTicket("t5", "tie b", testutil.At(20))
	fx.AddTicket("t4", "tie a", testutil.At(20))
	fx.AddTicket("t2", "second", testutil.At(5))

	in, err := NewIntrospector(src, IntrospectOptions{})
	require.NoError(t, err)
	tbl, err := in.Introspect(context.Background(), "Ticket")
	require.NoError(t, err)

	batches, last := drain(t, NewExtractor(src, 2).Iterate(tbl, Cursor{}))
	assert.Equal(t, [][]string{{"t1", "t2"}, {"t3", "t4"}, {"t5"}}, batches)
	assert.Equal(t, "t5", last.PrimaryKey)
	assert.True(t, testutil.At(20).Equal(last.Ordering))
}

func TestExtractorResumesAfterCursor(t *testing.T) {
	fx, src := openFixture(t)
	for i, id := range []string{"a1", "a2", "a3", "a4"} {
		fx.AddTicket(id, id, testutil.At(i))
	}
	in, err := NewIntrospector(src, IntrospectOptions{})
	require.NoError(t, err)
	tbl, err := in.Introspect(context.Background(), "Ticket")
	require.NoError(t, err)
	ex := NewExtractor(src, 2)

	it := ex.Iterate(tbl, Cursor{})
	first, err := it.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 2)
	resumeAt := it.Cursor()

	// a new iterator from the persisted position continues exactly after it
	batches, _ := drain(t, ex.Iterate(tbl, resumeAt))
	assert.Equal(t, [][]string{{"a3", "a4"}}, batches)

	// an update moves a row behind the cursor again
	fx.TouchTicket("a1", testutil.At(100))
	_, final := drain(t, ex.Iterate(tbl, Cursor{Ordering: testutil.At(3), PrimaryKey: "a4"}))
	assert.Equal(t, "a1", final.PrimaryKey)
}

func TestExtractorEmptyTable(t *testing.T) {
	_, src := openFixture(t)
	in, err := NewIntrospector(src, IntrospectOptions{})
	require.NoError(t, err)
	tbl, err := in.Introspect(context.Background(), "Label")
	require.NoError(t, err)

	it := NewExtractor(src, 0).Iterate(tbl, Cursor{})
	rows, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.True(t, it.Cursor().IsZero())

	rows, err = it.Next(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestExtractorRowValues(t *testing.T) {
	fx, src := openFixture(t)
	fx.AddLabel("l1", "Urgent", "red", testutil.At(0))

	in, err := NewIntrospector(src, IntrospectOptions{})
	require.NoError(t, err)
	tbl, err := in.Introspect(context.Background(), "Label")
	require.NoError(t, err)

	rows, err := NewExtractor(src, 10).Iterate(tbl, Cursor{}).Next(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)

	r := rows[0]
	assert.Equal(t, "l1", r.PrimaryKey)
	assert.Equal(t, "Urgent", r.Values["name"])
	assert.Nil(t, r.Values["deletedAt"])
	created, ok := r.Values["createdAt"].(time.Time)
	require.True(t, ok, "DATETIME columns scan as time.Time")
	assert.True(t, testutil.At(0).Equal(created))
	assert.True(t, testutil.At(0).Equal(r.Cursor.Ordering), "createdAt orders rows without updatedAt")
}

func TestCursorCompare(t *testing.T) {
	a := Cursor{Ordering: testutil.At(1), PrimaryKey: "b"}
	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, -1, a.Compare(Cursor{Ordering: testutil.At(2), PrimaryKey: "a"}))
	assert.Equal(t, 1, a.Compare(Cursor{Ordering: testutil.At(1), PrimaryKey: "a"}))
	assert.Equal(t, -1, Cursor{PrimaryKey: "9", NumericKey: true}.Compare(Cursor{PrimaryKey: "10", NumericKey: true}), "integer keys compare numerically")
	assert.Equal(t, 1, Cursor{PrimaryKey: "9"}.Compare(Cursor{PrimaryKey: "10"}), "text keys compare as text")
	assert.Equal(t, -1, Cursor{PrimaryKey: "10"}.Compare(Cursor{PrimaryKey: "9"}))
	assert.True(t, Cursor{}.IsZero())
	assert.False(t, a.IsZero())
}

func introspect(t *testing.T, src *Source, table string) SourceTable {
	t.Helper()
	in, err := NewIntrospector(src, IntrospectOptions{})
	require.NoError(t, err)
	tbl, err := in.Introspect(context.Background(), table)
	require.NoError(t, err)
	return tbl
}

func TestExtractorTimestampTiesWrittenByOtherClients(t *testing.T) {
	fx, src := openFixture(t)
	// literal text, not the layout the driver writes for bound times
	for _, id := range []string{"r1", "r2", "r3", "r4", "r5"} {
		fx.Exec(`INSERT INTO "Ticket" (id, title, createdAt, updatedAt) VALUES (?, 'tie', '2024-01-01 00:00:00', '2024-01-01 00:00:00')`, id)
	}
	tbl := introspect(t, src, "Ticket")

	batches, last := drain(t, NewExtractor(src, 2).Iterate(tbl, Cursor{}))
	assert.Equal(t, [][]string{{"r1", "r2"}, {"r3", "r4"}, {"r5"}}, batches)
	assert.True(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Equal(last.Ordering))

	// a driver-bound row with the same instant still sorts by key
	fx.AddTicket("r6", "tie", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	batches, _ = drain(t, NewExtractor(src, 2).Iterate(tbl, last))
	assert.Equal(t, [][]string{{"r6"}}, batches)
}

func TestExtractorSubMillisecondTimes(t *testing.T) {
	fx, src := openFixture(t)
	base := testutil.At(0)
	fx.AddTicket("b", "later in the same millisecond", base.Add(300*time.Microsecond))
	fx.AddTicket("c", "earlier in the same millisecond", base.Add(200*time.Microsecond))
	fx.AddTicket("a", "next millisecond", base.Add(2*time.Millisecond))
	tbl := introspect(t, src, "Ticket")

	var cursors []Cursor
	it := NewExtractor(src, 1).Iterate(tbl, Cursor{})
	for {
		rows, err := it.Next(context.Background())
		require.NoError(t, err)
		if len(rows) == 0 {
			break
		}
		cursors = append(cursors, rows[0].Cursor)
	}
	require.Len(t, cursors, 3)
	assert.Equal(t, []string{"b", "c", "a"}, []string{cursors[0].PrimaryKey, cursors[1].PrimaryKey, cursors[2].PrimaryKey})
	for i := 1; i < len(cursors); i++ {
		assert.Equal(t, 1, cursors[i].Compare(cursors[i-1]), "cursor %d moves forward", i)
	}
}

func TestExtractorChangesIncludeSoftDeletes(t *testing.T) {
	fx, src := openFixture(t)
	fx.AddTicket("t1", "ticket", testutil.At(0))
	fx.AddLabel("l1", "Urgent", "red", testutil.At(0))
	fx.LinkLabel("tl1", "t1", "l1", testutil.At(1), nil)
	fx.LinkLabel("tl2", "t1", "l1", testutil.At(2), nil)
	tbl := introspect(t, src, "TicketLabel")
	require.Equal(t, "deletedAt", tbl.SoftDeleteColumn)
	ex := NewExtractor(src, 10)

	batches, last := drain(t, ex.Changes(tbl, Cursor{}))
	assert.Equal(t, [][]string{{"tl1", "tl2"}}, batches)

	tail, ok, err := ex.LastChange(context.Background(), tbl)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, tail.Compare(last))

	// only deletedAt is set, updatedAt stays NULL
	fx.Exec(`UPDATE "TicketLabel" SET deletedAt = ? WHERE id = 'tl1'`, testutil.At(30))
	batches, last = drain(t, ex.Changes(tbl, last))
	assert.Equal(t, [][]string{{"tl1"}}, batches)
	assert.True(t, testutil.At(30).Equal(last.Ordering))

	batches, _ = drain(t, ex.Iterate(tbl, tail))
	assert.Empty(t, batches, "plain iteration ignores the delete marker")
}

func TestExtractorLastChangeEmptyTable(t *testing.T) {
	_, src := openFixture(t)
	_, ok, err := NewExtractor(src, 10).LastChange(context.Background(), introspect(t, src, "Label"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExtractorFetch(t *testing.T) {
	fx, src := openFixture(t)
	fx.AddTicket("t2", "two", testutil.At(2))
	fx.AddTicket("t1", "one", testutil.At(1))
	fx.AddTicket("t3", "three", testutil.At(3))
	tbl := introspect(t, src, "Ticket")

	rows, err := NewExtractor(src, 10).Fetch(context.Background(), tbl, []string{"t3", "missing", "t1"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "t1", rows[0].PrimaryKey)
	assert.Equal(t, "t3", rows[1].PrimaryKey)
	assert.Equal(t, "three", rows[1].Values["title"])
	assert.True(t, testutil.At(3).Equal(rows[1].Cursor.Ordering))

	rows, err = NewExtractor(src, 10).Fetch(context.Background(), tbl, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
