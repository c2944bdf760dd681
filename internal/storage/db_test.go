package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goop2-rtc/internal/changefeed"
)

type recorder struct {
	mu      sync.Mutex
	fail    bool
	changes []changefeed.Change
}

func (r *recorder) Publish(_ context.Context, c changefeed.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("feed down")
	}
	r.changes = append(r.changes, c)
	return nil
}

func (r *recorder) setFail(fail bool) {
	r.mu.Lock()
	r.fail = fail
	r.mu.Unlock()
}

func (r *recorder) kinds() []changefeed.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]changefeed.Kind, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Kind
	}
	return out
}

func openTest(t *testing.T, dir string, clk clock.Clock, rec *recorder) *DB {
	t.Helper()
	opts := Options{Clock: clk}
	if rec != nil {
		opts.Notifier = rec
	}
	db, err := Open(context.Background(), dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSetTypingInsertThenUpdate(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(1_700_000_000_000))
	rec := &recorder{}
	db := openTest(t, t.TempDir(), clk, rec)

	require.NoError(t, db.SetTyping(ctx, "c1", "alice"))
	clk.Add(time.Second)
	require.NoError(t, db.SetTyping(ctx, "c1", "alice"))

	require.Equal(t, []changefeed.Kind{changefeed.Insert, changefeed.Update}, rec.kinds())

	var oldRow, newRow TypingRow
	require.NoError(t, json.Unmarshal(rec.changes[1].Old, &oldRow))
	require.NoError(t, json.Unmarshal(rec.changes[1].New, &newRow))
	require.Equal(t, int64(1_700_000_000_000), oldRow.UpdatedAt)
	require.Equal(t, int64(1_700_000_001_000), newRow.UpdatedAt)
	require.Equal(t, DefaultTypingTable, rec.changes[0].Table)

	rows, err := db.ListTyping(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "alice", rows[0].UserID)
}

func TestClearTypingPublishesDeleteWithOldRow(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	db := openTest(t, t.TempDir(), clock.NewMock(), rec)

	require.NoError(t, db.ClearTyping(ctx, "c1", "alice"))
	require.Empty(t, rec.kinds())

	require.NoError(t, db.SetTyping(ctx, "c1", "alice"))
	require.NoError(t, db.ClearTyping(ctx, "c1", "alice"))
	require.Equal(t, []changefeed.Kind{changefeed.Insert, changefeed.Delete}, rec.kinds())

	var r TypingRow
	require.NoError(t, rec.changes[1].DecodeRow(&r))
	require.Equal(t, "c1", r.ConversationID)
	require.Equal(t, "alice", r.UserID)

	rows, err := db.ListTyping(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestSetTypingRejectsEmptyKeys(t *testing.T) {
	db := openTest(t, t.TempDir(), clock.NewMock(), nil)
	require.Error(t, db.SetTyping(context.Background(), "", "alice"))
	require.Error(t, db.SetTyping(context.Background(), "c1", ""))
}

func TestOpenPrunesStaleRows(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clk := clock.NewMock()

	db, err := Open(ctx, dir, Options{Clock: clk})
	require.NoError(t, err)
	require.NoError(t, db.SetTyping(ctx, "c1", "alice"))
	clk.Add(DefaultStaleAfter - time.Second)
	require.NoError(t, db.SetTyping(ctx, "c1", "bob"))
	require.NoError(t, db.Close())

	clk.Add(2 * time.Second)
	rec := &recorder{}
	db = openTest(t, dir, clk, rec)

	rows, err := db.ListTyping(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "bob", rows[0].UserID)
	require.Equal(t, []changefeed.Kind{changefeed.Delete}, rec.kinds())
}

func TestMeta(t *testing.T) {
	db := openTest(t, t.TempDir(), nil, nil)
	v, err := db.GetMeta("schema")
	require.NoError(t, err)
	require.Empty(t, v)
	require.NoError(t, db.SetMeta("schema", "1"))
	v, err = db.GetMeta("schema")
	require.NoError(t, err)
	require.Equal(t, "1", v)
}

func TestSetTypingRevertsWhenPublishFails(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	rec := &recorder{fail: true}
	db := openTest(t, t.TempDir(), clk, rec)

	require.Error(t, db.SetTyping(ctx, "c1", "alice"))
	rows, err := db.ListTyping(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, rows)

	rec.setFail(false)
	require.NoError(t, db.SetTyping(ctx, "c1", "alice"))
	first := clk.Now().UnixMilli()

	rec.setFail(true)
	clk.Add(time.Second)
	require.Error(t, db.SetTyping(ctx, "c1", "alice"))
	rows, err = db.ListTyping(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, first, rows[0].UpdatedAt)

	require.Error(t, db.ClearTyping(ctx, "c1", "alice"))
	rows, err = db.ListTyping(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestCustomTable(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	db, err := Open(ctx, t.TempDir(), Options{Notifier: rec, Table: "presence_rows"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.Equal(t, "presence_rows", db.Table())

	require.NoError(t, db.SetTyping(ctx, "c1", "alice"))
	require.NoError(t, db.ClearTyping(ctx, "c1", "alice"))
	require.Len(t, rec.changes, 2)
	for _, c := range rec.changes {
		require.Equal(t, "presence_rows", c.Table)
	}

	_, err = Open(ctx, t.TempDir(), Options{Table: "rows; DROP TABLE _meta"})
	require.Error(t, err)
}
