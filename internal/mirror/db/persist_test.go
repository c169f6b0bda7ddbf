package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/ofmlsync/internal/ofml"
	"github.com/steveyegge/ofmlsync/internal/ofml/table"
)

func openSQLite(t *testing.T) *DB {
	t.Helper()
	mirror, err := Open(context.Background(), Options{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "mirror.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mirror.Close() })
	return mirror
}

func articleTable(columns []string, types []table.ColumnType, rows ...[]any) *table.Table {
	return &table.Table{
		Filename:   "ocd_article.csv",
		Path:       "/catalog/demo/db/ocd_article.csv",
		Kind:       ofml.OCD,
		Columns:    columns,
		Types:      types,
		Rows:       rows,
		ReadAt:     time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		ModifiedAt: time.Date(2024, 4, 30, 8, 0, 0, 0, time.UTC),
	}
}

// TestPersistIdempotent verifies that persisting the same data twice keeps
// the row count stable.
func TestPersistIdempotent(t *testing.T) {
	ctx := context.Background()
	mirror := openSQLite(t)
	tbl := articleTable(
		[]string{"ArticleID", "Price"},
		[]table.ColumnType{table.String, table.Float},
		[]any{"A1", 10.5}, []any{"A2", nil},
	)

	first, err := mirror.PersistTable(ctx, tbl, "demo")
	require.NoError(t, err)
	assert.True(t, first.Created, "first run should create the target")
	assert.Equal(t, int64(2), first.Inserted)

	second, err := mirror.PersistTable(ctx, tbl, "demo")
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, int64(2), second.Deleted)

	n, err := mirror.Count(ctx, "ocd_article", "demo")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	cols, err := mirror.Columns(ctx, "ocd_article")
	require.NoError(t, err)
	assert.Equal(t, []string{"ArticleID", "Price", ColProgram, ColModified, ColRead}, cols)
}

// TestPersistProgramScoped verifies the delete only touches the given program.
func TestPersistProgramScoped(t *testing.T) {
	ctx := context.Background()
	mirror := openSQLite(t)
	cols := []string{"ArticleID"}
	types := []table.ColumnType{table.String}

	_, err := mirror.PersistTable(ctx, articleTable(cols, types, []any{"A1"}, []any{"A2"}), "demo")
	require.NoError(t, err)
	_, err = mirror.PersistTable(ctx, articleTable(cols, types, []any{"T1"}), "talos")
	require.NoError(t, err)

	// demo shrinks to one row; talos is untouched.
	_, err = mirror.PersistTable(ctx, articleTable(cols, types, []any{"A1"}), "demo")
	require.NoError(t, err)

	demo, _ := mirror.Count(ctx, "ocd_article", "demo")
	talos, _ := mirror.Count(ctx, "ocd_article", "talos")
	assert.Equal(t, 1, demo)
	assert.Equal(t, 1, talos)
}

func TestPersistHealsMissingColumns(t *testing.T) {
	ctx := context.Background()
	mirror := openSQLite(t)

	_, err := mirror.RawDB().ExecContext(ctx, `CREATE TABLE "ocd_article" (
		"ArticleID" TEXT, "sql_db_program" TEXT,
		"sql_db_timestamp_modified" TEXT, "sql_db_timestamp_read" TEXT)`)
	require.NoError(t, err)

	tbl := articleTable(
		[]string{"ArticleID", "Qty", "Note"},
		[]table.ColumnType{table.String, table.Int, table.String},
		[]any{"A1", int64(3), "x"},
	)

	out, err := mirror.PersistTable(ctx, tbl, "demo")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Qty", "Note"}, out.Healed)
	assert.Equal(t, int64(1), out.Inserted)

	cols, err := mirror.Columns(ctx, "ocd_article")
	require.NoError(t, err)
	assert.Contains(t, cols, "Qty")
	assert.Contains(t, cols, "Note")

	// Nothing left to heal on the second run.
	out, err = mirror.PersistTable(ctx, tbl, "demo")
	require.NoError(t, err)
	assert.Empty(t, out.Healed)
}

func TestPersistEmptyTableClearsRows(t *testing.T) {
	ctx := context.Background()
	mirror := openSQLite(t)
	cols := []string{"ArticleID"}
	types := []table.ColumnType{table.String}

	_, err := mirror.PersistTable(ctx, articleTable(cols, types, []any{"A1"}), "demo")
	require.NoError(t, err)

	out, err := mirror.PersistTable(ctx, articleTable(cols, types), "demo")
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Deleted)
	assert.Zero(t, out.Inserted)

	n, _ := mirror.Count(ctx, "ocd_article", "demo")
	assert.Zero(t, n)
}

func TestPersistEmptyTableWithoutTarget(t *testing.T) {
	mirror := openSQLite(t)
	out, err := mirror.PersistTable(context.Background(),
		articleTable([]string{"ArticleID"}, []table.ColumnType{table.String}), "demo")
	require.NoError(t, err)
	assert.Zero(t, out.Deleted)
	assert.False(t, out.Created)
}

func TestPersistProgram(t *testing.T) {
	ctx := context.Background()
	mirror := openSQLite(t)

	article := articleTable([]string{"ArticleID"}, []table.ColumnType{table.String}, []any{"A1"})
	lang := &table.Table{
		Filename: "demo_de.sr",
		Kind:     ofml.GO,
		Columns:  []string{"key", "value"},
		Types:    []table.ColumnType{table.String, table.String},
		Rows:     [][]any{{"A1", "Stuhl"}, {"A2", "Tisch"}},
		ReadAt:   time.Now(),
	}

	outcomes, err := mirror.PersistProgram(ctx, "demo", []*table.Table{article, lang})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "go_de_sr", outcomes[1].Target)

	n, err := mirror.Count(ctx, "go_de_sr", "demo")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRecordRun(t *testing.T) {
	ctx := context.Background()
	mirror := openSQLite(t)

	_, _, ok, err := mirror.LastRun(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Date(2024, 5, 1, 6, 30, 0, 0, time.UTC)
	require.NoError(t, mirror.RecordRun(ctx, "/srv/ofml", at))
	require.NoError(t, mirror.RecordRun(ctx, "/srv/ofml", at.Add(time.Hour)))

	got, root, ok, err := mirror.LastRun(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(at.Add(time.Hour)), "got %v", got)
	assert.Equal(t, "/srv/ofml", root)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle", DSN: "x"})
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestKeyedMutex(t *testing.T) {
	k := keyedMutex{locks: make(map[string]*keyLock)}
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		unlock()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second lock on the same key did not block")
	case <-time.After(50 * time.Millisecond):
	}

	unlockA()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock not released")
	}
	unlockB()

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}
