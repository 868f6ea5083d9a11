package watermark_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabflow/internal/etl"
	"tabflow/internal/watermark"
)

func newManager(t *testing.T, path string, reset bool) *watermark.Manager {
	t.Helper()
	m, err := watermark.New(context.Background(), watermark.NewFileStore(path), reset)
	require.NoError(t, err)
	return m
}

func TestQuery(t *testing.T) {
	m := newManager(t, "", false)
	assert.Equal(t, "select * from T order by ts asc", m.Query("select * from T", "T", "ts"))

	require.NoError(t, m.Advance("T", []any{int64(100)}))
	assert.Equal(t, "select * from T where ts > 100 order by ts asc", m.Query("select * from T", "T", "ts"))

	require.NoError(t, m.Advance("U", []any{"o'clock"}))
	assert.Equal(t, "select * from U where ts > 'o''clock' order by ts asc", m.Query("select * from U", "U", "ts"))

	assert.Equal(t, "select * from T", m.Query("select * from T", "T", ""))
}

func TestAdvance_OrderedInput(t *testing.T) {
	m := newManager(t, "", false)
	require.NoError(t, m.Advance("T", []any{100}))
	require.NoError(t, m.Advance("T", []any{101, 103, 105}))

	v, ok := m.Get("T")
	require.True(t, ok)
	assert.Equal(t, int64(105), v)
}

func TestAdvance_OutOfOrderRejected(t *testing.T) {
	m := newManager(t, "", false)
	require.NoError(t, m.Advance("T", []any{100}))

	err := m.Advance("T", []any{101, 105, 99})
	assert.ErrorIs(t, err, etl.ErrSourceData)

	v, _ := m.Get("T")
	assert.Equal(t, int64(100), v)
}

func TestAdvance_MustPassCursor(t *testing.T) {
	m := newManager(t, "", false)
	require.NoError(t, m.Advance("T", []any{100}))
	assert.ErrorIs(t, m.Advance("T", []any{100, 101}), etl.ErrSourceData)
	assert.ErrorIs(t, m.Advance("T", []any{nil}), etl.ErrSourceData)
	assert.NoError(t, m.Advance("T", nil))
}

func TestAdvance_Times(t *testing.T) {
	m := newManager(t, "", false)
	t1 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, m.Advance("T", []any{t1, t1.Add(time.Second)}))
	assert.Equal(t, "select * from T where ts > '2024-01-01 10:00:01.000000' order by ts asc",
		m.Query("select * from T", "T", "ts"))
}

func TestFlushAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wm.json")

	m := newManager(t, path, false)
	require.NoError(t, m.Advance("T", []any{int64(7)}))
	require.NoError(t, m.Advance("U", []any{1.5}))
	require.NoError(t, m.Advance("V", []any{"b"}))
	require.NoError(t, m.Flush())

	reloaded := newManager(t, path, false)
	assert.Equal(t, map[string]any{"T": int64(7), "U": 1.5, "V": "b"}, reloaded.Snapshot())
}

func TestReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wm.json")
	m := newManager(t, path, false)
	require.NoError(t, m.Advance("T", []any{int64(7)}))
	require.NoError(t, m.Flush())

	reset := newManager(t, path, true)
	assert.Empty(t, reset.Snapshot())

	// the store keeps the old cursor until the next flush
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"T"`)

	require.NoError(t, reset.Flush())
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"T"`)
}

func TestCorruptStoreIsConfigurationError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wm.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))

	_, err := watermark.New(context.Background(), watermark.NewFileStore(path), false)
	assert.ErrorIs(t, err, etl.ErrConfiguration)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{nope", string(data))

	// a reset ignores the old content and replaces it on flush
	m := newManager(t, path, true)
	require.NoError(t, m.Advance("T", []any{int64(1)}))
	require.NoError(t, m.Flush())
	assert.Equal(t, map[string]any{"T": int64(1)}, newManager(t, path, false).Snapshot())
}

func TestAdvance_NumericText(t *testing.T) {
	m := newManager(t, "", false)
	require.NoError(t, m.Advance("T", []any{"99.5", "101.0", "105.25"}))
	cur, _ := m.Get("T")
	assert.Equal(t, "105.25", cur)

	err := m.Advance("T", []any{"100"})
	assert.ErrorIs(t, err, etl.ErrSourceData)
	require.NoError(t, m.Advance("T", []any{"1000"}))
}
