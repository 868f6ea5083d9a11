package metadata

import (
	"context"
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabflow/internal/etl"
)

// =============================================================================
// Test Helpers
// =============================================================================

var fixedNow = time.Date(2024, 5, 6, 7, 8, 9, 0, time.Local)

func writeRecord(t *testing.T, dir, name string, doc map[string]any) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func readDoc(t *testing.T, p string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func newFileTracker(t *testing.T, dir string) *Tracker {
	t.Helper()
	store, err := NewFileStore(dir, "*.json")
	require.NoError(t, err)
	tr := NewTracker(store)
	tr.Now = func() time.Time { return fixedNow }
	require.NoError(t, tr.Refresh(context.Background()))
	return tr
}

// =============================================================================
// Tracker over FileStore
// =============================================================================

func TestTracker_ReadyToComplete(t *testing.T) {
	dir := t.TempDir()
	p := writeRecord(t, dir, "a/m1.json", map[string]any{
		"id": "m1", "type": "file.csv", "source_name": "in.csv", "status": "READY",
		"timestamp": "2000-01-01 00:00:00", "other_data": map[string]any{"k": "v"},
		"__path": "/should/not/persist", "extra": 1,
	})
	ctx := context.Background()
	tr := newFileTracker(t, dir)

	assert.Equal(t, []string{"m1"}, tr.Ready())

	require.NoError(t, tr.Claim(ctx, "m1"))
	assert.Equal(t, "PROCESSING", readDoc(t, p)["status"])
	assert.Empty(t, tr.Ready())

	require.NoError(t, tr.Complete(ctx, "m1"))
	doc := readDoc(t, p)
	assert.Equal(t, "COMPLETE", doc["status"])
	assert.Equal(t, "2024-05-06 07:08:09", doc["timestamp"])
	assert.Equal(t, map[string]any{"k": "v"}, doc["other_data"])
	assert.EqualValues(t, 1, doc["extra"])
	assert.NotContains(t, doc, "__path")
	for k := range doc {
		assert.False(t, strings.Contains(k, "path"), "persisted key %q", k)
	}
}

func TestTracker_IdempotentArchive(t *testing.T) {
	dir := t.TempDir()
	writeRecord(t, dir, "m1.json", map[string]any{"id": "m1", "status": "ready"})
	ctx := context.Background()
	tr := newFileTracker(t, dir)

	require.NoError(t, tr.Claim(ctx, "m1"))
	require.NoError(t, tr.Complete(ctx, "m1"))
	require.NoError(t, tr.Complete(ctx, "m1"))

	r, err := tr.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, r.Status)

	assert.ErrorIs(t, tr.Fail(ctx, "m1"), ErrInvalidTransition)
}

func TestTracker_InvalidTransitions(t *testing.T) {
	dir := t.TempDir()
	writeRecord(t, dir, "m1.json", map[string]any{"id": "m1", "status": "READY"})
	writeRecord(t, dir, "m2.json", map[string]any{"id": "m2", "status": "COMPLETE"})
	ctx := context.Background()
	tr := newFileTracker(t, dir)

	assert.ErrorIs(t, tr.Complete(ctx, "m1"), ErrInvalidTransition)
	assert.ErrorIs(t, tr.Claim(ctx, "m2"), etl.ErrSkipUnit)

	_, err := tr.Get("nope")
	assert.ErrorIs(t, err, etl.ErrSourceData)
	assert.ErrorIs(t, tr.Claim(ctx, "nope"), etl.ErrSourceData)
}

func TestTracker_ClaimConflictOnFile(t *testing.T) {
	dir := t.TempDir()
	p := writeRecord(t, dir, "m1.json", map[string]any{"id": "m1", "status": "READY"})
	tr := newFileTracker(t, dir)

	// another consumer claims first
	writeRecord(t, dir, "m1.json", map[string]any{"id": "m1", "status": "PROCESSING"})

	err := tr.Claim(context.Background(), "m1")
	assert.ErrorIs(t, err, ErrClaimConflict)
	assert.ErrorIs(t, err, etl.ErrSkipUnit)
	assert.Equal(t, "PROCESSING", readDoc(t, p)["status"])
}

func TestFileStore_SkipsBadFilesAndPattern(t *testing.T) {
	dir := t.TempDir()
	writeRecord(t, dir, "ok.json", map[string]any{"id": "ok", "status": "READY"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "noid.json"), []byte(`{"status":"READY"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte(`{"id":"x"}`), 0o644))

	tr := newFileTracker(t, dir)
	assert.Equal(t, []string{"ok"}, tr.Ready())

	_, err := NewFileStore("", "*.json")
	assert.ErrorIs(t, err, etl.ErrConfiguration)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusReady, StatusProcessing))
	assert.True(t, CanTransition(StatusProcessing, StatusFail))
	assert.True(t, CanTransition(StatusFail, StatusFail))
	assert.False(t, CanTransition(StatusReady, StatusComplete))
	assert.False(t, CanTransition(StatusFail, StatusReady))
	assert.False(t, CanTransition(StatusProcessing, StatusProcessing))
}

// =============================================================================
// ZKStore
// =============================================================================

type fakeZK struct {
	mu       sync.Mutex
	data     map[string][]byte
	versions map[string]int32
}

func newFakeZK() *fakeZK {
	return &fakeZK{data: map[string][]byte{}, versions: map[string]int32{}}
}

func (f *fakeZK) put(p string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[p] = data
	if _, ok := f.versions[p]; ok {
		f.versions[p]++
	} else {
		f.versions[p] = 0
	}
}

func (f *fakeZK) Children(p string) ([]string, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[p]; !ok {
		return nil, nil, zk.ErrNoNode
	}
	seen := map[string]bool{}
	var out []string
	for k := range f.data {
		if path.Dir(k) == p && k != p && !seen[k] {
			seen[k] = true
			out = append(out, path.Base(k))
		}
	}
	return out, &zk.Stat{}, nil
}

func (f *fakeZK) Get(p string) ([]byte, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.data[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return d, &zk.Stat{Version: f.versions[p]}, nil
}

func (f *fakeZK) Set(p string, data []byte, version int32) (*zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[p]; !ok {
		return nil, zk.ErrNoNode
	}
	if version != -1 && version != f.versions[p] {
		return nil, zk.ErrBadVersion
	}
	f.data[p] = data
	f.versions[p]++
	return &zk.Stat{Version: f.versions[p]}, nil
}

func (f *fakeZK) Close() {}

func TestZKStore_Lifecycle(t *testing.T) {
	conn := newFakeZK()
	conn.put("/jobs", nil)
	conn.put("/jobs/batch1", nil)
	conn.put("/jobs/batch1/m1", []byte(`{"id":"m1","type":"csv","source_name":"a.csv","status":"READY"}`))
	conn.put("/jobs/m2", []byte(`{"id":"m2","status":"FAIL"}`))

	ctx := context.Background()
	tr := NewTracker(newZKStore(conn, "jobs/"))
	tr.Now = func() time.Time { return fixedNow }
	require.NoError(t, tr.Refresh(ctx))
	assert.Equal(t, []string{"m1"}, tr.Ready())

	require.NoError(t, tr.Claim(ctx, "m1"))
	require.NoError(t, tr.Complete(ctx, "m1"))

	data, _, err := conn.Get("/jobs/batch1/m1")
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "COMPLETE", doc["status"])
	assert.Equal(t, "2024-05-06 07:08:09", doc["timestamp"])
	assert.NotContains(t, doc, "__path")
}

func TestZKStore_LostClaim(t *testing.T) {
	conn := newFakeZK()
	conn.put("/jobs", nil)
	conn.put("/jobs/m1", []byte(`{"id":"m1","status":"READY"}`))

	ctx := context.Background()
	tr := NewTracker(newZKStore(conn, "/jobs"))
	require.NoError(t, tr.Refresh(ctx))

	// a second consumer wins the race
	conn.put("/jobs/m1", []byte(`{"id":"m1","status":"PROCESSING"}`))

	err := tr.Claim(ctx, "m1")
	assert.ErrorIs(t, err, ErrClaimConflict)
	assert.ErrorIs(t, err, etl.ErrSkipUnit)
}

func TestDialZK_NoServers(t *testing.T) {
	_, err := DialZK(ZKOptions{})
	assert.ErrorIs(t, err, etl.ErrConfiguration)
}
