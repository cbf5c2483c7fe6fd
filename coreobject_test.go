package coreobject

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etoile/CoreObject-sub001/pkg/item"
	"github.com/etoile/CoreObject-sub001/pkg/logging"
	"github.com/etoile/CoreObject-sub001/pkg/store"
)

func newTestDB(t *testing.T, conf Config) *DB {
	t.Helper()
	if conf.Paths == nil {
		conf.Paths = []string{t.TempDir()}
	}
	if conf.Logger == nil {
		conf.Logger = logging.Discard()
	}
	if conf.CompactionInterval == 0 {
		conf.CompactionInterval = -1
	}
	db, err := New(conf)
	require.NoError(t, err)
	require.NoError(t, db.Start(context.Background()))
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return db
}

func createRoot(t *testing.T, s *store.Store, title string) (root uuid.UUID, rev uuid.UUID) {
	t.Helper()
	root, rev = uuid.New(), uuid.New()
	a := uuid.New()
	g := item.NewGraph(a)
	g.InsertOrUpdateItems(item.New(a).Set("title", item.NewString(title)))
	_, err := s.Execute(context.Background(), store.NewTransaction(store.CreatePersistentRoot{
		Root: root, Branch: uuid.New(), Revision: rev, Graph: g,
	}))
	require.NoError(t, err)
	return root, rev
}

func TestNewRequiresPath(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNotStarted(t *testing.T) {
	db, err := New(Config{Paths: []string{t.TempDir()}, Logger: logging.Discard()})
	require.NoError(t, err)

	_, err = db.Backup(context.Background(), &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = db.Compact(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Nil(t, db.Store())
}

func TestStartOnDiskAndReopen(t *testing.T) {
	dir := t.TempDir()
	conf := Config{Paths: []string{dir}, Logger: logging.Discard(), CompactionInterval: -1, DisableIndex: true}

	db, err := New(conf)
	require.NoError(t, err)
	require.NoError(t, db.Start(context.Background()))
	require.NoError(t, db.Start(context.Background()))
	root, rev := createRoot(t, db.Store(), "persisted")
	require.NoError(t, db.Close(context.Background()))
	require.NoError(t, db.Close(context.Background()))

	_, err = db.Compact(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	for _, sub := range []string{"kv", "undo", "attachments"} {
		_, err := os.Stat(filepath.Join(dir, sub))
		assert.NoError(t, err, sub)
	}

	db, err = New(conf)
	require.NoError(t, err)
	require.NoError(t, db.Start(context.Background()))
	defer db.Close(context.Background())
	info, err := db.Store().PersistentRootInfo(root)
	require.NoError(t, err)
	assert.Equal(t, rev, info.CurrentRevision)
	assert.Nil(t, db.Index())
}

func TestComponentsShareTheDatabase(t *testing.T) {
	db := newTestDB(t, Config{InMemory: true})
	ctx := context.Background()

	id, err := db.Attachments().ImportData([]byte("attached bytes"))
	require.NoError(t, err)

	root, rev := createRoot(t, db.Store(), "Grocery list")
	require.Eventually(t, func() bool {
		hits, err := db.Index().Search("grocery", 10)
		return err == nil && len(hits) == 1 && hits[0].Root == root
	}, 5*time.Second, 10*time.Millisecond)

	info, err := db.Store().PersistentRootInfo(root)
	require.NoError(t, err)
	cur, err := db.Store().CurrentItemGraph(root)
	require.NoError(t, err)
	top, ok := cur.Item(cur.Root())
	require.True(t, ok)
	edited := cur.Clone()
	edited.InsertOrUpdateItems(top.Clone().Set("file", id.Value()))
	next := uuid.New()
	res, err := db.Store().Execute(ctx, store.NewTransaction(
		store.WriteRevision{
			Root: root, Branch: info.CurrentBranch, Revision: next, Parent: rev,
			Delta: item.ModifiedItems(cur, edited),
		},
		store.SetCurrentRevision{Root: root, Branch: info.CurrentBranch, Current: next, Head: next},
	).ExpectInfo(info))
	require.NoError(t, err)
	_, err = db.UndoTracks().Record("edits", res, root, info.CurrentBranch, rev, next, "attach file")
	require.NoError(t, err)

	_, err = db.UndoTracks().Undo(ctx, db.Store(), "edits")
	require.NoError(t, err)
	info, err = db.Store().PersistentRootInfo(root)
	require.NoError(t, err)
	assert.Equal(t, rev, info.CurrentRevision)

	data, err := db.Attachments().Data(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("attached bytes"), data)
}

func TestCompactFinalizesDeletedRoots(t *testing.T) {
	db := newTestDB(t, Config{InMemory: true, DisableIndex: true})
	ctx := context.Background()

	keep, _ := createRoot(t, db.Store(), "keep")
	gone, _ := createRoot(t, db.Store(), "gone")
	info, err := db.Store().PersistentRootInfo(gone)
	require.NoError(t, err)
	_, err = db.Store().Execute(ctx, store.NewTransaction(store.DeletePersistentRoot{Root: gone}).ExpectInfo(info))
	require.NoError(t, err)

	plan, err := db.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{gone}, plan.FinalizeRoots)

	_, err = db.Store().PersistentRootInfo(gone)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = db.Store().PersistentRootInfo(keep)
	assert.NoError(t, err)
}

func TestBackgroundCompaction(t *testing.T) {
	db := newTestDB(t, Config{InMemory: true, DisableIndex: true, CompactionInterval: 20 * time.Millisecond})
	ctx := context.Background()

	gone, _ := createRoot(t, db.Store(), "gone")
	info, err := db.Store().PersistentRootInfo(gone)
	require.NoError(t, err)
	_, err = db.Store().Execute(ctx, store.NewTransaction(store.DeletePersistentRoot{Root: gone}).ExpectInfo(info))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		roots, err := db.Store().PersistentRoots()
		return err == nil && len(roots) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestBackup(t *testing.T) {
	db := newTestDB(t, Config{InMemory: true, DisableIndex: true})
	createRoot(t, db.Store(), "backed up")

	var buf bytes.Buffer
	st, err := db.Backup(context.Background(), &buf)
	require.NoError(t, err)
	assert.NotZero(t, buf.Len())
	assert.Equal(t, int64(buf.Len()), st.LastBackupSize)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coreobject.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
paths: [/var/lib/coreobject]
logLevel: debug
snapshotInterval: 50
compactionInterval: 90s
disableIndex: true
`), 0o600))

	conf, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/var/lib/coreobject"}, conf.Paths)
	assert.Equal(t, 50, conf.SnapshotInterval)
	assert.Equal(t, 90*time.Second, conf.CompactionInterval)
	assert.True(t, conf.DisableIndex)
	assert.NotNil(t, conf.Logger)
}

func TestLoadConfigDefaultsAndErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "min.yaml")
	require.NoError(t, os.WriteFile(path, []byte("paths: [data]\n"), 0o600))
	conf, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultCompactionInterval, conf.CompactionInterval)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("paths: [data]\nlogLevel: loud\n"), 0o600))
	_, err = LoadConfig(bad)
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
