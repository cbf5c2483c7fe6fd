package undotrack

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etoile/CoreObject-sub001/internal/testutil"
	"github.com/etoile/CoreObject-sub001/pkg/item"
	"github.com/etoile/CoreObject-sub001/pkg/logging"
	"github.com/etoile/CoreObject-sub001/pkg/store"
)

type doc struct {
	s               *store.Store
	root, branch, a uuid.UUID
	head            uuid.UUID
}

func newDoc(t *testing.T) *doc {
	t.Helper()
	s, err := store.Open(testutil.NewKV(t), store.Options{Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	d := &doc{s: s, root: uuid.New(), branch: uuid.New(), a: uuid.New(), head: uuid.New()}
	g := item.NewGraph(d.a)
	g.InsertOrUpdateItems(item.New(d.a).Set("title", item.NewString("draft")))
	_, err = s.Execute(context.Background(), store.NewTransaction(store.CreatePersistentRoot{
		Root: d.root, Branch: d.branch, Revision: d.head, Graph: g,
	}))
	require.NoError(t, err)
	return d
}

// edit commits title = v and records the move on track.
func (d *doc) edit(t *testing.T, u *DB, track, v string) Command {
	t.Helper()
	info, err := d.s.PersistentRootInfo(d.root)
	require.NoError(t, err)
	delta := item.NewGraph(d.a)
	delta.InsertOrUpdateItems(item.New(d.a).Set("title", item.NewString(v)))
	rev := uuid.New()
	res, err := d.s.Execute(context.Background(), store.NewTransaction().CommitRevision(store.WriteRevision{
		Root: d.root, Branch: d.branch, Revision: rev, Parent: d.head, Delta: delta,
	}).ExpectInfo(info))
	require.NoError(t, err)

	c, err := u.Record(track, res, d.root, d.branch, d.head, rev, "set title to "+v)
	require.NoError(t, err)
	d.head = rev
	return c
}

func (d *doc) title(t *testing.T) string {
	t.Helper()
	g, err := d.s.CurrentItemGraph(d.root)
	require.NoError(t, err)
	it, ok := g.Item(d.a)
	require.True(t, ok)
	v, ok := it.Value("title")
	require.True(t, ok)
	return v.Str()
}

func TestUndoRedo(t *testing.T) {
	ctx := context.Background()
	d := newDoc(t)
	u := Open(testutil.NewKV(t), logging.Discard())

	c1 := d.edit(t, u, "editor", "one")
	c2 := d.edit(t, u, "editor", "two")
	assert.Equal(t, c1.ID, c2.Parent)
	assert.Equal(t, "two", d.title(t))

	undone, err := u.Undo(ctx, d.s, "editor")
	require.NoError(t, err)
	assert.Equal(t, c2.ID, undone.ID)
	assert.Equal(t, "one", d.title(t))

	cur, ok, err := u.Current("editor")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c1.ID, cur.ID)

	redone, err := u.Redo(ctx, d.s, "editor")
	require.NoError(t, err)
	assert.Equal(t, c2.ID, redone.ID)
	assert.Equal(t, "two", d.title(t))

	_, err = u.Redo(ctx, d.s, "editor")
	assert.ErrorIs(t, err, ErrNothingToRedo)
}

func TestUndoPastFirstCommand(t *testing.T) {
	ctx := context.Background()
	d := newDoc(t)
	u := Open(testutil.NewKV(t), logging.Discard())

	d.edit(t, u, "editor", "one")
	_, err := u.Undo(ctx, d.s, "editor")
	require.NoError(t, err)
	assert.Equal(t, "draft", d.title(t))

	_, ok, err := u.Current("editor")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = u.Undo(ctx, d.s, "editor")
	assert.ErrorIs(t, err, ErrNothingToUndo)
}

func TestAppendAfterUndoBranchesTheTrack(t *testing.T) {
	ctx := context.Background()
	d := newDoc(t)
	u := Open(testutil.NewKV(t), logging.Discard())

	c1 := d.edit(t, u, "editor", "one")
	d.edit(t, u, "editor", "two")
	_, err := u.Undo(ctx, d.s, "editor")
	require.NoError(t, err)
	d.head = c1.NewRevision

	c3 := d.edit(t, u, "editor", "three")
	assert.Equal(t, c1.ID, c3.Parent)

	_, err = u.Undo(ctx, d.s, "editor")
	require.NoError(t, err)
	// Redo follows the newest child.
	redone, err := u.Redo(ctx, d.s, "editor")
	require.NoError(t, err)
	assert.Equal(t, c3.ID, redone.ID)

	cmds, err := u.Commands("editor")
	require.NoError(t, err)
	assert.Len(t, cmds, 3)
}

func TestTracksAreIndependent(t *testing.T) {
	d := newDoc(t)
	u := Open(testutil.NewKV(t), logging.Discard())

	d.edit(t, u, "a", "one")
	d.edit(t, u, "b", "two")

	tracks, err := u.Tracks()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tracks)

	cmds, err := u.Commands("a")
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "set title to one", cmds[0].Description)

	_, err = u.Commands("bad/name")
	assert.ErrorIs(t, err, ErrInvalidTrack)
}

func TestDropBeforeAndCompactionBoundary(t *testing.T) {
	d := newDoc(t)
	u := Open(testutil.NewKV(t), logging.Discard())

	c1 := d.edit(t, u, "editor", "one")
	c2 := d.edit(t, u, "editor", "two")
	c3 := d.edit(t, u, "editor", "three")

	b, err := u.CompactionBoundary()
	require.NoError(t, err)
	assert.Equal(t, c1.Sequence, b.KeepAfterSequence)
	assert.Contains(t, b.KeepRevisions, c1.OldRevision)

	n, err := u.DropBefore("editor", c2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = u.Command("editor", c1.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	kept, err := u.Command("editor", c2.ID)
	require.NoError(t, err)
	assert.Equal(t, ulid.ULID{}, kept.Parent)

	b, err = u.CompactionBoundary()
	require.NoError(t, err)
	assert.Equal(t, c2.Sequence, b.KeepAfterSequence)
	assert.NotContains(t, b.KeepRevisions, c1.OldRevision)
	assert.Contains(t, b.KeepRevisions, c3.NewRevision)

	// The current command survives whatever the cut.
	_, err = u.DropBefore("editor", ulid.Make())
	require.NoError(t, err)
	cur, ok, err := u.Current("editor")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c3.ID, cur.ID)
}
