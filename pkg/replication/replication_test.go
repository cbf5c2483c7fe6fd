package replication

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etoile/CoreObject-sub001/internal/testutil"
	"github.com/etoile/CoreObject-sub001/pkg/item"
	"github.com/etoile/CoreObject-sub001/pkg/logging"
	"github.com/etoile/CoreObject-sub001/pkg/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	kv := testutil.NewKV(t)
	s, err := store.Open(kv, store.Options{Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type doc struct {
	root, branch, a uuid.UUID
}

func create(t *testing.T, s *store.Store) (doc, uuid.UUID) {
	t.Helper()
	d := doc{root: uuid.New(), branch: uuid.New(), a: uuid.New()}
	r0 := uuid.New()
	g := item.NewGraph(d.a)
	g.InsertOrUpdateItems(item.New(d.a).Set("title", item.NewString("draft")))
	_, err := s.Execute(context.Background(), store.NewTransaction(store.CreatePersistentRoot{
		Root: d.root, Branch: d.branch, Revision: r0, Graph: g,
	}))
	require.NoError(t, err)
	return d, r0
}

// set commits A.attr = v on the branch's current revision.
func set(t *testing.T, s *store.Store, d doc, attr, v string) uuid.UUID {
	t.Helper()
	b, err := s.BranchInfo(d.branch)
	require.NoError(t, err)
	g, err := s.ItemGraphForRevision(b.CurrentRevision)
	require.NoError(t, err)
	a, ok := g.Item(d.a)
	require.True(t, ok)
	delta := item.NewGraph(d.a)
	delta.InsertOrUpdateItems(a.Set(attr, item.NewString(v)))

	info, err := s.PersistentRootInfo(d.root)
	require.NoError(t, err)
	rev := uuid.New()
	_, err = s.Execute(context.Background(), store.NewTransaction().CommitRevision(store.WriteRevision{
		Root: d.root, Branch: d.branch, Revision: rev, Parent: b.CurrentRevision, Delta: delta,
	}).ExpectInfo(info))
	require.NoError(t, err)
	return rev
}

func attr(t *testing.T, s *store.Store, d doc, name string) string {
	t.Helper()
	g, err := s.CurrentItemGraph(d.root)
	require.NoError(t, err)
	a, ok := g.Item(d.a)
	require.True(t, ok)
	v, _ := a.Value(name)
	return v.Str()
}

func txID(t *testing.T, s *store.Store, d doc) int64 {
	t.Helper()
	info, err := s.PersistentRootInfo(d.root)
	require.NoError(t, err)
	return info.TransactionID
}

func TestBootstrapAndFastForward(t *testing.T) {
	ctx := context.Background()
	server, client := newStore(t), newStore(t)
	d, _ := create(t, server)
	r1 := set(t, server, d, "title", "one")

	bundles, err := Export(server, d.branch, uuid.Nil)
	require.NoError(t, err)
	require.Len(t, bundles, 2)

	wire, err := UnmarshalBundles(MarshalBundles(bundles))
	require.NoError(t, err)
	require.Len(t, wire, 2)
	assert.Equal(t, bundles[1].Revision.UUID, wire[1].Revision.UUID)
	assert.Equal(t, bundles[1].Revision.Parent, wire[1].Revision.Parent)

	_, err = Bootstrap(ctx, client, d.root, d.branch, wire)
	require.NoError(t, err)
	assert.Equal(t, "one", attr(t, client, d, "title"))

	r2 := set(t, server, d, "title", "two")
	more, err := Export(server, d.branch, r1)
	require.NoError(t, err)
	require.Len(t, more, 1)
	assert.Equal(t, r2, more[0].Revision.UUID)

	_, err = Apply(ctx, client, d.root, d.branch, more, txID(t, client, d))
	require.NoError(t, err)
	assert.Equal(t, "two", attr(t, client, d, "title"))

	sg, err := server.ItemGraphForRevision(r2)
	require.NoError(t, err)
	cg, err := client.ItemGraphForRevision(r2)
	require.NoError(t, err)
	assert.True(t, sg.Equal(cg))

	// Applying the same bundles again changes nothing.
	_, err = Apply(ctx, client, d.root, d.branch, more, txID(t, client, d))
	require.NoError(t, err)
}

func TestApplyRejectsMissingParent(t *testing.T) {
	ctx := context.Background()
	server, client := newStore(t), newStore(t)
	d, r0 := create(t, server)
	bundles, err := Export(server, d.branch, uuid.Nil)
	require.NoError(t, err)
	_, err = Bootstrap(ctx, client, d.root, d.branch, bundles)
	require.NoError(t, err)

	set(t, server, d, "title", "one")
	set(t, server, d, "title", "two")
	all, err := Export(server, d.branch, r0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	_, err = Apply(ctx, client, d.root, d.branch, all[1:], txID(t, client, d))
	assert.ErrorIs(t, err, ErrMissingParent)
}

func TestApplyRejectsDivergedBranch(t *testing.T) {
	ctx := context.Background()
	server, client := newStore(t), newStore(t)
	d, r0 := create(t, server)
	bundles, err := Export(server, d.branch, uuid.Nil)
	require.NoError(t, err)
	_, err = Bootstrap(ctx, client, d.root, d.branch, bundles)
	require.NoError(t, err)

	set(t, server, d, "title", "server")
	set(t, client, d, "title", "client")
	news, err := Export(server, d.branch, r0)
	require.NoError(t, err)

	_, err = Apply(ctx, client, d.root, d.branch, news, txID(t, client, d))
	assert.ErrorIs(t, err, ErrDiverged)
}

func TestRebaseFavorsServer(t *testing.T) {
	ctx := context.Background()
	server, client := newStore(t), newStore(t)
	d, r0 := create(t, server)
	bundles, err := Export(server, d.branch, uuid.Nil)
	require.NoError(t, err)
	_, err = Bootstrap(ctx, client, d.root, d.branch, bundles)
	require.NoError(t, err)

	serverRev := set(t, server, d, "title", "server")
	set(t, client, d, "title", "client")
	clientRev := set(t, client, d, "body", "text")

	push, err := Export(client, d.branch, r0)
	require.NoError(t, err)
	require.Len(t, push, 2)

	_, err = Rebase(ctx, server, d.root, d.branch, push, txID(t, server, d))
	require.NoError(t, err)

	assert.Equal(t, "server", attr(t, server, d, "title"))
	assert.Equal(t, "text", attr(t, server, d, "body"))

	b, err := server.BranchInfo(d.branch)
	require.NoError(t, err)
	merge, err := server.RevisionInfo(b.CurrentRevision)
	require.NoError(t, err)
	assert.Equal(t, serverRev, merge.Parent)
	assert.Equal(t, clientRev, merge.MergeParent)
	assert.Equal(t, store.KindMerge, merge.Kind())
}

func TestRebaseWithoutServerChangesFastForwards(t *testing.T) {
	ctx := context.Background()
	server, client := newStore(t), newStore(t)
	d, r0 := create(t, server)
	bundles, err := Export(server, d.branch, uuid.Nil)
	require.NoError(t, err)
	_, err = Bootstrap(ctx, client, d.root, d.branch, bundles)
	require.NoError(t, err)

	rev := set(t, client, d, "title", "client")
	push, err := Export(client, d.branch, r0)
	require.NoError(t, err)

	_, err = Rebase(ctx, server, d.root, d.branch, push, txID(t, server, d))
	require.NoError(t, err)
	b, err := server.BranchInfo(d.branch)
	require.NoError(t, err)
	assert.Equal(t, rev, b.CurrentRevision)
}

// setOn commits A.attr = v on branch, on top of parent.
func setOn(t *testing.T, s *store.Store, d doc, branch, parent uuid.UUID, attr, v string) uuid.UUID {
	t.Helper()
	g, err := s.ItemGraphForRevision(parent)
	require.NoError(t, err)
	a, ok := g.Item(d.a)
	require.True(t, ok)
	delta := item.NewGraph(d.a)
	delta.InsertOrUpdateItems(a.Set(attr, item.NewString(v)))

	info, err := s.PersistentRootInfo(d.root)
	require.NoError(t, err)
	rev := uuid.New()
	_, err = s.Execute(context.Background(), store.NewTransaction().CommitRevision(store.WriteRevision{
		Root: d.root, Branch: branch, Revision: rev, Parent: parent, Delta: delta,
	}).ExpectInfo(info))
	require.NoError(t, err)
	return rev
}

func TestExportCarriesMergedHistory(t *testing.T) {
	ctx := context.Background()
	server, early, late := newStore(t), newStore(t), newStore(t)
	d, r0 := create(t, server)
	r1 := set(t, server, d, "title", "one")

	bundles, err := Export(server, d.branch, uuid.Nil)
	require.NoError(t, err)
	_, err = Bootstrap(ctx, early, d.root, d.branch, bundles)
	require.NoError(t, err)

	side := uuid.New()
	_, err = server.Execute(ctx, store.NewTransaction(store.CreateBranch{
		Root: d.root, Branch: side, ParentBranch: d.branch, ForkRevision: r0,
	}).Expect(d.root, txID(t, server, d)))
	require.NoError(t, err)
	sideRev := setOn(t, server, d, side, r0, "body", "from side")
	res, err := server.MergeBranches(ctx, d.root, d.branch, side, store.MergeOptions{})
	require.NoError(t, err)

	// A fresh client gets the whole history, side revision included.
	all, err := Export(server, d.branch, uuid.Nil)
	require.NoError(t, err)
	require.Len(t, all, 4)
	pos := make(map[uuid.UUID]int)
	for i, b := range all {
		pos[b.Revision.UUID] = i
	}
	assert.Equal(t, 0, pos[r0])
	assert.Less(t, pos[sideRev], pos[res.Revision])
	assert.Less(t, pos[r1], pos[res.Revision])

	_, err = Bootstrap(ctx, late, d.root, d.branch, all)
	require.NoError(t, err)
	assert.Equal(t, "one", attr(t, late, d, "title"))
	assert.Equal(t, "from side", attr(t, late, d, "body"))

	// A client that already has r1 only needs the side revision and the merge.
	more, err := Export(server, d.branch, r1)
	require.NoError(t, err)
	require.Len(t, more, 2)
	assert.Equal(t, sideRev, more[0].Revision.UUID)
	assert.Equal(t, res.Revision, more[1].Revision.UUID)

	_, err = Apply(ctx, early, d.root, d.branch, more, txID(t, early, d))
	require.NoError(t, err)

	want, err := server.ItemGraphForRevision(res.Revision)
	require.NoError(t, err)
	for _, c := range []*store.Store{early, late} {
		got, err := c.ItemGraphForRevision(res.Revision)
		require.NoError(t, err)
		assert.True(t, want.Equal(got))
		merge, err := c.RevisionInfo(res.Revision)
		require.NoError(t, err)
		assert.Equal(t, sideRev, merge.MergeParent)
	}
}
