package diff

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etoile/CoreObject-sub001/pkg/item"
)

func ints(vs ...int64) item.Value {
	elems := make([]item.Value, len(vs))
	for i, v := range vs {
		elems[i] = item.NewInt(v)
	}
	return item.NewArray(item.Int64, elems...)
}

func graphWith(root uuid.UUID, items ...*item.Item) *item.Graph {
	g := item.NewGraph(root)
	g.InsertOrUpdateItems(items...)
	return g
}

func mustValue(t *testing.T, g *item.Graph, id uuid.UUID, attr string) item.Value {
	t.Helper()
	it, ok := g.Item(id)
	require.True(t, ok, "item %s missing", id)
	v, ok := it.Value(attr)
	require.True(t, ok, "attribute %s missing", attr)
	return v
}

func TestDiff_SameGraphIsEmpty(t *testing.T) {
	root := uuid.New()
	g := graphWith(root, item.New(root).Set("name", item.NewString("a")).Set("list", ints(1, 2, 3)))

	d := Diff(g, g, "x")
	assert.True(t, d.IsEmpty())
	assert.Equal(t, Clean, d.State())

	target := g.Clone()
	changed, err := d.ApplyTo(target)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, target.Equal(g))
}

func TestDiff_EditKinds(t *testing.T) {
	root := uuid.New()
	a := graphWith(root, item.New(root).
		Set("name", item.NewString("a")).
		Set("gone", item.NewInt(1)).
		Set("tags", item.NewSet(item.String, item.NewString("x"), item.NewString("y"))).
		Set("list", ints(1, 2, 3, 4)))
	newItem := uuid.New()
	b := graphWith(root,
		item.New(root).
			Set("name", item.NewString("b")).
			Set("tags", item.NewSet(item.String, item.NewString("y"), item.NewString("z"))).
			Set("list", ints(1, 9, 3)).
			Set("child", item.NewComposite(newItem)),
		item.New(newItem).Set("label", item.NewString("new")))

	d := Diff(a, b, "b")
	kinds := map[Kind]int{}
	for _, e := range d.Edits() {
		kinds[e.Kind]++
		assert.Equal(t, "b", e.Source)
	}
	assert.Equal(t, 3, kinds[SetAttribute]) // name, child, label
	assert.Equal(t, 1, kinds[DeleteAttribute])
	assert.Equal(t, 1, kinds[SetInsertion])
	assert.Equal(t, 1, kinds[SetDeletion])
	assert.Equal(t, 1, kinds[SequenceModification])
	assert.Equal(t, 1, kinds[SequenceDeletion])

	require.Len(t, d.Insertions(), 1)
	assert.Equal(t, Insertion{Child: newItem, Parent: root, Attribute: "child", Source: "b"}, d.Insertions()[0])

	target := a.Clone()
	changed, err := d.ApplyTo(target)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, target.Equal(b))

	changed, err = d.ApplyTo(target)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestDiff_RecreatesItemWithoutAttributes(t *testing.T) {
	root, bare := uuid.New(), uuid.New()
	a := graphWith(root, item.New(root))
	b := graphWith(root, item.New(root).Set("child", item.NewComposite(bare)), item.New(bare))

	d := Diff(a, b, "b")
	assert.Equal(t, []uuid.UUID{bare}, d.Created())
	assert.False(t, d.IsEmpty())

	target := a.Clone()
	changed, err := d.ApplyTo(target)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, target.Equal(b))
	require.NoError(t, target.Validate())

	// only one side creates it; the merge still does
	m := Merge(Diff(a, a, "a"), d)
	assert.Equal(t, []uuid.UUID{bare}, m.Created())
	merged := a.Clone()
	_, err = m.ApplyTo(merged)
	require.NoError(t, err)
	assert.True(t, merged.Equal(b))
}

func TestDiff_ItemsOnlyInSourceProduceNoEdits(t *testing.T) {
	root, orphan := uuid.New(), uuid.New()
	a := graphWith(root, item.New(root).Set("child", item.NewComposite(orphan)), item.New(orphan))
	b := graphWith(root, item.New(root))

	d := Diff(a, b, "b")
	for _, e := range d.Edits() {
		assert.NotEqual(t, orphan, e.UUID)
	}
}

func TestDiff_AtomicStrategy(t *testing.T) {
	root := uuid.New()
	a := graphWith(root, item.New(root).Set(item.EntityNameAttribute, item.NewString("Text")).Set("chars", ints(1, 2, 3)))
	b := graphWith(root, item.New(root).Set(item.EntityNameAttribute, item.NewString("Text")).Set("chars", ints(1, 3)))

	generic := Diff(a, b, "b")
	require.Len(t, generic.Edits(), 1)
	assert.Equal(t, SequenceDeletion, generic.Edits()[0].Kind)

	atomic := Diff(a, b, "b", WithMetamodel(Metamodel{"Text": Atomic}))
	require.Len(t, atomic.Edits(), 1)
	assert.Equal(t, SetAttribute, atomic.Edits()[0].Kind)
	assert.True(t, atomic.Edits()[0].Value.Equal(ints(1, 3)))
}

func TestMerge_DisjointAttributes(t *testing.T) {
	root := uuid.New()
	base := graphWith(root, item.New(root).Set("x", item.NewInt(0)).Set("y", item.NewInt(0)))
	a := graphWith(root, item.New(root).Set("x", item.NewInt(1)).Set("y", item.NewInt(0)))
	b := graphWith(root, item.New(root).Set("x", item.NewInt(0)).Set("y", item.NewInt(2)))

	m := Merge(Diff(base, a, "a"), Diff(base, b, "b"))
	assert.Equal(t, Clean, m.State())
	assert.Empty(t, m.Conflicts())

	merged := base.Clone()
	_, err := m.ApplyTo(merged)
	require.NoError(t, err)
	assert.EqualValues(t, 1, mustValue(t, merged, root, "x").Int())
	assert.EqualValues(t, 2, mustValue(t, merged, root, "y").Int())
}

func TestMerge_EqualEditIsNotAConflict(t *testing.T) {
	root := uuid.New()
	base := graphWith(root, item.New(root).Set("x", item.NewInt(0)))
	a := graphWith(root, item.New(root).Set("x", item.NewInt(5)))
	b := graphWith(root, item.New(root).Set("x", item.NewInt(5)))

	m := Merge(Diff(base, a, "a"), Diff(base, b, "b"))
	assert.Equal(t, Clean, m.State())
	assert.Empty(t, m.Conflicts())
	require.Len(t, m.EqualEdits(), 1)
	assert.ElementsMatch(t, []string{"a", "b"}, m.EqualEdits()[0].Sources)
	assert.Len(t, m.Edits(), 1)

	merged := base.Clone()
	_, err := m.ApplyTo(merged)
	require.NoError(t, err)
	assert.EqualValues(t, 5, mustValue(t, merged, root, "x").Int())
}

func TestMerge_ValueConflict(t *testing.T) {
	root := uuid.New()
	base := graphWith(root, item.New(root).Set("x", item.NewInt(0)))
	a := graphWith(root, item.New(root).Set("x", item.NewInt(1)))
	b := graphWith(root, item.New(root).Set("x", item.NewInt(2)))

	m := Merge(Diff(base, a, "a"), Diff(base, b, "b"))
	assert.Equal(t, HasConflicts, m.State())
	require.Len(t, m.Conflicts(), 1)
	assert.Equal(t, ValueConflict, m.Conflicts()[0].Kind)

	_, err := m.ApplyTo(base.Clone())
	assert.ErrorIs(t, err, ErrUnresolvedConflicts)

	assert.ErrorIs(t, m.ResolveFavoring("c"), ErrUnknownSource)
	require.NoError(t, m.ResolveFavoring("a"))
	assert.Equal(t, Resolved, m.State())

	merged := base.Clone()
	_, err = m.ApplyTo(merged)
	require.NoError(t, err)
	assert.Equal(t, Clean, m.State())
	assert.EqualValues(t, 1, mustValue(t, merged, root, "x").Int())
}

func TestMerge_EditTypeConflict(t *testing.T) {
	root := uuid.New()
	base := graphWith(root, item.New(root).Set("x", item.NewInt(0)))
	a := graphWith(root, item.New(root))
	b := graphWith(root, item.New(root).Set("x", item.NewInt(2)))

	m := Merge(Diff(base, a, "a"), Diff(base, b, "b"))
	require.Len(t, m.Conflicts(), 1)
	assert.Equal(t, EditTypeConflict, m.Conflicts()[0].Kind)

	require.NoError(t, m.ResolveFavoring("a"))
	merged := base.Clone()
	_, err := m.ApplyTo(merged)
	require.NoError(t, err)
	it, _ := merged.Item(root)
	_, has := it.Value("x")
	assert.False(t, has)
}

func TestMerge_SequenceEdits(t *testing.T) {
	root := uuid.New()
	base := graphWith(root, item.New(root).Set("list", ints(1, 2, 3, 4, 5)))
	a := graphWith(root, item.New(root).Set("list", ints(1, 2, 7, 3, 4, 5)))
	b := graphWith(root, item.New(root).Set("list", ints(1, 2, 3, 4)))

	m := Merge(Diff(base, a, "a"), Diff(base, b, "b"))
	require.Empty(t, m.Conflicts())
	merged := base.Clone()
	_, err := m.ApplyTo(merged)
	require.NoError(t, err)
	assert.True(t, ints(1, 2, 7, 3, 4).Equal(mustValue(t, merged, root, "list")))
}

func TestMerge_SequenceConflict(t *testing.T) {
	root := uuid.New()
	base := graphWith(root, item.New(root).Set("list", ints(1, 2, 3, 4, 5)))
	a := graphWith(root, item.New(root).Set("list", ints(1, 2, 9, 4, 5)))
	b := graphWith(root, item.New(root).Set("list", ints(1, 2, 4, 5)))

	m := Merge(Diff(base, a, "a"), Diff(base, b, "b"))
	require.Len(t, m.Conflicts(), 1)
	c := m.Conflicts()[0]
	assert.Equal(t, SequenceEditConflict, c.Kind)
	assert.Len(t, c.Edits["a"], 1)
	assert.Len(t, c.Edits["b"], 1)

	require.NoError(t, m.ResolveConflict(c, "a"))
	merged := base.Clone()
	_, err := m.ApplyTo(merged)
	require.NoError(t, err)
	assert.True(t, ints(1, 2, 9, 4, 5).Equal(mustValue(t, merged, root, "list")))
}

func TestMerge_SetEditsUnion(t *testing.T) {
	root := uuid.New()
	s := func(vs ...string) item.Value {
		elems := make([]item.Value, len(vs))
		for i, v := range vs {
			elems[i] = item.NewString(v)
		}
		return item.NewSet(item.String, elems...)
	}
	base := graphWith(root, item.New(root).Set("tags", s("a", "b")))
	a := graphWith(root, item.New(root).Set("tags", s("a", "b", "c", "d")))
	b := graphWith(root, item.New(root).Set("tags", s("b", "c")))

	m := Merge(Diff(base, a, "a"), Diff(base, b, "b"))
	require.Empty(t, m.Conflicts())
	require.Len(t, m.EqualEdits(), 1)

	merged := base.Clone()
	_, err := m.ApplyTo(merged)
	require.NoError(t, err)
	assert.True(t, s("b", "c", "d").Equal(mustValue(t, merged, root, "tags")))
}

func TestMerge_EmbeddedItemInsertionConflict(t *testing.T) {
	root, p1, p2, child := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	rootItem := item.New(root).Set("left", item.NewComposite(p1)).Set("right", item.NewComposite(p2))
	base := graphWith(root, rootItem, item.New(p1), item.New(p2))
	a := graphWith(root, rootItem, item.New(p1).Set("child", item.NewComposite(child)), item.New(p2),
		item.New(child).Set("name", item.NewString("c")))
	b := graphWith(root, rootItem, item.New(p1), item.New(p2).Set("child", item.NewComposite(child)),
		item.New(child).Set("name", item.NewString("c")))

	m := Merge(Diff(base, a, "a"), Diff(base, b, "b"))
	require.Len(t, m.Conflicts(), 1)
	c := m.Conflicts()[0]
	assert.Equal(t, EmbeddedItemInsertionConflict, c.Kind)
	assert.Equal(t, child, c.Child)
	assert.Len(t, m.EqualEdits(), 1)

	require.NoError(t, m.ResolveFavoring("b"))
	merged := base.Clone()
	_, err := m.ApplyTo(merged)
	require.NoError(t, err)
	require.NoError(t, merged.Validate())

	p1Item, _ := merged.Item(p1)
	_, has := p1Item.Value("child")
	assert.False(t, has)
	assert.Equal(t, child, mustValue(t, merged, p2, "child").UUID())
}
