package store

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/etoile/CoreObject-sub001/pkg/item"
)

// Action is one structural change of a transaction. Every action is scoped
// to the persistent roots it names.
type Action interface {
	// Roots lists the persistent roots the action reads or changes.
	Roots() []uuid.UUID
	Name() string
	apply(c *commitState) error
}

// CreatePersistentRoot creates a root with one branch. A new history starts
// from Graph; a cheap copy instead names CopyFrom, shares that revision's
// backing store and starts with an empty revision whose parent is CopyFrom.
type CreatePersistentRoot struct {
	Root     uuid.UUID
	Branch   uuid.UUID
	Revision uuid.UUID

	Graph    *item.Graph
	CopyFrom uuid.UUID

	SchemaVersion    int64
	Metadata         map[string]string
	BranchMetadata   map[string]string
	RevisionMetadata map[string]string
}

func (a CreatePersistentRoot) Roots() []uuid.UUID { return []uuid.UUID{a.Root} }
func (a CreatePersistentRoot) Name() string       { return "CreatePersistentRoot" }

func (a CreatePersistentRoot) apply(c *commitState) error {
	if a.Root == uuid.Nil || a.Branch == uuid.Nil || a.Revision == uuid.Nil {
		return fmt.Errorf("%w: root, branch and revision UUIDs are required", ErrInvalidAction)
	}
	if err := c.mustNotExist(rootKey(a.Root), "persistent root", a.Root); err != nil {
		return err
	}
	if err := c.mustNotExist(branchKey(a.Branch), "branch", a.Branch); err != nil {
		return err
	}

	root := &rootRecord{
		UUID:          a.Root,
		BackingStore:  a.Root,
		CurrentBranch: a.Branch,
		Branches:      []uuid.UUID{a.Branch},
		Metadata:      maps.Clone(a.Metadata),
	}
	branch := &branchRecord{UUID: a.Branch, Root: a.Root, Metadata: maps.Clone(a.BranchMetadata)}
	rev := &revRecord{
		UUID:          a.Revision,
		Root:          a.Root,
		Branch:        a.Branch,
		SchemaVersion: a.SchemaVersion,
		Metadata:      maps.Clone(a.RevisionMetadata),
	}

	delta := a.Graph
	if a.CopyFrom != uuid.Nil {
		src, err := c.revision(a.CopyFrom)
		if err != nil {
			return err
		}
		root.BackingStore = src.BackingStore
		branch.ParentRevision = src.UUID
		rev.Parent = src.UUID
		delta = item.NewGraph(uuid.Nil)
	} else {
		if delta == nil || delta.Root() == uuid.Nil {
			return fmt.Errorf("%w: a new persistent root needs an item graph with a root item", ErrInvalidAction)
		}
		if ok, err := c.storeExists(root.BackingStore); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%w: backing store %s", ErrExists, root.BackingStore)
		}
	}
	rev.BackingStore = root.BackingStore

	c.created[a.Root] = struct{}{}
	if err := c.putRoot(root); err != nil {
		return err
	}
	if err := c.txn.Set(storeUseKey(root.BackingStore, root.UUID), nil); err != nil {
		return err
	}
	if err := c.writeRevision(rev, delta); err != nil {
		return err
	}
	branch.Current, branch.Head = rev.UUID, rev.UUID
	return c.putBranch(branch)
}

// CreateBranch forks a branch at ForkRevision. The new branch starts with
// its current and head revision at the fork point.
type CreateBranch struct {
	Root         uuid.UUID
	Branch       uuid.UUID
	ParentBranch uuid.UUID
	ForkRevision uuid.UUID
	Metadata     map[string]string
}

func (a CreateBranch) Roots() []uuid.UUID { return []uuid.UUID{a.Root} }
func (a CreateBranch) Name() string       { return "CreateBranch" }

func (a CreateBranch) apply(c *commitState) error {
	root, err := c.liveRoot(a.Root)
	if err != nil {
		return err
	}
	if a.Branch == uuid.Nil {
		return fmt.Errorf("%w: branch UUID is required", ErrInvalidAction)
	}
	if err := c.mustNotExist(branchKey(a.Branch), "branch", a.Branch); err != nil {
		return err
	}
	fork, err := c.revision(a.ForkRevision)
	if err != nil {
		return err
	}
	if fork.BackingStore != root.BackingStore {
		return fmt.Errorf("%w: fork revision %s is not in the history of %s", ErrInvalidAction, fork.UUID, a.Root)
	}
	if a.ParentBranch != uuid.Nil {
		if _, err := c.branchOf(root, a.ParentBranch); err != nil {
			return err
		}
	}

	root.Branches = append(root.Branches, a.Branch)
	if err := c.putRoot(root); err != nil {
		return err
	}
	return c.putBranch(&branchRecord{
		UUID:           a.Branch,
		Root:           a.Root,
		ParentBranch:   a.ParentBranch,
		ParentRevision: fork.UUID,
		Current:        fork.UUID,
		Head:           fork.UUID,
		Metadata:       maps.Clone(a.Metadata),
	})
}

// WriteRevision stores a new revision on a branch. It does not move the
// branch; pair it with SetCurrentRevision (see Transaction.CommitRevision).
// Delta holds only the items that changed relative to Parent.
type WriteRevision struct {
	Root          uuid.UUID
	Branch        uuid.UUID
	Revision      uuid.UUID
	Parent        uuid.UUID
	MergeParent   uuid.UUID
	Delta         *item.Graph
	SchemaVersion int64
	Metadata      map[string]string
	// Date defaults to the commit time.
	Date time.Time
}

func (a WriteRevision) Roots() []uuid.UUID { return []uuid.UUID{a.Root} }
func (a WriteRevision) Name() string       { return "WriteRevision" }

func (a WriteRevision) apply(c *commitState) error {
	root, err := c.liveRoot(a.Root)
	if err != nil {
		return err
	}
	branch, err := c.branchOf(root, a.Branch)
	if err != nil {
		return err
	}
	if branch.Deleted {
		return fmt.Errorf("%w: branch %s is deleted", ErrInvalidAction, a.Branch)
	}
	if a.Revision == uuid.Nil {
		return fmt.Errorf("%w: revision UUID is required", ErrInvalidAction)
	}
	rev := &revRecord{
		UUID:          a.Revision,
		Parent:        a.Parent,
		MergeParent:   a.MergeParent,
		Root:          a.Root,
		Branch:        a.Branch,
		BackingStore:  root.BackingStore,
		SchemaVersion: a.SchemaVersion,
		Metadata:      maps.Clone(a.Metadata),
	}
	if !a.Date.IsZero() {
		rev.Date = a.Date.UnixNano()
	}
	return c.writeRevision(rev, a.Delta)
}

// SetCurrentRevision moves a branch. A nil Head keeps the branch's head.
type SetCurrentRevision struct {
	Root    uuid.UUID
	Branch  uuid.UUID
	Current uuid.UUID
	Head    uuid.UUID
}

func (a SetCurrentRevision) Roots() []uuid.UUID { return []uuid.UUID{a.Root} }
func (a SetCurrentRevision) Name() string       { return "SetCurrentRevision" }

func (a SetCurrentRevision) apply(c *commitState) error {
	root, err := c.liveRoot(a.Root)
	if err != nil {
		return err
	}
	branch, err := c.branchOf(root, a.Branch)
	if err != nil {
		return err
	}
	if a.Current == uuid.Nil {
		return fmt.Errorf("%w: current revision is required", ErrInvalidAction)
	}
	if err := c.checkOnBranch(branch, a.Current); err != nil {
		return err
	}
	branch.Current = a.Current
	if a.Head != uuid.Nil {
		if err := c.checkOnBranch(branch, a.Head); err != nil {
			return err
		}
		branch.Head = a.Head
	}
	if branch.Head == uuid.Nil {
		branch.Head = branch.Current
	}
	return c.putBranch(branch)
}

type SetCurrentBranch struct {
	Root   uuid.UUID
	Branch uuid.UUID
}

func (a SetCurrentBranch) Roots() []uuid.UUID { return []uuid.UUID{a.Root} }
func (a SetCurrentBranch) Name() string       { return "SetCurrentBranch" }

func (a SetCurrentBranch) apply(c *commitState) error {
	root, err := c.liveRoot(a.Root)
	if err != nil {
		return err
	}
	branch, err := c.branchOf(root, a.Branch)
	if err != nil {
		return err
	}
	if branch.Deleted {
		return fmt.Errorf("%w: branch %s is deleted", ErrInvalidAction, a.Branch)
	}
	root.CurrentBranch = a.Branch
	return c.putRoot(root)
}

// SetBranchMetadata replaces the metadata of a branch.
type SetBranchMetadata struct {
	Root     uuid.UUID
	Branch   uuid.UUID
	Metadata map[string]string
}

func (a SetBranchMetadata) Roots() []uuid.UUID { return []uuid.UUID{a.Root} }
func (a SetBranchMetadata) Name() string       { return "SetBranchMetadata" }

func (a SetBranchMetadata) apply(c *commitState) error {
	root, err := c.liveRoot(a.Root)
	if err != nil {
		return err
	}
	branch, err := c.branchOf(root, a.Branch)
	if err != nil {
		return err
	}
	branch.Metadata = maps.Clone(a.Metadata)
	return c.putBranch(branch)
}

// SetPersistentRootMetadata replaces the metadata of a root.
type SetPersistentRootMetadata struct {
	Root     uuid.UUID
	Metadata map[string]string
}

func (a SetPersistentRootMetadata) Roots() []uuid.UUID { return []uuid.UUID{a.Root} }
func (a SetPersistentRootMetadata) Name() string       { return "SetPersistentRootMetadata" }

func (a SetPersistentRootMetadata) apply(c *commitState) error {
	root, err := c.liveRoot(a.Root)
	if err != nil {
		return err
	}
	root.Metadata = maps.Clone(a.Metadata)
	return c.putRoot(root)
}

type DeleteBranch struct {
	Root   uuid.UUID
	Branch uuid.UUID
}

func (a DeleteBranch) Roots() []uuid.UUID { return []uuid.UUID{a.Root} }
func (a DeleteBranch) Name() string       { return "DeleteBranch" }

func (a DeleteBranch) apply(c *commitState) error {
	return c.setBranchDeleted(a.Root, a.Branch, true)
}

type UndeleteBranch struct {
	Root   uuid.UUID
	Branch uuid.UUID
}

func (a UndeleteBranch) Roots() []uuid.UUID { return []uuid.UUID{a.Root} }
func (a UndeleteBranch) Name() string       { return "UndeleteBranch" }

func (a UndeleteBranch) apply(c *commitState) error {
	return c.setBranchDeleted(a.Root, a.Branch, false)
}

func (c *commitState) setBranchDeleted(rootID, branchID uuid.UUID, deleted bool) error {
	root, err := c.root(rootID)
	if err != nil {
		return err
	}
	branch, err := c.branchOf(root, branchID)
	if err != nil {
		return err
	}
	if deleted && root.CurrentBranch == branchID {
		return fmt.Errorf("%w: branch %s is the current branch", ErrInvalidAction, branchID)
	}
	branch.Deleted = deleted
	return c.putBranch(branch)
}

// DeletePersistentRoot tombstones a root. Its branches report deleted
// until the root is undeleted; nothing is erased before compaction.
type DeletePersistentRoot struct {
	Root uuid.UUID
}

func (a DeletePersistentRoot) Roots() []uuid.UUID { return []uuid.UUID{a.Root} }
func (a DeletePersistentRoot) Name() string       { return "DeletePersistentRoot" }

func (a DeletePersistentRoot) apply(c *commitState) error {
	root, err := c.root(a.Root)
	if err != nil {
		return err
	}
	root.Deleted = true
	return c.putRoot(root)
}

type UndeletePersistentRoot struct {
	Root uuid.UUID
}

func (a UndeletePersistentRoot) Roots() []uuid.UUID { return []uuid.UUID{a.Root} }
func (a UndeletePersistentRoot) Name() string       { return "UndeletePersistentRoot" }

func (a UndeletePersistentRoot) apply(c *commitState) error {
	root, err := c.root(a.Root)
	if err != nil {
		return err
	}
	root.Deleted = false
	return c.putRoot(root)
}

// FinalizePersistentRoot erases a deleted root and its branches. The
// backing store goes with it unless a cheap copy still uses it.
type FinalizePersistentRoot struct {
	Root uuid.UUID
}

func (a FinalizePersistentRoot) Roots() []uuid.UUID { return []uuid.UUID{a.Root} }
func (a FinalizePersistentRoot) Name() string       { return "FinalizePersistentRoot" }

func (a FinalizePersistentRoot) apply(c *commitState) error {
	root, err := c.root(a.Root)
	if err != nil {
		return err
	}
	if !root.Deleted {
		return fmt.Errorf("%w: persistent root %s is not deleted", ErrInvalidAction, a.Root)
	}
	for _, b := range root.Branches {
		if err := c.txn.Delete(branchKey(b)); err != nil {
			return err
		}
		delete(c.branches, b)
	}
	if err := c.txn.Delete(rootKey(a.Root)); err != nil {
		return err
	}
	delete(c.roots, a.Root)
	c.finalized[a.Root] = struct{}{}
	if err := c.txn.Delete(storeUseKey(root.BackingStore, a.Root)); err != nil {
		return err
	}

	users, err := listUUIDs(c.txn, string(storeUsersPrefix(root.BackingStore)))
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}
	return c.dropStore(root.BackingStore)
}

// FinalizeBranch erases a deleted branch that is not current. Its
// revisions stay until a DeleteRevisions action removes them.
type FinalizeBranch struct {
	Root   uuid.UUID
	Branch uuid.UUID
}

func (a FinalizeBranch) Roots() []uuid.UUID { return []uuid.UUID{a.Root} }
func (a FinalizeBranch) Name() string       { return "FinalizeBranch" }

func (a FinalizeBranch) apply(c *commitState) error {
	root, err := c.root(a.Root)
	if err != nil {
		return err
	}
	branch, err := c.branchOf(root, a.Branch)
	if err != nil {
		return err
	}
	if !branch.Deleted || root.CurrentBranch == a.Branch {
		return fmt.Errorf("%w: branch %s is live", ErrInvalidAction, a.Branch)
	}
	kept := root.Branches[:0]
	for _, b := range root.Branches {
		if b != a.Branch {
			kept = append(kept, b)
		}
	}
	root.Branches = kept
	if err := c.putRoot(root); err != nil {
		return err
	}
	delete(c.branches, a.Branch)
	return c.txn.Delete(branchKey(a.Branch))
}

// DeleteRevisions removes revisions from a shared backing store. Roots
// must list every root using the backing store. Revisions a surviving
// branch points at cannot be deleted; retained revisions lose their links
// to deleted parents.
type DeleteRevisions struct {
	BackingStore    uuid.UUID
	PersistentRoots []uuid.UUID
	Revisions       []uuid.UUID
}

func (a DeleteRevisions) Roots() []uuid.UUID { return a.PersistentRoots }
func (a DeleteRevisions) Name() string       { return "DeleteRevisions" }

func (a DeleteRevisions) apply(c *commitState) error {
	users, err := listUUIDs(c.txn, string(storeUsersPrefix(a.BackingStore)))
	if err != nil {
		return err
	}
	declared := item.UUIDSet(a.PersistentRoots...)
	pinned := make(map[uuid.UUID]uuid.UUID)
	for _, id := range users {
		if _, ok := declared[id]; !ok {
			return fmt.Errorf("%w: persistent root %s also uses backing store %s", ErrInvalidAction, id, a.BackingStore)
		}
		root, err := c.root(id)
		if err != nil {
			return err
		}
		for _, bid := range root.Branches {
			b, err := c.branch(bid)
			if err != nil {
				return err
			}
			for _, rev := range []uuid.UUID{b.Current, b.Head, b.ParentRevision} {
				if rev != uuid.Nil {
					pinned[rev] = b.UUID
				}
			}
		}
	}

	dead := item.UUIDSet(a.Revisions...)
	indexes := make([]int64, 0, len(dead))
	recs := make([]*revRecord, 0, len(dead))
	for _, id := range a.Revisions {
		if b, ok := pinned[id]; ok {
			return fmt.Errorf("%w: revision %s is used by branch %s", ErrInvalidAction, id, b)
		}
		rec, err := c.revision(id)
		if err != nil {
			return err
		}
		if rec.BackingStore != a.BackingStore {
			return fmt.Errorf("%w: revision %s is not in backing store %s", ErrInvalidAction, id, a.BackingStore)
		}
		indexes = append(indexes, rec.Index)
		recs = append(recs, rec)
	}

	bs, err := c.store(a.BackingStore)
	if err != nil {
		return err
	}
	if err := bs.DeleteRevisions(indexes); err != nil {
		return err
	}

	for _, rec := range recs {
		children, err := listChildren(c.txn, rec.UUID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if _, ok := dead[child]; ok {
				continue
			}
			cr, err := c.revision(child)
			if err != nil {
				return err
			}
			if cr.Parent == rec.UUID {
				cr.Parent = uuid.Nil
			}
			if cr.MergeParent == rec.UUID {
				cr.MergeParent = uuid.Nil
			}
			if err := c.txn.Set(revKey(cr.UUID), encodeRevision(cr)); err != nil {
				return err
			}
		}
		if err := c.forgetRevision(rec); err != nil {
			return err
		}
	}
	return nil
}
