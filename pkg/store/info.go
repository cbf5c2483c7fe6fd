package store

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PersistentRootInfo is a snapshot of a persistent root. It is a plain
// value; later commits never change it.
type PersistentRootInfo struct {
	UUID         uuid.UUID
	BackingStore uuid.UUID
	Branches     []uuid.UUID
	// CurrentBranch is the branch the root is viewed through, and
	// CurrentRevision that branch's current revision.
	CurrentBranch   uuid.UUID
	CurrentRevision uuid.UUID
	Deleted         bool
	TransactionID   int64
	Metadata        map[string]string
}

// Metadata keys understood by the store.
const (
	MetaLabel            = "label"
	MetaRemoteMirror     = "remoteMirror"
	MetaReplicatedBranch = "replicatedBranch"

	MetaAuthor      = "author"
	MetaKind        = "kind"
	MetaDescription = "description"
)

type BranchInfo struct {
	UUID           uuid.UUID
	PersistentRoot uuid.UUID
	ParentBranch   uuid.UUID
	// ParentRevision is the fork point, a revision of the parent branch.
	ParentRevision  uuid.UUID
	CurrentRevision uuid.UUID
	HeadRevision    uuid.UUID
	// Deleted is true when the branch or its persistent root is deleted.
	Deleted bool
	// OwnDeleted is the branch's own flag.
	OwnDeleted bool
	Metadata   map[string]string
}

func (b BranchInfo) Label() string { return b.Metadata[MetaLabel] }

// RemoteMirror is the remote branch name ("origin/<name>") this branch
// mirrors, if any.
func (b BranchInfo) RemoteMirror() string { return b.Metadata[MetaRemoteMirror] }

// ReplicatedBranch is the remote branch this local branch tracks, if any.
func (b BranchInfo) ReplicatedBranch() string { return b.Metadata[MetaReplicatedBranch] }

// RemoteBranchName names branch name of remote the way mirrors are
// labelled: "origin/main".
func RemoteBranchName(remote, name string) string {
	return remote + "/" + name
}

// SplitRemoteBranchName is the inverse of RemoteBranchName.
func SplitRemoteBranchName(s string) (remote, name string, ok bool) {
	return strings.Cut(s, "/")
}

// MirrorMetadata returns branch metadata marking a local mirror of the
// remote branch name.
func MirrorMetadata(remote, name string) map[string]string {
	return map[string]string{
		MetaLabel:        RemoteBranchName(remote, name),
		MetaRemoteMirror: RemoteBranchName(remote, name),
	}
}

type RevisionInfo struct {
	UUID           uuid.UUID
	Parent         uuid.UUID
	MergeParent    uuid.UUID
	PersistentRoot uuid.UUID
	Branch         uuid.UUID
	BackingStore   uuid.UUID
	SchemaVersion  int64
	// Sequence orders every revision of the store by commit.
	Sequence int64
	Date     time.Time
	Metadata map[string]string
}

func (r RevisionInfo) Author() string      { return r.Metadata[MetaAuthor] }
func (r RevisionInfo) Kind() string        { return r.Metadata[MetaKind] }
func (r RevisionInfo) Description() string { return r.Metadata[MetaDescription] }

// IsMerge reports whether the revision has a merge parent.
func (r RevisionInfo) IsMerge() bool { return r.MergeParent != uuid.Nil }
