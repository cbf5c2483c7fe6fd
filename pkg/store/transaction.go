package store

import (
	"github.com/google/uuid"

	"github.com/etoile/CoreObject-sub001/pkg/item"
)

// Transaction is an ordered list of actions committed as one unit, plus
// the transaction id the caller last observed for each existing root it
// touches.
type Transaction struct {
	actions  []Action
	expected map[uuid.UUID]int64
}

func NewTransaction(actions ...Action) *Transaction {
	return &Transaction{actions: actions, expected: make(map[uuid.UUID]int64)}
}

func (t *Transaction) Add(actions ...Action) *Transaction {
	t.actions = append(t.actions, actions...)
	return t
}

// Expect records the transaction id observed for root. The commit is
// rejected with ErrStaleTransaction if the stored id differs.
func (t *Transaction) Expect(root uuid.UUID, txID int64) *Transaction {
	t.expected[root] = txID
	return t
}

// ExpectInfo is Expect with the id taken from a root snapshot.
func (t *Transaction) ExpectInfo(info PersistentRootInfo) *Transaction {
	return t.Expect(info.UUID, info.TransactionID)
}

// CommitRevision writes w and makes it the current and head revision of
// its branch.
func (t *Transaction) CommitRevision(w WriteRevision) *Transaction {
	return t.Add(w, SetCurrentRevision{Root: w.Root, Branch: w.Branch, Current: w.Revision, Head: w.Revision})
}

func (t *Transaction) Actions() []Action { return append([]Action(nil), t.actions...) }

// Roots returns every persistent root the transaction touches.
func (t *Transaction) Roots() []uuid.UUID {
	set := make(map[uuid.UUID]struct{})
	for _, a := range t.actions {
		for _, id := range a.Roots() {
			set[id] = struct{}{}
		}
	}
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	item.SortUUIDs(out)
	return out
}

func (t *Transaction) IsEmpty() bool { return len(t.actions) == 0 }
