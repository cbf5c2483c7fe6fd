package item

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrMissingRoot          = errors.New("item: root item missing from graph")
	ErrDanglingReference    = errors.New("item: reference to an item that is not in the graph")
	ErrSharedCompositeChild = errors.New("item: item has more than one composite parent")
	ErrCompositeCycle       = errors.New("item: composite references form a cycle")
)

// Reachable returns the UUIDs reachable from the root through inner and
// composite references. Missing items end a path; they are not reported.
func (g *Graph) Reachable() map[uuid.UUID]struct{} {
	seen := make(map[uuid.UUID]struct{})
	if _, ok := g.items[g.root]; !ok {
		return seen
	}
	queue := []uuid.UUID{g.root}
	seen[g.root] = struct{}{}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, ref := range g.items[id].References() {
			if _, ok := seen[ref]; ok {
				continue
			}
			if _, ok := g.items[ref]; !ok {
				continue
			}
			seen[ref] = struct{}{}
			queue = append(queue, ref)
		}
	}
	return seen
}

// Garbage returns the items that are not reachable from the root.
func (g *Graph) Garbage() []uuid.UUID {
	live := g.Reachable()
	var out []uuid.UUID
	for id := range g.items {
		if _, ok := live[id]; !ok {
			out = append(out, id)
		}
	}
	sortUUIDs(out)
	return out
}

// CheckComplete verifies that the root exists and that no item reachable
// from it references an item missing from the graph. It is the check run
// on a graph asserted to be complete; deltas skip it.
func (g *Graph) CheckComplete() error {
	if _, ok := g.items[g.root]; !ok {
		return fmt.Errorf("%w: %s", ErrMissingRoot, g.root)
	}
	seen := map[uuid.UUID]struct{}{g.root: {}}
	queue := []uuid.UUID{g.root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, ref := range g.items[id].References() {
			if _, ok := seen[ref]; ok {
				continue
			}
			if _, ok := g.items[ref]; !ok {
				return fmt.Errorf("%w: %s -> %s", ErrDanglingReference, id, ref)
			}
			seen[ref] = struct{}{}
			queue = append(queue, ref)
		}
	}
	return nil
}

// CheckCompositeAcyclic verifies that every item reachable from the root
// has at most one composite parent and that composite edges never form a
// cycle. Garbage items are ignored: a child moved out of a detached parent
// is still listed by that parent.
func (g *Graph) CheckCompositeAcyclic() error {
	live := g.Reachable()
	parent := make(map[uuid.UUID]uuid.UUID)
	for _, id := range g.UUIDs() {
		if _, ok := live[id]; !ok {
			continue
		}
		for _, child := range g.items[id].CompositeChildren() {
			if p, ok := parent[child]; ok && p != id {
				return fmt.Errorf("%w: %s owned by %s and %s", ErrSharedCompositeChild, child, p, id)
			}
			if child == id {
				return fmt.Errorf("%w: %s owns itself", ErrCompositeCycle, id)
			}
			parent[child] = id
		}
	}
	// Each item has at most one parent, so walking up from any item either
	// ends or revisits a node on the current path.
	done := make(map[uuid.UUID]struct{})
	for start := range parent {
		path := map[uuid.UUID]struct{}{}
		for cur := start; ; {
			if _, ok := done[cur]; ok {
				break
			}
			if _, ok := path[cur]; ok {
				return fmt.Errorf("%w: through %s", ErrCompositeCycle, cur)
			}
			path[cur] = struct{}{}
			p, ok := parent[cur]
			if !ok {
				break
			}
			cur = p
		}
		for id := range path {
			done[id] = struct{}{}
		}
	}
	return nil
}

// Validate runs CheckComplete and CheckCompositeAcyclic.
func (g *Graph) Validate() error {
	if err := g.CheckComplete(); err != nil {
		return err
	}
	return g.CheckCompositeAcyclic()
}
