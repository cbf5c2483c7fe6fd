package diff

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/etoile/CoreObject-sub001/pkg/item"
)

// ApplyTo applies the diff to g and reports whether g changed. Applying to
// a graph that is already at the target state changes nothing. Items named
// by edits or created by the diff but missing from g are created. A diff with unresolved conflicts
// is rejected; a Resolved diff becomes Clean first.
//
// On error g is left untouched.
func (d *ItemGraphDiff) ApplyTo(g *item.Graph) (bool, error) {
	switch d.state {
	case HasConflicts, Computed:
		return false, ErrUnresolvedConflicts
	case Resolved:
		d.state = Clean
	}

	groups := groupEdits(d.edits)
	items := make(map[uuid.UUID]*item.Item)
	changed := make(map[uuid.UUID]bool)
	var order []uuid.UUID

	for _, key := range unionKeys(groups, nil) {
		it, ok := items[key.UUID]
		if !ok {
			it, ok = g.Item(key.UUID)
			if !ok {
				it = item.New(key.UUID)
			}
			items[key.UUID] = it
			order = append(order, key.UUID)
		}
		cur, has := it.Value(key.Attribute)
		next, keep, err := d.applyKey(key, groups[key], cur, has)
		if err != nil {
			return false, err
		}
		switch {
		case !keep && has:
			it.Remove(key.Attribute)
		case keep && (!has || !cur.Equal(next)):
			it.Set(key.Attribute, next)
		default:
			continue
		}
		changed[key.UUID] = true
	}

	for _, id := range d.created {
		if _, ok := items[id]; ok {
			continue
		}
		if _, ok := g.Item(id); !ok {
			items[id] = item.New(id)
			order = append(order, id)
			changed[id] = true
		}
	}

	for _, id := range order {
		if changed[id] {
			g.InsertOrUpdateItems(items[id])
		}
	}
	return len(changed) > 0, nil
}

// applyKey computes the new value of one attribute. keep is false when
// the attribute ends up absent.
func (d *ItemGraphDiff) applyKey(key attrKey, edits []Edit, cur item.Value, has bool) (next item.Value, keep bool, err error) {
	switch family(edits[0]) {
	case 0:
		last := edits[len(edits)-1]
		if last.Kind == DeleteAttribute {
			return item.Value{}, false, nil
		}
		return last.Value, true, nil

	case 1:
		base, ok := d.base[key]
		switch {
		case has && cur.Type().Container == item.Set:
			base = cur
		case !ok:
			return item.Value{}, false, fmt.Errorf("diff: set edits on %s.%s without a set value", key.UUID, key.Attribute)
		}
		elems := base.Elements()
		for _, e := range edits {
			if e.Kind == SetInsertion {
				elems = append(elems, e.Elements...)
				continue
			}
			elems = removeElements(elems, e.Elements)
		}
		return base.WithElements(elems), true, nil

	default:
		base, ok := d.base[key]
		if !ok {
			return item.Value{}, false, fmt.Errorf("diff: sequence edits on %s.%s without a base value", key.UUID, key.Attribute)
		}
		targetElems, err := applySequence(base.Elements(), edits)
		if err != nil {
			return item.Value{}, false, err
		}
		target := base.WithElements(targetElems)
		if !has || cur.Equal(target) || cur.Equal(base) || cur.Type() != base.Type() {
			return target, true, nil
		}
		elems, err := applySequence(cur.Elements(), edits)
		if err != nil {
			return item.Value{}, false, err
		}
		return cur.WithElements(elems), true, nil
	}
}

func removeElements(elems, drop []item.Value) []item.Value {
	gone := make(map[string]struct{}, len(drop))
	for _, v := range drop {
		gone[v.Key()] = struct{}{}
	}
	out := elems[:0:0]
	for _, v := range elems {
		if _, ok := gone[v.Key()]; !ok {
			out = append(out, v)
		}
	}
	return out
}
