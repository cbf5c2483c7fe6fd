package diff

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/etoile/CoreObject-sub001/pkg/item"
)

var ErrEditOutOfBounds = errors.New("diff: sequence edit outside of the sequence")

// symbols maps canonical element keys to runes so the LCS diff of
// diffmatchpatch can run over arbitrary values. The surrogate block is
// skipped; those runes do not survive a string round trip.
type symbols map[string]rune

func (s symbols) runes(elems []item.Value) []rune {
	out := make([]rune, len(elems))
	for i, e := range elems {
		k := e.Key()
		r, ok := s[k]
		if !ok {
			r = rune(len(s))
			if r >= 0xD800 {
				r += 0x800
			}
			s[k] = r
		}
		out[i] = r
	}
	return out
}

// diffSequence expresses b as edits of a. A delete immediately followed
// by an insert becomes one modification; element moves come out as a
// deletion plus an insertion.
func diffSequence(a, b []item.Value) []Edit {
	syms := symbols{}
	ra, rb := syms.runes(a), syms.runes(b)
	diffs := diffmatchpatch.New().DiffMainRunes(ra, rb, false)

	var edits []Edit
	ai, bi := 0, 0
	for i := 0; i < len(diffs); i++ {
		n := utf8.RuneCountInString(diffs[i].Text)
		switch diffs[i].Type {
		case diffmatchpatch.DiffEqual:
			ai += n
			bi += n
		case diffmatchpatch.DiffDelete:
			if i+1 < len(diffs) && diffs[i+1].Type == diffmatchpatch.DiffInsert {
				m := utf8.RuneCountInString(diffs[i+1].Text)
				edits = append(edits, Edit{
					Kind:     SequenceModification,
					Range:    Range{Loc: ai, Length: n},
					Elements: append([]item.Value(nil), b[bi:bi+m]...),
				})
				ai += n
				bi += m
				i++
				continue
			}
			edits = append(edits, Edit{Kind: SequenceDeletion, Range: Range{Loc: ai, Length: n}})
			ai += n
		case diffmatchpatch.DiffInsert:
			edits = append(edits, Edit{
				Kind:     SequenceInsertion,
				Range:    Range{Loc: ai},
				Elements: append([]item.Value(nil), b[bi:bi+n]...),
			})
			bi += n
		}
	}
	return edits
}

// sortForApply orders sequence edits so that applying them one by one
// never shifts the location of a later one: descending location, and at
// the same location deletions and modifications before insertions.
func sortForApply(edits []Edit) {
	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].Range.Loc != edits[j].Range.Loc {
			return edits[i].Range.Loc > edits[j].Range.Loc
		}
		return edits[i].Kind != SequenceInsertion && edits[j].Kind == SequenceInsertion
	})
}

// applySequence applies non-overlapping sequence edits to elems.
func applySequence(elems []item.Value, edits []Edit) ([]item.Value, error) {
	sorted := append([]Edit(nil), edits...)
	sortForApply(sorted)
	out := append([]item.Value(nil), elems...)
	for _, e := range sorted {
		if e.Range.Loc < 0 || e.Range.End() > len(out) {
			return nil, fmt.Errorf("%w: %s on length %d", ErrEditOutOfBounds, e, len(out))
		}
		var repl []item.Value
		if e.Kind != SequenceDeletion {
			repl = e.Elements
		}
		next := make([]item.Value, 0, len(out)-e.Range.Length+len(repl))
		next = append(next, out[:e.Range.Loc]...)
		next = append(next, repl...)
		next = append(next, out[e.Range.End():]...)
		out = next
	}
	return out, nil
}
