// Package diff aligns two path-sorted snapshots by path.
package diff

import (
	"github.com/schaermu/pismo/internal/tree"
)

// Kind classifies an Alignment.
type Kind int

const (
	// Paired means both snapshots have a record at the path.
	Paired Kind = iota
	// BaseOnly means only the base snapshot has a record at the path.
	BaseOnly
	// OtherOnly means only the other snapshot has a record at the path.
	OtherOnly
)

func (k Kind) String() string {
	switch k {
	case Paired:
		return "paired"
	case BaseOnly:
		return "base-only"
	case OtherOnly:
		return "other-only"
	default:
		return "unknown"
	}
}

// Alignment is one step of a diff. At least one of Base and Other is set.
type Alignment struct {
	Base  *tree.FileRecord
	Other *tree.FileRecord
}

// Kind reports which sides are present.
func (a Alignment) Kind() Kind {
	switch {
	case a.Base != nil && a.Other != nil:
		return Paired
	case a.Base != nil:
		return BaseOnly
	default:
		return OtherOnly
	}
}

// Path returns the path shared by the present records.
func (a Alignment) Path() string {
	if a.Base != nil {
		return a.Base.Path
	}
	return a.Other.Path
}

// SameContent reports whether a paired alignment has equal hashes.
func (a Alignment) SameContent() bool {
	return a.Kind() == Paired && a.Base.Hash == a.Other.Hash
}

// Iterator walks two snapshots in path order. It is single pass: once Next
// has returned false it keeps doing so.
type Iterator struct {
	base, other []tree.FileRecord
	i, j        int
}

// Align returns an iterator over the merge-join of base and other. Both
// snapshots must be sorted by path.
func Align(base, other *tree.Snapshot) *Iterator {
	return &Iterator{base: base.Files, other: other.Files}
}

// Next advances the iterator and returns the next alignment. The side with
// the smaller path advances; equal paths advance both and pair them.
func (it *Iterator) Next() (Alignment, bool) {
	hasBase := it.i < len(it.base)
	hasOther := it.j < len(it.other)

	switch {
	case hasBase && hasOther:
		b, o := &it.base[it.i], &it.other[it.j]
		switch {
		case b.Path == o.Path:
			it.i++
			it.j++
			return Alignment{Base: b, Other: o}, true
		case b.Path < o.Path:
			it.i++
			return Alignment{Base: b}, true
		default:
			it.j++
			return Alignment{Other: o}, true
		}
	case hasBase:
		it.i++
		return Alignment{Base: &it.base[it.i-1]}, true
	case hasOther:
		it.j++
		return Alignment{Other: &it.other[it.j-1]}, true
	default:
		return Alignment{}, false
	}
}

// All drains the iterator into a slice.
func All(it *Iterator) []Alignment {
	var out []Alignment
	for {
		a, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, a)
	}
}
