// Package merge turns the alignment of two snapshots into a plan of
// filesystem operations under one of three policies.
package merge

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/schaermu/pismo/internal/diff"
	"github.com/schaermu/pismo/internal/tree"
)

// Mode selects the merge policy.
type Mode string

const (
	// ModeMirror makes other an exact copy of base, deletions included.
	ModeMirror Mode = "one-way-mirror"
	// ModeTwoWaySync copies missing files in both directions and never deletes.
	ModeTwoWaySync Mode = "two-way-sync"
	// ModeOneWayAdd copies base files into other and leaves other-only files alone.
	ModeOneWayAdd Mode = "one-way-add"
)

// Modes lists the supported modes.
var Modes = []Mode{ModeMirror, ModeTwoWaySync, ModeOneWayAdd}

// ErrUnknownMode is returned for an unsupported merge mode.
var ErrUnknownMode = errors.New("unrecognized merge mode")

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownMode, s)
}

// policy emits the operations for one alignment.
type policy func(a diff.Alignment, logger *slog.Logger) []Operation

// Generate walks the alignment of base and other and applies the mode's
// policy to every step. The operations follow path order.
func Generate(mode Mode, base, other *tree.Snapshot, logger *slog.Logger) ([]Operation, error) {
	var p policy
	switch mode {
	case ModeMirror:
		p = mirror
	case ModeTwoWaySync:
		p = twoWaySync
	case ModeOneWayAdd:
		p = oneWayAdd
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}

	ops := []Operation{}
	it := diff.Align(base, other)
	for {
		a, ok := it.Next()
		if !ok {
			break
		}
		ops = append(ops, p(a, logger)...)
	}

	return ops, nil
}

func baseOp(path string) Operand  { return Operand{Tree: Base, RelativePath: path} }
func otherOp(path string) Operand { return Operand{Tree: Other, RelativePath: path} }

// basePrevails handles a path present on both sides: equal content only needs
// the timestamps synced, different content is copied from base.
func basePrevails(a diff.Alignment) Operation {
	if a.SameContent() {
		return Touch(baseOp(a.Base.Path), otherOp(a.Other.Path))
	}
	return Copy(baseOp(a.Base.Path), otherOp(a.Other.Path))
}

func mirror(a diff.Alignment, _ *slog.Logger) []Operation {
	switch a.Kind() {
	case diff.Paired:
		return []Operation{basePrevails(a)}
	case diff.BaseOnly:
		return []Operation{Copy(baseOp(a.Path()), otherOp(a.Path()))}
	case diff.OtherOnly:
		return []Operation{Remove(otherOp(a.Path()))}
	}
	return nil
}

func twoWaySync(a diff.Alignment, _ *slog.Logger) []Operation {
	switch a.Kind() {
	case diff.Paired:
		return []Operation{basePrevails(a)}
	case diff.BaseOnly:
		return []Operation{Copy(baseOp(a.Path()), otherOp(a.Path()))}
	case diff.OtherOnly:
		return []Operation{Copy(otherOp(a.Path()), baseOp(a.Path()))}
	}
	return nil
}

func oneWayAdd(a diff.Alignment, logger *slog.Logger) []Operation {
	switch a.Kind() {
	case diff.Paired:
		if !a.SameContent() {
			logger.Warn("file found on both sides, using base", "path", a.Path())
		}
		return []Operation{basePrevails(a)}
	case diff.BaseOnly:
		return []Operation{Copy(baseOp(a.Path()), otherOp(a.Path()))}
	case diff.OtherOnly:
		// other-only content is never touched in this mode
		return nil
	}
	return nil
}
