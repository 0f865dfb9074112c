package diff

import (
	"log/slog"

	"github.com/schaermu/pismo/internal/tree"
)

// Summary describes how a tree changed between two of its snapshots.
type Summary struct {
	Added     []string
	Removed   []string
	Modified  []string // content changed
	Touched   []string // content equal, timestamp changed
	Unchanged int
}

// Empty reports whether nothing changed.
func (s Summary) Empty() bool {
	return len(s.Added) == 0 && len(s.Removed) == 0 && len(s.Modified) == 0 && len(s.Touched) == 0
}

// Summarize compares an older and a newer snapshot of the same tree.
func Summarize(older, newer *tree.Snapshot) Summary {
	var s Summary

	it := Align(newer, older)
	for {
		a, ok := it.Next()
		if !ok {
			break
		}

		switch a.Kind() {
		case BaseOnly:
			s.Added = append(s.Added, a.Path())
		case OtherOnly:
			s.Removed = append(s.Removed, a.Path())
		case Paired:
			switch {
			case a.Base.Hash != a.Other.Hash:
				s.Modified = append(s.Modified, a.Path())
			case !a.Base.SameStat(*a.Other):
				s.Touched = append(s.Touched, a.Path())
			default:
				s.Unchanged++
			}
		}
	}

	return s
}

// Log writes the summary counts at info and every changed path at debug.
func (s Summary) Log(logger *slog.Logger) {
	logger.Info("tree changes",
		"added", len(s.Added),
		"removed", len(s.Removed),
		"modified", len(s.Modified),
		"touched", len(s.Touched),
		"unchanged", s.Unchanged)

	for _, p := range s.Added {
		logger.Debug("added", "path", p)
	}
	for _, p := range s.Removed {
		logger.Debug("removed", "path", p)
	}
	for _, p := range s.Modified {
		logger.Debug("modified", "path", p)
	}
	for _, p := range s.Touched {
		logger.Debug("touched", "path", p)
	}
}
