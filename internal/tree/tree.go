// Package tree defines the snapshot ("tree file") of a tracked directory tree
// and the record kept for every file in it.
package tree

import (
	"fmt"
	"sort"
)

// FileRecord is one tracked file of a tree.
type FileRecord struct {
	Path        string `json:"path"`    // forward-slash path relative to the tree root
	ModTimeSec  int64  `json:"mtimeS"`  // seconds part of the modification time
	ModTimeNsec int64  `json:"mtimeNs"` // nanoseconds part of the modification time
	Size        int64  `json:"size"`
	Hash        string `json:"hash"` // hex digest of the file contents
}

// SameStat reports whether size and both modification time parts match.
// A match entitles the scanner to reuse the recorded hash.
func (f FileRecord) SameStat(other FileRecord) bool {
	return f.Size == other.Size &&
		f.ModTimeSec == other.ModTimeSec &&
		f.ModTimeNsec == other.ModTimeNsec
}

// Snapshot is the last known state of a tree.
type Snapshot struct {
	Root        string       `json:"path"`
	LastUpdated int64        `json:"lastUpdated"`
	Files       []FileRecord `json:"files"`
}

// New returns an empty snapshot rooted at root.
func New(root string) *Snapshot {
	return &Snapshot{
		Root:  root,
		Files: []FileRecord{},
	}
}

// Sort orders Files ascending by path.
func (s *Snapshot) Sort() {
	SortRecords(s.Files)
}

// SortRecords orders records ascending by path using byte-wise comparison.
func SortRecords(files []FileRecord) {
	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})
}

// Validate checks that files are strictly ascending by path and carry a hash.
func (s *Snapshot) Validate() error {
	for i, f := range s.Files {
		if f.Path == "" {
			return fmt.Errorf("file %d has an empty path", i)
		}
		if f.Hash == "" {
			return fmt.Errorf("file %s has no hash", f.Path)
		}
		if i > 0 {
			prev := s.Files[i-1].Path
			if prev == f.Path {
				return fmt.Errorf("duplicate path %s", f.Path)
			}
			if prev > f.Path {
				return fmt.Errorf("files not sorted: %s before %s", prev, f.Path)
			}
		}
	}
	return nil
}

// Lookup indexes the files by path.
func (s *Snapshot) Lookup() map[string]FileRecord {
	m := make(map[string]FileRecord, len(s.Files))
	for _, f := range s.Files {
		m[f.Path] = f
	}
	return m
}

// OneWayUpdate folds newer into older. Every record of older is kept unless
// newer has a record at the same path, in which case newer wins; paths that
// only newer has are added. The result is sorted by path.
//
// An interrupted scan is folded this way so files it never reached are not
// mistaken for deletions.
func OneWayUpdate(newer, older *Snapshot) []FileRecord {
	remaining := older.Lookup()

	files := make([]FileRecord, 0, len(newer.Files)+len(older.Files))
	for _, f := range newer.Files {
		delete(remaining, f.Path)
		files = append(files, f)
	}
	for _, f := range remaining {
		files = append(files, f)
	}

	SortRecords(files)
	return files
}
