package sync

import (
	"time"

	"github.com/schaermu/pismo/internal/diff"
	"github.com/schaermu/pismo/internal/tree"
)

// UpdateResult describes one update of a tracked tree
type UpdateResult struct {
	Name     string
	Snapshot *tree.Snapshot
	Summary  diff.Summary

	// Partial is set when the scan was interrupted; files it did not reach
	// keep their previous records.
	Partial bool

	Hashed int // files hashed during this update
	Reused int // files whose previous hash was reused
}

// TreeInfo summarizes a tracked tree for listings
type TreeInfo struct {
	Name        string
	Root        string
	LastUpdated time.Time // zero if never updated
	Files       int
	Bytes       int64
}

func newTreeInfo(name string, snap *tree.Snapshot) TreeInfo {
	info := TreeInfo{
		Name:  name,
		Root:  snap.Root,
		Files: len(snap.Files),
	}
	if snap.LastUpdated > 0 {
		info.LastUpdated = time.Unix(snap.LastUpdated, 0)
	}
	for _, f := range snap.Files {
		info.Bytes += f.Size
	}
	return info
}
