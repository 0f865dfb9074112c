package tree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads a tree file. Files written out of order are re-sorted before
// validation.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse tree file %s: %w", path, err)
	}
	if snap.Files == nil {
		snap.Files = []FileRecord{}
	}

	snap.Sort()
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tree file %s: %w", path, err)
	}

	return &snap, nil
}

// Save writes the snapshot to path, replacing any existing file atomically.
func Save(path string, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".pismo-tree-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
