// Package registry persists the tracked trees and known remotes under the
// state directory:
//
//	<state_dir>/trees/<name>.json   one tree file per tracked tree
//	<state_dir>/remotes.json        remote name -> server URL
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	gosync "sync"

	"github.com/schaermu/pismo/internal/tree"
)

var (
	// ErrTreeExists is returned when adding a name that is already tracked.
	ErrTreeExists = errors.New("tree already exists")
	// ErrTreeNotFound is returned for names that are not tracked.
	ErrTreeNotFound = errors.New("tree not found")
	// ErrRemoteNotFound is returned for unknown remote names.
	ErrRemoteNotFound = errors.New("remote not found")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

const treeExt = ".json"

// ValidateName checks a tree or remote name.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid name %q: use letters, digits, '.', '_' or '-' and do not start with '.'", name)
	}
	return nil
}

// Registry is the on-disk registry rooted at a state directory.
type Registry struct {
	dir string

	mu         gosync.Mutex // guards remotes.json and the config overlay
	configured map[string]string
}

// Open prepares the registry in stateDir. configured holds remotes declared
// in the config file; entries persisted with AddRemote take precedence.
func Open(stateDir string, configured map[string]string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Join(stateDir, "trees"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	remotes := make(map[string]string, len(configured))
	for name, url := range configured {
		remotes[name] = url
	}

	return &Registry{dir: stateDir, configured: remotes}, nil
}

// Path returns the tree file of name whether or not it exists.
func (r *Registry) Path(name string) string {
	return filepath.Join(r.dir, "trees", name+treeExt)
}

// Add registers a tree rooted at root with an empty snapshot.
func (r *Registry) Add(name, root string) (*tree.Snapshot, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	path := r.Path(name)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrTreeExists, name)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	snap := tree.New(root)
	if err := tree.Save(path, snap); err != nil {
		return nil, fmt.Errorf("failed to write tree file for %s: %w", name, err)
	}
	return snap, nil
}

// Names lists the tracked trees in sorted order.
func (r *Registry) Names() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.dir, "trees"))
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !strings.HasSuffix(e.Name(), treeExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), treeExt))
	}
	sort.Strings(names)
	return names, nil
}

// Read loads the snapshot of name.
func (r *Registry) Read(name string) (*tree.Snapshot, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	snap, err := tree.Load(r.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrTreeNotFound, name)
		}
		return nil, err
	}
	return snap, nil
}

// Write replaces the snapshot of an existing tree.
func (r *Registry) Write(name string, snap *tree.Snapshot) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	path := r.Path(name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrTreeNotFound, name)
		}
		return err
	}

	return tree.Save(path, snap)
}

// Root returns the root directory recorded for name.
func (r *Registry) Root(name string) (string, error) {
	snap, err := r.Read(name)
	if err != nil {
		return "", err
	}
	return snap.Root, nil
}

func (r *Registry) remotesPath() string {
	return filepath.Join(r.dir, "remotes.json")
}

func (r *Registry) loadPersisted() (map[string]string, error) {
	data, err := os.ReadFile(r.remotesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}

	remotes := map[string]string{}
	if err := json.Unmarshal(data, &remotes); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", r.remotesPath(), err)
	}
	return remotes, nil
}

// Remotes returns all known remotes.
func (r *Registry) Remotes() (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	persisted, err := r.loadPersisted()
	if err != nil {
		return nil, err
	}

	all := make(map[string]string, len(r.configured)+len(persisted))
	for name, url := range r.configured {
		all[name] = url
	}
	for name, url := range persisted {
		all[name] = url
	}
	return all, nil
}

// AddRemote records a remote, replacing an earlier URL of the same name.
func (r *Registry) AddRemote(name, url string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if url == "" {
		return fmt.Errorf("remote %s: url is required", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	persisted, err := r.loadPersisted()
	if err != nil {
		return err
	}
	persisted[name] = url

	data, err := json.MarshalIndent(persisted, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.remotesPath(), data, 0644)
}

// RemoteURL resolves a remote name.
func (r *Registry) RemoteURL(name string) (string, error) {
	remotes, err := r.Remotes()
	if err != nil {
		return "", err
	}

	url, ok := remotes[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrRemoteNotFound, name)
	}
	return url, nil
}
