// Package branch parses the tree references accepted on the command line
// and stored in merge files: "name" for a local tree or "remote:name" for a
// tree served by a remote pismo server.
package branch

import (
	"fmt"
	"strings"
)

// Branch is a parsed tree reference.
type Branch struct {
	remote string
	name   string
}

// Parse parses "[remote:]name". Only the first colon separates the remote.
func Parse(raw string) (Branch, error) {
	remote, name, found := strings.Cut(raw, ":")
	if !found {
		name, remote = raw, ""
	}

	if found && remote == "" {
		return Branch{}, fmt.Errorf("invalid branch %q: empty remote name", raw)
	}
	if name == "" {
		return Branch{}, fmt.Errorf("invalid branch %q: empty tree name", raw)
	}

	return Branch{remote: remote, name: name}, nil
}

// Remote is the remote name, empty for local trees.
func (b Branch) Remote() string { return b.remote }

// Name is the tree name.
func (b Branch) Name() string { return b.name }

// IsRemote reports whether the tree lives on a remote.
func (b Branch) IsRemote() bool { return b.remote != "" }

// String renders the token Parse accepts.
func (b Branch) String() string {
	if b.remote == "" {
		return b.name
	}
	return b.remote + ":" + b.name
}
