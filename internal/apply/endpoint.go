package apply

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Times holds the timestamps propagated by cp and touch.
type Times struct {
	Atime time.Time
	Mtime time.Time
}

// Content describes the data moved by cp.
type Content struct {
	Size int64       // -1 if unknown
	Mode fs.FileMode // permission bits, 0 if unknown
}

// Endpoint is one side of a plan: a tree root the executor can read from and
// write to, addressed by slash-separated relative paths.
type Endpoint interface {
	// Describe renders rel for logs and errors.
	Describe(rel string) string
	// Open returns the content of rel with its size and permissions.
	Open(ctx context.Context, rel string) (io.ReadCloser, Content, error)
	Times(ctx context.Context, rel string) (Times, error)
	// Write replaces rel with c.Size bytes read from r, creating parent
	// directories as needed.
	Write(ctx context.Context, rel string, r io.Reader, c Content) error
	SetTimes(ctx context.Context, rel string, t Times) error
	// Remove deletes rel. A missing file is an error.
	Remove(ctx context.Context, rel string) error
}

// ErrOutsideRoot is returned for relative paths that resolve outside the tree.
var ErrOutsideRoot = errors.New("path escapes tree root")

// JoinRoot joins a slash-separated relative path under root and rejects
// paths that would leave it.
func JoinRoot(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty relative path")
	}
	if path.IsAbs(rel) || strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

// LocalEndpoint is a tree on the local filesystem.
type LocalEndpoint struct {
	Root string
}

// NewLocalEndpoint returns an endpoint rooted at root.
func NewLocalEndpoint(root string) *LocalEndpoint {
	return &LocalEndpoint{Root: root}
}

func (l *LocalEndpoint) Describe(rel string) string {
	p, err := JoinRoot(l.Root, rel)
	if err != nil {
		return l.Root + "/" + rel
	}
	return p
}

func (l *LocalEndpoint) Open(_ context.Context, rel string) (io.ReadCloser, Content, error) {
	p, err := JoinRoot(l.Root, rel)
	if err != nil {
		return nil, Content{}, err
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, Content{}, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, Content{}, err
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, Content{}, fmt.Errorf("%s is not a regular file", p)
	}

	return f, Content{Size: info.Size(), Mode: info.Mode().Perm()}, nil
}

func (l *LocalEndpoint) Times(_ context.Context, rel string) (Times, error) {
	p, err := JoinRoot(l.Root, rel)
	if err != nil {
		return Times{}, err
	}
	return FileTimes(p)
}

func (l *LocalEndpoint) Write(_ context.Context, rel string, r io.Reader, c Content) error {
	p, err := JoinRoot(l.Root, rel)
	if err != nil {
		return err
	}
	return WriteFileAtomic(p, r, c)
}

func (l *LocalEndpoint) SetTimes(_ context.Context, rel string, t Times) error {
	p, err := JoinRoot(l.Root, rel)
	if err != nil {
		return err
	}
	return os.Chtimes(p, t.Atime, t.Mtime)
}

func (l *LocalEndpoint) Remove(_ context.Context, rel string) error {
	p, err := JoinRoot(l.Root, rel)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

// WriteFileAtomic streams r into a temp file next to dst and renames it into
// place. If c.Size is not negative the number of bytes read must match it.
// Without c.Mode an existing dst keeps its permissions and new files get 0644.
func WriteFileAtomic(dst string, r io.Reader, c Content) error {
	perm := c.Mode.Perm()
	if perm == 0 {
		perm = 0644
		if info, err := os.Stat(dst); err == nil {
			perm = info.Mode().Perm()
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".pismo-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	n, err := io.Copy(tmpFile, r)
	if err != nil {
		_ = tmpFile.Close()
		return err
	}
	if c.Size >= 0 && n != c.Size {
		_ = tmpFile.Close()
		return fmt.Errorf("size mismatch for %s: expected %d bytes, got %d", dst, c.Size, n)
	}

	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}
