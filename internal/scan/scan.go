// Package scan walks a directory tree and produces a content-hashed snapshot,
// reusing the hashes of a previous snapshot for files whose size and
// modification time did not change.
package scan

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/pismo/internal/tree"
)

const (
	// DefaultWorkers is the number of files hashed concurrently.
	DefaultWorkers = 4

	chunkSize = 256 * 1024
)

// Scanner produces snapshots of directory trees.
type Scanner struct {
	logger  *slog.Logger
	workers int
	noCache bool
	now     func() time.Time

	// afterFile, if set, is called with every completed record.
	afterFile func(tree.FileRecord)
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithWorkers bounds the number of files hashed concurrently.
func WithWorkers(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithoutCache makes the scanner rehash every file regardless of the previous
// snapshot.
func WithoutCache() Option {
	return func(s *Scanner) { s.noCache = true }
}

// NewScanner creates a scanner.
func NewScanner(logger *slog.Logger, opts ...Option) *Scanner {
	s := &Scanner{
		logger:  logger,
		workers: DefaultWorkers,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result is the outcome of one scan.
type Result struct {
	Snapshot *tree.Snapshot

	// Partial is set when the scan was cancelled before the whole tree was
	// visited. Snapshot then holds only the files completed before that.
	Partial bool

	Hashed int // files whose hash was computed
	Reused int // files whose hash was taken from the previous snapshot
}

// Scan walks root and returns a snapshot sorted by path. prev may be nil.
//
// Cancelling ctx is not an error: the walk stops, hashes in flight are
// dropped and the completed records are returned with Partial set. A failure
// to list a directory aborts the scan.
func (s *Scanner) Scan(ctx context.Context, root string, prev *tree.Snapshot) (*Result, error) {
	cache := map[string]tree.FileRecord{}
	if prev != nil && !s.noCache {
		cache = prev.Lookup()
	}

	w := &walk{
		scanner: s,
		root:    root,
		cache:   cache,
		files:   []tree.FileRecord{},
	}

	// Depth first with an explicit stack so cancellation is checked between
	// directory expansions.
	stack := []string{""}
	for len(stack) > 0 {
		if ctx.Err() != nil {
			w.partial = true
			break
		}

		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		subdirs, err := w.scanDir(ctx, dir)
		if err != nil {
			return nil, err
		}
		stack = append(stack, subdirs...)
	}

	snap := tree.New(root)
	snap.Files = w.files
	snap.LastUpdated = s.now().Unix()
	snap.Sort()

	return &Result{
		Snapshot: snap,
		Partial:  w.partial,
		Hashed:   w.hashed,
		Reused:   w.reused,
	}, nil
}

// walk holds the state of a single Scan call.
type walk struct {
	scanner *Scanner
	root    string
	cache   map[string]tree.FileRecord

	mu      gosync.Mutex // guards the fields below while hashes run
	files   []tree.FileRecord
	partial bool
	hashed  int
	reused  int
}

func (w *walk) add(rec tree.FileRecord, computed bool) {
	w.mu.Lock()
	w.files = append(w.files, rec)
	if computed {
		w.hashed++
	} else {
		w.reused++
	}
	w.mu.Unlock()

	if w.scanner.afterFile != nil {
		w.scanner.afterFile(rec)
	}
}

// scanDir records the regular files of dir and returns its subdirectories.
func (w *walk) scanDir(ctx context.Context, dir string) ([]string, error) {
	logger := w.scanner.logger
	absDir := filepath.Join(w.root, filepath.FromSlash(dir))

	entries, err := os.ReadDir(absDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list directory %s: %w", absDir, err)
	}

	var subdirs []string
	var g errgroup.Group
	g.SetLimit(w.scanner.workers)

	for _, entry := range entries {
		if ctx.Err() != nil {
			w.mu.Lock()
			w.partial = true
			w.mu.Unlock()
			break
		}

		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		relPath := path.Join(dir, name)

		switch {
		case entry.IsDir():
			subdirs = append(subdirs, relPath)
			continue
		case !entry.Type().IsRegular():
			// symlinks, devices, sockets, pipes
			continue
		}

		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to stat file, skipping", "path", relPath, "error", err)
			continue
		}

		mtime := info.ModTime()
		rec := tree.FileRecord{
			Path:        relPath,
			ModTimeSec:  mtime.Unix(),
			ModTimeNsec: int64(mtime.Nanosecond()),
			Size:        info.Size(),
		}

		if cached, ok := w.cache[relPath]; ok && cached.Hash != "" && cached.SameStat(rec) {
			logger.Debug("using cached hash", "path", relPath)
			rec.Hash = cached.Hash
			w.add(rec, false)
			continue
		}

		absPath := filepath.Join(absDir, name)
		g.Go(func() error {
			logger.Debug("computing hash", "path", relPath)
			hash, err := HashFile(ctx, absPath)
			if err != nil {
				if ctx.Err() != nil {
					w.mu.Lock()
					w.partial = true
					w.mu.Unlock()
					return nil
				}
				logger.Warn("failed to hash file, skipping", "path", relPath, "error", err)
				return nil
			}
			rec.Hash = hash
			w.add(rec, true)
			return nil
		})
	}

	// Per-file failures are logged, not returned.
	_ = g.Wait()

	return subdirs, nil
}

// HashFile streams the file at path through MD5 and returns the hex digest.
// It stops between chunks once ctx is cancelled.
func HashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := md5.New()
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, err := f.Read(buf)
		if n > 0 {
			_, _ = h.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsHidden reports whether any element of the slash-separated relative path
// is hidden.
func IsHidden(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}
	return false
}
