// Package sync ties the pipeline together: it updates tracked trees, plans
// merges between local or remote trees and applies merge files.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/schaermu/pismo/internal/apply"
	"github.com/schaermu/pismo/internal/branch"
	"github.com/schaermu/pismo/internal/diff"
	"github.com/schaermu/pismo/internal/merge"
	"github.com/schaermu/pismo/internal/registry"
	"github.com/schaermu/pismo/internal/remote"
	"github.com/schaermu/pismo/internal/scan"
	"github.com/schaermu/pismo/internal/tree"
)

// Engine runs pismo operations against a registry
type Engine struct {
	reg     *registry.Registry
	scanner *scan.Scanner
	logger  *slog.Logger
	dryRun  bool

	httpClient *http.Client
}

// NewEngine creates a new engine. dryRun only affects Apply.
func NewEngine(reg *registry.Registry, scanner *scan.Scanner, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		reg:     reg,
		scanner: scanner,
		logger:  logger,
		dryRun:  dryRun,
		// no overall timeout: file transfers may take arbitrarily long
		httpClient: &http.Client{},
	}
}

// Add registers the directory at path as tree name and, if update is set,
// scans it right away.
func (e *Engine) Add(ctx context.Context, name, path string, update bool) (*UpdateResult, error) {
	root, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat tree root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("tree root %s is not a directory", root)
	}

	if _, err := e.reg.Add(name, root); err != nil {
		return nil, err
	}
	e.logger.Info("tree added", "name", name, "root", root, "tree_file", e.reg.Path(name))

	if !update {
		return nil, nil
	}
	return e.Update(ctx, name, false)
}

// Update rescans a tree and stores the new snapshot. Cancelling ctx is not an
// error: the records completed so far are folded into the previous snapshot
// and the result is marked partial.
func (e *Engine) Update(ctx context.Context, name string, noCache bool) (*UpdateResult, error) {
	prev, err := e.reg.Read(name)
	if err != nil {
		return nil, err
	}

	e.logger.Info("updating tree", "name", name, "root", prev.Root, "no_cache", noCache)

	cache := prev
	if noCache {
		cache = nil
	}
	res, err := e.scanner.Scan(ctx, prev.Root, cache)
	if err != nil {
		return nil, fmt.Errorf("failed to scan tree %s: %w", name, err)
	}

	next := res.Snapshot
	if res.Partial {
		next.Files = tree.OneWayUpdate(res.Snapshot, prev)
	}

	if err := e.reg.Write(name, next); err != nil {
		return nil, fmt.Errorf("failed to save tree %s: %w", name, err)
	}

	summary := diff.Summarize(prev, next)
	summary.Log(e.logger.With("tree", name))

	if res.Partial {
		e.logger.Warn("tree partially updated", "name", name, "files", len(next.Files))
	} else {
		e.logger.Info("tree completely updated",
			"name", name,
			"files", len(next.Files),
			"hashed", res.Hashed,
			"reused", res.Reused)
	}

	return &UpdateResult{
		Name:     name,
		Snapshot: next,
		Summary:  summary,
		Partial:  res.Partial,
		Hashed:   res.Hashed,
		Reused:   res.Reused,
	}, nil
}

// Merge plans the merge of base into other and writes the merge file to
// outPath.
func (e *Engine) Merge(ctx context.Context, baseToken, otherToken string, mode merge.Mode, outPath string) (*merge.Plan, error) {
	baseBranch, err := branch.Parse(baseToken)
	if err != nil {
		return nil, err
	}
	otherBranch, err := branch.Parse(otherToken)
	if err != nil {
		return nil, err
	}

	base, err := e.snapshot(ctx, baseBranch)
	if err != nil {
		return nil, fmt.Errorf("failed to read base tree %s: %w", baseBranch, err)
	}
	other, err := e.snapshot(ctx, otherBranch)
	if err != nil {
		return nil, fmt.Errorf("failed to read other tree %s: %w", otherBranch, err)
	}

	ops, err := merge.Generate(mode, base, other, e.logger)
	if err != nil {
		return nil, err
	}

	plan := &merge.Plan{
		BaseBranch:  baseBranch.String(),
		OtherBranch: otherBranch.String(),
		Operations:  ops,
	}
	if err := merge.SavePlan(outPath, plan); err != nil {
		return nil, fmt.Errorf("failed to write merge file: %w", err)
	}

	stats := plan.Stats()
	e.logger.Info("merge file written",
		"path", outPath,
		"mode", mode,
		"copy", stats.Copy,
		"touch", stats.Touch,
		"remove", stats.Remove)

	return plan, nil
}

// Apply executes a merge file. Tree roots are resolved now, from the branch
// tokens stored in the file, not from when the plan was made.
func (e *Engine) Apply(ctx context.Context, planPath string) (*apply.Result, error) {
	plan, err := merge.LoadPlan(planPath)
	if err != nil {
		return nil, err
	}

	baseEnd, err := e.endpoint(ctx, plan.BaseBranch)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base tree: %w", err)
	}
	otherEnd, err := e.endpoint(ctx, plan.OtherBranch)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve other tree: %w", err)
	}

	executor := apply.NewExecutor(e.logger, e.dryRun)
	res, err := executor.Apply(ctx, plan, apply.Endpoints{Base: baseEnd, Other: otherEnd})
	if err != nil {
		return res, fmt.Errorf("failed to apply %s: %w", planPath, err)
	}

	if e.dryRun {
		e.logger.Info("dry-run complete, no changes applied")
	}
	return res, nil
}

// Trees lists the local trees, or those served by remoteName when it is set.
func (e *Engine) Trees(ctx context.Context, remoteName string) ([]TreeInfo, error) {
	if remoteName != "" {
		client, err := e.client(remoteName)
		if err != nil {
			return nil, err
		}
		entries, err := client.ListTrees(ctx)
		if err != nil {
			return nil, err
		}

		infos := make([]TreeInfo, 0, len(entries))
		for _, entry := range entries {
			if entry.TreeFile == nil {
				continue
			}
			infos = append(infos, newTreeInfo(entry.TreeName, entry.TreeFile))
		}
		return infos, nil
	}

	names, err := e.reg.Names()
	if err != nil {
		return nil, err
	}

	infos := make([]TreeInfo, 0, len(names))
	for _, name := range names {
		snap, err := e.reg.Read(name)
		if err != nil {
			e.logger.Warn("skipping unreadable tree file", "name", name, "error", err)
			continue
		}
		info := newTreeInfo(name, snap)
		e.logger.Debug("tree", "name", name, "files", info.Files, "size", humanize.Bytes(uint64(info.Bytes)))
		infos = append(infos, info)
	}
	return infos, nil
}

func (e *Engine) client(remoteName string) (*remote.Client, error) {
	url, err := e.reg.RemoteURL(remoteName)
	if err != nil {
		return nil, err
	}
	return remote.NewClient(url, e.httpClient), nil
}

// snapshot reads the stored snapshot of a local or remote tree.
func (e *Engine) snapshot(ctx context.Context, b branch.Branch) (*tree.Snapshot, error) {
	if !b.IsRemote() {
		return e.reg.Read(b.Name())
	}

	client, err := e.client(b.Remote())
	if err != nil {
		return nil, err
	}
	return client.ReadTreeByName(ctx, b.Name())
}

// endpoint resolves a branch token to the endpoint the executor writes to.
func (e *Engine) endpoint(ctx context.Context, token string) (apply.Endpoint, error) {
	b, err := branch.Parse(token)
	if err != nil {
		return nil, err
	}

	if !b.IsRemote() {
		root, err := e.reg.Root(b.Name())
		if err != nil {
			return nil, err
		}
		return apply.NewLocalEndpoint(root), nil
	}

	client, err := e.client(b.Remote())
	if err != nil {
		return nil, err
	}
	// fail before the first operation if the remote does not serve the tree
	if _, err := client.ReadTreeByName(ctx, b.Name()); err != nil {
		return nil, err
	}
	return remote.NewEndpoint(client, b.Name()), nil
}
