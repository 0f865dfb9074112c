// Package apply executes merge plans against two tree endpoints.
package apply

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/schaermu/pismo/internal/merge"
)

// Endpoints binds the symbolic sides of a plan to concrete trees.
type Endpoints struct {
	Base  Endpoint
	Other Endpoint
}

func (e Endpoints) side(s merge.Side) (Endpoint, error) {
	switch s {
	case merge.Base:
		return e.Base, nil
	case merge.Other:
		return e.Other, nil
	default:
		return nil, fmt.Errorf("unknown tree side %q", s)
	}
}

// OpError reports the operation that stopped a plan.
type OpError struct {
	Op  merge.Operation
	Src string // described source location, empty for rm
	Dst string // described destination (or removal target)
	Err error
}

func (e *OpError) Error() string {
	if e.Src == "" {
		return fmt.Sprintf("%s %s: %v", e.Op.Operator, e.Dst, e.Err)
	}
	return fmt.Sprintf("%s %s -> %s: %v", e.Op.Operator, e.Src, e.Dst, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Result summarizes an executed plan.
type Result struct {
	Copied  int
	Touched int
	Removed int
	Bytes   int64 // content bytes copied
}

// Executor runs plans in order and stops at the first failure. Completed
// operations are not rolled back.
type Executor struct {
	logger *slog.Logger
	dryRun bool
}

// NewExecutor creates an executor. In dry-run mode every operation is logged
// and nothing is changed.
func NewExecutor(logger *slog.Logger, dryRun bool) *Executor {
	return &Executor{
		logger: logger,
		dryRun: dryRun,
	}
}

// Apply executes plan against ends.
func (x *Executor) Apply(ctx context.Context, plan *merge.Plan, ends Endpoints) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	stats := plan.Stats()
	x.logger.Info("applying merge plan",
		"base", plan.BaseBranch,
		"other", plan.OtherBranch,
		"copy", stats.Copy,
		"touch", stats.Touch,
		"remove", stats.Remove,
		"dry_run", x.dryRun)

	res := &Result{}
	for _, op := range plan.Operations {
		if err := ctx.Err(); err != nil {
			x.logger.Warn("apply interrupted", "copied", res.Copied, "touched", res.Touched, "removed", res.Removed)
			return res, err
		}

		if err := x.apply(ctx, op, ends, res); err != nil {
			return res, err
		}
	}

	x.logger.Info("merge plan applied",
		"copied", res.Copied,
		"touched", res.Touched,
		"removed", res.Removed,
		"bytes", humanize.Bytes(uint64(res.Bytes)))

	return res, nil
}

func (x *Executor) apply(ctx context.Context, op merge.Operation, ends Endpoints, res *Result) error {
	if op.Operator == merge.OpRemove {
		target := op.Operands[0]
		ep, err := ends.side(target.Tree)
		if err != nil {
			return &OpError{Op: op, Dst: target.String(), Err: err}
		}

		dst := ep.Describe(target.RelativePath)
		if x.dryRun {
			x.logger.Info("[dry-run] would remove", "path", dst)
			res.Removed++
			return nil
		}

		x.logger.Debug("removing file", "path", dst)
		if err := ep.Remove(ctx, target.RelativePath); err != nil {
			return &OpError{Op: op, Dst: dst, Err: err}
		}
		res.Removed++
		return nil
	}

	from, to := op.Operands[0], op.Operands[1]
	srcEp, err := ends.side(from.Tree)
	if err != nil {
		return &OpError{Op: op, Src: from.String(), Dst: to.String(), Err: err}
	}
	dstEp, err := ends.side(to.Tree)
	if err != nil {
		return &OpError{Op: op, Src: from.String(), Dst: to.String(), Err: err}
	}
	src, dst := srcEp.Describe(from.RelativePath), dstEp.Describe(to.RelativePath)

	if x.dryRun {
		if op.Operator == merge.OpCopy {
			x.logger.Info("[dry-run] would copy", "src", src, "dst", dst)
			res.Copied++
		} else {
			x.logger.Info("[dry-run] would touch", "src", src, "dst", dst)
			res.Touched++
		}
		return nil
	}

	// Capture source times before reading so the copy does not bump atime.
	times, err := srcEp.Times(ctx, from.RelativePath)
	if err != nil {
		return &OpError{Op: op, Src: src, Dst: dst, Err: fmt.Errorf("failed to read times: %w", err)}
	}

	if op.Operator == merge.OpCopy {
		x.logger.Debug("copying file", "src", src, "dst", dst)
		n, err := copyContent(ctx, srcEp, from.RelativePath, dstEp, to.RelativePath)
		if err != nil {
			return &OpError{Op: op, Src: src, Dst: dst, Err: err}
		}
		res.Bytes += n
	} else {
		x.logger.Debug("touching file", "src", src, "dst", dst)
	}

	if err := dstEp.SetTimes(ctx, to.RelativePath, times); err != nil {
		return &OpError{Op: op, Src: src, Dst: dst, Err: fmt.Errorf("failed to set times: %w", err)}
	}

	if op.Operator == merge.OpCopy {
		res.Copied++
	} else {
		res.Touched++
	}
	return nil
}

func copyContent(ctx context.Context, src Endpoint, srcRel string, dst Endpoint, dstRel string) (int64, error) {
	r, content, err := src.Open(ctx, srcRel)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = r.Close()
	}()

	cr := &countingReader{r: r}
	if err := dst.Write(ctx, dstRel, cr, content); err != nil {
		return cr.n, err
	}
	return cr.n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
