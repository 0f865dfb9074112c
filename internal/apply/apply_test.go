package apply

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/pismo/internal/merge"
	"github.com/schaermu/pismo/internal/scan"
	"github.com/schaermu/pismo/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func b(p string) merge.Operand { return merge.Operand{Tree: merge.Base, RelativePath: p} }
func o(p string) merge.Operand { return merge.Operand{Tree: merge.Other, RelativePath: p} }

func local(baseDir, otherDir string) Endpoints {
	return Endpoints{Base: NewLocalEndpoint(baseDir), Other: NewLocalEndpoint(otherDir)}
}

func TestApplyExamplePlan(t *testing.T) {
	baseDir, otherDir := t.TempDir(), t.TempDir()
	testutil.WriteFiles(t, baseDir, map[string]string{"a.txt": "one", "b.txt": "two"})
	testutil.WriteFiles(t, otherDir, map[string]string{"a.txt": "one", "c.txt": "three"})

	baseTime := time.Unix(1_600_000_000, 123_456_789)
	testutil.SetModTime(t, baseDir, "a.txt", baseTime)
	testutil.SetModTime(t, baseDir, "b.txt", baseTime)

	plan := &merge.Plan{
		BaseBranch:  "base",
		OtherBranch: "other",
		Operations: []merge.Operation{
			merge.Touch(b("a.txt"), o("a.txt")),
			merge.Copy(b("b.txt"), o("b.txt")),
			merge.Remove(o("c.txt")),
		},
	}

	res, err := NewExecutor(testLogger(), false).Apply(context.Background(), plan, local(baseDir, otherDir))
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	want := map[string]string{"a.txt": "one", "b.txt": "two"}
	if got := testutil.ReadFiles(t, otherDir); !reflect.DeepEqual(got, want) {
		t.Errorf("other tree = %v, want %v", got, want)
	}
	if res.Copied != 1 || res.Touched != 1 || res.Removed != 1 || res.Bytes != 3 {
		t.Errorf("unexpected result: %+v", res)
	}

	for _, rel := range []string{"a.txt", "b.txt"} {
		info, err := os.Stat(filepath.Join(otherDir, rel))
		if err != nil {
			t.Fatal(err)
		}
		if !info.ModTime().Equal(baseTime) {
			t.Errorf("%s mtime = %v, want %v", rel, info.ModTime(), baseTime)
		}
	}
}

func TestCopyPreservesBothTimes(t *testing.T) {
	baseDir, otherDir := t.TempDir(), t.TempDir()
	testutil.WriteFiles(t, baseDir, map[string]string{"deep/nested/f": "payload"})

	atime := time.Unix(1_500_000_000, 111)
	mtime := time.Unix(1_400_000_000, 999_999_999)
	if err := os.Chtimes(filepath.Join(baseDir, "deep/nested/f"), atime, mtime); err != nil {
		t.Fatal(err)
	}

	plan := &merge.Plan{BaseBranch: "x", OtherBranch: "y", Operations: []merge.Operation{
		merge.Copy(b("deep/nested/f"), o("deep/nested/f")),
	}}
	if _, err := NewExecutor(testLogger(), false).Apply(context.Background(), plan, local(baseDir, otherDir)); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	got, err := FileTimes(filepath.Join(otherDir, "deep/nested/f"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Mtime.Equal(mtime) {
		t.Errorf("mtime = %v, want %v", got.Mtime, mtime)
	}
	if !got.Atime.Equal(atime) && !got.Atime.Equal(mtime) {
		// platforms without atime support report mtime
		t.Errorf("atime = %v, want %v", got.Atime, atime)
	}
}

func TestCopyOverwrites(t *testing.T) {
	baseDir, otherDir := t.TempDir(), t.TempDir()
	testutil.WriteFiles(t, baseDir, map[string]string{"f": "new content"})
	testutil.WriteFiles(t, otherDir, map[string]string{"f": "old"})

	plan := &merge.Plan{BaseBranch: "x", OtherBranch: "y", Operations: []merge.Operation{
		merge.Copy(b("f"), o("f")),
	}}
	if _, err := NewExecutor(testLogger(), false).Apply(context.Background(), plan, local(baseDir, otherDir)); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	if got := testutil.ReadFiles(t, otherDir)["f"]; got != "new content" {
		t.Errorf("content = %q", got)
	}
}

func TestApplyFailsFast(t *testing.T) {
	baseDir, otherDir := t.TempDir(), t.TempDir()
	testutil.WriteFiles(t, baseDir, map[string]string{"late": "x"})

	plan := &merge.Plan{BaseBranch: "x", OtherBranch: "y", Operations: []merge.Operation{
		merge.Remove(o("missing")),
		merge.Copy(b("late"), o("late")),
	}}

	res, err := NewExecutor(testLogger(), false).Apply(context.Background(), plan, local(baseDir, otherDir))
	if err == nil {
		t.Fatal("expected error")
	}

	var opErr *OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OpError, got %T: %v", err, err)
	}
	if opErr.Op.Operator != merge.OpRemove {
		t.Errorf("failed operator = %s", opErr.Op.Operator)
	}
	if !strings.Contains(err.Error(), "missing") {
		t.Errorf("error does not name the target: %v", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected wrapped not-exist error, got %v", err)
	}
	if res.Copied != 0 {
		t.Errorf("operations after the failure ran: %+v", res)
	}
	if _, err := os.Stat(filepath.Join(otherDir, "late")); !os.IsNotExist(err) {
		t.Error("later copy should not have run")
	}
}

func TestCopyMissingSource(t *testing.T) {
	baseDir, otherDir := t.TempDir(), t.TempDir()

	plan := &merge.Plan{BaseBranch: "x", OtherBranch: "y", Operations: []merge.Operation{
		merge.Copy(b("nope"), o("nope")),
	}}
	_, err := NewExecutor(testLogger(), false).Apply(context.Background(), plan, local(baseDir, otherDir))

	var opErr *OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OpError, got %v", err)
	}
	if !strings.Contains(opErr.Src, baseDir) || !strings.Contains(opErr.Dst, otherDir) {
		t.Errorf("operands not described: %+v", opErr)
	}
}

func TestDryRunChangesNothing(t *testing.T) {
	baseDir, otherDir := t.TempDir(), t.TempDir()
	testutil.WriteFiles(t, baseDir, map[string]string{"a": "1"})
	testutil.WriteFiles(t, otherDir, map[string]string{"b": "2"})

	plan := &merge.Plan{BaseBranch: "x", OtherBranch: "y", Operations: []merge.Operation{
		merge.Copy(b("a"), o("a")),
		merge.Remove(o("b")),
	}}
	res, err := NewExecutor(testLogger(), true).Apply(context.Background(), plan, local(baseDir, otherDir))
	if err != nil {
		t.Fatal(err)
	}
	if res.Copied != 1 || res.Removed != 1 {
		t.Errorf("unexpected result: %+v", res)
	}

	want := map[string]string{"b": "2"}
	if got := testutil.ReadFiles(t, otherDir); !reflect.DeepEqual(got, want) {
		t.Errorf("dry run modified other tree: %v", got)
	}
}

func TestApplyCancelled(t *testing.T) {
	baseDir, otherDir := t.TempDir(), t.TempDir()
	testutil.WriteFiles(t, baseDir, map[string]string{"a": "1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := &merge.Plan{BaseBranch: "x", OtherBranch: "y", Operations: []merge.Operation{
		merge.Copy(b("a"), o("a")),
	}}
	_, err := NewExecutor(testLogger(), false).Apply(ctx, plan, local(baseDir, otherDir))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(testutil.ReadFiles(t, otherDir)) != 0 {
		t.Error("cancelled apply wrote files")
	}
}

func TestApplyRejectsInvalidPlan(t *testing.T) {
	plan := &merge.Plan{BaseBranch: "x", OtherBranch: "y", Operations: []merge.Operation{
		{Operator: merge.OpCopy, Operands: []merge.Operand{b("only-one")}},
	}}
	if _, err := NewExecutor(testLogger(), false).Apply(context.Background(), plan, local(t.TempDir(), t.TempDir())); err == nil {
		t.Error("expected error for malformed operation")
	}
}

// Applying a mirror plan and planning again yields no copies or removals.
func TestMirrorIsIdempotent(t *testing.T) {
	baseDir, otherDir := t.TempDir(), t.TempDir()
	testutil.WriteFiles(t, baseDir, map[string]string{
		"same":          "s",
		"changed":       "base version",
		"sub/only-base": "b",
		"sub/deep/x":    "x",
	})
	testutil.WriteFiles(t, otherDir, map[string]string{
		"same":           "s",
		"changed":        "other",
		"only-other":     "o",
		"sub/only-other": "o2",
	})

	ctx := context.Background()
	scanner := scan.NewScanner(testLogger())
	plan := func() *merge.Plan {
		t.Helper()
		base, err := scanner.Scan(ctx, baseDir, nil)
		if err != nil {
			t.Fatal(err)
		}
		other, err := scanner.Scan(ctx, otherDir, nil)
		if err != nil {
			t.Fatal(err)
		}
		ops, err := merge.Generate(merge.ModeMirror, base.Snapshot, other.Snapshot, testLogger())
		if err != nil {
			t.Fatal(err)
		}
		return &merge.Plan{BaseBranch: "base", OtherBranch: "other", Operations: ops}
	}

	if _, err := NewExecutor(testLogger(), false).Apply(ctx, plan(), local(baseDir, otherDir)); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	if got, want := testutil.ReadFiles(t, otherDir), testutil.ReadFiles(t, baseDir); !reflect.DeepEqual(got, want) {
		t.Errorf("other = %v, want %v", got, want)
	}

	second := plan()
	if s := second.Stats(); s.Copy != 0 || s.Remove != 0 {
		t.Errorf("second plan not idempotent: %v", second.Operations)
	}
}

func TestJoinRoot(t *testing.T) {
	root := filepath.FromSlash("/data/tree")
	tests := []struct {
		rel     string
		want    string
		wantErr bool
	}{
		{rel: "a.txt", want: filepath.Join(root, "a.txt")},
		{rel: "dir/b", want: filepath.Join(root, "dir", "b")},
		{rel: "dir/../c", want: filepath.Join(root, "c")},
		{rel: "", wantErr: true},
		{rel: ".", wantErr: true},
		{rel: "..", wantErr: true},
		{rel: "../etc/passwd", wantErr: true},
		{rel: "dir/../../x", wantErr: true},
		{rel: "/etc/passwd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			got, err := JoinRoot(root, tt.rel)
			if (err != nil) != tt.wantErr {
				t.Fatalf("JoinRoot(%q) error = %v, wantErr %v", tt.rel, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("JoinRoot(%q) = %q, want %q", tt.rel, got, tt.want)
			}
		})
	}
}

func TestWriteFileAtomicSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "f")

	err := WriteFileAtomic(dst, strings.NewReader("abc"), Content{Size: 10})
	if err == nil {
		t.Fatal("expected size mismatch error")
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("destination should not exist after a failed write")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temp file left behind: %v", entries)
	}
}

func TestCopyKeepsSourceMode(t *testing.T) {
	baseDir, otherDir := t.TempDir(), t.TempDir()
	testutil.WriteFiles(t, baseDir, map[string]string{"bin/run.sh": "#!/bin/sh\n", "data": "d"})
	testutil.WriteFiles(t, otherDir, map[string]string{"data": "old"})
	if err := os.Chmod(filepath.Join(baseDir, "bin/run.sh"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(filepath.Join(baseDir, "data"), 0600); err != nil {
		t.Fatal(err)
	}

	plan := &merge.Plan{
		BaseBranch:  "base",
		OtherBranch: "other",
		Operations: []merge.Operation{
			merge.Copy(b("bin/run.sh"), o("bin/run.sh")),
			merge.Copy(b("data"), o("data")),
		},
	}
	if _, err := NewExecutor(testLogger(), false).Apply(context.Background(), plan, local(baseDir, otherDir)); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	for rel, want := range map[string]fs.FileMode{"bin/run.sh": 0755, "data": 0600} {
		info, err := os.Stat(filepath.Join(otherDir, rel))
		if err != nil {
			t.Fatal(err)
		}
		if got := info.Mode().Perm(); got != want {
			t.Errorf("%s mode = %o, want %o", rel, got, want)
		}
	}
}

func TestWriteFileAtomicMode(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing")
	if err := os.WriteFile(existing, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(existing, 0700); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		dst  string
		mode fs.FileMode
		want fs.FileMode
	}{
		{name: "unknown mode keeps existing", dst: existing, want: 0700},
		{name: "unknown mode on new file", dst: filepath.Join(dir, "new"), want: 0644},
		{name: "explicit mode wins", dst: filepath.Join(dir, "exec"), mode: 0750, want: 0750},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := WriteFileAtomic(tt.dst, strings.NewReader("abc"), Content{Size: 3, Mode: tt.mode}); err != nil {
				t.Fatalf("WriteFileAtomic() failed: %v", err)
			}
			info, err := os.Stat(tt.dst)
			if err != nil {
				t.Fatal(err)
			}
			if got := info.Mode().Perm(); got != tt.want {
				t.Errorf("mode = %o, want %o", got, tt.want)
			}
		})
	}
}
