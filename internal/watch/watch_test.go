package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDebouncerCoalesces(t *testing.T) {
	d := &debouncer{delay: 50 * time.Millisecond}
	var calls atomic.Int32

	for i := 0; i < 5; i++ {
		d.trigger(func() { calls.Add(1) })
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(300 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}
}

func TestDebouncerStop(t *testing.T) {
	d := &debouncer{delay: 50 * time.Millisecond}
	var calls atomic.Int32

	d.trigger(func() { calls.Add(1) })
	d.stop()

	time.Sleep(200 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Errorf("expected no call after stop, got %d", got)
	}
}

func TestSingleFlightQueuesOneRerun(t *testing.T) {
	var s singleFlight
	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 10)

	fn := func() {
		calls.Add(1)
		started <- struct{}{}
		<-release
	}

	var wg gosync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.run(fn)
	}()
	<-started

	// these arrive while the first call runs and collapse into one rerun
	for i := 0; i < 3; i++ {
		s.run(fn)
	}

	close(release)
	wg.Wait()

	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 calls, got %d", got)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startWatcher(t *testing.T, root string) *atomic.Int32 {
	t.Helper()

	w, err := New(root, 30*time.Millisecond, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var calls atomic.Int32
	go func() {
		defer close(done)
		_ = w.Run(ctx, func(context.Context) { calls.Add(1) })
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &calls
}

func TestWatcherReportsChanges(t *testing.T) {
	root := t.TempDir()
	calls := startWatcher(t, root)

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return calls.Load() >= 1 })
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	root := t.TempDir()
	calls := startWatcher(t, root)

	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return calls.Load() >= 1 })
	seen := calls.Load()

	if err := os.WriteFile(filepath.Join(sub, "b.txt"), []byte("b"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return calls.Load() > seen })
}

func TestWatcherIgnoresHidden(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	calls := startWatcher(t, root)

	if err := os.WriteFile(filepath.Join(root, ".swp"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, ".git", "index"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Errorf("hidden changes triggered %d calls", got)
	}
}

func TestNewMissingRoot(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "missing"), DefaultDelay, testLogger()); err == nil {
		t.Error("expected error for a missing root")
	}
}

func TestDebouncerWaitsForRunningCallback(t *testing.T) {
	d := &debouncer{delay: 10 * time.Millisecond}
	started := make(chan struct{})
	var finished atomic.Bool

	d.trigger(func() {
		close(started)
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
	})
	<-started

	d.stop()
	d.wait()
	if !finished.Load() {
		t.Error("wait returned before the callback finished")
	}
}

func TestRunWaitsForUpdateInProgress(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, 10*time.Millisecond, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	var once gosync.Once
	var saved atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx, func(ctx context.Context) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			// persisting the interrupted result
			time.Sleep(200 * time.Millisecond)
			saved.Store(true)
		})
	}()

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("onChange was not called")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !saved.Load() {
		t.Error("Run returned while the update was still running")
	}
}
