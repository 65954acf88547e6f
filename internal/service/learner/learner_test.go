package learner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sandevgo/memd/internal/config"
	"github.com/sandevgo/memd/internal/core"
	"github.com/sandevgo/memd/internal/memory"
)

type fakeStore struct {
	mu      sync.Mutex
	batches [][]memory.Draft
	calls   int
	fail    error
	delay   time.Duration
}

func (f *fakeStore) BatchStore(_ context.Context, drafts []memory.Draft) ([]string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	f.batches = append(f.batches, drafts)
	ids := make([]string, len(drafts))
	for i := range drafts {
		ids[i] = drafts[i].Content
	}
	return ids, nil
}

func (f *fakeStore) stored() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, b := range f.batches {
		for _, d := range b {
			out = append(out, d.Content)
		}
	}
	return out
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(_ context.Context, text, sourceID string) []memory.Draft {
	var drafts []memory.Draft
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		drafts = append(drafts, memory.Draft{
			Content: line, Kind: memory.KindSemantic,
			Importance: 0.5, Confidence: 0.8, SourceID: sourceID,
		})
	}
	return drafts
}

func testQueueConfig() *config.QueueConfig {
	return &config.QueueConfig{Workers: 2, LaneSize: 16, RetainTerminalMin: 10}
}

func startLearner(t *testing.T, cfg *config.QueueConfig, store Storer) *Learner {
	t.Helper()
	l := New(cfg, store, fakeExtractor{})

	ctx, cancel := context.WithCancel(context.Background())
	go l.Start(ctx)
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		l.Shutdown(sctx)
	})
	return l
}

func TestEnqueueAcceptsWithoutWaiting(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{delay: 200 * time.Millisecond}
	l := startLearner(t, testQueueConfig(), store)

	started := time.Now()
	task, err := l.Enqueue(ctx, "a slow fact to store", "src", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 50*time.Millisecond {
		t.Errorf("enqueue blocked for %v", elapsed)
	}
	if task.State != StatePending && task.State != StateRunning {
		t.Errorf("fresh task in state %q", task.State)
	}
}

func TestTaskCompletesWithStoredIDs(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	l := startLearner(t, testQueueConfig(), store)

	task, err := l.Enqueue(ctx, "fact one\nfact two", "src", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	done, err := l.Wait(wctx, task.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.State != StateCompleted {
		t.Fatalf("state = %q, want completed", done.State)
	}
	if len(done.StoredIDs) != 2 {
		t.Errorf("stored ids = %v, want 2", done.StoredIDs)
	}
	if done.FinishedAt.IsZero() {
		t.Error("finished_at not set")
	}
}

func TestEmptyExtractionCompletes(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	l := startLearner(t, testQueueConfig(), store)

	task, _ := l.Enqueue(ctx, "", "src", nil)
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	done, err := l.Wait(wctx, task.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.State != StateCompleted || len(done.StoredIDs) != 0 {
		t.Errorf("expected completed with no ids, got %q %v", done.State, done.StoredIDs)
	}
	if len(store.stored()) != 0 {
		t.Error("store must not be called for empty extraction")
	}
}

func TestStoreFailureMarksTaskFailed(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{fail: errors.New("disk gone")}
	l := startLearner(t, testQueueConfig(), store)

	task, _ := l.Enqueue(ctx, "a fact that cannot land", "src", nil)
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := l.Wait(wctx, task.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.State != StateFailed {
		t.Fatalf("state = %q, want failed", done.State)
	}
	if !strings.Contains(done.Error, "disk gone") {
		t.Errorf("error = %q, want the store error", done.Error)
	}
}

func TestSameSourceProcessedInOrder(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{delay: 10 * time.Millisecond}
	l := startLearner(t, testQueueConfig(), store)

	var last *Task
	for _, text := range []string{"first", "second", "third"} {
		task, err := l.Enqueue(ctx, text, "same-source", nil)
		if err != nil {
			t.Fatalf("enqueue %q: %v", text, err)
		}
		last = task
	}

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := l.Wait(wctx, last.ID); err != nil {
		t.Fatalf("wait: %v", err)
	}

	got := store.stored()
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("stored %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order broken: stored %v, want %v", got, want)
		}
	}
}

func TestFullLaneRejects(t *testing.T) {
	ctx := context.Background()
	cfg := &config.QueueConfig{Workers: 1, LaneSize: 1, RetainTerminalMin: 10}
	// No workers running: the lane fills and stays full.
	l := New(cfg, &fakeStore{}, fakeExtractor{})

	if _, err := l.Enqueue(ctx, "fits", "src", nil); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := l.Enqueue(ctx, "overflows", "src", nil); !errors.Is(err, core.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if l.Depth() != 1 {
		t.Errorf("depth = %d, want 1", l.Depth())
	}
}

func TestStatusUnknownTask(t *testing.T) {
	l := New(testQueueConfig(), &fakeStore{}, fakeExtractor{})
	if _, err := l.Status("nope"); !errors.Is(err, core.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Wait(ctx, "nope"); !errors.Is(err, core.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound from wait, got %v", err)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	// Workers never started, so the task never finishes.
	l := New(testQueueConfig(), &fakeStore{}, fakeExtractor{})
	task, _ := l.Enqueue(context.Background(), "stuck", "src", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Wait(ctx, task.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestTaskMetadataReachesStoredDrafts(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	l := startLearner(t, testQueueConfig(), store)

	meta := map[string]string{"author": "alice", "session": "s42"}
	task, err := l.Enqueue(ctx, "fact one\nfact two", "src", meta)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := l.Wait(wctx, task.ID); err != nil {
		t.Fatalf("wait: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.batches) != 1 || len(store.batches[0]) != 2 {
		t.Fatalf("unexpected batches: %+v", store.batches)
	}
	for _, d := range store.batches[0] {
		if d.Metadata["author"] != "alice" || d.Metadata["session"] != "s42" {
			t.Errorf("draft %q missing caller metadata: %v", d.Content, d.Metadata)
		}
	}
}

func TestNaturalKeySuffixedPerDraft(t *testing.T) {
	single := []memory.Draft{{Content: "only one"}}
	applyTaskMeta(single, map[string]string{"natural_key": "sha1"})
	if single[0].Metadata["natural_key"] != "sha1" {
		t.Errorf("single draft key = %q, want unsuffixed", single[0].Metadata["natural_key"])
	}

	several := []memory.Draft{{Content: "a"}, {Content: "b"}}
	applyTaskMeta(several, map[string]string{"natural_key": "sha1"})
	if several[0].Metadata["natural_key"] != "sha1#0" || several[1].Metadata["natural_key"] != "sha1#1" {
		t.Errorf("multi-draft keys = %q, %q, want indexed",
			several[0].Metadata["natural_key"], several[1].Metadata["natural_key"])
	}

	// Extraction-derived keys win over caller metadata.
	derived := []memory.Draft{{Content: "c", Metadata: map[string]string{"family": "fact"}}}
	applyTaskMeta(derived, map[string]string{"family": "event"})
	if derived[0].Metadata["family"] != "fact" {
		t.Errorf("extraction metadata overridden: %v", derived[0].Metadata)
	}
}

func TestInvalidRecordNotRetried(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{fail: fmt.Errorf("%w: empty content", core.ErrInvalidRecord)}
	l := startLearner(t, testQueueConfig(), store)

	task, _ := l.Enqueue(ctx, "a malformed fact", "src", nil)
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	done, err := l.Wait(wctx, task.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.State != StateFailed {
		t.Fatalf("state = %q, want failed", done.State)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.calls != 1 {
		t.Errorf("store called %d times, want 1 (no retry on validation failure)", store.calls)
	}
}

func TestZeroWorkersClamped(t *testing.T) {
	cfg := &config.QueueConfig{Workers: 0, LaneSize: 0, RetainTerminalMin: 10}
	l := New(cfg, &fakeStore{}, fakeExtractor{})

	if _, err := l.Enqueue(context.Background(), "still accepted", "src", nil); err != nil {
		t.Fatalf("enqueue with clamped config: %v", err)
	}
	if l.Depth() != 1 {
		t.Errorf("depth = %d, want 1", l.Depth())
	}
}

func TestPruneEvictsOldTerminalTasks(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	l := startLearner(t, testQueueConfig(), store)

	task, _ := l.Enqueue(ctx, "short lived fact", "src", nil)
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := l.Wait(wctx, task.ID); err != nil {
		t.Fatalf("wait: %v", err)
	}

	// Not yet past retention.
	l.prune(time.Now())
	if _, err := l.Status(task.ID); err != nil {
		t.Fatalf("task pruned too early: %v", err)
	}

	l.prune(time.Now().Add(time.Hour))
	if _, err := l.Status(task.ID); !errors.Is(err, core.ErrTaskNotFound) {
		t.Fatalf("expected pruned task, got %v", err)
	}
}
