// Package learner runs memory ingestion off the caller's path: learn
// requests are acknowledged immediately and processed by a small worker
// pool, with per-source ordering preserved.
package learner

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sandevgo/memd/internal/config"
	"github.com/sandevgo/memd/internal/core"
	"github.com/sandevgo/memd/internal/memory"
	"github.com/sandevgo/memd/pkg/log"
	"github.com/sandevgo/memd/pkg/retry"
)

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Task is one accepted learn request. StoredIDs is populated on
// completion with the ids of the records actually written; deduplicated
// drafts leave no id behind.
type Task struct {
	ID         string    `json:"id"`
	SourceID   string    `json:"source_id"`
	State      State     `json:"state"`
	Error      string    `json:"error,omitempty"`
	StoredIDs  []string  `json:"stored_ids,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`

	text string
	meta map[string]string
	done chan struct{}
}

// Storer is the slice of the memory store the learner needs.
type Storer interface {
	BatchStore(ctx context.Context, drafts []memory.Draft) ([]string, error)
}

// Extractor turns raw text into drafts.
type Extractor interface {
	Extract(ctx context.Context, text, sourceID string) []memory.Draft
}

// Learner is the async ingestion queue. Tasks from the same source land
// on the same lane, so one worker processes them in submission order;
// different sources proceed in parallel.
type Learner struct {
	cfg       *config.QueueConfig
	store     Storer
	extractor Extractor
	retrier   *retry.Retrier

	lanes []chan *Task

	mu    sync.Mutex
	tasks map[string]*Task

	wg    sync.WaitGroup
	stopC chan struct{}
}

func New(cfg *config.QueueConfig, store Storer, extractor Extractor) *Learner {
	// Misconfigured worker or lane counts must not leave the queue
	// unusable; one lane of one slot still preserves every guarantee.
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	laneSize := cfg.LaneSize
	if laneSize < 1 {
		laneSize = 1
	}

	lanes := make([]chan *Task, workers)
	for i := range lanes {
		lanes[i] = make(chan *Task, laneSize)
	}
	return &Learner{
		cfg:       cfg,
		store:     store,
		extractor: extractor,
		retrier:   retry.NewRetrier(retry.NewStoreConfig()),
		lanes:     lanes,
		tasks:     make(map[string]*Task),
		stopC:     make(chan struct{}),
	}
}

// Enqueue accepts text for background ingestion and returns the pending
// task without waiting for extraction or storage. Caller metadata is
// carried onto every record the text produces. When the source's lane
// is full the request is rejected rather than blocked.
func (l *Learner) Enqueue(ctx context.Context, text, sourceID string, meta map[string]string) (*Task, error) {
	task := &Task{
		ID:        uuid.NewString(),
		SourceID:  sourceID,
		State:     StatePending,
		CreatedAt: time.Now(),
		text:      text,
		meta:      meta,
		done:      make(chan struct{}),
	}

	l.mu.Lock()
	l.tasks[task.ID] = task
	l.mu.Unlock()

	select {
	case l.lane(sourceID) <- task:
	default:
		l.mu.Lock()
		delete(l.tasks, task.ID)
		l.mu.Unlock()
		return nil, core.ErrQueueFull
	}

	log.FromCtx(ctx).Debug().
		Str("task", task.ID).
		Str("source", sourceID).
		Msg("learn task queued")

	return l.snapshot(task), nil
}

// Status reports the current state of a task by id.
func (l *Learner) Status(id string) (*Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	task, ok := l.tasks[id]
	if !ok {
		return nil, core.ErrTaskNotFound
	}
	return l.snapshotLocked(task), nil
}

// Wait blocks until the task reaches a terminal state or the context
// expires, then reports it.
func (l *Learner) Wait(ctx context.Context, id string) (*Task, error) {
	l.mu.Lock()
	task, ok := l.tasks[id]
	l.mu.Unlock()
	if !ok {
		return nil, core.ErrTaskNotFound
	}

	select {
	case <-task.done:
		return l.snapshot(task), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Depth is the number of tasks queued but not yet picked up.
func (l *Learner) Depth() int {
	depth := 0
	for _, lane := range l.lanes {
		depth += len(lane)
	}
	return depth
}

// Start launches the workers and the terminal-task janitor, then blocks
// until the context is cancelled.
func (l *Learner) Start(ctx context.Context) error {
	for i, lane := range l.lanes {
		l.wg.Add(1)
		go l.work(ctx, i, lane)
	}
	l.wg.Add(1)
	go l.janitor(ctx)

	<-ctx.Done()
	return nil
}

// Shutdown stops the workers after their in-flight task finishes.
func (l *Learner) Shutdown(ctx context.Context) error {
	close(l.stopC)

	finished := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Learner) lane(sourceID string) chan *Task {
	h := fnv.New32a()
	h.Write([]byte(sourceID))
	return l.lanes[int(h.Sum32())%len(l.lanes)]
}

func (l *Learner) work(ctx context.Context, n int, lane chan *Task) {
	defer l.wg.Done()
	logger := log.FromCtx(ctx).With().Int("worker", n).Logger()

	for {
		select {
		case <-l.stopC:
			return
		case <-ctx.Done():
			return
		case task := <-lane:
			l.process(ctx, task, &logger)
		}
	}
}

func (l *Learner) process(ctx context.Context, task *Task, logger *zerolog.Logger) {
	l.setState(task, StateRunning)

	drafts := l.extractor.Extract(ctx, task.text, task.SourceID)
	if len(drafts) == 0 {
		l.finish(task, nil, nil)
		return
	}
	applyTaskMeta(drafts, task.meta)

	var ids []string
	var permErr error
	err := l.retrier.Do(ctx, func() error {
		var storeErr error
		ids, storeErr = l.store.BatchStore(ctx, drafts)
		// Validation failures are permanent; retrying cannot fix them.
		if errors.Is(storeErr, core.ErrInvalidRecord) {
			permErr = storeErr
			return nil
		}
		return storeErr
	})
	if err == nil {
		err = permErr
	}
	if err != nil {
		logger.Error().Err(err).Str("task", task.ID).Msg("learn task failed")
		l.finish(task, nil, err)
		return
	}

	stored := ids[:0]
	for _, id := range ids {
		if id != "" {
			stored = append(stored, id)
		}
	}

	logger.Debug().
		Str("task", task.ID).
		Int("drafts", len(drafts)).
		Int("stored", len(stored)).
		Msg("learn task done")

	l.finish(task, stored, nil)
}

// applyTaskMeta copies caller metadata onto every draft without
// overriding keys extraction derived. A natural_key is suffixed with
// the draft index when one text yields several drafts, so each draft
// stays individually idempotent on re-ingestion.
func applyTaskMeta(drafts []memory.Draft, meta map[string]string) {
	if len(meta) == 0 {
		return
	}
	for i := range drafts {
		if drafts[i].Metadata == nil {
			drafts[i].Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			if _, ok := drafts[i].Metadata[k]; ok {
				continue
			}
			if k == "natural_key" && len(drafts) > 1 {
				v = fmt.Sprintf("%s#%d", v, i)
			}
			drafts[i].Metadata[k] = v
		}
	}
}

// janitor evicts terminal tasks from the status map once they have aged
// past the retention window, so the map cannot grow without bound.
func (l *Learner) janitor(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopC:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.prune(now)
		}
	}
}

func (l *Learner) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.RetainTerminal())
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, task := range l.tasks {
		if task.State.Terminal() && task.FinishedAt.Before(cutoff) {
			delete(l.tasks, id)
		}
	}
}

func (l *Learner) setState(task *Task, state State) {
	l.mu.Lock()
	task.State = state
	l.mu.Unlock()
}

func (l *Learner) finish(task *Task, stored []string, err error) {
	l.mu.Lock()
	task.FinishedAt = time.Now()
	task.StoredIDs = stored
	if err != nil {
		task.State = StateFailed
		task.Error = err.Error()
	} else {
		task.State = StateCompleted
	}
	l.mu.Unlock()
	close(task.done)
}

func (l *Learner) snapshot(task *Task) *Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked(task)
}

func (l *Learner) snapshotLocked(task *Task) *Task {
	cp := Task{
		ID:         task.ID,
		SourceID:   task.SourceID,
		State:      task.State,
		Error:      task.Error,
		CreatedAt:  task.CreatedAt,
		FinishedAt: task.FinishedAt,
	}
	cp.StoredIDs = append(cp.StoredIDs, task.StoredIDs...)
	return &cp
}
