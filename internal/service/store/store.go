// Package store is the exclusive gateway to persisted memory records.
// All mutation funnels through a single writer goroutine so the
// fingerprint-dedup check and the insert are atomic with respect to
// other writers; reads run concurrently against the graph store.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"

	"github.com/sandevgo/memd/internal/core"
	"github.com/sandevgo/memd/internal/memory"
	"github.com/sandevgo/memd/internal/storage/sqlite"
	"github.com/sandevgo/memd/pkg/log"
)

// Filter narrows GetRecent. Zero values mean "any".
type Filter struct {
	Kind     memory.Kind
	SourceID string
	MetaKey  string
	MetaVal  string
}

// EntityFunc derives entity names from content for records stored
// without pre-extracted entities.
type EntityFunc func(text string) []string

type writeReq struct {
	fn   func() error
	done chan error
}

type Store struct {
	graph    *sqlite.Graph
	dbPath   string
	lock     *flock.Flock
	entities EntityFunc

	// entropy is touched only by the writer goroutine.
	entropy *rand.Rand

	writeC chan writeReq
	stopC  chan struct{}
	doneC  chan struct{}
}

// Open acquires the project write lock and starts the writer goroutine.
// A second process opening the same project fails here rather than
// racing the embedded store.
func Open(graph *sqlite.Graph, dbPath, lockPath string, entities EntityFunc) (*Store, error) {
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire project lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("project %s is locked by another writer", lockPath)
	}

	s := &Store{
		graph:    graph,
		dbPath:   dbPath,
		lock:     lock,
		entities: entities,
		entropy:  rand.New(rand.NewSource(time.Now().UnixNano())),
		writeC:   make(chan writeReq),
		stopC:    make(chan struct{}),
		doneC:    make(chan struct{}),
	}
	go s.writeLoop()

	return s, nil
}

// Close stops the writer and releases the project lock.
func (s *Store) Close() error {
	close(s.stopC)
	<-s.doneC
	return s.lock.Unlock()
}

func (s *Store) writeLoop() {
	defer close(s.doneC)
	for {
		select {
		case <-s.stopC:
			return
		case req := <-s.writeC:
			req.done <- req.fn()
		}
	}
}

// submit runs fn on the writer goroutine and waits for completion.
func (s *Store) submit(ctx context.Context, fn func() error) error {
	req := writeReq{fn: fn, done: make(chan error, 1)}

	select {
	case s.writeC <- req:
	case <-s.stopC:
		return fmt.Errorf("%w: store closed", core.ErrStoreUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// BatchStore validates and persists drafts, deduplicating by content
// fingerprint and, when a natural_key metadata field is present, by
// (source_id, natural_key). The returned slice is aligned with the
// input; an empty id marks a skipped duplicate, which is a successful
// no-op, not a failure. Malformed drafts reject the whole batch before
// any write.
func (s *Store) BatchStore(ctx context.Context, drafts []memory.Draft) ([]string, error) {
	for _, d := range drafts {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}

	ids := make([]string, len(drafts))
	err := s.submit(ctx, func() error {
		now := time.Now()
		seen := make(map[string]bool, len(drafts))

		for i, d := range drafts {
			fp := memory.FingerprintOf(d.Content)
			if seen[fp] {
				continue
			}
			seen[fp] = true

			existing, err := s.graph.ActiveNodeByFingerprint(ctx, fp, now)
			if err != nil {
				return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
			}
			if existing != nil {
				continue
			}

			if key := d.Metadata["natural_key"]; key != "" {
				prior, err := s.graph.ActiveNodeBySourceKey(ctx, d.SourceID, key, now)
				if err != nil {
					return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
				}
				if prior != nil {
					continue
				}
			}

			id, err := s.insert(ctx, d, fp, now)
			if err != nil {
				return err
			}
			ids[i] = id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// insert runs on the writer goroutine only.
func (s *Store) insert(ctx context.Context, d memory.Draft, fp string, now time.Time) (string, error) {
	id := s.newID(now)

	var validTo *time.Time
	if ttl, expires := d.Kind.Retention(); expires {
		t := now.Add(ttl)
		validTo = &t
	}

	var meta string
	if len(d.Metadata) > 0 {
		b, err := json.Marshal(d.Metadata)
		if err != nil {
			return "", fmt.Errorf("%w: metadata not serializable", core.ErrInvalidRecord)
		}
		meta = string(b)
	}

	node := sqlite.Node{
		ID:          id,
		Content:     d.Content,
		Fingerprint: fp,
		Kind:        string(d.Kind),
		CreatedAt:   now,
		ValidFrom:   now,
		ValidTo:     validTo,
		Importance:  d.Importance,
		Confidence:  d.Confidence,
		SourceID:    d.SourceID,
		Metadata:    meta,
	}
	if err := s.graph.InsertNode(ctx, node); err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}

	entities := d.Entities
	if len(entities) == 0 && s.entities != nil {
		entities = s.entities(d.Content)
	}
	for _, name := range entities {
		if err := s.graph.LinkEntity(ctx, name, id); err != nil {
			return "", fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
		}
	}

	// An update is a new record pointing at the one it replaces.
	if prev := d.Metadata["supersedes"]; prev != "" {
		edge := sqlite.Edge{FromID: id, ToID: prev, Rel: "supersedes", CreatedAt: now}
		if err := s.graph.InsertEdge(ctx, edge); err != nil {
			return "", fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
		}
	}

	return id, nil
}

// GetRecent returns active records, newest first.
func (s *Store) GetRecent(ctx context.Context, limit int, f Filter) ([]memory.Record, error) {
	if limit <= 0 {
		limit = 20
	}

	nodes, err := s.graph.RecentNodes(ctx, limit, sqlite.NodeFilter{
		Kind:     string(f.Kind),
		SourceID: f.SourceID,
		MetaKey:  f.MetaKey,
		MetaVal:  f.MetaVal,
	}, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	return toRecords(ctx, nodes), nil
}

// GetByIDs batch-fetches records. Missing ids are silently omitted.
func (s *Store) GetByIDs(ctx context.Context, ids []string) ([]memory.Record, error) {
	nodes, err := s.graph.NodesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	return toRecords(ctx, nodes), nil
}

// FindByEntities returns active records linked to any of the names.
func (s *Store) FindByEntities(ctx context.Context, names []string, limit int) ([]memory.Record, error) {
	ids, err := s.graph.NodeIDsByEntities(ctx, names, limit, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	return s.GetByIDs(ctx, ids)
}

// FindByFingerprint returns the active record with the given content
// fingerprint, or nil.
func (s *Store) FindByFingerprint(ctx context.Context, fp string) (*memory.Record, error) {
	node, err := s.graph.ActiveNodeByFingerprint(ctx, fp, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	if node == nil {
		return nil, nil
	}
	rec := toRecord(ctx, *node)
	return &rec, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.graph.CountNodes(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	return n, nil
}

func (s *Store) StatsByKind(ctx context.Context) ([]core.KindCount, error) {
	counts, err := s.graph.CountByColumn(ctx, "kind", time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}

	out := make([]core.KindCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, core.KindCount{Kind: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}

func (s *Store) StatsBySource(ctx context.Context) ([]core.SourceCount, error) {
	counts, err := s.graph.CountByColumn(ctx, "source_id", time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}

	out := make([]core.SourceCount, 0, len(counts))
	for src, n := range counts {
		out = append(out, core.SourceCount{SourceID: src, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out, nil
}

// DBSize reports the size of the backing database file for the health
// surface. Best effort; 0 on stat failure.
func (s *Store) DBSize() int64 {
	info, err := os.Stat(s.dbPath)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Cleanup deletes records whose validity lapsed before now. Explicit
// and idempotent; reads filter by validity on their own and never
// depend on cleanup having run.
func (s *Store) Cleanup(ctx context.Context, now time.Time) (int, error) {
	var removed int
	err := s.submit(ctx, func() error {
		n, err := s.graph.DeleteExpired(ctx, now)
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
		}
		removed = n
		return nil
	})
	return removed, err
}

func toRecords(ctx context.Context, nodes []sqlite.Node) []memory.Record {
	records := make([]memory.Record, len(nodes))
	for i, n := range nodes {
		records[i] = toRecord(ctx, n)
	}
	return records
}

func toRecord(ctx context.Context, n sqlite.Node) memory.Record {
	rec := memory.Record{
		ID:          n.ID,
		Content:     n.Content,
		Fingerprint: n.Fingerprint,
		Kind:        memory.Kind(n.Kind),
		CreatedAt:   n.CreatedAt,
		ValidFrom:   n.ValidFrom,
		ValidTo:     n.ValidTo,
		Importance:  n.Importance,
		Confidence:  n.Confidence,
		SourceID:    n.SourceID,
	}
	if n.Metadata != "" {
		if err := json.Unmarshal([]byte(n.Metadata), &rec.Metadata); err != nil {
			// The record itself is still usable; only its metadata is lost.
			log.FromCtx(ctx).Warn().Err(err).Str("id", n.ID).Msg("corrupt record metadata")
		}
	}
	return rec
}
