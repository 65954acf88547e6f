// Package recall turns a free-text query into a ranked, bounded list of
// memory records inside a hard latency budget.
package recall

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/sandevgo/memd/internal/config"
	"github.com/sandevgo/memd/internal/core"
	"github.com/sandevgo/memd/internal/memory"
	"github.com/sandevgo/memd/internal/service/extract"
	"github.com/sandevgo/memd/internal/service/store"
	"github.com/sandevgo/memd/pkg/log"
)

// Result is a ranked, truncated recall answer. Partial marks that the
// latency budget expired before every candidate was scored; what was
// gathered is still returned, ranked.
type Result struct {
	Records []memory.Record `json:"records"`
	Partial bool            `json:"partial,omitempty"`
}

type Coordinator struct {
	store *store.Store
	cfg   *config.RecallConfig
	cache *ristretto.Cache

	latMu     sync.Mutex
	latencies [32]time.Duration
	latN      int
	latI      int
}

func NewCoordinator(st *store.Store, cfg *config.RecallConfig) (*Coordinator, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 22, // ~4MB of cached result sets
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("recall cache: %w", err)
	}

	return &Coordinator{
		store: st,
		cfg:   cfg,
		cache: cache,
	}, nil
}

// Recall scores active records against the query and returns the top
// maxResults, deterministically ordered. The scan superset is bounded
// by configuration so the call stays inside its wall-clock budget no
// matter how large the store is.
func (c *Coordinator) Recall(ctx context.Context, q string, maxResults int, strategy Strategy) (Result, error) {
	started := time.Now()
	defer func() { c.observeLatency(time.Since(started)) }()

	if maxResults <= 0 {
		maxResults = c.cfg.MaxResults
	}

	if strings.TrimSpace(q) == "" {
		if !c.cfg.AllowEmptyQuery {
			return Result{}, core.ErrEmptyQuery
		}
		recs, err := c.store.GetRecent(ctx, maxResults, store.Filter{})
		if err != nil {
			return Result{}, err
		}
		return Result{Records: recs}, nil
	}

	cacheKey := fmt.Sprintf("%s|%s|%d", strategy, memory.FingerprintOf(q), maxResults)
	if cached, ok := c.cache.Get(cacheKey); ok {
		if res, ok := cached.(Result); ok {
			return res, nil
		}
	}

	deadline := started.Add(c.cfg.Budget())
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	candidates, err := c.gather(ctx, q)
	if err != nil {
		// A scan cut short by the budget degrades to a partial result;
		// only genuine store failures surface as errors.
		if ctx.Err() != nil {
			return Result{Partial: true}, nil
		}
		return Result{}, err
	}

	res := c.rank(q, candidates, maxResults, strategy, deadline)

	// Partial rankings are budget artifacts, not answers worth replaying.
	if !res.Partial {
		c.cache.SetWithTTL(cacheKey, res, int64(len(res.Records)*256+64), c.cfg.CacheTTL())
	}

	log.FromCtx(ctx).Debug().
		Int("candidates", len(candidates)).
		Int("results", len(res.Records)).
		Bool("partial", res.Partial).
		Dur("took", time.Since(started)).
		Msg("recall")

	return res, nil
}

// gather assembles the bounded candidate superset: the most recent N
// active records, any exact-fingerprint match, and records sharing
// entities with the query.
func (c *Coordinator) gather(ctx context.Context, q string) ([]memory.Record, error) {
	recent, err := c.store.GetRecent(ctx, c.cfg.CandidateLimit, store.Filter{})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(recent))
	for _, r := range recent {
		seen[r.ID] = true
	}

	if exact, err := c.store.FindByFingerprint(ctx, memory.FingerprintOf(q)); err == nil && exact != nil && !seen[exact.ID] {
		recent = append(recent, *exact)
		seen[exact.ID] = true
	}

	if names := extract.Entities(q); len(names) > 0 {
		byEntity, err := c.store.FindByEntities(ctx, names, c.cfg.CandidateLimit/4)
		if err == nil {
			for _, r := range byEntity {
				if !seen[r.ID] {
					recent = append(recent, r)
					seen[r.ID] = true
				}
			}
		}
	}

	return recent, nil
}

type scored struct {
	rec   memory.Record
	score float64
}

// rank scores candidates with the selected strategy set, checking the
// deadline as it goes; on expiry it ranks whatever has been scored and
// flags the result partial.
func (c *Coordinator) rank(rawQuery string, candidates []memory.Record, maxResults int, strategy Strategy, deadline time.Time) Result {
	q := newQuery(rawQuery)
	now := time.Now()

	results := make([]scored, 0, len(candidates))
	partial := false

	for i, rec := range candidates {
		if i%64 == 0 && time.Now().After(deadline) {
			partial = true
			break
		}
		results = append(results, scored{rec: rec, score: c.score(q, rec, now, strategy)})
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.rec.Importance != b.rec.Importance {
			return a.rec.Importance > b.rec.Importance
		}
		if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
			return a.rec.CreatedAt.After(b.rec.CreatedAt)
		}
		return a.rec.ID > b.rec.ID
	})

	if len(results) > maxResults {
		results = results[:maxResults]
	}

	records := make([]memory.Record, len(results))
	for i, s := range results {
		records[i] = s.rec
	}
	return Result{Records: records, Partial: partial}
}

func (c *Coordinator) score(q query, rec memory.Record, now time.Time, strategy Strategy) float64 {
	if fn, ok := scorers[strategy]; ok {
		return fn(q, rec, now)
	}

	// Hybrid: weighted sum over all scorers, normalized.
	total := c.cfg.KeywordWeight + c.cfg.EntityWeight + c.cfg.TemporalWeight + c.cfg.PatternWeight
	if total <= 0 {
		return 0
	}
	sum := c.cfg.KeywordWeight*keywordScore(q, rec, now) +
		c.cfg.EntityWeight*entityScore(q, rec, now) +
		c.cfg.TemporalWeight*temporalScore(q, rec, now) +
		c.cfg.PatternWeight*patternScore(q, rec, now)
	return sum / total
}

// Enhance wraps Recall for the synchronous context API: it returns the
// query enriched with relevant memory, or the query unchanged when
// anything fails. Memory being down must never fail the caller.
func (c *Coordinator) Enhance(ctx context.Context, q string, maxResults int, format string) string {
	res, err := c.Recall(ctx, q, maxResults, StrategyHybrid)
	if err != nil || len(res.Records) == 0 {
		if err != nil {
			log.FromCtx(ctx).Warn().Err(err).Msg("enhance degraded to passthrough")
		}
		return q
	}

	switch format {
	case "json":
		payload := struct {
			Query   string          `json:"query"`
			Context []memory.Record `json:"context"`
			Partial bool            `json:"partial,omitempty"`
		}{Query: q, Context: res.Records, Partial: res.Partial}
		b, err := json.Marshal(payload)
		if err != nil {
			return q
		}
		return string(b)
	default:
		var sb strings.Builder
		sb.WriteString(q)
		sb.WriteString("\n\n### Relevant memory\n")
		for _, rec := range res.Records {
			sb.WriteString("- ")
			sb.WriteString(rec.Content)
			sb.WriteByte('\n')
		}
		return sb.String()
	}
}

func (c *Coordinator) observeLatency(d time.Duration) {
	c.latMu.Lock()
	defer c.latMu.Unlock()
	c.latencies[c.latI] = d
	c.latI = (c.latI + 1) % len(c.latencies)
	if c.latN < len(c.latencies) {
		c.latN++
	}
}

// RecentLatency reports the mean of the last recall durations, for the
// health surface.
func (c *Coordinator) RecentLatency() time.Duration {
	c.latMu.Lock()
	defer c.latMu.Unlock()
	if c.latN == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < c.latN; i++ {
		sum += c.latencies[i]
	}
	return sum / time.Duration(c.latN)
}
