package recall

import (
	"fmt"
	"strings"
	"time"

	"github.com/sandevgo/memd/internal/memory"
	"github.com/sandevgo/memd/internal/service/extract"
)

// Strategy selects how candidates are scored. The set is closed: a
// fixed table, not runtime plugin discovery.
type Strategy string

const (
	StrategyKeyword  Strategy = "keyword"
	StrategyEntity   Strategy = "entity"
	StrategyTemporal Strategy = "temporal"
	StrategyPattern  Strategy = "pattern"
	StrategyHybrid   Strategy = "hybrid"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return StrategyHybrid, nil
	case StrategyKeyword:
		return StrategyKeyword, nil
	case StrategyEntity:
		return StrategyEntity, nil
	case StrategyTemporal:
		return StrategyTemporal, nil
	case StrategyPattern:
		return StrategyPattern, nil
	case StrategyHybrid:
		return StrategyHybrid, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// query holds everything the scorers need, computed once per call.
type query struct {
	raw      string
	tokens   map[string]int
	entities map[string]bool
	family   extract.Family
}

func newQuery(raw string) query {
	q := query{
		raw:      raw,
		tokens:   tokenize(raw),
		entities: make(map[string]bool),
		family:   extract.Classify(raw),
	}
	for _, e := range extract.Entities(raw) {
		q.entities[e] = true
	}
	return q
}

type scorer func(q query, rec memory.Record, now time.Time) float64

var scorers = map[Strategy]scorer{
	StrategyKeyword:  keywordScore,
	StrategyEntity:   entityScore,
	StrategyTemporal: temporalScore,
	StrategyPattern:  patternScore,
}

func tokenize(text string) map[string]int {
	tokens := make(map[string]int)
	for _, f := range strings.Fields(strings.ToLower(text)) {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if len(f) < 2 {
			continue
		}
		tokens[f]++
	}
	return tokens
}
