package recall

import (
	"math"
	"time"

	"github.com/sandevgo/memd/internal/memory"
	"github.com/sandevgo/memd/internal/service/extract"
)

// keywordScore is lexical overlap: the share of query terms present in
// the record, with a mild term-frequency boost.
func keywordScore(q query, rec memory.Record, _ time.Time) float64 {
	if len(q.tokens) == 0 {
		return 0
	}

	recTokens := tokenize(rec.Content)
	matched := 0.0
	for tok := range q.tokens {
		if tf, ok := recTokens[tok]; ok {
			matched += 1 + 0.1*float64(tf-1)
		}
	}

	score := matched / float64(len(q.tokens))
	if score > 1 {
		score = 1
	}
	return score
}

// entityScore is the share of query entities the record also mentions.
func entityScore(q query, rec memory.Record, _ time.Time) float64 {
	if len(q.entities) == 0 {
		return 0
	}

	shared := 0
	for _, e := range extract.Entities(rec.Content) {
		if q.entities[e] {
			shared++
		}
	}
	return float64(shared) / float64(len(q.entities))
}

const temporalHalfLife = 7 * 24 * time.Hour

// temporalScore favors recently created records and penalizes records
// close to expiry.
func temporalScore(_ query, rec memory.Record, now time.Time) float64 {
	age := now.Sub(rec.CreatedAt)
	if age < 0 {
		age = 0
	}
	score := math.Pow(0.5, float64(age)/float64(temporalHalfLife))

	if rec.ValidTo != nil {
		window := rec.ValidTo.Sub(rec.CreatedAt)
		remaining := rec.ValidTo.Sub(now)
		if window > 0 && remaining < window/10 {
			score *= 0.5
		}
	}

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// patternScore compares structural families: a preference query ranks
// preference statements first.
func patternScore(q query, rec memory.Record, _ time.Time) float64 {
	recFamily := extract.Family(rec.Metadata["family"])
	if recFamily == "" {
		recFamily = extract.Classify(rec.Content)
	}

	// Questions match the family they ask about, not other questions.
	qFamily := q.family
	if qFamily == extract.FamilyQuestion {
		qFamily = extract.FamilyFact
	}

	if recFamily == qFamily {
		return 1
	}
	return 0.2
}
