// Package extract turns raw text into candidate memory drafts. The
// heuristics here are deliberately replaceable; the only contract the
// rest of the system relies on is Extract.
package extract

import (
	"context"
	"regexp"
	"strings"

	"github.com/sandevgo/memd/internal/memory"
)

// Family is the structural pattern family of a statement. It doubles as
// a ranking signal: queries and records of the same family score higher
// in pattern-based recall.
type Family string

const (
	FamilyPreference Family = "preference"
	FamilyDecision   Family = "decision"
	FamilyProcedure  Family = "procedure"
	FamilyEvent      Family = "event"
	FamilyQuestion   Family = "question"
	FamilyFact       Family = "fact"
)

var (
	prefRe      = regexp.MustCompile(`(?i)\b(prefer|prefers|always use|never use|like to|love|hate|avoid|favorite)\b`)
	decisionRe  = regexp.MustCompile(`(?i)\b(decided|agreed|chose|will use|switched to|going with)\b`)
	procRe      = regexp.MustCompile(`(?i)\b(to \w+[, ].*\b(run|use|call|execute|install)\b|first .* then|step \d|how to)\b`)
	eventRe     = regexp.MustCompile(`(?i)\b(yesterday|today|last week|fixed|deployed|merged|released|broke|happened)\b`)
	importantRe = regexp.MustCompile(`(?i)\b(must|always|never|critical|important|required)\b`)
	questionRe  = regexp.MustCompile(`(?i)^(what|who|where|when|why|how|which|is|are|do|does|can)\b`)

	sentenceRe = regexp.MustCompile(`[.!?\n]+`)
	entityRe   = regexp.MustCompile(`\b[A-Z][A-Za-z0-9_+\-]{2,}\b`)
)

// techTerms are lower-case technology names recognized as entities even
// when not capitalized.
var techTerms = map[string]bool{
	"postgresql": true, "postgres": true, "mysql": true, "sqlite": true,
	"redis": true, "kafka": true, "docker": true, "kubernetes": true,
	"golang": true, "python": true, "typescript": true, "react": true,
	"grpc": true, "graphql": true, "linux": true, "github": true,
}

// stopWords are capitalized sentence starters that are not entities.
var stopWords = map[string]bool{
	"the": true, "this": true, "that": true, "when": true, "user": true,
	"project": true, "always": true, "never": true, "after": true,
}

type Extractor struct{}

func New() *Extractor {
	return &Extractor{}
}

// Extract produces zero or more unsaved drafts from raw text. One draft
// per substantive sentence; greetings and fragments are dropped.
func (e *Extractor) Extract(ctx context.Context, text, sourceID string) []memory.Draft {
	var drafts []memory.Draft

	for _, sentence := range splitSentences(text) {
		if !substantive(sentence) {
			continue
		}

		family := Classify(sentence)
		if family == FamilyQuestion {
			continue
		}

		draft := memory.Draft{
			Content:    sentence,
			Kind:       kindFor(family),
			Importance: importanceOf(sentence, family),
			Confidence: confidenceOf(sentence),
			SourceID:   sourceID,
			Metadata:   map[string]string{"family": string(family)},
			Entities:   Entities(sentence),
		}
		drafts = append(drafts, draft)
	}

	return drafts
}

// Classify assigns a statement to its pattern family.
func Classify(text string) Family {
	trimmed := strings.TrimSpace(text)
	if strings.HasSuffix(trimmed, "?") || questionRe.MatchString(trimmed) {
		return FamilyQuestion
	}
	switch {
	case prefRe.MatchString(text):
		return FamilyPreference
	case decisionRe.MatchString(text):
		return FamilyDecision
	case procRe.MatchString(text):
		return FamilyProcedure
	case eventRe.MatchString(text):
		return FamilyEvent
	}
	return FamilyFact
}

// Entities extracts named entities: capitalized tokens plus known
// technology names in any case.
func Entities(text string) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(name string) {
		name = strings.ToLower(name)
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	for _, m := range entityRe.FindAllString(text, -1) {
		if stopWords[strings.ToLower(m)] {
			continue
		}
		add(m)
	}
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?\"'()")
		if techTerms[tok] {
			add(tok)
		}
	}

	return out
}

func kindFor(f Family) memory.Kind {
	switch f {
	case FamilyPreference:
		return memory.KindPreference
	case FamilyProcedure:
		return memory.KindProcedural
	case FamilyEvent, FamilyDecision:
		return memory.KindEpisodic
	default:
		return memory.KindSemantic
	}
}

func importanceOf(text string, f Family) float64 {
	score := 0.5
	if importantRe.MatchString(text) {
		score += 0.3
	}
	if f == FamilyPreference || f == FamilyDecision {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

func confidenceOf(text string) float64 {
	// Longer, entity-bearing statements carry more signal than fragments.
	score := 0.6
	if len(strings.Fields(text)) >= 6 {
		score += 0.2
	}
	if len(Entities(text)) > 0 {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return score
}

func splitSentences(text string) []string {
	var out []string
	for _, s := range sentenceRe.Split(text, -1) {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

var greetingRe = regexp.MustCompile(`(?i)^(hi|hello|hey|thanks|thank you|ok|okay|yes|no|sure)\b`)

func substantive(sentence string) bool {
	if len(strings.Fields(sentence)) < 3 {
		return false
	}
	return !greetingRe.MatchString(sentence)
}
