// Package match finds the best fuzzy candidate for a transcript in a fixed
// vocabulary.
package match

import "strings"

// Category identifies which vocabulary produced a result.
type Category string

const (
	Road    Category = "road"
	Vehicle Category = "vehicle"
)

// Vocabulary is an ordered, read-only list of candidates. It is safe for
// concurrent use once constructed.
type Vocabulary struct {
	name    string
	entries []string
}

// NewVocabulary copies entries, dropping blanks and keeping order.
func NewVocabulary(name string, entries []string) Vocabulary {
	kept := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e) != "" {
			kept = append(kept, e)
		}
	}
	return Vocabulary{name: name, entries: kept}
}

func (v Vocabulary) Name() string { return v.name }
func (v Vocabulary) Len() int     { return len(v.entries) }

// Entries returns a copy of the candidates.
func (v Vocabulary) Entries() []string {
	return append([]string(nil), v.entries...)
}

// Result is the best candidate for a transcript.
type Result struct {
	Text     string
	Category Category
	Score    int
}

// Matcher applies a Scorer and threshold to one vocabulary.
type Matcher struct {
	category  Category
	vocab     Vocabulary
	threshold int
	scorer    Scorer
}

// NewMatcher builds a matcher; a nil scorer selects TokenScore.
func NewMatcher(category Category, vocab Vocabulary, threshold int, scorer Scorer) *Matcher {
	if scorer == nil {
		scorer = TokenScore
	}
	return &Matcher{category: category, vocab: vocab, threshold: threshold, scorer: scorer}
}

func (m *Matcher) Category() Category     { return m.category }
func (m *Matcher) Threshold() int         { return m.threshold }
func (m *Matcher) Vocabulary() Vocabulary { return m.vocab }

// Best returns the highest scoring candidate regardless of threshold. Ties go
// to the candidate that appears first in the vocabulary.
func (m *Matcher) Best(text string) (Result, bool) {
	if strings.TrimSpace(text) == "" || m.vocab.Len() == 0 {
		return Result{}, false
	}
	best := Result{Category: m.category, Score: -1}
	for _, candidate := range m.vocab.entries {
		score := m.scorer(text, candidate)
		if score > best.Score {
			best.Text = candidate
			best.Score = score
			if score >= 100 {
				break
			}
		}
	}
	return best, true
}

// Match returns the best candidate and true when its score reaches the
// threshold. Below the threshold the best candidate is still returned for
// diagnostics, with false.
func (m *Matcher) Match(text string) (Result, bool) {
	best, ok := m.Best(text)
	if !ok {
		return Result{}, false
	}
	return best, best.Score >= m.threshold
}
