// Package personamatch resolves loosely typed persona references ("torin",
// "king aedrian") to stored personas.
//
// Each persona is scored against the query in three tiers:
//
//  1. An id or name equal to the query (case-insensitive) scores 1.
//  2. A name or id containing the query as a substring scores at least
//     [SubstringScore].
//  3. Otherwise Double Metaphone codes of the query and the persona name
//     are compared. Personas sharing a code are ranked by Jaro-Winkler
//     similarity against the phonetic threshold; the rest must clear the
//     stricter fuzzy threshold.
//
// Ranking is deterministic: ties are broken by name, then id.
package personamatch

import (
	"cmp"
	"slices"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/tavern/pkg/chatstore"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// SubstringScore is the floor score of a substring hit.
	SubstringScore = 0.9
)

// Candidate is a persona with its match score in [0, 1].
type Candidate struct {
	Persona chatstore.Persona
	Score   float64

	// Exact is set when the id or name equals the query.
	Exact bool
}

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score of a
// phonetically matching persona. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when there is no
// phonetic overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher ranks personas against a query. It is read-only after
// construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] with the given options applied.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Rank returns the personas matching query, best first. A blank query
// matches every persona with score 0, in name order.
func (m *Matcher) Rank(query string, personas []chatstore.Persona) []Candidate {
	q := normalize(query)
	out := make([]Candidate, 0, len(personas))
	for _, p := range personas {
		if q == "" {
			out = append(out, Candidate{Persona: p})
			continue
		}
		if c, ok := m.score(q, p); ok {
			out = append(out, c)
		}
	}
	slices.SortStableFunc(out, func(a, b Candidate) int {
		if a.Score != b.Score {
			return cmp.Compare(b.Score, a.Score)
		}
		if c := strings.Compare(a.Persona.Name, b.Persona.Name); c != 0 {
			return c
		}
		return strings.Compare(a.Persona.ID, b.Persona.ID)
	})
	return out
}

// Best returns the top-ranked persona for a non-blank query.
func (m *Matcher) Best(query string, personas []chatstore.Persona) (Candidate, bool) {
	if normalize(query) == "" {
		return Candidate{}, false
	}
	ranked := m.Rank(query, personas)
	if len(ranked) == 0 {
		return Candidate{}, false
	}
	return ranked[0], true
}

func (m *Matcher) score(q string, p chatstore.Persona) (Candidate, bool) {
	id, name := normalize(p.ID), normalize(p.Name)
	if q == id || q == name {
		return Candidate{Persona: p, Score: 1, Exact: true}, true
	}

	qTokens := strings.Fields(q)
	nameTokens := strings.Fields(name)
	jw := max(similarity(qTokens, nameTokens, q, name), matchr.JaroWinkler(q, id, false))

	if strings.Contains(name, q) || strings.Contains(id, q) {
		return Candidate{Persona: p, Score: max(jw, SubstringScore)}, true
	}

	threshold := m.fuzzyThreshold
	if overlaps(codes(qTokens), codes(append(nameTokens, id))) {
		threshold = m.phoneticThreshold
	}
	if jw < threshold {
		return Candidate{}, false
	}
	// Keep fuzzy hits below exact and substring hits.
	return Candidate{Persona: p, Score: min(jw, SubstringScore-0.01)}, true
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// codes returns the union of the Double Metaphone codes of tokens.
func codes(tokens []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			out[p] = struct{}{}
		}
		if s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score over the full strings, the
// strings with spaces removed, and every token pair.
func similarity(qTokens, nameTokens []string, q, name string) float64 {
	score := matchr.JaroWinkler(q, name, false)
	if len(qTokens) > 1 || len(nameTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(qTokens, ""), strings.Join(nameTokens, ""), false); s > score {
			score = s
		}
	}
	for _, a := range qTokens {
		for _, b := range nameTokens {
			if s := matchr.JaroWinkler(a, b, false); s > score {
				score = s
			}
		}
	}
	return score
}
