package recognition

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// Matcher maps raw recognizer text onto the closest allowed candidate.
type Matcher struct {
	candidates  []string
	folded      []string
	maxDistance int
}

// NewMatcher creates a Matcher over candidates. Comparison is case-insensitive.
func NewMatcher(candidates []string, maxDistance int) *Matcher {
	m := &Matcher{maxDistance: maxDistance}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		m.candidates = append(m.candidates, c)
		m.folded = append(m.folded, strings.ToUpper(c))
	}
	return m
}

// Match returns the closest candidate and how unambiguous the match is.
// An empty raw value is an empty box and matches with confidence 1.
func (m *Matcher) Match(raw string) (string, float64) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if raw == "" {
		return "", 1
	}
	if len(m.candidates) == 0 {
		return raw, 0
	}

	best, d1, d2 := -1, -1, -1
	for i, c := range m.folded {
		d := levenshtein.ComputeDistance(raw, c)
		switch {
		case best < 0 || d < d1:
			d2 = d1
			best, d1 = i, d
		case d2 < 0 || d < d2:
			d2 = d
		}
	}

	value := m.candidates[best]
	if d1 > m.maxDistance {
		return value, 0
	}
	if d2 < 0 {
		if d1 == 0 {
			return value, 1
		}
		return value, 1 - float64(d1)/float64(m.maxDistance+1)
	}
	if d1 == d2 {
		return value, 0
	}
	return value, 1 - float64(d1)/float64(d2)
}
