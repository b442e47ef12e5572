// Package moderation censors banned words in chat messages.
package moderation

import (
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

// Moderator replaces banned words in text with a replacement rune.
// A Moderator without words returns text unchanged.
type Moderator struct {
	matcher     *goahocorasick.Machine
	replacement rune
}

// New builds the matcher from the normalized list of banned words.
func New(words []string, replacement rune) (*Moderator, error) {
	patterns := make([][]rune, 0, len(words))
	for _, w := range words {
		if p := normalizeRunes([]rune(w)); len(p) > 0 {
			patterns = append(patterns, p)
		}
	}

	m := &Moderator{replacement: replacement}
	if len(patterns) == 0 {
		return m, nil
	}

	m.matcher = new(goahocorasick.Machine)
	if err := m.matcher.Build(patterns); err != nil {
		return nil, err
	}
	return m, nil
}

// Censor replaces the original characters of every match, punctuation in
// between included, with the replacement rune. Whitespace inside a match is
// kept, so the text keeps its spacing.
func (m *Moderator) Censor(text string) string {
	if m.matcher == nil {
		return text
	}

	var (
		orig          = []rune(text)
		norm, origIdx = normalize(orig)
	)
	if len(norm) == 0 {
		return text
	}

	terms := m.matcher.MultiPatternSearch(norm, false)
	if len(terms) == 0 {
		return text
	}

	for _, t := range terms {
		start, end := t.Pos, t.Pos+len(t.Word)
		if start < 0 || end > len(origIdx) {
			continue
		}
		for i := origIdx[start]; i <= origIdx[end-1]; i++ {
			if !unicode.IsSpace(orig[i]) {
				orig[i] = m.replacement
			}
		}
	}
	return string(orig)
}

// normalize returns the searchable form of the input along with the
// position of every normalized rune in the input.
func normalize(in []rune) ([]rune, []int) {
	var (
		norm = make([]rune, 0, len(in))
		idx  = make([]int, 0, len(in))
	)
	for i, r := range in {
		c := simplifyRune(r)
		if isNoise(c) {
			continue
		}
		norm = append(norm, unicode.ToLower(c))
		idx = append(idx, i)
	}
	return norm, idx
}

func normalizeRunes(in []rune) []rune {
	out, _ := normalize(in)
	return out
}

// simplifyRune maps common leet speak characters to letters.
func simplifyRune(r rune) rune {
	switch r {
	case '4', '@':
		return 'a'
	case '3', '€':
		return 'e'
	case '1', '!', '|':
		return 'i'
	case '0':
		return 'o'
	case '5', '$':
		return 's'
	}
	return r
}

func isNoise(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r)
}
