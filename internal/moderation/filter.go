// Package moderation screens user text. Censor masks blocklisted terms in
// anything shown to another participant; Filter inspects chat messages for
// abusive keywords and spam patterns so they can be flagged for review.
package moderation

import (
	"strings"
	"unicode"
)

// defaultFlagTerms extends Blocklist with terms that are worth flagging for
// review but are not masked out of the conversation.
var defaultFlagTerms = []string{
	"child porn",
	"cp links",
	"send nudes",
	"nudes for sale",
	"heil hitler",
	"white power",
	"bomb threat",
	"shoot up",
	"free bitcoin",
	"crypto giveaway",
	"onlyfans",
	"cashapp",
}

// leetMap folds common character substitutions back to letters.
var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

// Filter matches whole words and phrases, so "assess" does not hit "ass".
// It is read-only after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases []string
}

// NewFilter creates a Filter over Blocklist plus the default flag terms.
func NewFilter() *Filter {
	terms := make([]string, 0, len(Blocklist)+len(defaultFlagTerms))
	terms = append(terms, Blocklist...)
	terms = append(terms, defaultFlagTerms...)
	return NewFilterWithTerms(terms)
}

// NewFilterWithTerms creates a Filter over the given terms only. Terms
// containing a space are matched as phrases.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if strings.Contains(term, " ") {
			f.phrases = append(f.phrases, strings.Join(strings.Fields(term), " "))
			continue
		}
		f.words[term] = struct{}{}
	}
	return f
}

// Check inspects text for blocked keywords (including leetspeak variants)
// and then for spam patterns. The first hit is returned.
func (f *Filter) Check(text string) FilterResult {
	if text == "" {
		return FilterResult{}
	}
	lower := strings.ToLower(text)

	if term, ok := f.matchTokens(tokenizePlain(lower)); ok {
		return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: term}
	}

	leet := tokenizeLeet(lower)
	for i, tok := range leet {
		leet[i] = normalizeLeet(tok)
	}
	if term, ok := f.matchTokens(leet); ok {
		return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: term}
	}

	return f.checkSpamPatterns(text)
}

// CheckInterests returns the interests that contain no blocked term,
// preserving order.
func (f *Filter) CheckInterests(interests []string) []string {
	clean := make([]string, 0, len(interests))
	for _, interest := range interests {
		lower := strings.ToLower(interest)
		if _, ok := f.matchTokens(tokenizePlain(lower)); ok {
			continue
		}
		clean = append(clean, interest)
	}
	return clean
}

func (f *Filter) matchTokens(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	if len(f.phrases) == 0 || len(tokens) < 2 {
		return "", false
	}
	joined := " " + strings.Join(tokens, " ") + " "
	for _, phrase := range f.phrases {
		if strings.Contains(joined, " "+phrase+" ") {
			return phrase, true
		}
	}
	return "", false
}

// tokenizePlain splits on anything that is not a letter or digit.
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits on whitespace and trims punctuation from the edges of
// each token, keeping characters that leetMap can fold.
func tokenizeLeet(text string) []string {
	var tokens []string
	for _, field := range strings.Fields(text) {
		tok := strings.TrimFunc(field, func(r rune) bool {
			_, leet := leetMap[r]
			return !leet && !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

func normalizeLeet(s string) string {
	return strings.Map(func(r rune) rune {
		if m, ok := leetMap[r]; ok {
			return m
		}
		return r
	}, s)
}
