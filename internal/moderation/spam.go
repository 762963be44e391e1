package moderation

import (
	"regexp"
	"strings"
)

var (
	// urlPattern matches http(s) and www. links, and bare domains on common
	// TLDs when followed by a path ("v2.0" and "3.14" do not match).
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches +1-555-123-4567, (555) 123-4567, 555.123.4567 and
	// similar, bounded by whitespace so short numbers are left alone.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)

	// handlePattern matches invitations to move to another platform.
	handlePattern = regexp.MustCompile(`(?i)\b(add|dm|hmu|message) me on (snap(chat)?|insta(gram)?|telegram|whatsapp|kik|discord)\b`)
)

const (
	charFloodRun = 5 // identical characters in a row
	wordFloodRun = 3 // identical words in a row
)

// spamChecks run in order; the first match names the pattern.
var spamChecks = []struct {
	name  string
	match func(string) bool
}{
	{"url", urlPattern.MatchString},
	{"phone", phonePattern.MatchString},
	{"handle", handlePattern.MatchString},
	{"char_flood", hasCharFlood},
	{"word_flood", hasWordFlood},
}

// SpamTerm returns the name of the first spam pattern text matches, or "".
func SpamTerm(text string) string {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return sc.name
		}
	}
	return ""
}

func (f *Filter) checkSpamPatterns(text string) FilterResult {
	if term := SpamTerm(text); term != "" {
		return FilterResult{Blocked: true, Reason: "spam_pattern", Term: term}
	}
	return FilterResult{}
}

// hasCharFlood reports a run of charFloodRun identical runes. RE2 has no
// backreferences, so this is a linear scan.
func hasCharFlood(text string) bool {
	run := 0
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			run++
		} else {
			run = 1
			prev = r
		}
		if run >= charFloodRun {
			return true
		}
	}
	return false
}

// hasWordFlood reports wordFloodRun identical words in a row, ignoring case.
func hasWordFlood(text string) bool {
	words := strings.Fields(text)
	if len(words) < wordFloodRun {
		return false
	}
	run := 0
	prev := ""
	for _, w := range words {
		w = strings.ToLower(w)
		if w == prev {
			run++
		} else {
			run = 1
			prev = w
		}
		if run >= wordFloodRun {
			return true
		}
	}
	return false
}
