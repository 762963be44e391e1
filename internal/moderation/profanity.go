package moderation

import "strings"

// Blocklist is the fixed set of terms masked out of chat text and
// nicknames. Entries are lower-case ASCII; matching ignores ASCII case.
var Blocklist = []string{
	"fuck",
	"shit",
	"asshole",
	"bitch",
	"cunt",
	"dick",
	"pussy",
	"bastard",
	"motherfucker",
	"faggot",
	"nigger",
	"nigga",
	"whore",
	"slut",
	"retard",
	"rape",
	"kill yourself",
	"kys",
	"go die",
}

// Censor replaces every case-insensitive occurrence of a Blocklist entry
// with the same number of asterisks. Matching is on the literal substring,
// so entries embedded in longer words are masked too. Text outside the
// matches is returned byte for byte.
func Censor(text string) string {
	mask := matchMask(text)
	if mask == nil {
		return text
	}
	out := []byte(text)
	for i, masked := range mask {
		if masked {
			out[i] = '*'
		}
	}
	return string(out)
}

// ContainsProfanity reports whether text contains any Blocklist entry.
func ContainsProfanity(text string) bool {
	lower := asciiLower(text)
	for _, term := range Blocklist {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// matchMask marks the bytes of text covered by any Blocklist match. It
// returns nil when nothing matches.
func matchMask(text string) []bool {
	lower := asciiLower(text)
	var mask []bool
	for _, term := range Blocklist {
		from := 0
		for {
			i := strings.Index(lower[from:], term)
			if i < 0 {
				break
			}
			if mask == nil {
				mask = make([]bool, len(text))
			}
			start := from + i
			for j := start; j < start+len(term); j++ {
				mask[j] = true
			}
			from = start + 1
		}
	}
	return mask
}

// asciiLower lower-cases ASCII letters only, so byte offsets in the result
// line up with the input.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
