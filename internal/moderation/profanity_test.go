package moderation

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestCensor(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"clean", "hello there", "hello there"},
		{"single word", "oh shit", "oh ****"},
		{"case insensitive", "SHIT happens", "**** happens"},
		{"embedded in word", "bullshitter", "bull****ter"},
		{"phrase", "just go die", "just ******"},
		{"overlapping entries", "motherfucker", "************"},
		{"multiple", "bitch and dick", "***** and ****"},
		{"non-ascii untouched", "héllo shit ü", "héllo **** ü"},
		{"grape is censored too", "grape", "g****"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Censor(tt.input); got != tt.want {
				t.Errorf("Censor(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCensor_IdempotentAndLengthPreserving(t *testing.T) {
	inputs := []string{
		"you absolute BASTARD",
		"kys kys kys",
		"Kill Yourself now",
		"nothing to see",
		"ßhit fuckfuck ñigga",
		strings.Repeat("whore ", 50),
	}

	for _, in := range inputs {
		once := Censor(in)
		if twice := Censor(once); twice != once {
			t.Errorf("Censor not idempotent for %q: %q then %q", in, once, twice)
		}
		if len(once) != len(in) {
			t.Errorf("byte length changed for %q: %d -> %d", in, len(in), len(once))
		}
		if utf8.RuneCountInString(once) != utf8.RuneCountInString(in) {
			t.Errorf("rune length changed for %q", in)
		}
		for i := 0; i < len(in); i++ {
			if once[i] != in[i] && once[i] != '*' {
				t.Errorf("byte %d of %q changed to %q", i, in, once[i])
			}
		}
	}
}

func TestContainsProfanity(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"hello", false},
		{"What The Fuck", true},
		{"scunthorpe", true},
		{"go diet", true},
		{"going to die", false},
		{"****", false},
	}
	for _, tt := range tests {
		if got := ContainsProfanity(tt.input); got != tt.want {
			t.Errorf("ContainsProfanity(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestContainsProfanity_FalseAfterCensor(t *testing.T) {
	in := "shit, you BITCH, go die"
	if !ContainsProfanity(in) {
		t.Fatal("expected profanity")
	}
	if ContainsProfanity(Censor(in)) {
		t.Error("profanity survives Censor")
	}
}
