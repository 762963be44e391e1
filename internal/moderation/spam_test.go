package moderation

import "testing"

func TestSpamTerm(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"http url", "check out http://evil.com", "url"},
		{"https url", "visit https://spam.xyz/click", "url"},
		{"www url", "go to www.phishing.net", "url"},
		{"bare domain with path", "visit evil.com/free", "url"},
		{"bare domain .ru path", "go to site.ru/malware", "url"},
		{"intl dashed phone", "+1-555-123-4567", "phone"},
		{"parenthesized area code", "(555) 123-4567", "phone"},
		{"dotted phone", "555.123.4567", "phone"},
		{"phone in sentence", "call me at 555-123-4567 okay?", "phone"},
		{"snap handle", "add me on snap", "handle"},
		{"telegram handle", "DM me on Telegram", "handle"},
		{"char flood", "hellooooooo", "char_flood"},
		{"punctuation flood", "wow!!!!!", "char_flood"},
		{"exactly five", "aaaaa", "char_flood"},
		{"word flood", "buy buy buy", "word_flood"},
		{"word flood mixed case", "BUY buy Buy", "word_flood"},
		{"word flood in sentence", "hey buy buy buy now", "word_flood"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SpamTerm(tt.input); got != tt.want {
				t.Errorf("SpamTerm(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSpamTerm_Clean(t *testing.T) {
	clean := []string{
		"",
		"   ",
		"a",
		"I have 3 cats",
		"My score is 100",
		"upgrade to v2.0",
		"pi is about 3.14",
		"I got 42 out of 50",
		"see you in 2025",
		"wow!!! that's great!!",
		"sooo cool",
		"aaaa",
		"yeah yeah whatever",
		"ok. sure. fine.",
		"it costs $5.99",
		"hello\nworld",
		"I'm on snap sometimes",
	}

	for _, in := range clean {
		if got := SpamTerm(in); got != "" {
			t.Errorf("SpamTerm(%q) = %q, want clean", in, got)
		}
	}
}

func TestCheck_SpamReason(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword"})

	// A keyword takes priority over a spam pattern.
	res := f.Check("badword http://evil.com")
	if res.Reason != "blocked_keyword" || res.Term != "badword" {
		t.Errorf("Check = %+v, want blocked_keyword/badword", res)
	}

	res = f.Check("visit http://evil.com")
	if !res.Blocked || res.Reason != "spam_pattern" || res.Term != "url" {
		t.Errorf("Check = %+v, want spam_pattern/url", res)
	}
}
