package classifier

import (
	"context"
	"strings"
	"unicode"

	"lead-qualifier/internal/calls"
)

// KeywordClassifier is a deterministic phrase matcher. It is the fallback when no
// remote classifier is configured, and the test double everywhere else.
//
// Negative phrases win over affirmative ones ("not interested" contains "interested").
// A transcript that matches neither list is unqualified.
type KeywordClassifier struct {
	Affirmative []string
	Negative    []string
}

var (
	defaultAffirmative = []string{"yes", "yeah", "yep", "sure", "interested", "absolutely", "definitely", "of course", "sounds good", "1"}
	defaultNegative    = []string{"no", "nope", "not interested", "don't call", "do not call", "stop calling", "remove me", "not now", "2"}
)

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{Affirmative: defaultAffirmative, Negative: defaultNegative}
}

func (k *KeywordClassifier) Name() string { return "keyword" }

func (k *KeywordClassifier) Classify(ctx context.Context, transcript string, _ Context) (calls.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return "", &Error{Kind: ErrProviderFailure, Err: err}
	}
	words := normalize(transcript)
	if len(words) == 0 {
		return "", &Error{Kind: ErrMalformedResponse}
	}
	if containsAny(words, k.Negative) {
		return calls.VerdictUnqualified, nil
	}
	if containsAny(words, k.Affirmative) {
		return calls.VerdictQualified, nil
	}
	return calls.VerdictUnqualified, nil
}

func normalize(s string) []string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "’", "'")
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'')
	})
}

// containsAny matches whole-word phrases so "no" does not match "know".
func containsAny(words []string, phrases []string) bool {
	for _, p := range phrases {
		pw := normalize(p)
		if len(pw) == 0 || len(pw) > len(words) {
			continue
		}
		for i := 0; i+len(pw) <= len(words); i++ {
			match := true
			for j := range pw {
				if words[i+j] != pw[j] {
					match = false
					break
				}
			}
			if match {
				return true
			}
		}
	}
	return false
}
