package convo

import (
	"regexp"
	"strings"

	"darko/pkg/llm"
)

// annotations are bracketed or parenthesised asides and any character
// outside the prompt alphabet.
var annotations = regexp.MustCompile(`\[.*?\]|\(.*?\)|[^a-zA-Z0-9.,?!\s:'\-]`)

// SanitizePrompt strips annotations, keeps the first line and trims it.
func SanitizePrompt(prompt string) string {
	prompt = annotations.ReplaceAllString(prompt, "")
	if i := strings.IndexByte(prompt, '\n'); i >= 0 {
		prompt = prompt[:i]
	}
	return strings.TrimSpace(prompt)
}

// penalize divides positive logits of the given tokens by penalty and
// multiplies non-positive ones, once per distinct token.
func penalize(logits []float32, recent []llm.Token, penalty float32) {
	if penalty == 1 || len(recent) == 0 {
		return
	}

	seen := make(map[llm.Token]struct{}, len(recent))
	for _, t := range recent {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}

		i := int(t)
		if i < 0 || i >= len(logits) {
			continue
		}
		if logits[i] <= 0 {
			logits[i] *= penalty
		} else {
			logits[i] /= penalty
		}
	}
}

// argmax returns the first index holding the largest logit.
func argmax(logits []float32) llm.Token {
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return llm.Token(best)
}

// cutStopMarker looks for a stop marker overlapping the last added bytes
// of out and truncates out at the earliest match.
func cutStopMarker(out string, added int, markers []string) (string, bool) {
	cut := -1
	for _, mk := range markers {
		if mk == "" {
			continue
		}
		from := max(len(out)-added-len(mk)+1, 0)
		if i := strings.Index(out[from:], mk); i >= 0 && (cut < 0 || from+i < cut) {
			cut = from + i
		}
	}
	if cut < 0 {
		return out, false
	}
	return out[:cut], true
}
