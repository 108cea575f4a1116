// Package wake decides whether a transcript addresses the assistant.
//
// A transcript is split at the word count of the configured wake phrase: the
// leading words form the prompt part, the rest is the command. The prompt
// part is scored against the wake phrase with a normalised Levenshtein
// similarity, so small transcription errors ("hey darco") still pass.
package wake

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// DefaultThreshold is the similarity a prompt part must exceed.
const DefaultThreshold = 0.7

var nonAlpha = regexp.MustCompile(`[^a-zA-Z ]`)

// Result is the outcome of matching one transcript.
type Result struct {
	Transcript string
	Prompt     string
	Command    string
	Similarity float64
}

// Option configures a [Matcher].
type Option func(*Matcher)

// WithThreshold sets the similarity a prompt part must strictly exceed.
func WithThreshold(threshold float64) Option {
	return func(m *Matcher) { m.threshold = threshold }
}

// WithStripPrompt controls whether non-alphabetic characters are removed from
// the prompt part before scoring. Enabled by default.
func WithStripPrompt(strip bool) Option {
	return func(m *Matcher) { m.strip = strip }
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phrase    string
	words     int
	threshold float64
	strip     bool
}

func New(phrase string, opts ...Option) *Matcher {
	phrase = strings.ToLower(strings.Join(strings.Fields(phrase), " "))
	m := &Matcher{
		phrase:    phrase,
		words:     len(strings.Fields(phrase)),
		threshold: DefaultThreshold,
		strip:     true,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Matcher) Phrase() string     { return m.phrase }
func (m *Matcher) Threshold() float64 { return m.threshold }

// Match splits transcript and scores its prompt part against the wake phrase.
func (m *Matcher) Match(transcript string) Result {
	prompt, command := Split(transcript, m.words)
	if m.strip {
		prompt = strings.TrimSpace(nonAlpha.ReplaceAllString(prompt, ""))
	}
	return Result{
		Transcript: transcript,
		Prompt:     prompt,
		Command:    command,
		Similarity: Similarity(prompt, m.phrase),
	}
}

// Accept reports whether r passes the gate. The comparison is exclusive: a
// similarity of exactly the threshold is rejected.
func (m *Matcher) Accept(r Result) bool {
	return r.Similarity > m.threshold && r.Command != ""
}

// Split returns the first n whitespace-delimited words of s and the rest,
// each re-joined with single spaces.
func Split(s string, n int) (prompt, command string) {
	words := strings.Fields(s)
	if n < 0 {
		n = 0
	}
	if n > len(words) {
		n = len(words)
	}
	return strings.Join(words[:n], " "), strings.Join(words[n:], " ")
}

// Similarity is 1 - levenshtein(a, b) / max(len(a), len(b)), computed over
// runes of the lower-cased inputs. Two empty strings are identical.
func Similarity(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	dist := matchr.Levenshtein(a, b)
	if dist > longest {
		dist = longest
	}
	return float64(longest-dist) / float64(longest)
}
