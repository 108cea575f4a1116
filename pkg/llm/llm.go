// Package llm defines the contract between the conversation manager and a
// causal language model that keeps its own key/value cache.
package llm

import "context"

// Token is a vocabulary id.
type Token int32

// Batch is a run of tokens to evaluate. Positions[i] is the cache slot of
// Tokens[i]; Logits[i] asks the engine to keep the logit row of that token.
type Batch struct {
	Tokens    []Token
	Positions []int
	Logits    []bool
}

// NewBatch places tokens at consecutive positions starting at start and
// requests logits for the last one only.
func NewBatch(tokens []Token, start int) Batch {
	b := Batch{
		Tokens:    tokens,
		Positions: make([]int, len(tokens)),
		Logits:    make([]bool, len(tokens)),
	}
	for i := range tokens {
		b.Positions[i] = start + i
	}
	if len(tokens) > 0 {
		b.Logits[len(tokens)-1] = true
	}
	return b
}

// Len is the number of tokens in b.
func (b Batch) Len() int { return len(b.Tokens) }

// Engine is a language model with a positional cache.
//
// Decode appends the batch to the cache; Logits returns the row of the last
// token decoded with its logit flag set, as a slice the caller may modify.
// Forget drops every cached position at or after fromPos.
type Engine interface {
	Tokenize(ctx context.Context, text string, addSpecial bool) ([]Token, error)
	TokenText(ctx context.Context, tok Token) (string, error)
	Decode(ctx context.Context, b Batch) error
	Logits(ctx context.Context) ([]float32, error)
	Forget(ctx context.Context, fromPos int) error
	EOS() Token
	NL() Token
}
