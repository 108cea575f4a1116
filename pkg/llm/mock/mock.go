// Package mock provides a deterministic in-memory llm.Engine.
//
// The engine tokenizes bytes: every byte of the text is one token, NL is the
// newline byte, EOS and BOS sit just above the byte range. The cache is a
// plain token slice, so tests can inspect exactly what was decoded where.
// The predicted token after each decode comes from Next; the logit row puts
// a single peak on it.
//
// Example:
//
//	e := &mock.Engine{Next: mock.Reply("\n[Answer]", " Hello!\n[Question]")}
package mock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"darko/pkg/llm"
)

const (
	EOS       llm.Token = 256
	BOS       llm.Token = 257
	NL        llm.Token = '\n'
	VocabSize           = 258

	peak = 10
)

// Engine is a mock implementation of llm.Engine. Set fields before use.
type Engine struct {
	mu sync.Mutex

	// Next returns the token predicted after seq. nil predicts EOS.
	Next func(seq []llm.Token) llm.Token

	// TokenizeErr, if non-nil, is returned by Tokenize.
	TokenizeErr error
	// DecodeErr is returned by the FailDecodeAt-th Decode call (1-based), or
	// by every call when FailDecodeAt is 0.
	DecodeErr    error
	FailDecodeAt int

	// --- Call records (read after test) ---

	DecodeCalls   []llm.Batch
	ForgetCalls   []int
	TokenizeCalls []string

	seq     []llm.Token
	next    llm.Token
	hasNext bool
}

func (e *Engine) EOS() llm.Token { return EOS }
func (e *Engine) NL() llm.Token  { return NL }

func (e *Engine) Tokenize(_ context.Context, text string, addSpecial bool) ([]llm.Token, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.TokenizeCalls = append(e.TokenizeCalls, text)
	if e.TokenizeErr != nil {
		return nil, e.TokenizeErr
	}
	return Tokens(text, addSpecial), nil
}

func (e *Engine) TokenText(_ context.Context, tok llm.Token) (string, error) {
	switch {
	case tok == EOS || tok == BOS:
		return "", nil
	case tok < 0 || tok > EOS:
		return "", fmt.Errorf("token %d out of vocabulary", tok)
	}
	return string([]byte{byte(tok)}), nil
}

// Decode appends the batch to the cache. Positions must continue the cache
// without gaps, which catches any drift between caller and engine state.
func (e *Engine) Decode(_ context.Context, b llm.Batch) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.DecodeCalls = append(e.DecodeCalls, cloneBatch(b))
	if e.DecodeErr != nil && (e.FailDecodeAt == 0 || e.FailDecodeAt == len(e.DecodeCalls)) {
		return e.DecodeErr
	}
	if len(b.Positions) != len(b.Tokens) || len(b.Logits) != len(b.Tokens) {
		return errors.New("malformed batch")
	}

	for i, tok := range b.Tokens {
		if b.Positions[i] != len(e.seq) {
			return fmt.Errorf("token %d at position %d, cache holds %d", i, b.Positions[i], len(e.seq))
		}
		e.seq = append(e.seq, tok)
		if b.Logits[i] {
			e.next = e.predict(e.seq)
			e.hasNext = true
		}
	}
	return nil
}

func (e *Engine) predict(seq []llm.Token) llm.Token {
	if e.Next == nil {
		return EOS
	}
	return e.Next(append([]llm.Token(nil), seq...))
}

func (e *Engine) Logits(context.Context) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasNext {
		return nil, errors.New("no logits: nothing decoded")
	}
	row := make([]float32, VocabSize)
	row[e.next] = peak
	return row, nil
}

func (e *Engine) Forget(_ context.Context, fromPos int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ForgetCalls = append(e.ForgetCalls, fromPos)
	if fromPos < 0 {
		return fmt.Errorf("negative position %d", fromPos)
	}
	if fromPos < len(e.seq) {
		e.seq = e.seq[:fromPos]
	}
	e.hasNext = false
	return nil
}

// Seq returns a copy of the cached tokens.
func (e *Engine) Seq() []llm.Token {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]llm.Token(nil), e.seq...)
}

// Text renders the cache as text, skipping special tokens.
func (e *Engine) Text() string {
	return Text(e.Seq())
}

// Tokens is the byte tokenization used by Engine.
func Tokens(text string, addSpecial bool) []llm.Token {
	out := make([]llm.Token, 0, len(text)+1)
	if addSpecial {
		out = append(out, BOS)
	}
	for i := 0; i < len(text); i++ {
		out = append(out, llm.Token(text[i]))
	}
	return out
}

// Text is the inverse of Tokens.
func Text(toks []llm.Token) string {
	var b strings.Builder
	for _, t := range toks {
		if t >= 0 && t < EOS {
			b.WriteByte(byte(t))
		}
	}
	return b.String()
}

// Reply makes the model answer with text after the last occurrence of cue
// and then emit EOS. Before any cue it predicts EOS. text must not contain
// cue itself.
func Reply(cue, text string) func(seq []llm.Token) llm.Token {
	return func(seq []llm.Token) llm.Token {
		s := Text(seq)
		i := strings.LastIndex(s, cue)
		if i < 0 {
			return EOS
		}
		n := len(s) - i - len(cue)
		if n >= len(text) {
			return EOS
		}
		return llm.Token(text[n])
	}
}

func cloneBatch(b llm.Batch) llm.Batch {
	return llm.Batch{
		Tokens:    append([]llm.Token(nil), b.Tokens...),
		Positions: append([]int(nil), b.Positions...),
		Logits:    append([]bool(nil), b.Logits...),
	}
}
