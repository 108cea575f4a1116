package convo

import (
	"errors"
	"fmt"

	"darko/pkg/llm"
)

var (
	// ErrPrefixTooLarge means the context document alone does not fit the
	// context window.
	ErrPrefixTooLarge = errors.New("context prefix exceeds context window")

	// ErrPromptTooLarge means a batch does not fit even with the whole
	// rolling history evicted.
	ErrPromptTooLarge = errors.New("prompt exceeds context window")
)

// History mirrors the engine cache: a pinned prefix at positions
// [0, len(prefix)) followed by the rolling tail of conversation tokens.
// prefix + tail never exceeds the capacity.
type History struct {
	capacity int
	prefix   []llm.Token
	tail     []llm.Token
}

func NewHistory(prefix []llm.Token, capacity int) (*History, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid context capacity %d", capacity)
	}
	if len(prefix) > capacity {
		return nil, fmt.Errorf("%w: %d tokens, capacity %d", ErrPrefixTooLarge, len(prefix), capacity)
	}
	return &History{capacity: capacity, prefix: append([]llm.Token(nil), prefix...)}, nil
}

func (h *History) Capacity() int  { return h.capacity }
func (h *History) PrefixLen() int { return len(h.prefix) }
func (h *History) TailLen() int   { return len(h.tail) }

// Len is the number of occupied positions, which is also the position of
// the next decoded token.
func (h *History) Len() int { return len(h.prefix) + len(h.tail) }

func (h *History) Prefix() []llm.Token { return append([]llm.Token(nil), h.prefix...) }
func (h *History) Tail() []llm.Token   { return append([]llm.Token(nil), h.tail...) }

// Fits reports whether n more tokens can be appended without eviction.
func (h *History) Fits(n int) bool { return h.Len()+n <= h.capacity }

// Append adds decoded tokens to the tail.
func (h *History) Append(toks []llm.Token) error {
	if !h.Fits(len(toks)) {
		return fmt.Errorf("append %d tokens to %d of %d: %w", len(toks), h.Len(), h.capacity, ErrPromptTooLarge)
	}
	h.tail = append(h.tail, toks...)
	return nil
}

// Compact drops the tail and returns the batch to decode in its place: the
// most recent min(maxHistory, len(tail), capacity-prefix-len(pending)) tail
// tokens followed by pending. The batch belongs at position PrefixLen. On
// error the history is unchanged.
func (h *History) Compact(pending []llm.Token, maxHistory int) ([]llm.Token, error) {
	room := h.capacity - len(h.prefix) - len(pending)
	if room < 0 {
		return nil, fmt.Errorf("%d tokens after a %d token prefix, capacity %d: %w",
			len(pending), len(h.prefix), h.capacity, ErrPromptTooLarge)
	}

	keep := min(max(maxHistory, 0), len(h.tail), room)
	out := make([]llm.Token, 0, keep+len(pending))
	out = append(out, h.tail[len(h.tail)-keep:]...)
	out = append(out, pending...)

	h.tail = h.tail[:0]
	return out, nil
}

// Recent returns the last min(n, len(tail)) tail tokens.
func (h *History) Recent(n int) []llm.Token {
	n = min(max(n, 0), len(h.tail))
	return h.tail[len(h.tail)-n:]
}

// Restore replaces the tail with a snapshot taken by Tail.
func (h *History) Restore(tail []llm.Token) {
	h.tail = append(h.tail[:0], tail...)
}

// Clear empties the tail.
func (h *History) Clear() { h.tail = h.tail[:0] }
