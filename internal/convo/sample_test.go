package convo

import (
	"context"
	"errors"
	"slices"
	"testing"

	"darko/pkg/llm"
	"darko/pkg/llm/mock"
)

func seqTokens(from, n int) []llm.Token {
	out := make([]llm.Token, n)
	for i := range out {
		out[i] = llm.Token(from + i)
	}
	return out
}

func TestHistory_CompactExample(t *testing.T) {
	t.Parallel()

	h, err := NewHistory(seqTokens(0, 50), 512)
	if err != nil {
		t.Fatal(err)
	}
	tail := seqTokens(1000, 300)
	if err := h.Append(tail); err != nil {
		t.Fatal(err)
	}
	pending := seqTokens(5000, 10)

	batch, err := h.Compact(pending, 256)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if len(batch) != 266 {
		t.Fatalf("len(batch) = %d, want 266", len(batch))
	}
	if !slices.Equal(batch[:256], tail[44:]) {
		t.Error("batch does not start with the most recent 256 tail tokens")
	}
	if !slices.Equal(batch[256:], pending) {
		t.Error("batch does not end with the pending tokens")
	}
	if h.TailLen() != 0 || h.Len() != 50 {
		t.Errorf("after Compact tail=%d len=%d, want 0 and 50", h.TailLen(), h.Len())
	}
	if !slices.Equal(h.Prefix(), seqTokens(0, 50)) {
		t.Error("prefix changed")
	}
}

func TestHistory_CompactLimitedByRoom(t *testing.T) {
	t.Parallel()

	h, _ := NewHistory(seqTokens(0, 50), 100)
	_ = h.Append(seqTokens(100, 45))

	batch, err := h.Compact(seqTokens(500, 40), 256)
	if err != nil {
		t.Fatal(err)
	}
	// room for 100 - 50 - 40 = 10 history tokens
	if want := append(seqTokens(135, 10), seqTokens(500, 40)...); !slices.Equal(batch, want) {
		t.Errorf("Compact = %v, want %v", batch, want)
	}
}

func TestHistory_Errors(t *testing.T) {
	t.Parallel()

	if _, err := NewHistory(seqTokens(0, 11), 10); !errors.Is(err, ErrPrefixTooLarge) {
		t.Errorf("NewHistory = %v, want ErrPrefixTooLarge", err)
	}

	h, _ := NewHistory(seqTokens(0, 5), 10)
	if err := h.Append(seqTokens(0, 6)); !errors.Is(err, ErrPromptTooLarge) {
		t.Errorf("Append = %v, want ErrPromptTooLarge", err)
	}
	_ = h.Append(seqTokens(0, 3))
	if _, err := h.Compact(seqTokens(0, 6), 4); !errors.Is(err, ErrPromptTooLarge) {
		t.Errorf("Compact = %v, want ErrPromptTooLarge", err)
	}
	if h.TailLen() != 3 {
		t.Errorf("failed Compact changed the tail: %d", h.TailLen())
	}
}

func TestHistory_Recent(t *testing.T) {
	t.Parallel()

	h, _ := NewHistory(nil, 100)
	_ = h.Append(seqTokens(0, 5))

	tests := []struct {
		n    int
		want []llm.Token
	}{
		{3, seqTokens(2, 3)},
		{10, seqTokens(0, 5)},
		{0, seqTokens(0, 0)},
		{-1, seqTokens(0, 0)},
	}
	for _, tt := range tests {
		if got := h.Recent(tt.n); !slices.Equal(got, tt.want) {
			t.Errorf("Recent(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestPenalize(t *testing.T) {
	t.Parallel()

	logits := []float32{2, -1, 0.5, 3}
	penalize(logits, []llm.Token{0, 1, 1, 7}, 2)

	if want := []float32{1, -2, 0.5, 3}; !slices.Equal(logits, want) {
		t.Errorf("penalize = %v, want %v", logits, want)
	}
}

func TestArgmax(t *testing.T) {
	t.Parallel()

	tests := []struct {
		logits []float32
		want   llm.Token
	}{
		{[]float32{0, 3, 1}, 1},
		{[]float32{5, 5, 5}, 0},
		{[]float32{-3, -1, -2}, 1},
	}
	for _, tt := range tests {
		if got := argmax(tt.logits); got != tt.want {
			t.Errorf("argmax(%v) = %d, want %d", tt.logits, got, tt.want)
		}
	}
}

func TestCutStopMarker(t *testing.T) {
	t.Parallel()

	markers := []string{"[Answer]", "[Question]"}
	tests := []struct {
		name   string
		out    string
		added  int
		want   string
		wantOK bool
	}{
		{"no marker", " Hello", 1, " Hello", false},
		{"marker completed by last byte", " Hi\n[Question]", 1, " Hi\n", true},
		{"marker inside a long piece", " Hi[Answer] and more", 17, " Hi", true},
		{"earliest marker wins", "x[Question][Answer]", 19, "x", true},
		{"partial marker", " Hi [Quest", 1, " Hi [Quest", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := cutStopMarker(tt.out, tt.added, markers)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("cutStopMarker(%q) = %q, %v, want %q, %v", tt.out, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestSample_ExemptsNewlineAndEOS(t *testing.T) {
	t.Parallel()

	m, err := New(context.Background(), &mock.Engine{}, "", DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	_ = m.hist.Append([]llm.Token{'a', mock.NL, mock.EOS})

	logits := make([]float32, mock.VocabSize)
	logits['a'] = 5.5
	logits[mock.NL] = 5

	// Penalised, 'a' drops below the untouched newline.
	if got := m.sample(logits); got != mock.NL {
		t.Errorf("sample = %d, want NL", got)
	}

	logits = make([]float32, mock.VocabSize)
	logits['a'] = 5.5
	logits[mock.EOS] = 5
	if got := m.sample(logits); got != mock.EOS {
		t.Errorf("sample = %d, want EOS", got)
	}
}
