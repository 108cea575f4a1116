package vocab_test

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"darko/internal/vocab"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "Turn On\n\n  wave  \r\n\t\nPOUR BEER\n")
	v, err := vocab.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := vocab.Vocabulary{"turn on", "wave", "pour beer"}
	if !slices.Equal(v, want) {
		t.Errorf("Load = %q, want %q", v, want)
	}
	if !v.Contains(" Wave ") {
		t.Error("Contains(\" Wave \") = false")
	}
	if v.Contains("dance") {
		t.Error("Contains(\"dance\") = true")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := vocab.Load(filepath.Join(t.TempDir(), "nope")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load error = %v, want ErrNotExist", err)
	}
	if _, err := vocab.LoadContext(filepath.Join(t.TempDir(), "nope")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadContext error = %v, want ErrNotExist", err)
	}
}

func TestLoadContext(t *testing.T) {
	t.Parallel()

	const doc = "[Question] who are you?\n[Answer] I am Darko.\n"
	got, err := vocab.LoadContext(writeFile(t, doc))
	if err != nil {
		t.Fatalf("LoadContext: %v", err)
	}
	if got != doc {
		t.Errorf("LoadContext = %q, want %q", got, doc)
	}
}

// charTokenizer maps the strings in words to a single token; anything else
// becomes two tokens.
type charTokenizer struct {
	words map[string]int
	err   error
}

func (c charTokenizer) Tokenize(text string) ([]int, error) {
	if c.err != nil {
		return nil, c.err
	}
	if id, ok := c.words[text]; ok {
		return []int{id}, nil
	}
	return []int{1, 2}, nil
}

func TestScorer_Tokens(t *testing.T) {
	t.Parallel()

	tok := charTokenizer{words: map[string]int{" w": 10, " wa": 11, " wave": 12, " s": 20}}
	s, err := vocab.NewScorer(vocab.Vocabulary{"wave", "stop"}, tok)
	if err != nil {
		t.Fatalf("NewScorer: %v", err)
	}

	if got, want := s.Tokens(0), []int{10, 11, 12}; !slices.Equal(got, want) {
		t.Errorf("Tokens(0) = %v, want %v", got, want)
	}
	if got, want := s.Tokens(1), []int{20}; !slices.Equal(got, want) {
		t.Errorf("Tokens(1) = %v, want %v", got, want)
	}
}

func TestScorer_Errors(t *testing.T) {
	t.Parallel()

	if _, err := vocab.NewScorer(nil, charTokenizer{}); err == nil {
		t.Error("NewScorer(nil) succeeded")
	}

	boom := errors.New("boom")
	if _, err := vocab.NewScorer(vocab.Vocabulary{"wave"}, charTokenizer{err: boom}); !errors.Is(err, boom) {
		t.Errorf("NewScorer error = %v, want %v", err, boom)
	}
}

func TestScorer_Best(t *testing.T) {
	t.Parallel()

	tok := charTokenizer{words: map[string]int{" w": 1, " s": 2, " p": 3}}
	s, err := vocab.NewScorer(vocab.Vocabulary{"wave", "stop", "pour"}, tok)
	if err != nil {
		t.Fatalf("NewScorer: %v", err)
	}

	tests := []struct {
		name     string
		logits   []float32
		wantCmd  string
		wantProb float64
		wantOK   bool
	}{
		{
			name:     "clear winner",
			logits:   []float32{0, 0, 10, 0},
			wantCmd:  "stop",
			wantProb: math.Exp(10) / (math.Exp(10) + 2),
			wantOK:   true,
		},
		{
			name:     "tie goes to the first",
			logits:   []float32{5, 1, 1, 1},
			wantCmd:  "wave",
			wantProb: 1.0 / 3.0,
			wantOK:   true,
		},
		{name: "empty row", logits: nil, wantOK: false},
		{name: "row too short", logits: []float32{1}, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := s.Best(tt.logits)
			if ok != tt.wantOK {
				t.Fatalf("Best ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if m.Command != tt.wantCmd {
				t.Errorf("Best command = %q, want %q", m.Command, tt.wantCmd)
			}
			if math.Abs(m.Probability-tt.wantProb) > 1e-9 {
				t.Errorf("Best probability = %v, want %v", m.Probability, tt.wantProb)
			}
		})
	}
}

func TestScorer_NormalisedShare(t *testing.T) {
	t.Parallel()

	tok := charTokenizer{words: map[string]int{" a": 0, " b": 1, " c": 2}}
	s, err := vocab.NewScorer(vocab.Vocabulary{"a", "b", "c"}, tok)
	if err != nil {
		t.Fatal(err)
	}

	// The normalised scores of the three commands are proportional to the
	// softmax of their logits, so the winner's share is fixed.
	m, ok := s.Best([]float32{1, 2, 3, 100})
	if !ok || m.Command != "c" {
		t.Fatalf("Best = %+v, %v", m, ok)
	}
	want := math.Exp(3) / (math.Exp(1) + math.Exp(2) + math.Exp(3))
	if math.Abs(m.Probability-want) > 1e-9 {
		t.Errorf("Probability = %v, want %v", m.Probability, want)
	}
}
