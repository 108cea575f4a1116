package vocab

import (
	"errors"
	"fmt"
	"math"
)

// Tokenizer turns text into engine token ids.
type Tokenizer interface {
	Tokenize(text string) ([]int, error)
}

// Match is the best-scoring command for a logit row.
type Match struct {
	Index       int
	Command     string
	Probability float64
}

// Scorer maps every command to the tokens that can start it. A command owns
// each token that on its own spells a prefix of " "+command; commands whose
// first letters are already split across tokens own none and never win.
type Scorer struct {
	vocab  Vocabulary
	tokens [][]int
}

func NewScorer(v Vocabulary, tok Tokenizer) (*Scorer, error) {
	if len(v) == 0 {
		return nil, errors.New("empty vocabulary")
	}

	s := &Scorer{vocab: v, tokens: make([][]int, len(v))}
	for i, cmd := range v {
		for l := range len(cmd) {
			ids, err := tok.Tokenize(" " + cmd[:l+1])
			if err != nil {
				return nil, fmt.Errorf("tokenize %q: %w", cmd, err)
			}
			if len(ids) == 1 {
				s.tokens[i] = append(s.tokens[i], ids[0])
			}
		}
	}
	return s, nil
}

func (s *Scorer) Vocabulary() Vocabulary { return s.vocab }

// Tokens returns the prefix tokens owned by command i.
func (s *Scorer) Tokens(i int) []int { return s.tokens[i] }

// Best softmaxes logits, averages the probability of each command's prefix
// tokens, normalises the averages over all commands and returns the argmax.
// On ties the earlier command wins. ok is false when no command owns a token
// inside the logit row or all scores are zero.
func (s *Scorer) Best(logits []float32) (m Match, ok bool) {
	if len(logits) == 0 {
		return Match{}, false
	}

	probs := softmax(logits)

	scores := make([]float64, len(s.vocab))
	var sum float64
	for i, toks := range s.tokens {
		var p float64
		var n int
		for _, t := range toks {
			if t < 0 || t >= len(probs) {
				continue
			}
			p += probs[t]
			n++
		}
		if n == 0 {
			continue
		}
		scores[i] = p / float64(n)
		sum += scores[i]
	}
	if sum == 0 {
		return Match{}, false
	}

	best := -1
	for i, sc := range scores {
		if best < 0 || sc > scores[best] {
			best = i
		}
	}
	return Match{Index: best, Command: s.vocab[best], Probability: scores[best] / sum}, true
}

func softmax(logits []float32) []float64 {
	maxv := math.Inf(-1)
	for _, l := range logits {
		maxv = math.Max(maxv, float64(l))
	}

	out := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		out[i] = math.Exp(float64(l) - maxv)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
