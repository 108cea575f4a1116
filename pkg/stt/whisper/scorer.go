package whisper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lowlevel "github.com/ggerganov/whisper.cpp/bindings/go"

	"darko/pkg/stt"
)

// maxTokenCount bounds a single tokenize call.
const maxTokenCount = 1024

// Scorer runs whisper in greedy single-token mode and exposes the raw logits
// of the first decoded token. It backs the closed-vocabulary recognizer.
type Scorer struct {
	mu       sync.Mutex
	ctx      *lowlevel.Context
	language string
	threads  int
}

func NewScorer(modelPath, language string, threads int) (*Scorer, error) {
	ctx, err := initContext(modelPath)
	if err != nil {
		return nil, err
	}
	if language == "" {
		language = "en"
	}
	return &Scorer{ctx: ctx, language: language, threads: threads}, nil
}

func (s *Scorer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		s.ctx.Whisper_free()
		s.ctx = nil
	}
	return nil
}

// Tokenize converts text into whisper token ids.
func (s *Scorer) Tokenize(text string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return nil, errors.New("scorer closed")
	}

	buf := make([]lowlevel.Token, maxTokenCount)
	n, err := s.ctx.Whisper_tokenize(text, buf)
	if err != nil {
		return nil, fmt.Errorf("tokenize %q: %w", text, err)
	}
	if n < 0 {
		return nil, fmt.Errorf("tokenize %q: negative token count %d", text, n)
	}

	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = int(buf[i])
	}
	return out, nil
}

// CommandLogits decodes pcm with max_tokens = 1 and returns the vocabulary
// sized logit row of that token.
func (s *Scorer) CommandLogits(ctx context.Context, pcm []float32, prompt string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return nil, errors.New("scorer closed")
	}
	if len(pcm) == 0 {
		return nil, errors.New("no audio samples provided")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params, err := fullParams(s.ctx, stt.Options{
		Language:      s.language,
		Threads:       s.threads,
		InitialPrompt: prompt,
		NoContext:     true,
		SingleSegment: true,
		MaxTokens:     1,
	})
	if err != nil {
		return nil, err
	}

	if err := s.ctx.Whisper_full(params, pcm, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("full: %w", err)
	}
	return firstLogits(s.ctx)
}
