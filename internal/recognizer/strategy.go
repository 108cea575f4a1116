package recognizer

import (
	"context"
	log "log/slog"
	"strings"

	"github.com/antzucaro/matchr"

	"darko/internal/vocab"
	"darko/internal/wake"
	"darko/pkg/stt"
)

// Transcriber is the free-form speech-to-text engine.
type Transcriber interface {
	TranscribePCM(ctx context.Context, pcm []float32, opt stt.Options) (stt.Result, error)
}

// LogitSource decodes a single token from pcm and returns its logit row.
type LogitSource interface {
	CommandLogits(ctx context.Context, pcm []float32, prompt string) ([]float32, error)
}

// Strategy turns one captured command window into a command. ok is false
// when the utterance was not addressed to us or matched nothing.
type Strategy interface {
	Name() string
	Recognize(ctx context.Context, pcm []float32) (command string, ok bool, err error)
}

// DefaultSnapThreshold is the Jaro-Winkler score a transcribed command
// needs to be replaced by a vocabulary phrase.
const DefaultSnapThreshold = 0.85

// Transcription transcribes the window, gates it on the wake phrase and
// returns the words that follow it.
type Transcription struct {
	stt     Transcriber
	matcher *wake.Matcher
	opts    stt.Options

	snap          vocab.Vocabulary
	snapThreshold float64
}

// NewTranscription builds the free-transcription strategy. opts is passed
// to the engine on every call with NoContext and SingleSegment forced on.
func NewTranscription(t Transcriber, m *wake.Matcher, opts stt.Options) *Transcription {
	opts.NoContext = true
	opts.SingleSegment = true
	return &Transcription{stt: t, matcher: m, opts: opts, snapThreshold: DefaultSnapThreshold}
}

// SnapTo makes accepted commands snap to the closest phrase of v when the
// match scores at least threshold.
func (s *Transcription) SnapTo(v vocab.Vocabulary, threshold float64) {
	s.snap = v
	if threshold > 0 {
		s.snapThreshold = threshold
	}
}

func (s *Transcription) Name() string { return "transcription" }

func (s *Transcription) Recognize(ctx context.Context, pcm []float32) (string, bool, error) {
	res, err := s.stt.TranscribePCM(ctx, pcm, s.opts)
	if err != nil {
		return "", false, err
	}

	text := res.Joined()
	if text == "" {
		return "", false, nil
	}

	r := s.matcher.Match(text)
	accepted := s.matcher.Accept(r)
	log.Debug("Wake check", "transcript", text, "prompt", r.Prompt, "similarity", r.Similarity, "accepted", accepted)
	if !accepted {
		return "", false, nil
	}

	return s.snapCommand(r.Command), true, nil
}

func (s *Transcription) snapCommand(cmd string) string {
	if len(s.snap) == 0 {
		return cmd
	}

	lower := strings.ToLower(cmd)
	best, score := "", 0.0
	for _, c := range s.snap {
		if sc := matchr.JaroWinkler(lower, c, false); sc > score {
			best, score = c, sc
		}
	}
	if score < s.snapThreshold {
		return cmd
	}
	log.Debug("Snapped command", "heard", cmd, "command", best, "score", score)
	return best
}

// DefaultProbabilityThreshold is the normalised probability the best
// vocabulary entry must exceed.
const DefaultProbabilityThreshold = 0.7

// Vocabulary scores the window against a closed command list.
type Vocabulary struct {
	src       LogitSource
	scorer    *vocab.Scorer
	prompt    string
	threshold float64
}

// NewVocabulary builds the closed-vocabulary strategy. An empty prompt falls
// back to a listing of the vocabulary.
func NewVocabulary(src LogitSource, scorer *vocab.Scorer, prompt string, threshold float64) *Vocabulary {
	if prompt == "" {
		prompt = scorer.Vocabulary().Prompt()
	}
	if threshold <= 0 {
		threshold = DefaultProbabilityThreshold
	}
	return &Vocabulary{src: src, scorer: scorer, prompt: prompt, threshold: threshold}
}

func (s *Vocabulary) Name() string { return "vocabulary" }

func (s *Vocabulary) Recognize(ctx context.Context, pcm []float32) (string, bool, error) {
	logits, err := s.src.CommandLogits(ctx, pcm, s.prompt)
	if err != nil {
		return "", false, err
	}

	m, ok := s.scorer.Best(logits)
	if !ok {
		return "", false, nil
	}
	log.Debug("Vocabulary check", "command", m.Command, "probability", m.Probability)
	if m.Probability <= s.threshold {
		return "", false, nil
	}
	return m.Command, true, nil
}
