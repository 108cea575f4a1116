//go:build whisper

// These tests link libwhisper. Run with
//
//	WHISPER_MODEL=models/ggml-tiny.en.bin go test -tags whisper ./pkg/stt/whisper
package whisper

import (
	"context"
	"errors"
	"os"
	"testing"

	"darko/internal/recognizer"
	"darko/internal/vocab"
	"darko/pkg/stt"
)

var (
	_ recognizer.Transcriber = (*Transcriber)(nil)
	_ recognizer.LogitSource = (*Scorer)(nil)
	_ vocab.Tokenizer        = (*Scorer)(nil)
)

func modelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL")
	if p == "" {
		t.Skip("WHISPER_MODEL not set")
	}
	return p
}

// tone is one second of a quiet 440 Hz square wave at 16 kHz.
func tone() []float32 {
	pcm := make([]float32, stt.SampleRate)
	for i := range pcm {
		if (i/18)%2 == 0 {
			pcm[i] = 0.05
		} else {
			pcm[i] = -0.05
		}
	}
	return pcm
}

func TestNew_EmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := NewTranscriber(""); err == nil {
		t.Error("NewTranscriber accepted an empty path")
	}
	if _, err := NewScorer("", "en", 1); err == nil {
		t.Error("NewScorer accepted an empty path")
	}
}

func TestScorer_CommandLogits(t *testing.T) {
	s, err := NewScorer(modelPath(t), "en", 2)
	if err != nil {
		t.Fatalf("NewScorer: %v", err)
	}
	defer s.Close()

	toks, err := s.Tokenize(" lights on")
	if err != nil || len(toks) == 0 {
		t.Fatalf("Tokenize = %v, %v", toks, err)
	}

	row, err := s.CommandLogits(context.Background(), tone(), "lights on, lights off")
	if err != nil {
		t.Fatalf("CommandLogits: %v", err)
	}
	if want := s.ctx.Whisper_n_vocab(); len(row) != want {
		t.Errorf("row has %d logits, want n_vocab %d", len(row), want)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.CommandLogits(ctx, tone(), ""); !errors.Is(err, context.Canceled) {
		t.Errorf("CommandLogits after cancel = %v", err)
	}

	s.Close()
	if _, err := s.CommandLogits(context.Background(), tone(), ""); err == nil {
		t.Error("closed scorer returned logits")
	}
}

func TestTranscriber_Options(t *testing.T) {
	tr, err := NewTranscriber(modelPath(t))
	if err != nil {
		t.Fatalf("NewTranscriber: %v", err)
	}
	defer tr.Close()

	opt := stt.Options{Language: "en", NoContext: true, SingleSegment: true, MaxTokens: 8, Threads: 2}
	for i := 0; i < 2; i++ {
		res, err := tr.TranscribePCM(context.Background(), tone(), opt)
		if err != nil {
			t.Fatalf("TranscribePCM #%d: %v", i, err)
		}
		if len(res.Segments) > 1 {
			t.Errorf("SingleSegment produced %d segments", len(res.Segments))
		}
		if res.Language != "en" {
			t.Errorf("language = %q, want en", res.Language)
		}
	}

	if _, err := tr.TranscribePCM(context.Background(), tone(), stt.Options{Language: "xx-not-a-language"}); err == nil {
		t.Error("unsupported language accepted")
	}
	if _, err := tr.TranscribePCM(context.Background(), nil, opt); err == nil {
		t.Error("empty pcm accepted")
	}
}
