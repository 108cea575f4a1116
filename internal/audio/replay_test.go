package audio

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func TestReplay_FeedsGate(t *testing.T) {
	g := NewGate(1000)
	if err := g.Resume(); err != nil {
		t.Fatal(err)
	}

	samples := ramp(1, 100)
	// 1ms chunks at 16kHz are 16 samples
	if err := Replay(context.Background(), g, samples, DefaultSampleRate, time.Millisecond); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	got := g.Get(10)
	if !slices.Equal(got[len(got)-100:], samples) {
		t.Errorf("gate tail = %v, want %v", got[len(got)-100:], samples)
	}
}

type chunkRecorder struct{ chunks [][]float32 }

func (c *chunkRecorder) Write(s []float32) { c.chunks = append(c.chunks, s) }

func TestReplay_Chunking(t *testing.T) {
	rec := &chunkRecorder{}
	if err := Replay(context.Background(), rec, ramp(0, 40), 16000, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	var sizes []int
	for _, c := range rec.chunks {
		sizes = append(sizes, len(c))
	}
	if want := []int{16, 16, 8}; !slices.Equal(sizes, want) {
		t.Errorf("chunk sizes = %v, want %v", sizes, want)
	}
}

func TestReplay_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &chunkRecorder{}
	err := Replay(ctx, rec, make([]float32, 16000), 16000, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Replay = %v, want context.Canceled", err)
	}
	if len(rec.chunks) != 1 {
		t.Errorf("wrote %d chunks before noticing cancel", len(rec.chunks))
	}

	if err := Replay(context.Background(), rec, nil, 0, time.Millisecond); err == nil {
		t.Error("Replay accepted a zero sample rate")
	}
}
