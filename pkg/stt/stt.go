// Package stt holds the engine-neutral transcription types shared by the
// recognizer and the whisper.cpp adapters.
package stt

import (
	"strings"
	"time"
)

// SampleRate is the only rate the whisper models accept.
const SampleRate = 16000

type Options struct {
	Language        string        // e.g. "auto", "en", "ru"
	TranslateToEn   bool          // if true, translate non-EN -> EN
	Threads         int           // <=0 => NumCPU()
	InitialPrompt   string        // soft prompt fed before decoding
	NoContext       bool          // do not carry text context between calls
	SingleSegment   bool          // force a single output segment
	TokenTimestamps bool          // include per-token timestamps
	MaxTokens       uint          // 0 = no limit
	MaxSegmentChars uint          // 0 = default
	BeamSize        int           // 0 = default (greedy); >0 enables beam search
	AudioCtx        uint          // encoder audio ctx size; 0 = default
	SplitOnWord     bool          // split on word boundaries
	EntropyThold    float32       // 0 = default
	TokenSumThold   float32       // 0 = default
	Temperature     float32       // 0 = default
	TemperatureStep float32       // 0 = default
	Offset          time.Duration // start offset (optional)
	Duration        time.Duration // max duration (optional)
}

type Segment struct {
	Text     string
	StartSec float64
	EndSec   float64
}

type Result struct {
	Text     string
	Segments []Segment
	Language string // detected or forced
}

// Joined concatenates the raw segment texts and trims the outer whitespace.
// Whisper segments carry their own leading spaces, so no separator is added.
func (r Result) Joined() string {
	if len(r.Segments) == 0 {
		return strings.TrimSpace(r.Text)
	}

	var b strings.Builder
	for _, s := range r.Segments {
		b.WriteString(s.Text)
	}
	return strings.TrimSpace(b.String())
}
