// Package whisper adapts the whisper.cpp Go bindings to the recognizer's
// speech-to-text contracts.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	lowlevel "github.com/ggerganov/whisper.cpp/bindings/go"

	"darko/pkg/stt"
)

// Transcriber runs full decodes on a single whisper context. The context
// keeps decoder state between calls, so opt.NoContext is what stops text
// from one command leaking into the next.
type Transcriber struct {
	mu  sync.Mutex
	ctx *lowlevel.Context
}

func NewTranscriber(modelPath string) (*Transcriber, error) {
	ctx, err := initContext(modelPath)
	if err != nil {
		return nil, err
	}
	return &Transcriber{ctx: ctx}, nil
}

func initContext(modelPath string) (*lowlevel.Context, error) {
	if modelPath == "" {
		return nil, errors.New("empty model path")
	}
	ctx := lowlevel.Whisper_init(modelPath)
	if ctx == nil {
		return nil, fmt.Errorf("load model %q", modelPath)
	}
	return ctx, nil
}

func (t *Transcriber) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx != nil {
		t.ctx.Whisper_free()
		t.ctx = nil
	}
	return nil
}

// TranscribePCM runs one full decode over pcm16k (mono, 16 kHz, float32 in [-1, 1]).
func (t *Transcriber) TranscribePCM(ctx context.Context, pcm16k []float32, opt stt.Options) (stt.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx == nil {
		return stt.Result{}, errors.New("transcriber closed")
	}
	if len(pcm16k) == 0 {
		return stt.Result{}, errors.New("no audio samples provided")
	}
	if err := ctx.Err(); err != nil {
		return stt.Result{}, err
	}

	params, err := fullParams(t.ctx, opt)
	if err != nil {
		return stt.Result{}, err
	}

	// whisper_full does not poll ctx; the encoder callback lets a cancel
	// abort before the expensive part starts.
	encoderBegin := func() bool { return ctx.Err() == nil }
	if err := t.ctx.Whisper_full(params, pcm16k, encoderBegin, nil, nil); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return stt.Result{}, cerr
		}
		return stt.Result{}, fmt.Errorf("full: %w", err)
	}

	var (
		res  stt.Result
		text strings.Builder
	)
	n := t.ctx.Whisper_full_n_segments()
	for i := 0; i < n; i++ {
		s := t.ctx.Whisper_full_get_segment_text(i)
		res.Segments = append(res.Segments, stt.Segment{
			Text: s,
			// t0/t1 count 10 ms steps
			StartSec: float64(t.ctx.Whisper_full_get_segment_t0(i)) / 100,
			EndSec:   float64(t.ctx.Whisper_full_get_segment_t1(i)) / 100,
		})
		text.WriteString(s)
	}
	res.Text = text.String()
	res.Language = lowlevel.Whisper_lang_str(t.ctx.Whisper_full_lang_id())
	if res.Language == "" {
		res.Language = opt.Language
	}
	return res, nil
}

// fullParams maps opt onto whisper_full parameters. Zero values keep the
// library defaults.
func fullParams(ctx *lowlevel.Context, opt stt.Options) (lowlevel.Params, error) {
	strategy := lowlevel.SAMPLING_GREEDY
	if opt.BeamSize > 0 {
		strategy = lowlevel.SAMPLING_BEAM_SEARCH
	}
	p := ctx.Whisper_full_default_params(strategy)
	p.SetPrintSpecial(false)
	p.SetPrintProgress(false)
	p.SetPrintRealtime(false)
	p.SetPrintTimestamps(false)

	lang := -1 // autodetect
	if opt.Language != "" && opt.Language != "auto" {
		if lang = ctx.Whisper_lang_id(opt.Language); lang < 0 {
			return p, fmt.Errorf("unsupported language %q", opt.Language)
		}
	}
	if err := p.SetLanguage(lang); err != nil {
		return p, fmt.Errorf("set language: %w", err)
	}
	p.SetTranslate(opt.TranslateToEn)
	p.SetNoContext(opt.NoContext)
	p.SetSingleSegment(opt.SingleSegment)

	threads := opt.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	p.SetThreads(threads)

	if opt.Offset > 0 {
		p.SetOffset(int(opt.Offset.Milliseconds()))
	}
	if opt.Duration > 0 {
		p.SetDuration(int(opt.Duration.Milliseconds()))
	}
	if opt.SplitOnWord {
		p.SetSplitOnWord(true)
	}
	if opt.TokenTimestamps {
		p.SetTokenTimestamps(true)
	}
	if opt.MaxTokens > 0 {
		p.SetMaxTokensPerSegment(int(opt.MaxTokens))
	}
	if opt.MaxSegmentChars > 0 {
		p.SetMaxSegmentLength(int(opt.MaxSegmentChars))
	}
	if opt.AudioCtx > 0 {
		p.SetAudioCtx(int(opt.AudioCtx))
	}
	if opt.BeamSize > 0 {
		p.SetBeamSize(opt.BeamSize)
	}
	if opt.EntropyThold != 0 {
		p.SetEntropyThold(opt.EntropyThold)
	}
	if opt.TokenSumThold != 0 {
		p.SetTokenSumThreshold(opt.TokenSumThold)
	}
	if opt.InitialPrompt != "" {
		p.SetInitialPrompt(opt.InitialPrompt)
	}
	if opt.Temperature != 0 {
		p.SetTemperature(opt.Temperature)
	}
	if opt.TemperatureStep != 0 {
		p.SetTemperatureFallback(opt.TemperatureStep)
	}
	return p, nil
}
