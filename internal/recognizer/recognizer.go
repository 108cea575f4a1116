// Package recognizer runs the listen loop: it polls the audio gate for a
// finished utterance, hands the captured window to a recognition strategy
// and passes accepted commands to a Handler.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"darko/internal/audio"
	"darko/internal/metrics"
)

// Source is the buffered audio the loop reads from.
type Source interface {
	Resume() error
	Pause() error
	Clear()
	Get(ms int) []float32
	SampleRate() int
}

// Handler receives accepted commands. It runs on the loop goroutine, so
// no audio is examined until it returns.
type Handler interface {
	HandleCommand(ctx context.Context, command string)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, command string)

func (f HandlerFunc) HandleCommand(ctx context.Context, command string) { f(ctx, command) }

type Config struct {
	PollInterval  time.Duration // idle poll period
	ProbeMs       int           // window examined for activity
	TrailingMs    int           // trailing slice that must be quiet
	CommandMs     int           // window handed to the strategy
	VADThreshold  float32       // trailing energy ratio
	FreqThreshold float32       // high-pass cutoff in Hz, 0 disables
	Warmup        time.Duration // settle time after resuming capture
}

func DefaultConfig() Config {
	return Config{
		PollInterval:  100 * time.Millisecond,
		ProbeMs:       2000,
		TrailingMs:    1000,
		CommandMs:     8000,
		VADThreshold:  0.6,
		FreqThreshold: 100,
		Warmup:        time.Second,
	}
}

// Option configures a Recognizer.
type Option func(*Recognizer)

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recognizer) { r.metrics = m }
}

type Recognizer struct {
	src      Source
	strategy Strategy
	handler  Handler
	cfg      Config
	metrics  *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(src Source, strategy Strategy, handler Handler, cfg Config, opts ...Option) (*Recognizer, error) {
	if src == nil || strategy == nil || handler == nil {
		return nil, errors.New("recognizer needs a source, a strategy and a handler")
	}
	if cfg.PollInterval <= 0 || cfg.ProbeMs <= 0 || cfg.CommandMs <= 0 {
		return nil, fmt.Errorf("invalid recognizer timing: poll=%s probe=%dms command=%dms",
			cfg.PollInterval, cfg.ProbeMs, cfg.CommandMs)
	}
	if cfg.TrailingMs <= 0 || cfg.TrailingMs >= cfg.ProbeMs {
		return nil, fmt.Errorf("trailing window %dms must be within the %dms probe", cfg.TrailingMs, cfg.ProbeMs)
	}

	r := &Recognizer{src: src, strategy: strategy, handler: handler, cfg: cfg}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Start resumes capture, waits for the warmup period, drops whatever was
// captured meanwhile and launches the loop. Starting a running recognizer
// does nothing. The loop ends on Stop or when ctx is done.
func (r *Recognizer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runningLocked() {
		return nil
	}
	if r.cancel != nil {
		// the previous loop ended with its parent ctx
		r.cancel()
		r.cancel, r.done = nil, nil
	}

	if err := r.src.Resume(); err != nil {
		return fmt.Errorf("resume capture: %w", err)
	}

	if r.cfg.Warmup > 0 {
		select {
		case <-ctx.Done():
			_ = r.src.Pause()
			return ctx.Err()
		case <-time.After(r.cfg.Warmup):
		}
	}
	r.src.Clear()

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx, r.done)

	log.Info("Listening", "strategy", r.strategy.Name())
	return nil
}

// Stop cancels the loop, waits for it to return and pauses capture. A
// command being handled is allowed to finish first.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done == nil {
		return nil
	}

	r.cancel()
	<-r.done
	r.cancel, r.done = nil, nil

	if err := r.src.Pause(); err != nil {
		return fmt.Errorf("pause capture: %w", err)
	}
	log.Info("Stopped listening")
	return nil
}

func (r *Recognizer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runningLocked()
}

func (r *Recognizer) runningLocked() bool {
	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func (r *Recognizer) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.PollInterval):
		}

		r.cycle(ctx)
	}
}

// cycle runs one idle probe and, on activity, one capture.
func (r *Recognizer) cycle(ctx context.Context) {
	sr := r.src.SampleRate()

	probe := r.src.Get(r.cfg.ProbeMs)
	active := audio.DetectActivity(probe, sr, r.cfg.TrailingMs, r.cfg.VADThreshold, r.cfg.FreqThreshold)
	r.metrics.RecordCycle(active)
	if !active {
		return
	}

	pcm := r.src.Get(r.cfg.CommandMs)
	log.Debug("Speech detected", "rms", audio.RMS(pcm))

	start := time.Now()
	cmd, ok, err := r.strategy.Recognize(ctx, pcm)
	r.metrics.RecordRecognition(r.strategy.Name(), time.Since(start), err)
	r.src.Clear()

	switch {
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		log.Warn("Recognition failed", "strategy", r.strategy.Name(), "err", err)
		return
	case !ok:
		r.metrics.RecordWake("rejected")
		return
	}

	r.metrics.RecordWake("accepted")
	log.Info("Command", "text", cmd)
	r.handler.HandleCommand(ctx, cmd)
}
