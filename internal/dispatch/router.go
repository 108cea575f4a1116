// Package dispatch routes accepted voice commands to the actuator, either
// directly, through the conversational model, or through intent
// classification.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sync"

	"github.com/google/uuid"

	"darko/internal/metrics"
	"darko/internal/nlu"
)

type Mode string

const (
	ModeDirect Mode = "direct"
	ModeChat   Mode = "chat"
	ModeIntent Mode = "intent"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDirect, ModeChat, ModeIntent:
		return m, nil
	}
	return "", fmt.Errorf("unknown dispatch mode %q", s)
}

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Speaker interface {
	Speak(ctx context.Context, text string) error
}

type Analyzer interface {
	Analyze(ctx context.Context, transcript string) (nlu.Result, error)
}

type Cue interface {
	Play(ctx context.Context) error
}

type Ducker interface {
	Duck(ctx context.Context) error
	Unduck(ctx context.Context) error
}

type Option func(*Router)

// WithActuator sets the actuator receiving commands and spoken replies.
func WithActuator(a Actuator) Option { return func(r *Router) { r.act = a } }

// WithActions sets the actuator receiving reply actions and the rules
// extracting them.
func WithActions(a Actuator, rules []ActionRule) Option {
	return func(r *Router) { r.actions, r.ruleSrc = a, rules }
}

func WithGenerator(g Generator) Option { return func(r *Router) { r.gen = g } }
func WithSpeaker(s Speaker) Option     { return func(r *Router) { r.speaker = s } }
func WithCue(c Cue) Option             { return func(r *Router) { r.cue = c } }
func WithDucker(d Ducker) Option       { return func(r *Router) { r.ducker = d } }

func WithIntents(a Analyzer, tr nlu.Transceiver, devices []nlu.Device) Option {
	return func(r *Router) { r.analyzer, r.tr, r.devices = a, tr, devices }
}

func WithMetrics(m *metrics.Metrics) Option { return func(r *Router) { r.metrics = m } }

type Router struct {
	mode Mode

	act     Actuator
	actions Actuator
	ruleSrc []ActionRule
	rules   []action

	gen     Generator
	speaker Speaker
	cue     Cue
	ducker  Ducker

	analyzer Analyzer
	tr       nlu.Transceiver
	devices  []nlu.Device

	metrics *metrics.Metrics

	mu sync.Mutex // one command at a time
}

func New(mode Mode, opts ...Option) (*Router, error) {
	r := &Router{mode: mode}
	for _, o := range opts {
		o(r)
	}

	var errs []error
	switch mode {
	case ModeDirect:
	case ModeChat:
		if r.gen == nil {
			errs = append(errs, errors.New("chat mode needs a generator"))
		}
	case ModeIntent:
		if r.analyzer == nil || r.tr == nil {
			errs = append(errs, errors.New("intent mode needs an analyzer and a transceiver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dispatch mode %q", mode))
	}

	rules, err := compileRules(r.ruleSrc)
	if err != nil {
		errs = append(errs, err)
	}
	r.rules = rules

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Router) Mode() Mode { return r.mode }

// HandleCommand runs one command to completion. Failures are logged and
// counted; the caller keeps listening.
func (r *Router) HandleCommand(ctx context.Context, command string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New().String()
	lg := log.With("id", id, "mode", r.mode)
	lg.Info("Command", "command", command)
	r.metrics.RecordCommand(string(r.mode))

	if r.cue != nil {
		if err := r.cue.Play(ctx); err != nil {
			lg.Warn("Failed to play cue", "err", err)
		}
	}

	var err error
	switch r.mode {
	case ModeDirect:
		err = r.direct(ctx, command)
	case ModeChat:
		err = r.chat(ctx, lg, command)
	case ModeIntent:
		err = r.intent(ctx, lg, command)
	}
	if err != nil {
		lg.Error("Failed to dispatch", "err", err)
	}
}

type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func (r *Router) fail(stage string, err error) error {
	r.metrics.RecordDispatchError(stage)
	return &stageError{stage: stage, err: err}
}

func (r *Router) direct(ctx context.Context, command string) error {
	if err := invoke(ctx, r.act, command); err != nil {
		return r.fail("actuator", err)
	}
	return nil
}

func (r *Router) chat(ctx context.Context, lg *log.Logger, command string) error {
	text, err := r.gen.Generate(ctx, command)
	if err != nil {
		return r.fail("generate", err)
	}

	reply := parseReply(text, r.rules)
	lg.Info("Reply", "text", reply.Speech, "actions", reply.Actions)

	var errs []error
	for _, a := range reply.Actions {
		if err := invoke(ctx, r.actions, a); err != nil {
			errs = append(errs, r.fail("action", fmt.Errorf("%s: %w", a, err)))
		}
	}
	if reply.Speech == "" {
		return errors.Join(errs...)
	}

	if err := r.speak(ctx, reply.Speech); err != nil {
		errs = append(errs, r.fail("speak", err))
	}
	if err := invoke(ctx, r.act, reply.Speech); err != nil {
		errs = append(errs, r.fail("actuator", err))
	}
	return errors.Join(errs...)
}

func (r *Router) intent(ctx context.Context, lg *log.Logger, command string) error {
	res, err := r.analyzer.Analyze(ctx, command)
	if err != nil {
		return r.fail("analyze", err)
	}
	lg.Info("Intent", "intent", res.Intent, "device", res.Device())

	if res.Intent == "unknown" {
		return nil
	}
	out, err := nlu.Dispatch(ctx, r.tr, res, r.devices)
	if err != nil {
		return r.fail("actuator", err)
	}
	lg.Info("Actuator replied", "reply", out)
	return nil
}

// speak ducks other streams around the utterance when a ducker is set.
func (r *Router) speak(ctx context.Context, text string) error {
	if r.speaker == nil {
		return nil
	}
	if r.ducker != nil {
		if err := r.ducker.Duck(ctx); err != nil {
			log.Warn("Failed to duck", "err", err)
		}
		defer func() {
			if err := r.ducker.Unduck(context.WithoutCancel(ctx)); err != nil {
				log.Warn("Failed to unduck", "err", err)
			}
		}()
	}
	return r.speaker.Speak(ctx, text)
}
