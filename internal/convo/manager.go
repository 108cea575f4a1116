// Package convo keeps a bounded conversation with a language model: a pinned
// context document followed by a rolling window of recent turns, generated
// greedily one token at a time.
package convo

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strings"
	"sync"
	"time"

	"darko/internal/metrics"
	"darko/pkg/llm"
)

type Config struct {
	Capacity      int      // context window in tokens
	MaxHistory    int      // tail tokens kept on eviction and penalised when sampling
	RepeatPenalty float32  // 1 disables
	StopMarkers   []string // generation ends at the first of these
	AnswerCue     string   // appended to every prompt
	MaxTokens     int      // sampled tokens per turn, 0 for no limit
}

func DefaultConfig() Config {
	return Config{
		Capacity:      2048,
		MaxHistory:    256,
		RepeatPenalty: 1.1764,
		StopMarkers:   []string{"[Answer]", "[Question]"},
		AnswerCue:     "\n[Answer]",
		MaxTokens:     256,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("capacity must be positive, got %d", c.Capacity))
	}
	if c.MaxHistory < 0 {
		errs = append(errs, fmt.Errorf("max history must not be negative, got %d", c.MaxHistory))
	}
	if c.RepeatPenalty <= 0 {
		errs = append(errs, fmt.Errorf("repeat penalty must be positive, got %v", c.RepeatPenalty))
	}
	if c.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("max tokens must not be negative, got %d", c.MaxTokens))
	}
	return errors.Join(errs...)
}

// Option configures a Manager.
type Option func(*Manager)

func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// Manager owns the engine's cache. All methods are serialised by one lock,
// so a turn never interleaves with another turn or a reset.
type Manager struct {
	mu          sync.Mutex
	engine      llm.Engine
	cfg         Config
	hist        *History
	initialized bool
	metrics     *metrics.Metrics
}

// New tokenizes the context document into the pinned prefix. Nothing is
// decoded until Init or the first Generate.
func New(ctx context.Context, engine llm.Engine, document string, cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid conversation config: %w", err)
	}

	prefix, err := engine.Tokenize(ctx, " "+document, true)
	if err != nil {
		return nil, fmt.Errorf("tokenize context document: %w", err)
	}
	hist, err := NewHistory(prefix, cfg.Capacity)
	if err != nil {
		return nil, err
	}

	m := &Manager{engine: engine, cfg: cfg, hist: hist}
	for _, o := range opts {
		o(m)
	}
	log.Debug("Conversation prefix ready", "tokens", len(prefix), "capacity", cfg.Capacity)
	return m, nil
}

// Init decodes the pinned prefix. It is a no-op on a primed session.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initLocked(ctx)
}

func (m *Manager) initLocked(ctx context.Context) error {
	if m.initialized {
		return nil
	}

	m.hist.Clear()
	if prefix := m.hist.Prefix(); len(prefix) > 0 {
		if err := m.engine.Decode(ctx, llm.NewBatch(prefix, 0)); err != nil {
			_ = m.engine.Forget(ctx, 0)
			return fmt.Errorf("decode context prefix: %w", err)
		}
	}
	m.initialized = true
	m.metrics.SetHistory(m.hist.Len())
	return nil
}

// Reset drops the engine cache and the rolling history. The next Generate
// primes the prefix again. Resetting an unprimed session does nothing.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetLocked(ctx)
}

func (m *Manager) resetLocked(ctx context.Context) error {
	if !m.initialized {
		return nil
	}
	m.hist.Clear()
	m.initialized = false
	m.metrics.SetHistory(0)
	if err := m.engine.Forget(ctx, 0); err != nil {
		return fmt.Errorf("clear engine cache: %w", err)
	}
	return nil
}

// Initialized reports whether the prefix is currently decoded.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// Usage returns the occupied and total context positions.
func (m *Manager) Usage() (used, capacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return 0, m.hist.Capacity()
	}
	return m.hist.Len(), m.hist.Capacity()
}

// Generate runs one turn: the sanitised prompt is appended to the
// conversation and the reply is sampled until end of sequence, a stop marker
// or the token limit. The returned text excludes the stop marker.
//
// A failed turn leaves the conversation as it was before the call; evicted
// history is decoded again. Only when that rollback fails is the session
// reset, to be primed again by the next call.
func (m *Manager) Generate(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	out, sampled, err := m.generateLocked(ctx, prompt)
	m.metrics.RecordTurn(time.Since(start), sampled, err)
	m.metrics.SetHistory(m.hist.Len())
	return out, err
}

func (m *Manager) generateLocked(ctx context.Context, prompt string) (string, int, error) {
	if err := m.initLocked(ctx); err != nil {
		return "", 0, err
	}

	pending, err := m.engine.Tokenize(ctx, " "+SanitizePrompt(prompt)+m.cfg.AnswerCue, false)
	if err != nil {
		return "", 0, fmt.Errorf("tokenize prompt: %w", err)
	}

	snapshot := m.hist.Tail()
	startLen := m.hist.Len()
	evicted := false

	fail := func(err error) (string, int, error) {
		m.hist.Restore(snapshot)
		if rerr := m.rollback(ctx, snapshot, startLen, evicted); rerr != nil {
			log.Warn("Rolling back engine cache failed, resetting", "err", rerr)
			if rerr := m.resetLocked(ctx); rerr != nil {
				log.Warn("Reset after failed turn", "err", rerr)
			}
		}
		return "", 0, err
	}

	var (
		out     strings.Builder
		sampled int
		done    bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		if len(pending) > 0 {
			pos := m.hist.Len()
			if !m.hist.Fits(len(pending)) {
				batch, err := m.hist.Compact(pending, m.cfg.MaxHistory)
				if err != nil {
					return fail(err)
				}
				evicted = true
				m.metrics.RecordEviction()
				log.Debug("Evicted conversation history", "kept", len(batch)-len(pending), "pending", len(pending))

				if err := m.engine.Forget(ctx, m.hist.PrefixLen()); err != nil {
					return fail(fmt.Errorf("evict: %w", err))
				}
				pending, pos = batch, m.hist.PrefixLen()
			}

			batch := llm.NewBatch(pending, pos)
			if done {
				// nothing is sampled after the last token
				batch.Logits[len(batch.Logits)-1] = false
			}
			if err := m.engine.Decode(ctx, batch); err != nil {
				return fail(fmt.Errorf("decode: %w", err))
			}
			if err := m.hist.Append(pending); err != nil {
				return fail(err)
			}
			pending = nil
		}

		if done {
			break
		}

		logits, err := m.engine.Logits(ctx)
		if err != nil {
			return fail(fmt.Errorf("logits: %w", err))
		}
		tok := m.sample(logits)
		sampled++

		if tok == m.engine.EOS() {
			done = true
			continue
		}

		piece, err := m.engine.TokenText(ctx, tok)
		if err != nil {
			return fail(fmt.Errorf("token text: %w", err))
		}
		pending = append(pending, tok)
		out.WriteString(piece)

		if cut, ok := cutStopMarker(out.String(), len(piece), m.cfg.StopMarkers); ok {
			out.Reset()
			out.WriteString(cut)
			done = true
		}
		if m.cfg.MaxTokens > 0 && sampled >= m.cfg.MaxTokens {
			done = true
		}
	}

	return out.String(), sampled, nil
}

// rollback brings the engine cache back to the tail snapshot taken before a
// failed turn. Without eviction the turn only appended, so forgetting from
// startLen is enough; after eviction the snapshot is decoded again behind the
// prefix.
func (m *Manager) rollback(ctx context.Context, snapshot []llm.Token, startLen int, evicted bool) error {
	// the failed turn's ctx may be the reason it failed
	ctx = context.WithoutCancel(ctx)
	if !evicted {
		return m.engine.Forget(ctx, startLen)
	}
	prefix := m.hist.PrefixLen()
	if err := m.engine.Forget(ctx, prefix); err != nil {
		return err
	}
	if len(snapshot) == 0 {
		return nil
	}
	return m.engine.Decode(ctx, llm.NewBatch(snapshot, prefix))
}

// sample picks the next token greedily after penalising recent tokens. The
// newline and end-of-sequence logits are exempt from the penalty.
func (m *Manager) sample(logits []float32) llm.Token {
	nl, eos := int(m.engine.NL()), int(m.engine.EOS())
	inRange := func(i int) bool { return i >= 0 && i < len(logits) }

	var nlLogit, eosLogit float32
	if inRange(nl) {
		nlLogit = logits[nl]
	}
	if inRange(eos) {
		eosLogit = logits[eos]
	}

	penalize(logits, m.hist.Recent(m.cfg.MaxHistory), m.cfg.RepeatPenalty)

	if inRange(nl) {
		logits[nl] = nlLogit
	}
	if inRange(eos) {
		logits[eos] = eosLogit
	}
	return argmax(logits)
}
