package protocol

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

var ErrClosed = errors.New("protocol closed")

type Config struct {
	Shard     string
	URL       string
	Reconnect time.Duration // pause between reconnect attempts
	Timeout   time.Duration // how long TransmitReceive waits for a reply
	EmitOut   func(*Message)
}

// Protocol exchanges single-line TO:VERB:NOUN:ARGS...:FROM frames with the
// hub over a websocket. Frames not addressed to the shard are dropped.
type Protocol struct {
	ws *WebSocket

	shard   string
	timeout time.Duration

	waiterMu sync.Mutex
	waiter   chan *Message

	emitMu  sync.RWMutex
	emitOut func(*Message)
}

func New(ctx context.Context, cfg Config) (*Protocol, error) {
	if !isToken(cfg.Shard) {
		return nil, fmt.Errorf("invalid shard name %q", cfg.Shard)
	}
	if cfg.Reconnect <= 0 {
		cfg.Reconnect = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	ws, err := DialWebSocket(ctx, cfg.URL, cfg.Reconnect)
	if err != nil {
		return nil, fmt.Errorf("connect hub: %w", err)
	}

	return &Protocol{
		ws:      ws,
		shard:   cfg.Shard,
		timeout: cfg.Timeout,
		emitOut: cfg.EmitOut,
	}, nil
}

func (ptcl *Protocol) Shard() string { return ptcl.shard }

func (ptcl *Protocol) EmitOut(f func(*Message)) {
	ptcl.emitMu.Lock()
	defer ptcl.emitMu.Unlock()
	ptcl.emitOut = f
}

// TransmitReceive sends v and waits for the next frame addressed to the shard.
func (ptcl *Protocol) TransmitReceive(ctx context.Context, v any) (*Message, error) {
	w := ptcl.installWaiter()
	defer ptcl.clearWaiter()

	if err := ptcl.Transmit(v); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, ptcl.timeout)
	defer cancel()

	select {
	case msg := <-w:
		return msg, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for reply: %w", ctx.Err())
	}
}

// Transmit accepts a Message, a pre-joined frame without the sender, or the
// frame fields as a slice. The shard is appended as sender.
func (ptcl *Protocol) Transmit(v any) error {
	var msg string

	switch m := v.(type) {
	case Message:
		m.From = ptcl.shard
		msg = m.String()
	case *Message:
		cp := *m
		cp.From = ptcl.shard
		msg = cp.String()
	case string:
		msg = fmt.Sprintf("%s:%s", m, ptcl.shard)
	case []string:
		msg = fmt.Sprintf("%s:%s", strings.Join(m, ":"), ptcl.shard)
	default:
		return fmt.Errorf("unsupported frame type %T", v)
	}

	if err := ptcl.ws.Write([]byte(msg)); err != nil {
		log.Error("Failed to transmit", "msg", msg, "err", err)
		return err
	}
	return nil
}

// Run reads frames until ctx ends, reconnecting when the hub drops.
func (ptcl *Protocol) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { ptcl.ws.Close() })
	defer stop()

	for {
		in := ptcl.ws.Read()
		if ctx.Err() != nil {
			return nil
		}

		switch in.kind {
		case ConnClosed:
			log.Warn("Trying to reconnect", "url", ptcl.ws.url)
			if err := ptcl.ws.Reconnect(ctx); err != nil {
				return nil
			}
			log.Info("Reconnected to hub")

		case ReadFailure:
			log.Error("Failed to read", "err", in.err)
			if ctx.Err() == nil {
				if err := ptcl.ws.Reconnect(ctx); err != nil {
					return nil
				}
			}

		case ReadOK:
			if !ptcl.checkRecipient(in.msg) {
				continue
			}

			msg, err := Parse(string(in.msg))
			if err != nil {
				log.Warn("Failed to parse", "msg", string(in.msg), "err", err)
				continue
			}

			if w := ptcl.currentWaiter(); w != nil {
				select {
				case w <- msg:
				default:
					log.Warn("Dropped reply, waiter busy", "msg", msg.String())
				}
				continue
			}

			ptcl.emitMu.RLock()
			emit := ptcl.emitOut
			ptcl.emitMu.RUnlock()
			if emit != nil {
				emit(msg)
			}
		}
	}
}

func (ptcl *Protocol) Close() error {
	return ptcl.ws.Close()
}

func (ptcl *Protocol) installWaiter() chan *Message {
	ptcl.waiterMu.Lock()
	defer ptcl.waiterMu.Unlock()
	ptcl.waiter = make(chan *Message, 1)
	return ptcl.waiter
}

func (ptcl *Protocol) clearWaiter() {
	ptcl.waiterMu.Lock()
	defer ptcl.waiterMu.Unlock()
	ptcl.waiter = nil
}

func (ptcl *Protocol) currentWaiter() chan *Message {
	ptcl.waiterMu.Lock()
	defer ptcl.waiterMu.Unlock()
	return ptcl.waiter
}

func (ptcl *Protocol) checkRecipient(msg []byte) bool {
	to, _, _ := strings.Cut(string(msg), ":")
	return to == ptcl.shard || to == Broadcast
}

const Broadcast = "ALL"

// Parse decodes one frame. Frames are single-line, so whitespace inside is
// rejected.
func Parse(line string) (*Message, error) {
	s := strings.TrimSpace(line)
	if s == "" {
		return nil, errors.New("empty message")
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return nil, errors.New("invalid whitespace present")
	}
	parts := strings.Split(s, ":")
	if len(parts) < 4 {
		return nil, fmt.Errorf("too few fields: got %d, want >= 4", len(parts))
	}

	to := parts[0]
	verb := parts[1]
	noun := parts[2]
	from := parts[len(parts)-1]
	args := append([]string(nil), parts[3:len(parts)-1]...)

	if !isToken(to) && !isHexID(to) && to != Broadcast {
		return nil, fmt.Errorf("invalid TO token: %q", to)
	}
	if !isToken(from) && !isHexID(from) {
		return nil, fmt.Errorf("invalid FROM token: %q", from)
	}
	if !isToken(noun) || !isToken(verb) {
		return nil, fmt.Errorf("invalid NOUN/VERB: %q %q", noun, verb)
	}
	for i, a := range args {
		if !isToken(a) {
			return nil, fmt.Errorf("invalid ARG[%d]: %q", i, a)
		}
	}

	return &Message{
		To:   to,
		Verb: strings.ToUpper(verb),
		Noun: strings.ToUpper(noun),
		Args: args,
		From: from,
	}, nil
}

var (
	tokenRe    = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	hexIDRe    = regexp.MustCompile(`^[0-9A-F]{2}$`)
	nonTokenRe = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)
)

func isToken(s string) bool {
	return tokenRe.MatchString(s)
}

func isHexID(s string) bool {
	return hexIDRe.MatchString(strings.ToUpper(s))
}

// Args turns free text into frame arguments: one argument per word, with
// characters outside the token alphabet removed and empty words skipped.
func Args(text string) []string {
	var out []string
	for _, w := range strings.Fields(text) {
		if w = nonTokenRe.ReplaceAllString(w, ""); w != "" {
			out = append(out, w)
		}
	}
	return out
}

type Message struct {
	To   string
	Verb string
	Noun string
	Args []string
	From string
}

func (m *Message) String() string {
	parts := make([]string, 0, 4+len(m.Args))
	parts = append(parts, m.To, m.Verb, m.Noun)
	parts = append(parts, m.Args...)
	parts = append(parts, m.From)
	return strings.Join(parts, ":")
}

func (m *Message) IsError() bool { return m.Verb == "ERR" }

func (m *Message) Error(reason string, args ...string) {
	m.Verb = "ERR"
	m.Noun = reason
	m.Args = args
}

func (m *Message) Ok(reason string, args ...string) {
	m.Verb = "OK"
	m.Noun = reason
	m.Args = args
}
