// Package llamasrv drives a llama.cpp HTTP server as an llm.Engine.
//
// The server owns the model and its prompt cache; this client keeps the
// token sequence and replays it on every logits request with cache_prompt
// enabled, so only the unseen suffix is evaluated server side. The logit row
// is rebuilt from the top n_probs log-probabilities of the next token; every
// other entry is set to a large negative value.
package llamasrv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"

	"darko/pkg/llm"
)

const (
	DefaultTopN = 64

	// missingLogit stands in for tokens outside the returned top list.
	missingLogit = -1e9
)

type Config struct {
	URL       string        // e.g. http://127.0.0.1:8080
	EOS       llm.Token     // end-of-sequence id of the served model
	VocabSize int           // logit row length; 0 sizes rows to the largest id seen
	TopN      int           // log-probabilities requested per step
	Timeout   time.Duration // per request
}

type Client struct {
	cfg  Config
	http *http.Client
	nl   llm.Token

	mu      sync.Mutex
	seq     []llm.Token
	logits  []float32
	pending bool // seq changed since logits were fetched
}

// New checks the server by tokenizing a newline, which also yields the
// newline token id.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("empty llama server url")
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultTopN
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	c := &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}

	nl, err := c.Tokenize(ctx, "\n", false)
	if err != nil {
		return nil, fmt.Errorf("probe llama server: %w", err)
	}
	if len(nl) == 0 {
		return nil, errors.New("llama server returned no token for a newline")
	}
	c.nl = nl[len(nl)-1]

	log.Debug("Connected to llama server", "url", cfg.URL, "nl", c.nl, "eos", cfg.EOS)
	return c, nil
}

func (c *Client) EOS() llm.Token { return c.cfg.EOS }
func (c *Client) NL() llm.Token  { return c.nl }

func (c *Client) Tokenize(ctx context.Context, text string, addSpecial bool) ([]llm.Token, error) {
	body, err := c.post(ctx, "/tokenize", map[string]any{
		"content":     text,
		"add_special": addSpecial,
	})
	if err != nil {
		return nil, err
	}

	ids := gjson.GetBytes(body, "tokens")
	if !ids.IsArray() {
		return nil, fmt.Errorf("tokenize: no tokens in response %q", truncate(body))
	}
	var out []llm.Token
	for _, id := range ids.Array() {
		out = append(out, llm.Token(id.Int()))
	}
	return out, nil
}

func (c *Client) TokenText(ctx context.Context, tok llm.Token) (string, error) {
	body, err := c.post(ctx, "/detokenize", map[string]any{"tokens": []llm.Token{tok}})
	if err != nil {
		return "", err
	}
	content := gjson.GetBytes(body, "content")
	if !content.Exists() {
		return "", fmt.Errorf("detokenize: no content in response %q", truncate(body))
	}
	return content.String(), nil
}

// Decode extends the sequence. Positions must continue it without gaps.
// When the batch asks for logits they are fetched right away.
func (c *Client) Decode(ctx context.Context, b llm.Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(b.Positions) != len(b.Tokens) || len(b.Logits) != len(b.Tokens) {
		return errors.New("decode: malformed batch")
	}
	want := false
	for i := range b.Tokens {
		if b.Positions[i] != len(c.seq)+i {
			return fmt.Errorf("decode: token at position %d, sequence holds %d", b.Positions[i], len(c.seq)+i)
		}
		want = want || b.Logits[i]
	}
	c.seq = append(c.seq, b.Tokens...)
	c.pending = true

	if !want {
		return nil
	}
	logits, err := c.next(ctx)
	if err != nil {
		c.seq = c.seq[:len(c.seq)-len(b.Tokens)]
		return err
	}
	c.logits, c.pending = logits, false
	return nil
}

func (c *Client) Logits(context.Context) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.logits == nil || c.pending {
		return nil, errors.New("no logits for the current sequence")
	}
	return append([]float32(nil), c.logits...), nil
}

func (c *Client) Forget(_ context.Context, fromPos int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fromPos < 0 {
		return fmt.Errorf("forget: negative position %d", fromPos)
	}
	if fromPos < len(c.seq) {
		c.seq = c.seq[:fromPos]
	}
	c.logits, c.pending = nil, false
	return nil
}

// next asks the server for the distribution of the token after seq.
func (c *Client) next(ctx context.Context) ([]float32, error) {
	body, err := c.post(ctx, "/completion", map[string]any{
		"prompt":       c.seq,
		"n_predict":    1,
		"n_probs":      c.cfg.TopN,
		"cache_prompt": true,
		"temperature":  0,
		"stream":       false,
	})
	if err != nil {
		return nil, err
	}
	return parseTopLogprobs(body, c.cfg.VocabSize, int(max(c.cfg.EOS, c.nl))+1)
}

// parseTopLogprobs builds a logit row of vocabSize entries. Without a
// vocabulary size the row covers the largest returned id and at least
// minSize entries.
func parseTopLogprobs(body []byte, vocabSize, minSize int) ([]float32, error) {
	top := gjson.GetBytes(body, "completion_probabilities.0.top_logprobs")
	if !top.IsArray() {
		return nil, fmt.Errorf("completion: no top_logprobs in response %q", truncate(body))
	}

	type entry struct {
		id      int
		logprob float64
	}
	var entries []entry
	maxID := -1
	top.ForEach(func(_, v gjson.Result) bool {
		id := int(v.Get("id").Int())
		if id < 0 {
			return true
		}
		entries = append(entries, entry{id: id, logprob: v.Get("logprob").Float()})
		maxID = max(maxID, id)
		return true
	})
	if len(entries) == 0 {
		return nil, errors.New("completion: empty top_logprobs")
	}

	n := vocabSize
	if n <= 0 {
		n = max(maxID+1, minSize)
	}
	row := make([]float32, n)
	for i := range row {
		row[i] = missingLogit
	}
	for _, e := range entries {
		if e.id < n {
			row[e.id] = float32(e.logprob)
		}
	}
	return row, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = truncate(body)
		}
		return nil, fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, msg)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%s: invalid json %q", path, truncate(body))
	}
	return body, nil
}

func truncate(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
