// Package nlu classifies a spoken command into an intent with an OpenAI chat
// model and turns the result into actuator frames.
package nlu

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strings"

	"github.com/bytedance/sonic"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"
)

const DefaultModel = "gpt-5-nano"

type Result struct {
	Intent   string         `json:"intent"`
	Entities map[string]any `json:"entities"`
	Query    string         `json:"query"`
}

// Device returns the canonical device id, or "" when none was recognised.
func (r Result) Device() string {
	s, _ := r.Entities["device"].(string)
	return s
}

const systemPrompt = `
You are the intent classifier of a voice control front-end.
Your ONLY job is to convert the user's utterance into a minimal structured JSON.

GENERAL RULES:
1. Do NOT converse.
2. Do NOT answer the question.
3. Do NOT add explanations.
4. Output ONLY JSON. No markdown.
5. Never hallucinate unknown devices or parameters.

OUTPUT FORMAT:
{
  "intent": "<string>",
  "entities": { ... },
  "query": "<original user text>"
}

INTENTS (canonical, snake_case):
- "turn_on"
- "turn_off"
- "set_brightness"
- "set_mode"
- "set_time"
- "stop"
- "unknown"  (if not classifiable)

ENTITIES (strict canonical schema):
{
  "device": "<canonical ID or null>",
  "brightness": <int or null>,
  "mode": "<string or null>",
  "time": "<string or null>"
}

DEVICE REGISTRY (canonical identifiers):
%s
RULES FOR DEVICES:
- Map ANY synonyms to the canonical id.
- If multiple devices mentioned, choose the one acted upon.
- If no device is relevant, output null for device.

ENTITY NORMALIZATION:
- brightness must be a 0-255 integer if present.
- time: keep the raw phrase ("tomorrow", "at 7").
- Never invent missing values.

If the meaning is unclear, intent = "unknown".
`

type Analyzer struct {
	client openai.Client
	model  string
	prompt string
}

func NewAnalyzer(client openai.Client, model string, devices []Device) *Analyzer {
	if model == "" {
		model = DefaultModel
	}
	return &Analyzer{client: client, model: model, prompt: SystemPrompt(devices)}
}

// SystemPrompt renders the classifier instructions for the device table.
func SystemPrompt(devices []Device) string {
	var b strings.Builder
	for _, d := range devices {
		fmt.Fprintf(&b, "- %q = %s\n", d.Name, strings.Join(d.Aliases, ", "))
	}
	return fmt.Sprintf(systemPrompt, b.String())
}

func (a *Analyzer) Analyze(ctx context.Context, transcript string) (Result, error) {
	resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(a.prompt),
			openai.UserMessage(transcript),
		},
		Model: shared.ChatModel(a.model),
	})
	if err != nil {
		return Result{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, errors.New("no choices in response")
	}

	content := resp.Choices[0].Message.Content
	log.Debug("Classified", "data", content)

	return ParseResult(content)
}

// ParseResult decodes the model output, tolerating a markdown code fence.
func ParseResult(content string) (Result, error) {
	s := strings.TrimSpace(content)
	if s == "" {
		return Result{}, errors.New("empty message content")
	}
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}

	var out Result
	if err := sonic.UnmarshalString(s, &out); err != nil {
		return Result{}, fmt.Errorf("unmarshal NLU result: %w (raw: %s)", err, content)
	}
	if out.Intent == "" {
		out.Intent = "unknown"
	}
	return out, nil
}
