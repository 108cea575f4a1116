// Package config loads the daemon's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"darko/internal/dispatch"
	"darko/internal/nlu"
)

type Config struct {
	LogLevel   string     `yaml:"log_level"`
	Audio      Audio      `yaml:"audio"`
	Recognizer Recognizer `yaml:"recognizer"`
	Whisper    Whisper    `yaml:"whisper"`
	Wake       Wake       `yaml:"wake"`
	Dispatch   Dispatch   `yaml:"dispatch"`
	LLM        LLM        `yaml:"llm"`
	NLU        NLU        `yaml:"nlu"`
	Hub        Hub        `yaml:"hub"`
	Speech     Speech     `yaml:"speech"`
	IPC        IPC        `yaml:"ipc"`
	Metrics    Metrics    `yaml:"metrics"`
}

type Audio struct {
	Device     int `yaml:"device"` // -1 selects the default input
	SampleRate int `yaml:"sample_rate"`
	BufferMs   int `yaml:"buffer_ms"`
}

type Recognizer struct {
	Strategy             string        `yaml:"strategy"` // transcription | vocabulary
	PollInterval         time.Duration `yaml:"poll_interval"`
	ProbeMs              int           `yaml:"probe_ms"`
	TrailingMs           int           `yaml:"trailing_ms"`
	CommandMs            int           `yaml:"command_ms"`
	VADThreshold         float64       `yaml:"vad_threshold"`
	FreqThreshold        float64       `yaml:"freq_threshold"`
	Warmup               time.Duration `yaml:"warmup"`
	SnapCommands         bool          `yaml:"snap_commands"`
	SnapThreshold        float64       `yaml:"snap_threshold"`
	ProbabilityThreshold float64       `yaml:"probability_threshold"`
}

type Whisper struct {
	Model     string `yaml:"model"`
	Language  string `yaml:"language"`
	Threads   int    `yaml:"threads"`
	MaxTokens uint   `yaml:"max_tokens"`
	AudioCtx  uint   `yaml:"audio_ctx"`
	Context   string `yaml:"context"`  // document fed as the initial prompt
	Commands  string `yaml:"commands"` // command list, one phrase per line
}

type Wake struct {
	Phrase      string  `yaml:"phrase"`
	Threshold   float64 `yaml:"threshold"`
	StripPrompt *bool   `yaml:"strip_prompt"`
}

type Frame struct {
	To   string `yaml:"to"`
	Verb string `yaml:"verb"`
	Noun string `yaml:"noun"`
}

type Dispatch struct {
	Mode     string                `yaml:"mode"` // direct | chat | intent
	Actuator Frame                 `yaml:"actuator"`
	Actions  Frame                 `yaml:"actions"`
	Rules    []dispatch.ActionRule `yaml:"rules"`
	Devices  []nlu.Device          `yaml:"devices"`
}

type LLM struct {
	URL           string        `yaml:"url"`
	EOS           int32         `yaml:"eos"`
	VocabSize     int           `yaml:"vocab_size"`
	TopN          int           `yaml:"top_n"`
	Timeout       time.Duration `yaml:"timeout"`
	Context       string        `yaml:"context"`
	Capacity      int           `yaml:"capacity"`
	MaxHistory    int           `yaml:"max_history"`
	RepeatPenalty float32       `yaml:"repeat_penalty"`
	MaxTokens     int           `yaml:"max_tokens"`
	StopMarkers   []string      `yaml:"stop_markers"`
	AnswerCue     string        `yaml:"answer_cue"`
}

type NLU struct {
	Model string `yaml:"model"`
	Proxy string `yaml:"proxy"` // SOCKS5 address, empty for direct
}

type Hub struct {
	URL       string        `yaml:"url"`
	Shard     string        `yaml:"shard"`
	Reconnect time.Duration `yaml:"reconnect"`
	Timeout   time.Duration `yaml:"timeout"`
}

type Duck struct {
	Enabled  bool          `yaml:"enabled"`
	Floor    int           `yaml:"floor"`
	Factor   float64       `yaml:"factor"`
	Duration time.Duration `yaml:"duration"`
	Self     []string      `yaml:"self"`
}

type Speech struct {
	Enabled bool   `yaml:"enabled"`
	Voice   string `yaml:"voice"`
	Rate    int    `yaml:"rate"`
	Cue     string `yaml:"cue"` // sound played when a command is accepted
	Duck    Duck   `yaml:"duck"`
}

type IPC struct {
	Socket string `yaml:"socket"`
}

type Metrics struct {
	Addr string `yaml:"addr"` // empty disables the endpoint
}

// Default returns the configuration used for every field the file omits.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Audio:    Audio{Device: -1, SampleRate: 16000, BufferMs: 30_000},
		Recognizer: Recognizer{
			Strategy:             "transcription",
			PollInterval:         100 * time.Millisecond,
			ProbeMs:              2000,
			TrailingMs:           1000,
			CommandMs:            8000,
			VADThreshold:         0.6,
			FreqThreshold:        100,
			Warmup:               time.Second,
			SnapThreshold:        0.85,
			ProbabilityThreshold: 0.7,
		},
		Whisper:  Whisper{Language: "en", MaxTokens: 32},
		Wake:     Wake{Phrase: "hey darko", Threshold: 0.7},
		Dispatch: Dispatch{Mode: "direct", Actuator: Frame{Verb: "INVOKE", Noun: "COMMAND"}, Actions: Frame{Verb: "ACT", Noun: "ACTION"}},
		LLM: LLM{
			Timeout:       2 * time.Minute,
			Capacity:      2048,
			MaxHistory:    256,
			RepeatPenalty: 1.1764,
			MaxTokens:     256,
			StopMarkers:   []string{"[Answer]", "[Question]"},
			AnswerCue:     "\n[Answer]",
		},
		NLU:     NLU{Model: nlu.DefaultModel},
		Hub:     Hub{Shard: "DARKO", Reconnect: time.Second, Timeout: 5 * time.Second},
		Speech:  Speech{Voice: "en", Duck: Duck{Floor: 10, Factor: 0.3, Duration: 300 * time.Millisecond, Self: []string{"espeak", "darko"}}},
		IPC:     IPC{Socket: "/tmp/darko.sock"},
		Metrics: Metrics{},
	}
}

// Load reads the YAML file at path over the defaults and validates it.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults. Unknown keys are
// rejected. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var logLevels = []string{"debug", "info", "warn", "error"}

// Validate reports every inconsistency at once.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if !slices.Contains(logLevels, cfg.LogLevel) {
		add("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel)
	}
	if cfg.Audio.SampleRate != 16000 {
		add("audio.sample_rate must be 16000, the only rate whisper accepts")
	}

	rc := cfg.Recognizer
	switch rc.Strategy {
	case "transcription":
	case "vocabulary":
		if cfg.Whisper.Commands == "" {
			add("recognizer.strategy vocabulary needs whisper.commands")
		}
	default:
		add("recognizer.strategy %q is invalid; valid values: transcription, vocabulary", rc.Strategy)
	}
	if rc.PollInterval <= 0 {
		add("recognizer.poll_interval must be positive")
	}
	if rc.TrailingMs <= 0 || rc.ProbeMs <= rc.TrailingMs {
		add("recognizer.probe_ms (%d) must exceed trailing_ms (%d) > 0", rc.ProbeMs, rc.TrailingMs)
	}
	if rc.CommandMs <= 0 {
		add("recognizer.command_ms must be positive")
	}
	if rc.CommandMs > cfg.Audio.BufferMs || rc.ProbeMs > cfg.Audio.BufferMs {
		add("audio.buffer_ms (%d) must hold the probe and command windows", cfg.Audio.BufferMs)
	}
	if rc.SnapCommands && cfg.Whisper.Commands == "" {
		add("recognizer.snap_commands needs whisper.commands")
	}
	if rc.ProbabilityThreshold <= 0 || rc.ProbabilityThreshold >= 1 {
		add("recognizer.probability_threshold must be in (0, 1)")
	}

	if cfg.Whisper.Model == "" {
		add("whisper.model is required")
	}
	if cfg.Whisper.Context == "" {
		add("whisper.context is required")
	}
	if cfg.Wake.Phrase == "" && rc.Strategy == "transcription" {
		add("wake.phrase is required")
	}
	if cfg.Wake.Threshold < 0 || cfg.Wake.Threshold >= 1 {
		add("wake.threshold must be in [0, 1)")
	}

	if _, err := dispatch.ParseMode(cfg.Dispatch.Mode); err != nil {
		add("dispatch.mode: %w", err)
	}
	switch cfg.Dispatch.Mode {
	case string(dispatch.ModeChat):
		if cfg.LLM.URL == "" {
			add("dispatch.mode chat needs llm.url")
		}
		if cfg.LLM.Context == "" {
			add("dispatch.mode chat needs llm.context")
		}
		if cfg.LLM.Capacity <= 0 || cfg.LLM.MaxHistory <= 0 {
			add("llm.capacity and llm.max_history must be positive")
		}
	case string(dispatch.ModeIntent):
		if cfg.Hub.URL == "" {
			add("dispatch.mode intent needs hub.url")
		}
		if len(cfg.Dispatch.Devices) == 0 {
			add("dispatch.mode intent needs dispatch.devices")
		}
	}
	if cfg.Dispatch.Actuator.To != "" && cfg.Hub.URL == "" {
		add("dispatch.actuator needs hub.url")
	}
	if cfg.Dispatch.Actions.To != "" && cfg.Hub.URL == "" {
		add("dispatch.actions needs hub.url")
	}
	if len(cfg.Dispatch.Rules) > 0 && cfg.Dispatch.Actions.To == "" {
		add("dispatch.rules need dispatch.actions.to")
	}
	for i, d := range cfg.Dispatch.Devices {
		if d.Name == "" || d.Shard == "" || d.Noun == "" {
			add("dispatch.devices[%d] needs name, shard and noun", i)
		}
	}

	if cfg.Hub.URL != "" && cfg.Hub.Shard == "" {
		add("hub.shard is required with hub.url")
	}
	if d := cfg.Speech.Duck; d.Enabled && (d.Factor < 0 || d.Factor > 1) {
		add("speech.duck.factor must be in [0, 1]")
	}

	return errors.Join(errs...)
}

// StripPromptOrDefault reports whether non-letters are stripped from the wake part
// of a transcript. Defaults to true.
func (w Wake) StripPromptOrDefault() bool {
	return w.StripPrompt == nil || *w.StripPrompt
}
