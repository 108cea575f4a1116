package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"darko/internal/dispatch"
)

const minimal = `
whisper:
  model: models/ggml-base.en.bin
  context: context.txt
`

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(minimal))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Recognizer.PollInterval != 100*time.Millisecond || cfg.Recognizer.CommandMs != 8000 {
		t.Errorf("recognizer defaults = %+v", cfg.Recognizer)
	}
	if cfg.Wake.Phrase != "hey darko" || cfg.Wake.Threshold != 0.7 || !cfg.Wake.StripPromptOrDefault() {
		t.Errorf("wake defaults = %+v", cfg.Wake)
	}
	if cfg.LLM.Capacity != 2048 || cfg.LLM.MaxHistory != 256 || len(cfg.LLM.StopMarkers) != 2 {
		t.Errorf("llm defaults = %+v", cfg.LLM)
	}
	if cfg.Dispatch.Mode != "direct" || cfg.Audio.Device != -1 {
		t.Errorf("dispatch mode = %q, device = %d", cfg.Dispatch.Mode, cfg.Audio.Device)
	}
}

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()

	const doc = `
log_level: debug
recognizer:
  strategy: vocabulary
  poll_interval: 50ms
  warmup: 2s
whisper:
  model: models/ggml-tiny.bin
  context: context.txt
  commands: commands.txt
wake:
  strip_prompt: false
dispatch:
  mode: chat
  actuator: {to: ROBOT, verb: INVOKE, noun: COMMAND}
  actions: {to: ARM}
  rules:
    - pattern: "pours.*beer"
      action: POUR
llm:
  url: http://127.0.0.1:8080
  context: bartender.txt
  eos: 2
  stop_markers: ["User:"]
hub:
  url: ws://localhost:8092/ws
`
	cfg, err := LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Recognizer.Strategy != "vocabulary" || cfg.Recognizer.PollInterval != 50*time.Millisecond || cfg.Recognizer.Warmup != 2*time.Second {
		t.Errorf("recognizer = %+v", cfg.Recognizer)
	}
	if cfg.Wake.StripPromptOrDefault() {
		t.Error("strip_prompt: false was ignored")
	}
	if len(cfg.Dispatch.Rules) != 1 || cfg.Dispatch.Rules[0].Action != "POUR" {
		t.Errorf("rules = %+v", cfg.Dispatch.Rules)
	}
	if cfg.Dispatch.Actions.To != "ARM" || cfg.Dispatch.Actions.Verb != "ACT" {
		t.Errorf("actions = %+v", cfg.Dispatch.Actions)
	}
	if len(cfg.LLM.StopMarkers) != 1 || cfg.LLM.StopMarkers[0] != "User:" || cfg.LLM.EOS != 2 {
		t.Errorf("llm = %+v", cfg.LLM)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader(minimal + "wakeword: hello\n"))
	if err == nil || !strings.Contains(err.Error(), "wakeword") {
		t.Errorf("LoadFromReader = %v, want unknown field error", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"strategy", func(c *Config) { c.Recognizer.Strategy = "guess" }, "recognizer.strategy"},
		{"vocabulary without commands", func(c *Config) { c.Recognizer.Strategy = "vocabulary" }, "whisper.commands"},
		{"probe shorter than trailing", func(c *Config) { c.Recognizer.ProbeMs = 500 }, "probe_ms"},
		{"buffer too small", func(c *Config) { c.Audio.BufferMs = 4000 }, "buffer_ms"},
		{"chat without llm", func(c *Config) { c.Dispatch.Mode = "chat" }, "llm.url"},
		{"chat without llm context", func(c *Config) {
			c.Dispatch.Mode = "chat"
			c.LLM.URL = "http://127.0.0.1:8080"
		}, "llm.context"},
		{"intent without hub", func(c *Config) { c.Dispatch.Mode = "intent" }, "hub.url"},
		{"rules without actions", func(c *Config) {
			c.Dispatch.Rules = []dispatch.ActionRule{{Pattern: "x", Action: "Y"}}
		}, "dispatch.actions.to"},
		{"missing model", func(c *Config) { c.Whisper.Model = "" }, "whisper.model"},
		{"missing whisper context", func(c *Config) { c.Whisper.Context = "" }, "whisper.context"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Whisper.Model = "m.bin"
			cfg.Whisper.Context = "context.txt"
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.want == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.LogLevel = "loud"
	err := Validate(cfg)

	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || len(joined.Unwrap()) < 2 {
		t.Errorf("Validate() = %v, want several joined errors", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "darko.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load = %v, want ErrNotExist", err)
	}
}
