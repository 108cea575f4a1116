package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"os"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"darko/internal/audio"
	"darko/internal/config"
	"darko/internal/convo"
	"darko/internal/dispatch"
	"darko/internal/ipc"
	"darko/internal/metrics"
	"darko/internal/nlu"
	"darko/internal/notify"
	"darko/internal/proxy"
	"darko/internal/recognizer"
	"darko/internal/tts"
	"darko/internal/vocab"
	"darko/internal/wake"
	"darko/pkg/llm"
	"darko/pkg/llm/llamasrv"
	"darko/pkg/protocol"
	"darko/pkg/stt"
	"darko/pkg/stt/whisper"
)

// daemon holds every long-lived component. Nothing is global; build wires
// them explicitly.
type daemon struct {
	rec     *recognizer.Recognizer
	router  *dispatch.Router
	manager *convo.Manager // nil unless chat mode
	hub     *protocol.Protocol

	closers []io.Closer
}

func (d *daemon) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i].Close())
	}
	return errors.Join(errs...)
}

func build(ctx context.Context, cfg *config.Config, gate *audio.Gate, m *metrics.Metrics) (d *daemon, err error) {
	d = &daemon{}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	strategy, err := buildStrategy(cfg, d)
	if err != nil {
		return nil, err
	}

	if cfg.Hub.URL != "" {
		d.hub, err = protocol.New(ctx, protocol.Config{
			Shard:     cfg.Hub.Shard,
			URL:       cfg.Hub.URL,
			Reconnect: cfg.Hub.Reconnect,
			Timeout:   cfg.Hub.Timeout,
			EmitOut: func(msg *protocol.Message) {
				log.Info("Hub message", "msg", msg.String())
			},
		})
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, d.hub)
		log.Debug("Connected to hub", "url", cfg.Hub.URL, "shard", cfg.Hub.Shard)
	}

	mode, err := dispatch.ParseMode(cfg.Dispatch.Mode)
	if err != nil {
		return nil, err
	}
	opts := []dispatch.Option{dispatch.WithMetrics(m)}

	if f := cfg.Dispatch.Actuator; f.To != "" {
		act, err := dispatch.NewProtocolActuator(d.hub, f.To, f.Verb, f.Noun)
		if err != nil {
			return nil, err
		}
		opts = append(opts, dispatch.WithActuator(act))
	}
	if f := cfg.Dispatch.Actions; f.To != "" {
		act, err := dispatch.NewProtocolActuator(d.hub, f.To, f.Verb, f.Noun)
		if err != nil {
			return nil, err
		}
		opts = append(opts, dispatch.WithActions(act, cfg.Dispatch.Rules))
	}

	switch mode {
	case dispatch.ModeChat:
		d.manager, err = buildManager(ctx, cfg, m)
		if err != nil {
			return nil, err
		}
		opts = append(opts, dispatch.WithGenerator(d.manager))

	case dispatch.ModeIntent:
		analyzer, err := buildAnalyzer(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, dispatch.WithIntents(analyzer, d.hub, cfg.Dispatch.Devices))
	}

	if s := cfg.Speech; s.Enabled {
		opts = append(opts, dispatch.WithSpeaker(tts.NewEspeak(s.Voice, s.Rate)))
		if s.Duck.Enabled {
			opts = append(opts, dispatch.WithDucker(audio.NewDucker(s.Duck.Self, s.Duck.Floor, s.Duck.Factor, s.Duck.Duration)))
		}
	}
	if cfg.Speech.Cue != "" {
		cue, err := notify.NewPlayer(cfg.Speech.Cue)
		if err != nil {
			return nil, fmt.Errorf("load cue: %w", err)
		}
		opts = append(opts, dispatch.WithCue(cue))
	}

	d.router, err = dispatch.New(mode, opts...)
	if err != nil {
		return nil, err
	}

	rc := cfg.Recognizer
	d.rec, err = recognizer.New(gate, strategy, d.router, recognizer.Config{
		PollInterval:  rc.PollInterval,
		ProbeMs:       rc.ProbeMs,
		TrailingMs:    rc.TrailingMs,
		CommandMs:     rc.CommandMs,
		VADThreshold:  float32(rc.VADThreshold),
		FreqThreshold: float32(rc.FreqThreshold),
		Warmup:        rc.Warmup,
	}, recognizer.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	return d, nil
}

func buildStrategy(cfg *config.Config, d *daemon) (recognizer.Strategy, error) {
	prompt, err := vocab.LoadContext(cfg.Whisper.Context)
	if err != nil {
		return nil, err
	}

	var commands vocab.Vocabulary
	if cfg.Whisper.Commands != "" {
		if commands, err = vocab.Load(cfg.Whisper.Commands); err != nil {
			return nil, err
		}
		log.Debug("Loaded commands", "count", len(commands))
	}

	switch cfg.Recognizer.Strategy {
	case "vocabulary":
		s, err := whisper.NewScorer(cfg.Whisper.Model, cfg.Whisper.Language, cfg.Whisper.Threads)
		if err != nil {
			return nil, fmt.Errorf("init whisper: %w", err)
		}
		d.closers = append(d.closers, s)

		scorer, err := vocab.NewScorer(commands, s)
		if err != nil {
			return nil, err
		}
		return recognizer.NewVocabulary(s, scorer, prompt, cfg.Recognizer.ProbabilityThreshold), nil

	default:
		t, err := whisper.NewTranscriber(cfg.Whisper.Model)
		if err != nil {
			return nil, fmt.Errorf("init whisper: %w", err)
		}
		d.closers = append(d.closers, t)

		matcher := wake.New(cfg.Wake.Phrase,
			wake.WithThreshold(cfg.Wake.Threshold),
			wake.WithStripPrompt(cfg.Wake.StripPromptOrDefault()))
		s := recognizer.NewTranscription(t, matcher, stt.Options{
			Language:      cfg.Whisper.Language,
			Threads:       cfg.Whisper.Threads,
			MaxTokens:     cfg.Whisper.MaxTokens,
			AudioCtx:      cfg.Whisper.AudioCtx,
			InitialPrompt: prompt,
		})
		if cfg.Recognizer.SnapCommands {
			s.SnapTo(commands, cfg.Recognizer.SnapThreshold)
		}
		return s, nil
	}
}

func buildManager(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*convo.Manager, error) {
	document, err := vocab.LoadContext(cfg.LLM.Context)
	if err != nil {
		return nil, err
	}

	engine, err := llamasrv.New(ctx, llamasrv.Config{
		URL:       cfg.LLM.URL,
		EOS:       llm.Token(cfg.LLM.EOS),
		VocabSize: cfg.LLM.VocabSize,
		TopN:      cfg.LLM.TopN,
		Timeout:   cfg.LLM.Timeout,
	})
	if err != nil {
		return nil, err
	}

	mgr, err := convo.New(ctx, engine, document, convo.Config{
		Capacity:      cfg.LLM.Capacity,
		MaxHistory:    cfg.LLM.MaxHistory,
		RepeatPenalty: cfg.LLM.RepeatPenalty,
		StopMarkers:   cfg.LLM.StopMarkers,
		AnswerCue:     cfg.LLM.AnswerCue,
		MaxTokens:     cfg.LLM.MaxTokens,
	}, convo.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	if err := mgr.Init(ctx); err != nil {
		return nil, fmt.Errorf("prime context: %w", err)
	}
	used, capacity := mgr.Usage()
	log.Debug("Primed context", "tokens", used, "capacity", capacity)
	return mgr, nil
}

func buildAnalyzer(cfg *config.Config) (*nlu.Analyzer, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY not set")
	}

	httpClient, err := proxy.NewSocksClient(cfg.NLU.Proxy, 0)
	if err != nil {
		return nil, fmt.Errorf("socks proxy %q: %w", cfg.NLU.Proxy, err)
	}

	client := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
	)
	return nlu.NewAnalyzer(client, cfg.NLU.Model, cfg.Dispatch.Devices), nil
}

// control answers darko-ctl.
func (d *daemon) control(ctx context.Context, msg ipc.ControlMessage) ipc.Reply {
	switch msg.Cmd {
	case ipc.CmdStart:
		if err := d.rec.Start(ctx); err != nil {
			return ipc.Fail(err)
		}
		return ipc.Reply{OK: true, Message: "listening"}

	case ipc.CmdStop:
		if err := d.rec.Stop(); err != nil {
			return ipc.Fail(err)
		}
		return ipc.Reply{OK: true, Message: "stopped"}

	case ipc.CmdReset:
		if d.manager == nil {
			return ipc.Fail(errors.New("no conversation in " + string(d.router.Mode()) + " mode"))
		}
		if err := d.manager.Reset(ctx); err != nil {
			return ipc.Fail(err)
		}
		return ipc.Reply{OK: true, Message: "conversation reset"}

	case ipc.CmdSay:
		if msg.Text == "" {
			return ipc.Fail(errors.New("say needs text"))
		}
		d.router.HandleCommand(ctx, msg.Text)
		return ipc.Reply{OK: true, Message: "handled"}

	case ipc.CmdStatus:
		status := fmt.Sprintf("mode=%s listening=%t", d.router.Mode(), d.rec.Running())
		if d.manager != nil {
			used, capacity := d.manager.Usage()
			status += fmt.Sprintf(" context=%d/%d", used, capacity)
		}
		return ipc.Reply{OK: true, Message: status}

	default:
		log.Warn("Unknown command", "cmd", msg.Cmd)
		return ipc.Fail(fmt.Errorf("unknown command %q", msg.Cmd))
	}
}
