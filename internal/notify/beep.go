// Package notify plays the short cue sound that tells the user a command
// was heard.
package notify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"
)

// speaker.Init may only run once per process.
var (
	speakerOnce sync.Once
	speakerRate beep.SampleRate
	speakerErr  error
)

type Player struct {
	buf    *beep.Buffer
	format beep.Format
	mu     sync.Mutex
}

// NewPlayer decodes the sound file (mp3 or wav) into memory.
func NewPlayer(path string) (*Player, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mp3":
		streamer, format, err = mp3.Decode(f)
	case ".wav":
		streamer, format, err = wav.Decode(f)
	default:
		return nil, fmt.Errorf("unsupported cue format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	defer streamer.Close()

	buf := beep.NewBuffer(format)
	buf.Append(streamer)
	if err := streamer.Err(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &Player{buf: buf, format: format}, nil
}

func (p *Player) Duration() time.Duration {
	return p.format.SampleRate.D(p.buf.Len())
}

// Play blocks until the cue has finished or ctx ends.
func (p *Player) Play(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	speakerOnce.Do(func() {
		speakerRate = p.format.SampleRate
		speakerErr = speaker.Init(speakerRate, speakerRate.N(time.Second/10))
	})
	if speakerErr != nil {
		return fmt.Errorf("init speaker: %w", speakerErr)
	}

	var s beep.Streamer = p.buf.Streamer(0, p.buf.Len())
	if p.format.SampleRate != speakerRate {
		s = beep.Resample(4, p.format.SampleRate, speakerRate, s)
	}

	done := make(chan struct{})
	speaker.Play(beep.Seq(s, beep.Callback(func() { close(done) })))

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Clear()
		return ctx.Err()
	}
}
