// Package audio buffers live capture and gates it with a cheap voice activity check.
package audio

import (
	"errors"
	"fmt"
	log "log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

const (
	DefaultSampleRate = 16000
	DefaultBufferMs   = 30 * 1000
	framesPerBuffer   = 320 // 20ms @ 16kHz
)

// Gate keeps the most recent BufferMs of captured audio in a ring buffer.
// Samples arrive either from a portaudio input stream (after Init) or from
// Write, and are read back as right-aligned windows by Get.
type Gate struct {
	mu         sync.Mutex
	buf        []float32
	pos        int // next write index
	filled     int
	bufferMs   int
	sampleRate int
	running    bool

	stream *portaudio.Stream
	frame  []float32
	stop   chan struct{}
	done   chan struct{}
}

func NewGate(bufferMs int) *Gate {
	if bufferMs <= 0 {
		bufferMs = DefaultBufferMs
	}
	g := &Gate{bufferMs: bufferMs}
	g.resize(DefaultSampleRate)
	return g
}

func (g *Gate) resize(sampleRate int) {
	g.sampleRate = sampleRate
	g.buf = make([]float32, g.bufferMs*sampleRate/1000)
	g.pos = 0
	g.filled = 0
}

// Init opens a mono input stream on the capture device. A negative deviceID
// selects the host's default input device.
func (g *Gate) Init(deviceID, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", sampleRate)
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}

	dev, err := inputDevice(deviceID)
	if err != nil {
		portaudio.Terminate()
		return err
	}

	frame := make([]float32, framesPerBuffer)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: len(frame),
	}

	stream, err := portaudio.OpenStream(params, frame)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("open stream on %q: %w", dev.Name, err)
	}

	g.mu.Lock()
	g.resize(sampleRate)
	g.stream = stream
	g.frame = frame
	g.mu.Unlock()

	log.Debug("Opened capture device", "device", dev.Name, "rate", sampleRate)
	return nil
}

func inputDevice(id int) (*portaudio.DeviceInfo, error) {
	if id < 0 {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("default input device: %w", err)
		}
		return dev, nil
	}

	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	if id >= len(devs) {
		return nil, fmt.Errorf("capture device %d not found (%d devices)", id, len(devs))
	}
	if devs[id].MaxInputChannels < 1 {
		return nil, fmt.Errorf("device %d (%q) has no input channels", id, devs[id].Name)
	}
	return devs[id], nil
}

func (g *Gate) SampleRate() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sampleRate
}

// Resume starts accepting samples. With an open stream it also starts the
// capture reader.
func (g *Gate) Resume() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return nil
	}

	if g.stream != nil {
		if err := g.stream.Start(); err != nil {
			return fmt.Errorf("start stream: %w", err)
		}
		g.stop = make(chan struct{})
		g.done = make(chan struct{})
		go g.read(g.stop, g.done)
	}

	g.running = true
	return nil
}

// Pause stops accepting samples; buffered audio is kept.
func (g *Gate) Pause() error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	stop, done := g.stop, g.done
	g.stop, g.done = nil, nil
	g.mu.Unlock()

	if stop == nil {
		return nil
	}

	close(stop)
	<-done

	if err := g.stream.Stop(); err != nil {
		return fmt.Errorf("stop stream: %w", err)
	}
	return nil
}

func (g *Gate) read(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := g.stream.Read(); err != nil {
			// overflow only means we were late; keep capturing
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			log.Error("Capture read failed", "err", err)
			return
		}

		g.write(g.frame)
	}
}

// Write appends samples to the ring buffer. Ignored while paused.
func (g *Gate) Write(samples []float32) {
	g.write(samples)
}

func (g *Gate) write(samples []float32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.running || len(g.buf) == 0 {
		return
	}

	if len(samples) > len(g.buf) {
		samples = samples[len(samples)-len(g.buf):]
	}

	n := copy(g.buf[g.pos:], samples)
	if n < len(samples) {
		copy(g.buf, samples[n:])
	}
	g.pos = (g.pos + len(samples)) % len(g.buf)
	g.filled = min(g.filled+len(samples), len(g.buf))
}

// Clear discards all buffered samples.
func (g *Gate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pos = 0
	g.filled = 0
}

// Get returns a copy of the most recent ms of audio. When less history is
// buffered the window is zero-padded at the front.
func (g *Gate) Get(ms int) []float32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := ms * g.sampleRate / 1000
	if n <= 0 {
		return nil
	}
	out := make([]float32, n)

	avail := min(n, g.filled)
	start := g.pos - avail
	if start < 0 {
		start += len(g.buf)
	}

	dst := out[n-avail:]
	c := copy(dst, g.buf[start:min(start+avail, len(g.buf))])
	copy(dst[c:], g.buf[:avail-c])

	return out
}

// Close pauses capture and releases the stream.
func (g *Gate) Close() error {
	err := g.Pause()

	g.mu.Lock()
	stream := g.stream
	g.stream = nil
	g.mu.Unlock()

	if stream == nil {
		return err
	}

	if cerr := stream.Close(); cerr != nil && err == nil {
		err = cerr
	}
	portaudio.Terminate()
	return err
}
