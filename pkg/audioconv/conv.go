// Package audioconv decodes recorded audio files into mono float32 PCM at
// the recognizer's sample rate.
package audioconv

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	popus "github.com/pekim/opus"
	"github.com/zaf/g711"
)

const (
	DefaultRate = 16000
	g711Rate    = 8000 // headerless G.711 files are telephony audio
)

type Options struct {
	SampleRate int // output rate, DefaultRate when 0
	MaxSamples int // truncate output, 0 keeps everything
}

func (o Options) rate() int {
	if o.SampleRate > 0 {
		return o.SampleRate
	}
	return DefaultRate
}

// DecodeFile picks a decoder by extension and falls back to sniffing the
// container magic for unknown extensions.
func DecodeFile(ctx context.Context, path string, opt Options) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".wav":
		return decodeWAV(f, opt)
	case ".mp3":
		return decodeMP3(f, opt)
	case ".ogg", ".oga", ".opus":
		return decodeOgg(f, opt)
	case ".ulaw", ".mulaw", ".ul", ".u8":
		return decodeG711(f, g711.DecodeUlaw, opt)
	case ".alaw", ".al":
		return decodeG711(f, g711.DecodeAlaw, opt)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	magic, _ := bufio.NewReader(f).Peek(4)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	switch string(magic) {
	case "RIFF":
		return decodeWAV(f, opt)
	case "OggS":
		return decodeOgg(f, opt)
	case "ID3\x03", "ID3\x04":
		return decodeMP3(f, opt)
	}
	return nil, fmt.Errorf("unsupported format %q (supported: wav, mp3, ogg vorbis/opus, ulaw, alaw)", ext)
}

func decodeWAV(r io.ReadSeeker, opt Options) ([]float32, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, errors.New("invalid wav")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read wav: %w", err)
	}
	if buf == nil || len(buf.Data) == 0 {
		return nil, errors.New("empty wav")
	}
	if buf.SourceBitDepth == 0 {
		buf.SourceBitDepth = int(dec.BitDepth)
	}
	return fromIntBuffer(buf, opt), nil
}

func decodeMP3(r io.Reader, opt Options) ([]float32, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("read mp3: %w", err)
	}
	// go-mp3 always yields 16-bit little-endian stereo
	return fromIntBuffer(pcm16Buffer(raw, 2, dec.SampleRate()), opt), nil
}

func decodeOgg(r io.ReadSeeker, opt Options) ([]float32, error) {
	x, verr := decodeOggVorbis(r, opt)
	if verr == nil {
		return x, nil
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	x, oerr := decodeOggOpus(r, opt)
	if oerr != nil {
		return nil, fmt.Errorf("cannot decode ogg as vorbis (%v) or opus (%w)", verr, oerr)
	}
	return x, nil
}

func decodeOggVorbis(r io.Reader, opt Options) ([]float32, error) {
	pcm, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if format == nil || format.Channels <= 0 || format.SampleRate <= 0 {
		return nil, errors.New("invalid ogg/vorbis stream")
	}
	return finish(downmix(pcm, format.Channels), format.SampleRate, opt), nil
}

func decodeOggOpus(r io.ReadSeeker, opt Options) ([]float32, error) {
	dec, err := popus.NewDecoder(r)
	if err != nil {
		return nil, err
	}
	defer dec.Destroy()

	ch := max(dec.ChannelCount(), 1)

	// opus always decodes at 48 kHz
	var pcm []float32
	chunk := make([]int16, 48_000*ch/2)
	for {
		n, err := dec.Read(chunk)
		if n > 0 {
			for _, v := range chunk[:n*ch] {
				pcm = append(pcm, float32(v)/32768)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if len(pcm) == 0 {
		return nil, errors.New("empty opus stream")
	}
	return finish(downmix(pcm, ch), 48_000, opt), nil
}

// decodeG711 reads a headerless mono 8 kHz G.711 stream.
func decodeG711(r io.Reader, decode func([]byte) []byte, opt Options) ([]float32, error) {
	coded, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(coded) == 0 {
		return nil, errors.New("empty g711 stream")
	}
	return fromIntBuffer(pcm16Buffer(decode(coded), 1, g711Rate), opt), nil
}

// pcm16Buffer wraps little-endian 16-bit interleaved PCM.
func pcm16Buffer(raw []byte, channels, rate int) *audio.IntBuffer {
	data := make([]int, len(raw)/2)
	for i := range data {
		data[i] = int(int16(binary.LittleEndian.Uint16(raw[2*i:])))
	}
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
}

func fromIntBuffer(buf *audio.IntBuffer, opt Options) []float32 {
	bd := buf.SourceBitDepth
	if bd <= 0 {
		bd = 16
	}
	ch, rate := 1, 44100
	if buf.Format != nil {
		if buf.Format.NumChannels > 0 {
			ch = buf.Format.NumChannels
		}
		if buf.Format.SampleRate > 0 {
			rate = buf.Format.SampleRate
		}
	}

	x := make([]float32, len(buf.Data))
	scale := 1.0 / float64(int64(1)<<(bd-1))
	for i, v := range buf.Data {
		x[i] = float32(max(-1, min(1, float64(v)*scale)))
	}
	return finish(downmix(x, ch), rate, opt)
}

func finish(x []float32, rate int, opt Options) []float32 {
	x = Resample(x, rate, opt.rate())
	if opt.MaxSamples > 0 && len(x) > opt.MaxSamples {
		x = x[:opt.MaxSamples]
	}
	return x
}

// downmix averages interleaved channels into mono.
func downmix(in []float32, channels int) []float32 {
	if channels <= 1 {
		return in
	}
	out := make([]float32, len(in)/channels)
	for i := range out {
		var sum float64
		for _, v := range in[i*channels : (i+1)*channels] {
			sum += float64(v)
		}
		out[i] = float32(sum / float64(channels))
	}
	return out
}

// Resample converts between rates by linear interpolation.
func Resample(in []float32, inRate, outRate int) []float32 {
	if inRate == outRate || inRate <= 0 || outRate <= 0 || len(in) == 0 {
		return in
	}
	ratio := float64(outRate) / float64(inRate)
	out := make([]float32, int(math.Ceil(float64(len(in))*ratio)))
	for i := range out {
		src := float64(i) / ratio
		i0 := int(src)
		if i0 >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		a := float32(src - float64(i0))
		out[i] = in[i0]*(1-a) + in[i0+1]*a
	}
	return out
}

// EncodeWAV writes mono float32 samples as 16-bit PCM wav.
func EncodeWAV(w io.WriteSeeker, samples []float32, rate int) error {
	enc := wav.NewEncoder(w, rate, 16, 1, 1)
	data := make([]int, len(samples))
	for i, v := range samples {
		data[i] = int(math.Round(float64(max(-1, min(1, v))) * 32767))
	}
	err := enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	})
	if cerr := enc.Close(); err == nil {
		err = cerr
	}
	return err
}
