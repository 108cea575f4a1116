package audio

import (
	"context"
	"errors"
	"time"
)

type Writer interface {
	Write(samples []float32)
}

// Replay feeds pre-recorded samples into w at real-time pace, one chunk per
// tick, so a file can stand in for the capture device. It returns nil once
// every sample has been written.
func Replay(ctx context.Context, w Writer, samples []float32, sampleRate int, chunk time.Duration) error {
	if sampleRate <= 0 || chunk <= 0 {
		return errors.New("replay needs a positive sample rate and chunk")
	}
	n := max(int(int64(sampleRate)*int64(chunk)/int64(time.Second)), 1)

	tick := time.NewTicker(chunk)
	defer tick.Stop()

	for off := 0; off < len(samples); off += n {
		w.Write(samples[off:min(off+n, len(samples))])

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}
