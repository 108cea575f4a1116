package audio

import "math"

// silenceFloor is the mean energy below which a window counts as empty.
const silenceFloor = 1e-6

// DetectActivity reports whether window holds an utterance that has just
// finished: the whole window carries energy while its trailing trailingMs
// slice has fallen to at most energyThreshold times the overall energy.
//
// When freqThreshold is positive a first-order high-pass filter with that
// cutoff is applied to a scratch copy first, so hum and DC offset do not
// count as speech. window itself is never modified.
func DetectActivity(window []float32, sampleRate, trailingMs int, energyThreshold, freqThreshold float32) bool {
	n := len(window)
	nLast := sampleRate * trailingMs / 1000
	if nLast <= 0 || nLast >= n {
		return false
	}

	data := window
	if freqThreshold > 0 {
		data = highPass(window, freqThreshold, float32(sampleRate))
	}

	var all, last float64
	for i, x := range data {
		a := math.Abs(float64(x))
		all += a
		if i >= n-nLast {
			last += a
		}
	}
	all /= float64(n)
	last /= float64(nLast)

	if all < silenceFloor {
		return false
	}

	return last <= float64(energyThreshold)*all
}

func highPass(in []float32, cutoff, sampleRate float32) []float32 {
	out := make([]float32, len(in))
	if len(in) == 0 {
		return out
	}

	rc := 1 / (2 * math.Pi * float64(cutoff))
	dt := 1 / float64(sampleRate)
	alpha := float32(rc / (rc + dt))

	y := in[0]
	out[0] = y
	for i := 1; i < len(in); i++ {
		y = alpha * (y + in[i] - in[i-1])
		out[i] = y
	}
	return out
}

// RMS is the root mean square level of f.
func RMS(f []float32) float64 {
	if len(f) == 0 {
		return 0
	}
	var s float64
	for _, x := range f {
		s += float64(x * x)
	}
	return math.Sqrt(s / float64(len(f)))
}
