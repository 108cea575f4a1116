package whisper

/*
#cgo LDFLAGS: -lwhisper
#include <string.h>
#include <whisper.h>

// first_logits copies the first logit row of the last decode into out and
// returns the number of floats copied, or -1 when nothing was decoded.
static int
first_logits(struct whisper_context *ctx, float *out, int n)
{
	const float *logits = whisper_get_logits(ctx);
	if (!logits)
	{ return -1; }

	int n_vocab = whisper_n_vocab(ctx);
	if (n > n_vocab)
	{ n = n_vocab; }

	memcpy(out, logits, (size_t)n * sizeof(float));
	return n;
}
*/
import "C"

import (
	"errors"
	"unsafe"

	lowlevel "github.com/ggerganov/whisper.cpp/bindings/go"
)

// firstLogits returns a copy of the vocabulary-sized logit row of the first
// token decoded by the last whisper_full call on ctx.
func firstLogits(ctx *lowlevel.Context) ([]float32, error) {
	n := ctx.Whisper_n_vocab()
	if n <= 0 {
		return nil, errors.New("model has an empty vocabulary")
	}

	row := make([]float32, n)
	got := C.first_logits(
		(*C.struct_whisper_context)(unsafe.Pointer(ctx)),
		(*C.float)(unsafe.Pointer(&row[0])),
		C.int(n),
	)
	if got < 0 {
		return nil, errors.New("no logits produced")
	}
	return row[:got], nil
}
