// Package bodylimit reads request bodies up to a hard byte ceiling. Every
// downstream parser works off the single buffer it returns, so the stream is
// consumed exactly once and never buffered past the ceiling.
package bodylimit

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// chunkSize is the nominal per-read request. The final read before the
// ceiling is shrunk to the remaining allowance, so consumption stops at
// maxBytes+1 regardless of what the peer claims in Content-Length.
const chunkSize = 4096

// ErrTooLarge reports a body that crossed the configured ceiling.
var ErrTooLarge = errors.New("bodylimit: request body exceeds limit")

// Body is the outcome of a bounded read: the exact bytes received and
// whether the stream was drained to EOF. Signature verification must operate
// on Raw, never on a re-serialized form.
type Body struct {
	Raw      []byte
	Consumed bool
}

// Read pulls from r in bounded chunks, counting bytes actually read, until
// EOF or the ceiling is crossed. Content-Length is not consulted: the header
// can be absent or lie, the counter cannot. Each read is capped at the
// remaining allowance, so on ErrTooLarge at most maxBytes+1 bytes were
// pulled from the connection no matter how much the source has buffered.
func Read(r io.Reader, maxBytes int64) (Body, error) {
	if maxBytes <= 0 {
		return Body{}, fmt.Errorf("bodylimit: invalid ceiling %d", maxBytes)
	}
	if r == nil {
		return Body{Raw: []byte{}, Consumed: true}, nil
	}
	var buf bytes.Buffer
	chunk := make([]byte, chunkSize)
	var total int64
	for {
		want := int64(chunkSize)
		if remaining := maxBytes + 1 - total; remaining < want {
			want = remaining
		}
		n, err := r.Read(chunk[:want])
		if n > 0 {
			total += int64(n)
			if total > maxBytes {
				return Body{}, ErrTooLarge
			}
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			return Body{Raw: buf.Bytes(), Consumed: true}, nil
		}
		if err != nil {
			return Body{}, fmt.Errorf("bodylimit: read body: %w", err)
		}
	}
}
