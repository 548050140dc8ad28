package secrets

import (
	"bytes"
	"io"
	"sort"
	"sync"
)

// Mask replaces each secret occurrence in redacted output.
const Mask = "***"

// Redactor is an io.Writer that masks secret values before they reach the
// underlying sink. Output is buffered per line so a secret is masked even
// when a write ends mid-line; the final partial line is flushed on Close.
type Redactor struct {
	mu      sync.Mutex
	out     io.Writer
	secrets [][]byte
	buf     bytes.Buffer
}

// NewRedactor wraps out, masking every value in the bundle. Longer secrets
// are replaced first so overlapping values (e.g. a URL containing a key)
// redact cleanly.
func NewRedactor(out io.Writer, bundle *Bundle) *Redactor {
	values := bundle.Values()
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })

	secrets := make([][]byte, 0, len(values))
	for _, v := range values {
		if len(v) >= 4 { // masking 1-3 char values would mangle ordinary text
			secrets = append(secrets, []byte(v))
		}
	}
	return &Redactor{out: out, secrets: secrets}
}

func (r *Redactor) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf.Write(p)
	for {
		data := r.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx+1)
		copy(line, data[:idx+1])
		r.buf.Next(idx + 1)
		if _, err := r.out.Write(r.mask(line)); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Close flushes any buffered partial line.
func (r *Redactor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.buf.Len() == 0 {
		return nil
	}
	line := r.mask(r.buf.Bytes())
	r.buf.Reset()
	_, err := r.out.Write(line)
	return err
}

func (r *Redactor) mask(line []byte) []byte {
	for _, s := range r.secrets {
		line = bytes.ReplaceAll(line, s, []byte(Mask))
	}
	return line
}
