package process

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
)

// MaxLineLength is the longest partial line kept back while waiting for its newline. Longer
// runs of output without a newline are returned in pieces of this size.
const MaxLineLength = 64 * 1024

type StreamState int

const (
	// StreamOpen means the process may still produce output. No lines means no data yet.
	StreamOpen StreamState = iota
	// StreamClosed means every writer closed the stream and all output has been returned.
	StreamClosed
	// StreamError means reading failed; Err holds the cause.
	StreamError
)

func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "open"
	case StreamClosed:
		return "closed"
	case StreamError:
		return "error"
	default:
		return "unknown"
	}
}

// Output is the result of draining a session's output buffer.
type Output struct {
	// Lines are complete lines, each including its trailing newline. Once the stream is
	// closed, a final unterminated line is returned as is.
	Lines []string
	State StreamState
	Err   error
}

// outputBuffer continuously reads a pipe in the background so that callers can drain it
// without ever blocking on the pipe itself.
type outputBuffer struct {
	r       io.ReadCloser
	done    chan struct{}
	maxLine int

	mu      sync.Mutex
	pending []byte
	err     error
}

func newOutputBuffer(r io.ReadCloser) *outputBuffer {
	b := &outputBuffer{r: r, done: make(chan struct{}), maxLine: MaxLineLength}
	go b.run()
	return b
}

func (b *outputBuffer) run() {
	defer close(b.done)
	buf := make([]byte, 4096)
	for {
		n, err := b.r.Read(buf)
		if n > 0 {
			b.mu.Lock()
			b.pending = append(b.pending, buf[:n]...)
			b.mu.Unlock()
		}
		if err != nil {
			b.mu.Lock()
			b.err = err
			b.mu.Unlock()
			return
		}
	}
}

func (b *outputBuffer) drain() Output {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out Output
	for {
		i := bytes.IndexByte(b.pending, '\n')
		if i < 0 {
			break
		}
		out.Lines = append(out.Lines, string(b.pending[:i+1]))
		b.pending = b.pending[i+1:]
	}
	for len(b.pending) >= b.maxLine {
		out.Lines = append(out.Lines, string(b.pending[:b.maxLine]))
		b.pending = b.pending[b.maxLine:]
	}

	if b.err == nil {
		out.State = StreamOpen
		b.compact()
		return out
	}

	if len(b.pending) > 0 {
		out.Lines = append(out.Lines, string(b.pending))
	}
	b.pending = nil
	if errors.Is(b.err, io.EOF) || errors.Is(b.err, os.ErrClosed) {
		out.State = StreamClosed
	} else {
		out.State = StreamError
		out.Err = b.err
	}
	return out
}

// compact moves a retained partial line to the front of a fresh slice so that the
// consumed prefix can be collected.
func (b *outputBuffer) compact() {
	if len(b.pending) == 0 {
		b.pending = nil
		return
	}
	b.pending = append([]byte(nil), b.pending...)
}

// close stops the background reader, even if some other process still holds the write
// end of the pipe.
func (b *outputBuffer) close() error {
	return b.r.Close()
}
