package process

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }
func (r failingReader) Close() error             { return nil }

func TestOutputBufferSplitsLines(t *testing.T) {
	r, w := io.Pipe()
	b := newOutputBuffer(r)

	_, err := w.Write([]byte("one\ntwo\nthr"))
	require.NoError(t, err)

	var lines []string
	require.Eventually(t, func() bool {
		lines = append(lines, b.drain().Lines...)
		return len(lines) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one\n", "two\n"}, lines)

	_, err = w.Write([]byte("ee\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	<-b.done

	out := b.drain()
	assert.Equal(t, []string{"three\n"}, out.Lines)
	assert.Equal(t, StreamClosed, out.State)

	out = b.drain()
	assert.Empty(t, out.Lines)
	assert.Equal(t, StreamClosed, out.State)
}

func TestOutputBufferSplitsLongLines(t *testing.T) {
	r, w := io.Pipe()
	b := newOutputBuffer(r)
	b.maxLine = 4

	_, err := w.Write([]byte("abcdefghij"))
	require.NoError(t, err)

	var lines []string
	require.Eventually(t, func() bool {
		lines = append(lines, b.drain().Lines...)
		return len(lines) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"abcd", "efgh"}, lines)

	_, err = w.Write([]byte("\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	<-b.done
	assert.Equal(t, []string{"ij\n"}, b.drain().Lines)
}

func TestOutputBufferReadError(t *testing.T) {
	boom := errors.New("boom")
	b := newOutputBuffer(failingReader{err: boom})
	<-b.done
	out := b.drain()
	assert.Equal(t, StreamError, out.State)
	assert.ErrorIs(t, out.Err, boom)
	assert.Equal(t, "error", out.State.String())
}
