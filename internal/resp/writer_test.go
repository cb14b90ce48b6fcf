package resp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedSink is a minimal ByteSink backed by a flat byte slice, enough to
// exercise Writer without depending on the real double-mapped ring buffer.
type fixedSink struct {
	buf []byte
	pos int
}

func newFixedSink(size int) *fixedSink { return &fixedSink{buf: make([]byte, size)} }

func (s *fixedSink) Writable() ([]byte, int) { return s.buf[s.pos:], len(s.buf) - s.pos }

func (s *fixedSink) AdvanceWrite(n int) error {
	s.pos += n
	return nil
}

func TestWriterFramesReplies(t *testing.T) {
	sink := newFixedSink(128)
	w := NewWriter(sink)

	require.NoError(t, w.WriteSimpleString("OK"))
	require.NoError(t, w.WriteError("ERR boom"))
	require.NoError(t, w.WriteInteger(42))
	require.NoError(t, w.WriteBulkString([]byte("hi")))
	require.NoError(t, w.WriteNullBulkString())

	got := string(sink.buf[:sink.pos])
	assert.Equal(t, "+OK\r\n-ERR boom\r\n:42\r\n$2\r\nhi\r\n$-1\r\n", got)
}

func TestWriterReportsOutputFull(t *testing.T) {
	sink := newFixedSink(4)
	w := NewWriter(sink)
	err := w.WriteSimpleString("this reply is far too long for the buffer")
	assert.ErrorIs(t, err, ErrOutputFull)
	assert.Equal(t, 0, sink.pos)
}
