package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFeedAssemblesCommandArgs(t *testing.T) {
	c, err := New(1, -1, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	msg := []byte("*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n")
	consumed, units, err := c.Feed(msg)
	require.NoError(t, err)
	assert.Equal(t, len(msg), consumed)
	require.Len(t, units, 1)
	require.Equal(t, ReplyArray, units[0].Reply.Kind)
	assert.Equal(t, msg, units[0].Raw)

	args := units[0].Reply.Args()
	require.Len(t, args, 2)
	assert.Equal(t, "GET", string(args[0]))
	assert.Equal(t, "foo", string(args[1]))
}

func TestFeedAssemblesMultipleCommandsInOneCall(t *testing.T) {
	c, err := New(1, -1, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	msg := []byte("PING\r\nECHO hi\r\n")
	consumed, units, err := c.Feed(msg)
	require.NoError(t, err)
	assert.Equal(t, len(msg), consumed)
	require.Len(t, units, 2)
	assert.Equal(t, [][]byte{[]byte("PING")}, units[0].Reply.Args())
	assert.Equal(t, "PING\r\n", string(units[0].Raw))
	assert.Equal(t, [][]byte{[]byte("ECHO"), []byte("hi")}, units[1].Reply.Args())
	assert.Equal(t, "ECHO hi\r\n", string(units[1].Raw))
}

func TestFeedRawSpansMultipleReads(t *testing.T) {
	c, err := New(1, -1, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	msg := []byte("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n")
	split := 11 // mid bulk string

	consumed, units, err := c.Feed(msg[:split])
	require.NoError(t, err)
	assert.Equal(t, split, consumed)
	assert.Empty(t, units)

	consumed, units, err = c.Feed(msg[split:])
	require.NoError(t, err)
	assert.Equal(t, len(msg)-split, consumed)
	require.Len(t, units, 1)
	assert.Equal(t, msg, units[0].Raw, "raw bytes must cover the whole command, not just the final read")
}

func TestFeedAssemblesScalarHandshakeReply(t *testing.T) {
	c, err := New(1, -1, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	consumed, units, err := c.Feed([]byte("+PONG\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 7, consumed)
	require.Len(t, units, 1)
	assert.Equal(t, ReplySimpleString, units[0].Reply.Kind)
	assert.Equal(t, "PONG", string(units[0].Reply.Bytes))
}
