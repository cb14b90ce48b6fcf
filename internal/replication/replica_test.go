package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeArray(t *testing.T) {
	assert.Equal(t, "*1\r\n$4\r\nPING\r\n", encodeArray("PING"))
	assert.Equal(t, "*3\r\n$8\r\nREPLCONF\r\n$4\r\ncapa\r\n$6\r\npsync2\r\n", encodeArray("REPLCONF", "capa", "psync2"))
}

func TestParseFullresync(t *testing.T) {
	replID, offset, err := parseFullresync("+FULLRESYNC abc123 0")
	require.NoError(t, err)
	assert.Equal(t, "abc123", replID)
	assert.EqualValues(t, 0, offset)

	_, _, err = parseFullresync("+FULLRESYNC abc123 17")
	require.NoError(t, err)

	_, _, err = parseFullresync("-ERR nope")
	assert.Error(t, err)

	_, _, err = parseFullresync("+FULLRESYNC onlyreplid")
	assert.Error(t, err)

	_, _, err = parseFullresync("+FULLRESYNC abc123 notanumber")
	assert.Error(t, err)
}

func TestParseBulkHeaderLen(t *testing.T) {
	n, err := parseBulkHeaderLen("$176")
	require.NoError(t, err)
	assert.Equal(t, 176, n)

	_, err = parseBulkHeaderLen("176")
	assert.Error(t, err)

	_, err = parseBulkHeaderLen("$notanumber")
	assert.Error(t, err)
}

func TestResolveIPv4(t *testing.T) {
	ip, err := resolveIPv4("127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, [4]byte{127, 0, 0, 1}, ip)

	_, err = resolveIPv4("localhost")
	assert.Error(t, err)

	_, err = resolveIPv4("256.0.0.1")
	assert.Error(t, err)

	_, err = resolveIPv4("1.2.3")
	assert.Error(t, err)
}

func TestSplitPath(t *testing.T) {
	dir, file := splitPath("/var/lib/kvserver/replica-fullresync-123.rdb")
	assert.Equal(t, "/var/lib/kvserver", dir)
	assert.Equal(t, "replica-fullresync-123.rdb", file)

	dir, file = splitPath("dump.rdb")
	assert.Equal(t, ".", dir)
	assert.Equal(t, "dump.rdb", file)
}

func TestHandshakeConnReadLineAndReadN(t *testing.T) {
	h := &handshakeConn{buf: []byte("+PONG\r\nrest-of-buffer")}

	line, err := h.readLine()
	require.NoError(t, err)
	assert.Equal(t, "+PONG", line)
	assert.Equal(t, "rest-of-buffer", string(h.buf))

	data, err := h.readN(4)
	require.NoError(t, err)
	assert.Equal(t, "rest", string(data))
	assert.Equal(t, "-of-buffer", string(h.buf))
}
