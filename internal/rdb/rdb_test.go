package rdb

import (
	"bufio"
	"bytes"
	"os"
	"testing"

	"github.com/edirooss/kvserver/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTripStrings(t *testing.T) {
	dir := t.TempDir()

	s1 := store.New(nil)
	s1.Set("greeting", store.Value{Kind: store.KindString, Str: []byte("hello world")})
	s1.Set("withttl", store.Value{Kind: store.KindString, Str: []byte("soon gone"), ExpireAt: 4102444800000})

	require.NoError(t, Save(dir, "dump.rdb", s1))

	s2 := store.New(nil)
	require.NoError(t, Load(nil, dir, "dump.rdb", s2))

	v, ok := s2.Get("greeting")
	require.True(t, ok)
	assert.Equal(t, []byte("hello world"), v.Str)

	v, ok = s2.Get("withttl")
	require.True(t, ok)
	assert.Equal(t, []byte("soon gone"), v.Str)
	assert.EqualValues(t, 4102444800000, v.ExpireAt)

	assert.Equal(t, s1.DBSize(), s2.DBSize())
}

func TestLoadAbsentFileReturnsErrAbsent(t *testing.T) {
	dir := t.TempDir()
	s := store.New(nil)
	err := Load(nil, dir, "nope.rdb", s)
	assert.ErrorIs(t, err, ErrAbsent)
}

func TestLoadBadMagicIsRejected(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/bad.rdb"
	require.NoError(t, os.WriteFile(path, []byte("NOTREDIS1"), 0o644))

	s := store.New(nil)
	err := Load(nil, dir, "bad.rdb", s)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestLoadSkipsUnknownOpcode(t *testing.T) {
	dir := t.TempDir()

	// A minimal hand-built snapshot with an unrecognized opcode (0xF9)
	// spliced in between the sizing section and the one real entry.
	var buf bytes.Buffer
	buf.WriteString(magicFull)
	buf.Write([]byte{opSelectDB, 0x00})
	buf.Write([]byte{opResizeDB, 0x01, 0x00})
	buf.WriteByte(0xF9) // not an opcode this codec knows
	buf.Write([]byte{valueTypeString, 0x01, 'k', 0x01, 'v'})
	buf.WriteByte(opEOF)
	require.NoError(t, os.WriteFile(dir+"/odd.rdb", buf.Bytes(), 0o644))

	s := store.New(nil)
	require.NoError(t, Load(nil, dir, "odd.rdb", s))

	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v.Str)
}

func TestIntegerEncodingRoundTrip(t *testing.T) {
	cases := []string{"0", "-1", "127", "-128", "32767", "-32768", "2147483647", "-2147483648"}
	for _, c := range cases {
		var buf bytes.Buffer
		w := bufio.NewWriter(&buf)
		require.NoError(t, encodeString(w, []byte(c)))
		require.NoError(t, w.Flush())

		got, err := decodeString(bufio.NewReader(&buf))
		require.NoError(t, err)
		assert.Equal(t, c, string(got), "round trip for %q", c)
	}
}

func TestNonCanonicalIntegerIsStoredRaw(t *testing.T) {
	// "007" parses as an int but is not its own canonical rendering, so it
	// must be written as a raw string, not silently normalized to "7".
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, encodeString(w, []byte("007")))
	require.NoError(t, w.Flush())

	got, err := decodeString(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, "007", string(got))
}

func TestLongStringRoundTrip(t *testing.T) {
	long := bytes.Repeat([]byte("x"), 20000)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, encodeString(w, long))
	require.NoError(t, w.Flush())

	got, err := decodeString(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, long, got)
}
