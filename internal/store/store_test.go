package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := New(nil)
	s.Set("k", Value{Kind: KindString, Str: []byte("v1")})

	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v.Str)
	assert.Equal(t, 1, s.DBSize())
	assert.Equal(t, 0, s.ExpiryCount())
}

func TestCountersTrackExpiry(t *testing.T) {
	s := New(nil)
	clock := int64(1000)
	s.now = func() int64 { return clock }

	s.Set("k", Value{Kind: KindString, Str: []byte("v"), ExpireAt: 1500})
	assert.Equal(t, 1, s.DBSize())
	assert.Equal(t, 1, s.ExpiryCount())

	clock = 1600 // past expiration
	_, ok := s.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, s.DBSize())
	assert.Equal(t, 0, s.ExpiryCount())
}

func TestSetOverwriteUpdatesExpiryCounter(t *testing.T) {
	s := New(nil)
	s.Set("k", Value{Kind: KindString, Str: []byte("a"), ExpireAt: 123})
	require.Equal(t, 1, s.ExpiryCount())

	s.Set("k", Value{Kind: KindString, Str: []byte("b")}) // no TTL this time
	assert.Equal(t, 0, s.ExpiryCount())
	assert.Equal(t, 1, s.DBSize())
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := New(nil)
	s.Set("k", Value{Kind: KindString, Str: []byte("v")})

	assert.True(t, s.Delete("k"))
	assert.False(t, s.Delete("k"))
	assert.Equal(t, 0, s.DBSize())
}

func TestLPushRPushAndTypeMismatch(t *testing.T) {
	s := New(nil)

	n, err := s.LPush("L", []byte("a"), []byte("b"), []byte("c"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	items, err := s.LRange("L", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("c"), []byte("b"), []byte("a")}, items)

	s.Set("S", Value{Kind: KindString, Str: []byte("x")})
	_, err = s.LPush("S", []byte("a"))
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = s.LRange("S", 0, -1)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestLRangeNegativeIndices(t *testing.T) {
	s := New(nil)
	_, err := s.LPush("L", []byte("a"), []byte("b"), []byte("c"))
	require.NoError(t, err)

	items, err := s.LRange("L", -3, -1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("c"), []byte("b"), []byte("a")}, items)
}

func TestLRangeEmptyWhenStartBeyondLength(t *testing.T) {
	s := New(nil)
	_, err := s.RPush("L", []byte("a"))
	require.NoError(t, err)

	items, err := s.LRange("L", 5, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestLRangeMissingKeyIsEmpty(t *testing.T) {
	s := New(nil)
	items, err := s.LRange("nope", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestLRangeBothIndicesNegativeAndOutOfRangeIsEmptyNotPanic(t *testing.T) {
	s := New(nil)
	_, err := s.RPush("L", []byte("a"), []byte("b"), []byte("c"))
	require.NoError(t, err)

	items, err := s.LRange("L", -100, -99)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestFlushAllResetsCounters(t *testing.T) {
	s := New(nil)
	s.Set("a", Value{Kind: KindString, Str: []byte("1"), ExpireAt: 999})
	s.Set("b", Value{Kind: KindString, Str: []byte("2")})
	s.FlushAll()
	assert.Equal(t, 0, s.DBSize())
	assert.Equal(t, 0, s.ExpiryCount())
}
