package pagination

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	seq, err := Decode(Encode(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)
}

func TestDecode_Empty(t *testing.T) {
	seq, err := Decode("")
	require.NoError(t, err)
	assert.Zero(t, seq)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{
		"not-base64!!!",
		base64.RawURLEncoding.EncodeToString([]byte("nopipe")),
		base64.RawURLEncoding.EncodeToString([]byte("seq:abc")),
		base64.RawURLEncoding.EncodeToString([]byte("seq:-4")),
	} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestComputePage(t *testing.T) {
	seqOf := func(v int64) int64 { return v }

	items, next, more := ComputePage([]int64{1, 2, 3}, 3, seqOf)
	assert.Len(t, items, 3)
	assert.Empty(t, next)
	assert.False(t, more)

	items, next, more = ComputePage([]int64{1, 2, 3, 4}, 3, seqOf)
	assert.Equal(t, []int64{1, 2, 3}, items)
	assert.True(t, more)
	after, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, int64(3), after)
}
