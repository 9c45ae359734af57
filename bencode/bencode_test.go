package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeScalars(t *testing.T) {
	v, err := Decode([]byte("i42e"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = Decode([]byte("4:spam"))
	require.NoError(t, err)
	assert.Equal(t, "spam", v)
}

func TestDecodeListAndDict(t *testing.T) {
	v, err := Decode([]byte("l4:spam4:eggse"))
	require.NoError(t, err)
	assert.Equal(t, []any{"spam", "eggs"}, v)

	v, err = Decode([]byte("d8:intervali900e5:peers0:e"))
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(900), m["interval"])
	assert.Equal(t, "", m["peers"])
}

func TestDecodeRejectsMalformedIntegers(t *testing.T) {
	for _, s := range []string{"ie", "i-0e", "i01e", "i-01e"} {
		_, err := Decode([]byte(s))
		assert.Error(t, err, s)
	}
}

func TestDecodeTrailingData(t *testing.T) {
	_, err := Decode([]byte("i1ei2e"))
	assert.ErrorIs(t, err, ErrTrailingData)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := map[string]any{
		"interval": int64(1800),
		"peers":    "abcdefghijkl",
		"list":     []any{int64(1), int64(2), "three"},
	}
	enc, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncodeDictKeysSorted(t *testing.T) {
	enc, err := Encode(map[string]any{"b": int64(1), "a": int64(2)})
	require.NoError(t, err)
	assert.Equal(t, "d1:ai2e1:bi1ee", string(enc))
}
