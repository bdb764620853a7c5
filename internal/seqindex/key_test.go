package seqindex

import (
	"bytes"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idAt(ms uint64, seq byte) ulid.ULID {
	var id ulid.ULID
	_ = id.SetTime(ms)
	id[15] = seq
	return id
}

func TestEncodeDecodeKey(t *testing.T) {
	k := Key{Position: "order-17", ID: idAt(1700000000000, 3)}
	b, err := EncodeKey(k)
	require.NoError(t, err)
	assert.Equal(t, byte(len("order-17")), b[0])
	assert.Len(t, b, 1+len("order-17")+16)

	got, err := DecodeKey(b)
	require.NoError(t, err)
	assert.Equal(t, k, got)

	_, err = DecodeKey(b[:len(b)-1])
	assert.ErrorIs(t, err, ErrMalformedKey)
	_, err = DecodeKey(nil)
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestEncodeRejectsLongPosition(t *testing.T) {
	_, err := EncodeKey(Key{Position: strings.Repeat("x", MaxPositionLen+1)})
	assert.ErrorIs(t, err, ErrPositionTooLong)
	_, err = EncodeKey(Key{Position: strings.Repeat("x", MaxPositionLen)})
	assert.NoError(t, err)
}

func TestKeyOrderSamePositionById(t *testing.T) {
	older := Key{Position: "42", ID: idAt(1000, 9)}
	newer := Key{Position: "42", ID: idAt(2000, 1)}
	a, _ := EncodeKey(older)
	b, _ := EncodeKey(newer)
	assert.Negative(t, bytes.Compare(a, b))
	assert.Negative(t, older.Compare(newer))
}

func TestKeyOrderSameLengthPositionsAreLexicographic(t *testing.T) {
	keys := []Key{
		{Position: "19", ID: idAt(1, 0)},
		{Position: "10", ID: idAt(5, 0)},
		{Position: "11", ID: idAt(3, 0)},
	}
	encoded := encodeAll(t, keys)
	sort.Slice(encoded, func(i, j int) bool { return bytes.Compare(encoded[i], encoded[j]) < 0 })
	assert.Equal(t, []string{"10", "11", "19"}, positions(t, encoded))
}

func TestKeyOrderDifferentLengthsGroupByLength(t *testing.T) {
	keys := []Key{
		{Position: "100", ID: idAt(1, 0)},
		{Position: "9", ID: idAt(2, 0)},
		{Position: "20", ID: idAt(3, 0)},
		{Position: "b", ID: idAt(4, 0)},
	}
	encoded := encodeAll(t, keys)
	sort.Slice(encoded, func(i, j int) bool { return bytes.Compare(encoded[i], encoded[j]) < 0 })
	assert.Equal(t, []string{"9", "b", "20", "100"}, positions(t, encoded))
	for i := 1; i < len(encoded); i++ {
		prev, _ := DecodeKey(encoded[i-1])
		cur, _ := DecodeKey(encoded[i])
		assert.Negative(t, prev.Compare(cur))
	}
}

func TestPositionAndVersionKeepsOldest(t *testing.T) {
	base := uint64(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli())
	v1, v2, v3 := idAt(base, 0), idAt(base+1, 0), idAt(base+2, 0)

	var p PositionAndVersion
	_, ok := p.Get()
	assert.False(t, ok)

	assert.True(t, p.CompareAndSet(v2, "7"))
	held, _ := p.Get()
	assert.Equal(t, v2, held.ID)

	assert.False(t, p.CompareAndSet(v3, "7"))
	held, _ = p.Get()
	assert.Equal(t, v2, held.ID)

	assert.True(t, p.CompareAndSet(v1, "7"))
	held, _ = p.Get()
	assert.Equal(t, v1, held.ID)

	assert.False(t, p.CompareAndSet(v3, "7"))
	held, _ = p.Get()
	assert.Equal(t, v1, held.ID)
	assert.Equal(t, "7", held.Position)

	assert.False(t, p.CompareAndSet(v1, "7"), "equal id is not strictly older")
}

func encodeAll(t *testing.T, keys []Key) [][]byte {
	t.Helper()
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		b, err := EncodeKey(k)
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func positions(t *testing.T, encoded [][]byte) []string {
	t.Helper()
	out := make([]string, 0, len(encoded))
	for _, b := range encoded {
		k, err := DecodeKey(b)
		require.NoError(t, err)
		out = append(out, k.Position)
	}
	return out
}
