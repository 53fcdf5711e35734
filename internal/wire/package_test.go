package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeToBytesRoundTrip(t *testing.T) {
	pkg := Make(0x02, 7, map[string]any{"hello": "world"})
	pkg.Pid = 42

	data, err := pkg.ToBytes()
	require.NoError(t, err)

	pp, ok := ParseHeader(data)
	require.True(t, ok)
	assert.Equal(t, len(data), pp.Total)
	assert.Equal(t, uint16(42), pp.Pid)
	assert.Equal(t, byte(0x02), pp.Type)
	assert.Equal(t, uint32(7), pp.PartID)

	decoded, err := pp.ExtractBody(data, func(byte) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, uint16(42), decoded.Pid)
	m, ok := decoded.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "world", m["hello"])
}

func TestParseHeaderWaitsForMoreBytes(t *testing.T) {
	_, ok := ParseHeader([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestExtractBodyWaitsForFullFrame(t *testing.T) {
	pkg := Make(0x01, 0, []any{"a", "b"})
	data, err := pkg.ToBytes()
	require.NoError(t, err)

	pp, ok := ParseHeader(data)
	require.True(t, ok)

	_, err = pp.ExtractBody(data[:len(data)-1], func(byte) bool { return true })
	assert.Error(t, err)
}

func TestExtractBodyUnknownType(t *testing.T) {
	pkg := Make(0x7F, 0, nil)
	data, err := pkg.ToBytes()
	require.NoError(t, err)

	pp, ok := ParseHeader(data)
	require.True(t, ok)

	_, err = pp.ExtractBody(data, func(byte) bool { return false })
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestIsResponse(t *testing.T) {
	pkg := &Package{Type: 0x02 | ResponseBit}
	assert.True(t, pkg.IsResponse())

	pkg2 := &Package{Type: 0x02}
	assert.False(t, pkg2.IsResponse())
}
