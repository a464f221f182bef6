package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHeaderNarrowFrameKeepsFullPayload(t *testing.T) {
	// A 12-byte-header frame whose payload happens to be longer than 4
	// bytes must not be mistaken for the 16-byte wide variant.
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	h := Header{Seq: 7, SendTSMs: 1000, Direction: DirectionDown, Kind: KindPayload, Size: uint16(len(payload))}

	got, rest, err := DecodeHeader(h.Encode(payload))
	require.NoError(t, err)
	assert.False(t, got.Wide)
	assert.Equal(t, payload, rest)
	assert.Equal(t, uint32(7), got.Seq)
}

func TestDecodeHeaderWideCarriesAux(t *testing.T) {
	payload := []byte{9, 9, 9}
	h := Header{Seq: 1, Direction: DirectionUp, Kind: KindProbe, Size: 3, Aux: 0xDEADBEEF, Wide: true}

	got, rest, err := DecodeHeader(h.Encode(payload))
	require.NoError(t, err)
	assert.True(t, got.Wide)
	assert.Equal(t, KindProbe, got.Kind)
	assert.Equal(t, uint32(0xDEADBEEF), got.Aux)
	assert.Equal(t, payload, rest)
}

func TestDecodeHeaderRejectsShortFrame(t *testing.T) {
	_, _, err := DecodeHeader(make([]byte, 5))
	assert.Error(t, err)
}
