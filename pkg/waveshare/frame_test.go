package waveshare

import (
	"bytes"
	"testing"

	"github.com/Archie3d/waveshare-lora-gateway/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{Type: msgSetTx, Payload: []byte{0x01, frameStart, 0x02, frameEscape, 0x03}}

	encoded := f.Encode()

	assert.Equal(t, byte(frameStart), encoded[0])
	assert.NotContains(t, encoded[1:], byte(frameStart))

	fr := newFrameReader(bytes.NewReader(encoded))
	decoded, err := fr.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, &f, decoded)
}

func TestFrameEncoding(t *testing.T) {
	f := Frame{Type: msgGetVersion}

	encoded := f.Encode()
	crc := crc16(0, msgGetVersion, 0, 0)

	assert.Equal(t, []byte{frameStart, msgGetVersion, 0, 0, byte(crc), byte(crc >> 8)}, encoded)
}

func TestFrameReaderResynchronizes(t *testing.T) {
	valid := Frame{Type: msgSetStandby | responseFlag, Payload: []byte{standbyXOSC}}

	var stream []byte
	stream = append(stream, 0x11, 0x22)
	stream = append(stream, frameStart, msgSetRx)
	stream = append(stream, valid.Encode()...)

	fr := newFrameReader(bytes.NewReader(stream))

	_, err := fr.ReadFrame()
	assert.ErrorIs(t, err, ErrFrameInterrupt)

	f, err := fr.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, &valid, f)
}

func TestFrameCrcMismatch(t *testing.T) {
	f := Frame{Type: msgGetVersion | responseFlag, Payload: []byte{1, 2, 3}}

	encoded := f.Encode()
	encoded[4] = 0x05

	_, err := newFrameReader(bytes.NewReader(encoded)).ReadFrame()
	assert.ErrorIs(t, err, ErrCrcMismatch)
}

type silentReader struct{}

func (silentReader) Read(p []byte) (int, error) {
	return 0, nil
}

func TestFrameReaderTimeout(t *testing.T) {
	_, err := newFrameReader(silentReader{}).ReadFrame()

	var timeout *types.TimeoutError
	assert.ErrorAs(t, err, &timeout)
}

func TestLowDataRate(t *testing.T) {
	assert.False(t, lowDataRate(12, 500000))
	assert.True(t, lowDataRate(12, 125000))
	assert.True(t, lowDataRate(11, 62500))
	assert.False(t, lowDataRate(7, 62500))
}
