package network

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrameLayout(t *testing.T) {
	f, err := EncodeFrame([]byte("AB"))
	require.NoError(t, err)
	// STX, len 0x0002, 'A', 'B', ETX, LRC
	lrc := byte(0x00) ^ 0x02 ^ 'A' ^ 'B' ^ ETX
	assert.Equal(t, []byte{STX, 0x00, 0x02, 'A', 'B', ETX, lrc}, f)
}

func TestReadFrameSkipsNoise(t *testing.T) {
	f, err := EncodeFrame([]byte(`{"ok":true}`))
	require.NoError(t, err)
	in := append([]byte{0xFF, ACK}, f...)

	payload, raw, err := ReadFrame(bufio.NewReader(bytes.NewReader(in)))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(payload))
	assert.Equal(t, in, raw)
}

func TestReadFrameRejectsBadChecksum(t *testing.T) {
	f, err := EncodeFrame([]byte("hello"))
	require.NoError(t, err)
	f[len(f)-1] ^= 0xFF

	_, _, err = ReadFrame(bufio.NewReader(bytes.NewReader(f)))
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestReadFrameMissingETX(t *testing.T) {
	f, err := EncodeFrame([]byte("hi"))
	require.NoError(t, err)
	f[len(f)-2] = 0x00

	_, _, err = ReadFrame(bufio.NewReader(bytes.NewReader(f)))
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestEncodeFrameTooLarge(t *testing.T) {
	_, err := EncodeFrame(make([]byte, MaxPayload+1))
	assert.ErrorIs(t, err, ErrBadFrame)
}
