package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	macKey := []byte("0123456789abcdef0123456789abcdef")
	f := &Frame{
		Type:      TypeData,
		Flags:     FlagEncrypted,
		Sequence:  42,
		Timestamp: 1_700_000_000_000,
		Payload:   []byte("hello frame"),
	}
	raw := f.Marshal(macKey)
	require.Len(t, raw, HeaderSize+len(f.Payload))

	parsed, err := ReadFrame(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, f.Type, parsed.Type)
	require.Equal(t, f.Flags, parsed.Flags)
	require.Equal(t, f.Sequence, parsed.Sequence)
	require.Equal(t, f.Timestamp, parsed.Timestamp)
	require.Equal(t, f.Payload, parsed.Payload)
	require.True(t, parsed.VerifyMAC(macKey))
}

func TestFrameToleratesTrailingBytes(t *testing.T) {
	macKey := []byte("key")
	f := &Frame{Type: TypeData, Sequence: 1, Payload: []byte("x")}
	raw := f.Marshal(macKey)
	raw = append(raw, []byte("garbage-after-frame")...)

	buf := bytes.NewReader(raw)
	parsed, err := ReadFrame(buf)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), parsed.Payload)

	remaining, err := io.ReadAll(buf)
	require.NoError(t, err)
	require.Equal(t, []byte("garbage-after-frame"), remaining)
}

func TestFrameRejectsBadMagic(t *testing.T) {
	raw := make([]byte, HeaderSize)
	copy(raw, []byte("XXXX"))
	raw[4] = Version
	_, err := ReadFrame(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestFrameRejectsBadVersion(t *testing.T) {
	f := &Frame{Type: TypeData}
	raw := f.Marshal(nil)
	raw[4] = 99
	_, err := ReadFrame(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrBadVersion)
}

func TestFrameMACDetectsBitFlip(t *testing.T) {
	macKey := []byte("key-for-mac-detection-test")
	f := &Frame{Type: TypeData, Sequence: 7, Payload: []byte("payload contents")}
	raw := f.Marshal(macKey)

	// Flip a single bit somewhere in the serialized frame.
	raw[len(raw)-1] ^= 0x01

	parsed, err := ReadFrame(bytes.NewReader(raw))
	require.NoError(t, err) // parses fine structurally
	require.False(t, parsed.VerifyMAC(macKey), "tampered frame must fail MAC verification")
}

func TestFrameZeroMACBeforeKeyExchange(t *testing.T) {
	f := &Frame{Type: TypeClientHello, Payload: []byte("client_random||dh_pub_c")}
	raw := f.Marshal(nil)
	parsed, err := ReadFrame(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, [MACSize]byte{}, parsed.MAC)
}
