// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package wire implements the fixed-header binary frame format that
// every byte on a SecureNetDisk connection is carried in: a 56-byte
// header (magic, version, type, flags, sequence, timestamp, payload
// length, MAC) followed by the payload.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic identifies the start of a frame.
var Magic = [4]byte{'S', 'D', 'I', 'S'}

// Version is the only frame format this implementation speaks.
const Version = 1

// HeaderSize is the fixed size of a frame header in bytes:
// magic(4) + version(1) + type(1) + flags(2) + sequence(4) +
// timestamp_ms(8) + payload_len(4) + mac(32) = 56.
const HeaderSize = 4 + 1 + 1 + 2 + 4 + 8 + 4 + 32

// MACSize is the length of the trailing header MAC field.
const MACSize = 32

// MaxPayloadSize bounds a single frame's payload to keep a corrupted
// length field from causing an enormous allocation.
const MaxPayloadSize = 16 * 1024 * 1024

// Type identifies the purpose of a frame's payload.
type Type uint8

// Frame types. Handshake types carry cleartext handshake payloads;
// Data carries an encrypted application opcode/payload once the
// channel is established.
const (
	TypeClientHello Type = 1
	TypeServerHello Type = 2
	TypeFinished    Type = 3
	TypeData        Type = 4
)

// Flags are bit flags carried in the frame header.
type Flags uint16

const (
	// FlagEncrypted marks a Data frame's payload as
	// nonce || AES-CTR-ciphertext rather than cleartext.
	FlagEncrypted Flags = 1 << 0
	// FlagCompressed and FlagFragment are reserved for future use;
	// no current code sets or interprets them.
	FlagCompressed Flags = 1 << 1
	FlagFragment   Flags = 1 << 2
)

// Frame is one parsed wire frame.
type Frame struct {
	Type      Type
	Flags     Flags
	Sequence  uint32
	Timestamp int64 // milliseconds since Unix epoch
	Payload   []byte
	MAC       [MACSize]byte
}

var (
	// ErrBadMagic is returned when a frame does not begin with the
	// expected magic bytes.
	ErrBadMagic = errors.New("wire: bad magic")
	// ErrBadVersion is returned for an unsupported frame version.
	ErrBadVersion = errors.New("wire: unsupported version")
	// ErrPayloadTooLarge is returned when the declared payload length
	// exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("wire: payload too large")
)

// macInput returns the header bytes (magic..payload_len) that
// the frame MAC is computed over, followed by the payload.
func (f *Frame) macInput() []byte {
	buf := make([]byte, HeaderSize-MACSize+len(f.Payload))
	off := 0
	off += copy(buf[off:], Magic[:])
	buf[off] = Version
	off++
	buf[off] = byte(f.Type)
	off++
	binary.BigEndian.PutUint16(buf[off:], uint16(f.Flags))
	off += 2
	binary.BigEndian.PutUint32(buf[off:], f.Sequence)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], uint64(f.Timestamp))
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(len(f.Payload)))
	off += 4
	off += copy(buf[off:], f.Payload)
	return buf[:off]
}

// Marshal serializes the frame, computing its MAC under macKey. A
// nil macKey (used only for the pre-key-exchange handshake frames)
// produces an all-zero MAC field per spec.
func (f *Frame) Marshal(macKey []byte) []byte {
	body := f.macInput()
	out := make([]byte, 0, HeaderSize+len(f.Payload))
	out = append(out, Magic[:]...)
	out = append(out, Version)
	out = append(out, byte(f.Type))
	flagsBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(flagsBuf, uint16(f.Flags))
	out = append(out, flagsBuf...)
	seqBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(seqBuf, f.Sequence)
	out = append(out, seqBuf...)
	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, uint64(f.Timestamp))
	out = append(out, tsBuf...)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(f.Payload)))
	out = append(out, lenBuf...)

	var mac [MACSize]byte
	if macKey != nil {
		mac = hmacOver(macKey, body)
	}
	f.MAC = mac
	out = append(out, mac[:]...)
	out = append(out, f.Payload...)
	return out
}

// ReadFrame reads exactly one frame from r, buffering partial reads.
// It returns io.EOF only if zero bytes were read before the stream
// ended; a truncated frame mid-header or mid-payload returns
// io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}

	if !bytes.Equal(header[0:4], Magic[:]) {
		return nil, ErrBadMagic
	}
	if header[4] != Version {
		return nil, ErrBadVersion
	}

	f := &Frame{
		Type:      Type(header[5]),
		Flags:     Flags(binary.BigEndian.Uint16(header[6:8])),
		Sequence:  binary.BigEndian.Uint32(header[8:12]),
		Timestamp: int64(binary.BigEndian.Uint64(header[12:20])),
	}
	payloadLen := binary.BigEndian.Uint32(header[20:24])
	if payloadLen > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	copy(f.MAC[:], header[24:56])

	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("wire: short payload read: %w", err)
		}
	}
	return f, nil
}

// VerifyMAC reports whether the frame's MAC field matches
// HMAC-SHA256(macKey, header_without_mac || payload).
func (f *Frame) VerifyMAC(macKey []byte) bool {
	expected := hmacOver(macKey, f.macInput())
	return ctEqual(expected[:], f.MAC[:])
}
