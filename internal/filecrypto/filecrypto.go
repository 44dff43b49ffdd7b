// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package filecrypto implements the client-side blob codec: the
// version-byte on-disk format every ciphertext blob uses, with a
// buffered CBC mode for small files and a streaming CTR mode for
// large ones so neither encryption nor decryption ever has to hold a
// large file in memory.
package filecrypto

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	appcrypto "github.com/mobpoly/securenetdisk/internal/crypto"
)

// Blob format versions. A blob is version(1) followed by a
// mode-specific header and the ciphertext.
const (
	// VersionCBC is version(1) + iv(16) + AES-CBC ciphertext.
	VersionCBC byte = 0x00
	// VersionCTR is version(1) + nonce(8) + AES-CTR ciphertext.
	VersionCTR byte = 0x01
)

// StreamThreshold is the plaintext size at which encryption switches
// from buffered CBC to streaming CTR.
const StreamThreshold = 100 * 1024 * 1024

// ChunkSize is the read granularity of the streaming paths.
const ChunkSize = 64 * 1024

const ctrNonceSize = 8

var (
	// ErrBlobTooShort is returned for a blob shorter than its header.
	ErrBlobTooShort = errors.New("filecrypto: blob too short")
	// ErrUnknownVersion is returned for an unrecognized version byte.
	ErrUnknownVersion = errors.New("filecrypto: unknown blob version")
)

// EncryptedSource is the polymorphic result of encrypting a file:
// either the whole blob in memory (CBC, small files) or a temp file
// on disk holding the blob (CTR, large files). Callers pass either
// form into the upload engine without branching on mode themselves.
type EncryptedSource struct {
	data []byte
	path string
}

// InMemorySource wraps an already-encrypted blob held in memory.
func InMemorySource(blob []byte) *EncryptedSource {
	return &EncryptedSource{data: blob}
}

// OnDiskSource wraps a blob spooled to a temp file.
func OnDiskSource(path string) *EncryptedSource {
	return &EncryptedSource{path: path}
}

// Size returns the blob's total length in bytes.
func (s *EncryptedSource) Size() (int64, error) {
	if s.path == "" {
		return int64(len(s.data)), nil
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Open returns a reader over the blob bytes. The caller must close
// it; for the in-memory variant Close is a no-op.
func (s *EncryptedSource) Open() (io.ReadCloser, error) {
	if s.path == "" {
		return io.NopCloser(bytes.NewReader(s.data)), nil
	}
	return os.Open(s.path)
}

// Discard releases the source: removes the temp file for the on-disk
// variant, drops the buffer reference otherwise.
func (s *EncryptedSource) Discard() error {
	s.data = nil
	if s.path == "" {
		return nil
	}
	err := os.Remove(s.path)
	s.path = ""
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// EncryptBytes produces a version-0 (CBC) blob from an in-memory
// plaintext.
func EncryptBytes(fileKey, plaintext []byte) ([]byte, error) {
	body, err := appcrypto.EncryptCBC(fileKey, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(body))
	out = append(out, VersionCBC)
	return append(out, body...), nil
}

// DecryptBytes reverses EncryptBytes or decrypts a version-1 blob
// held fully in memory, dispatching on the version byte.
func DecryptBytes(fileKey, blob []byte) ([]byte, error) {
	if len(blob) < 1 {
		return nil, ErrBlobTooShort
	}
	switch blob[0] {
	case VersionCBC:
		return appcrypto.DecryptCBC(fileKey, blob[1:])
	case VersionCTR:
		if len(blob) < 1+ctrNonceSize {
			return nil, ErrBlobTooShort
		}
		nonce, ciphertext := blob[1:1+ctrNonceSize], blob[1+ctrNonceSize:]
		stream, err := appcrypto.NewCTRStream(fileKey, nonce)
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(ciphertext))
		stream.XORKeyStream(out, ciphertext)
		return out, nil
	default:
		return nil, ErrUnknownVersion
	}
}

// EncryptFile encrypts the plaintext at path under fileKey, choosing
// the mode by size: below StreamThreshold the whole blob is built in
// memory as version 0; at or above it the plaintext is streamed
// through a single CTR state into a temp file, so the memory
// footprint stays at ChunkSize regardless of file size. The returned
// size is the plaintext size.
func EncryptFile(path string, fileKey []byte) (*EncryptedSource, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	size := info.Size()

	if size < StreamThreshold {
		plaintext, err := os.ReadFile(path)
		if err != nil {
			return nil, 0, err
		}
		blob, err := EncryptBytes(fileKey, plaintext)
		if err != nil {
			return nil, 0, err
		}
		return InMemorySource(blob), size, nil
	}

	src, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "sdisk-enc-*")
	if err != nil {
		return nil, 0, err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	nonce, err := appcrypto.RandomBytes(ctrNonceSize)
	if err != nil {
		cleanup()
		return nil, 0, err
	}
	stream, err := appcrypto.NewCTRStream(fileKey, nonce)
	if err != nil {
		cleanup()
		return nil, 0, err
	}

	if _, err := tmp.Write([]byte{VersionCTR}); err != nil {
		cleanup()
		return nil, 0, err
	}
	if _, err := tmp.Write(nonce); err != nil {
		cleanup()
		return nil, 0, err
	}

	// One stream spans every chunk: the counter must be continuous
	// across the whole blob.
	buf := make([]byte, ChunkSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			stream.XORKeyStream(buf[:n], buf[:n])
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				cleanup()
				return nil, 0, werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			cleanup()
			return nil, 0, rerr
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, 0, err
	}
	return OnDiskSource(tmpPath), size, nil
}

// DecryptFileToPath decrypts the blob at encPath directly to
// outPath, streaming for version-1 blobs so large downloads never
// need to fit in memory.
func DecryptFileToPath(encPath string, fileKey []byte, outPath string) error {
	enc, err := os.Open(encPath)
	if err != nil {
		return err
	}
	defer enc.Close()

	header := make([]byte, 1)
	if _, err := io.ReadFull(enc, header); err != nil {
		return ErrBlobTooShort
	}

	switch header[0] {
	case VersionCBC:
		// CBC padding needs the whole body at once.
		body, err := io.ReadAll(enc)
		if err != nil {
			return err
		}
		plaintext, err := appcrypto.DecryptCBC(fileKey, body)
		if err != nil {
			return err
		}
		return os.WriteFile(outPath, plaintext, 0o600)

	case VersionCTR:
		nonce := make([]byte, ctrNonceSize)
		if _, err := io.ReadFull(enc, nonce); err != nil {
			return ErrBlobTooShort
		}
		stream, err := appcrypto.NewCTRStream(fileKey, nonce)
		if err != nil {
			return err
		}
		out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}
		buf := make([]byte, ChunkSize)
		for {
			n, rerr := enc.Read(buf)
			if n > 0 {
				stream.XORKeyStream(buf[:n], buf[:n])
				if _, werr := out.Write(buf[:n]); werr != nil {
					out.Close()
					return werr
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				out.Close()
				return rerr
			}
		}
		return out.Close()

	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownVersion, header[0])
	}
}
