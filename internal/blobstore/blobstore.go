// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package blobstore implements the opaque ciphertext blob layer
// (spec.md §5): a filesystem directory hierarchy addressed by
// server-chosen opaque paths, written via write-to-temp + atomic
// rename so a crash mid-upload never leaves a torn file in a
// client-visible location.
package blobstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	appcrypto "github.com/mobpoly/securenetdisk/internal/crypto"
)

// Store roots every blob and temp file under a single base directory,
// split into a "blobs" tree (final, renamed-into-place files) and a
// "tmp" tree (in-progress uploads).
type Store struct {
	baseDir string
}

// New returns a Store rooted at baseDir, creating the blobs/tmp
// subdirectories if they do not already exist.
func New(baseDir string) (*Store, error) {
	s := &Store{baseDir: baseDir}
	if err := os.MkdirAll(s.blobDir(), 0o700); err != nil {
		return nil, fmt.Errorf("blobstore: creating blob dir: %w", err)
	}
	if err := os.MkdirAll(s.tmpDir(), 0o700); err != nil {
		return nil, fmt.Errorf("blobstore: creating tmp dir: %w", err)
	}
	return s, nil
}

func (s *Store) blobDir() string { return filepath.Join(s.baseDir, "blobs") }
func (s *Store) tmpDir() string  { return filepath.Join(s.baseDir, "tmp") }

// AllocatePath generates a fresh, unpredictable, opaque storage path
// for a new file, nested two levels deep so a single directory never
// accumulates millions of entries.
func (s *Store) AllocatePath() (string, error) {
	raw, err := appcrypto.RandomBytes(16)
	if err != nil {
		return "", err
	}
	name := hex.EncodeToString(raw)
	return filepath.Join(name[0:2], name[2:4], name), nil
}

// CreateTemp opens a fresh temp file for an in-progress upload keyed
// by uploadID, returning the open handle and its temp path. DATA
// frames append to this handle; END renames it into place.
func (s *Store) CreateTemp(uploadID string) (*os.File, string, error) {
	path := filepath.Join(s.tmpDir(), uploadID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, "", fmt.Errorf("blobstore: creating temp file: %w", err)
	}
	return f, path, nil
}

// Commit atomically renames the temp file at tempPath into its final
// location at storagePath, creating any missing parent directories
// first.
func (s *Store) Commit(tempPath, storagePath string) error {
	final := filepath.Join(s.blobDir(), storagePath)
	if err := os.MkdirAll(filepath.Dir(final), 0o700); err != nil {
		return fmt.Errorf("blobstore: creating blob subdir: %w", err)
	}
	if err := os.Rename(tempPath, final); err != nil {
		return fmt.Errorf("blobstore: committing blob: %w", err)
	}
	return nil
}

// DiscardTemp removes an in-progress upload's temp file, used by
// CANCEL and by error paths that never reach END.
func (s *Store) DiscardTemp(tempPath string) error {
	err := os.Remove(tempPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// OpenRead opens a committed blob for reading, used by the download
// engine. The caller owns the returned handle's lifetime.
func (s *Store) OpenRead(storagePath string) (*os.File, int64, error) {
	full := filepath.Join(s.blobDir(), storagePath)
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// Delete removes a committed blob, used for file/folder deletion.
// A missing blob is not an error: spec.md §7 kind 6 treats a missing
// blob as a per-request resource fault, not a reason to fail a
// recursive folder delete that has already removed the metadata row.
func (s *Store) Delete(storagePath string) error {
	if storagePath == "" {
		return nil
	}
	full := filepath.Join(s.blobDir(), storagePath)
	err := os.Remove(full)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ErrShortWrite is returned by CopyChunk if fewer bytes were written
// than supplied, which should never happen against a local file but
// is checked anyway since upload bodies are attacker-controlled sizes.
var ErrShortWrite = errors.New("blobstore: short write")

// CopyChunk appends chunk to w, the open temp-file handle, surfacing
// io errors as spec.md §7 kind 6 resource/IO faults.
func CopyChunk(w io.Writer, chunk []byte) (int, error) {
	n, err := w.Write(chunk)
	if err != nil {
		return n, err
	}
	if n != len(chunk) {
		return n, ErrShortWrite
	}
	return n, nil
}
