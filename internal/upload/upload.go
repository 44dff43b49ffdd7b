// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package upload implements the chunked upload engine (C8): a
// three-message protocol (START/DATA/END, with CANCEL) that spools
// incoming ciphertext to a server-side temp file and only renames it
// into its final blob path once the transfer completes (spec.md
// §4.8).
package upload

import (
	"encoding/hex"
	"errors"
	"os"
	"sync"

	"github.com/mobpoly/securenetdisk/internal/blobstore"
	appcrypto "github.com/mobpoly/securenetdisk/internal/crypto"
	"github.com/mobpoly/securenetdisk/internal/store"
)

// uploadIDBytes yields a 32-character hex ASCII id, matching the wire
// catalog's "raw: 32-byte ASCII upload_id" framing for FILE_UPLOAD_DATA.
const uploadIDBytes = 16

// Session is one in-progress upload's server-side state: an open temp
// file handle plus the metadata row it will be attached to on
// success.
type Session struct {
	ID          string
	FileID      uint
	TempPath    string
	StoragePath string
	GroupID     *uint
	Filename    string
	file        *os.File
	received    int64
}

// ErrUnknownUpload is returned for DATA/END/CANCEL against an id the
// manager has no record of (spec.md §7 "DATA on unknown upload_id ->
// error").
var ErrUnknownUpload = errors.New("upload: unknown upload_id")

// Manager is the per-process, opaque-id-keyed table of in-progress
// uploads (spec.md §5 "upload-session map is keyed by opaque
// upload_id values and is per-process").
type Manager struct {
	mu    sync.Mutex
	blobs *blobstore.Store
	store *store.State

	sessions map[string]*Session
}

// New constructs a Manager backed by blobs and the metadata store.
func New(blobs *blobstore.Store, st *store.State) *Manager {
	return &Manager{blobs: blobs, store: st, sessions: make(map[string]*Session)}
}

// StartParams carries the fields of a FILE_UPLOAD_START request.
type StartParams struct {
	Filename         string
	Size             int64
	EncryptedFileKey []byte
	OwnerID          *uint
	GroupID          *uint
	ParentID         *uint
}

// Start opens an upload session: allocates a blob path, opens its
// temp file, and inserts a file row carrying the client-advertised
// ciphertext size (spec.md §4.8 START).
func (m *Manager) Start(p StartParams) (uploadID string, fileID uint, err error) {
	storagePath, err := m.blobs.AllocatePath()
	if err != nil {
		return "", 0, err
	}
	node, err := m.store.CreateFileRecord(p.OwnerID, p.GroupID, p.ParentID, p.Filename, p.Size, storagePath, p.EncryptedFileKey)
	if err != nil {
		return "", 0, err
	}

	rawID, err := appcrypto.RandomBytes(uploadIDBytes)
	if err != nil {
		return "", 0, err
	}
	id := hex.EncodeToString(rawID)

	f, tempPath, err := m.blobs.CreateTemp(id)
	if err != nil {
		return "", 0, err
	}

	sess := &Session{
		ID: id, FileID: node.ID, TempPath: tempPath, StoragePath: storagePath,
		GroupID: p.GroupID, Filename: p.Filename, file: f,
	}
	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	return id, node.ID, nil
}

// Data appends a chunk to the upload's temp file (spec.md §4.8 "each
// DATA frame appends to a server-side temporary file, not to a memory
// buffer").
func (m *Manager) Data(uploadID string, chunk []byte) error {
	sess := m.get(uploadID)
	if sess == nil {
		return ErrUnknownUpload
	}
	n, err := blobstore.CopyChunk(sess.file, chunk)
	sess.received += int64(n)
	return err
}

// Result is returned by End: the fields needed to fan out a new_file
// notification for group uploads.
type Result struct {
	FileID   uint
	GroupID  *uint
	Filename string
}

// End closes and renames the temp file into its final blob path and
// forgets the session. Per spec.md §7, END on an incomplete upload
// (received < advertised size) is allowed: the server stores whatever
// it actually received; a size mismatch is a client bug, not a server
// error.
func (m *Manager) End(uploadID string) (*Result, error) {
	sess := m.remove(uploadID)
	if sess == nil {
		return nil, ErrUnknownUpload
	}
	if err := sess.file.Close(); err != nil {
		return nil, err
	}
	if err := m.blobs.Commit(sess.TempPath, sess.StoragePath); err != nil {
		return nil, err
	}
	return &Result{FileID: sess.FileID, GroupID: sess.GroupID, Filename: sess.Filename}, nil
}

// Cancel discards an in-progress upload's temp file and its
// placeholder file row.
func (m *Manager) Cancel(uploadID string) error {
	sess := m.remove(uploadID)
	if sess == nil {
		return ErrUnknownUpload
	}
	_ = sess.file.Close()
	if err := m.blobs.DiscardTemp(sess.TempPath); err != nil {
		return err
	}
	node, err := m.store.GetFileNode(sess.FileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	return m.store.DeleteFileLeaf(node, func(string) error { return nil })
}

func (m *Manager) get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) remove(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.sessions, id)
	return s
}
