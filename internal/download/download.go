// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package download implements the chunked download engine (C8): a
// two-phase protocol (REQUEST then repeated DATA) that holds a
// read-only blob file descriptor open across request/response round
// trips for one session, releasing it on completion or connection
// close (spec.md §4.8, §9 "long-lived file
// handles").
package download

import (
	"encoding/hex"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/mobpoly/securenetdisk/internal/blobstore"
	appcrypto "github.com/mobpoly/securenetdisk/internal/crypto"
)

const downloadIDBytes = 16

// Session is one in-progress download: an open read handle, its
// total size, and the current read offset.
type Session struct {
	ID     string
	file   *os.File
	Size   int64
	offset int64
}

// ErrUnknownDownload is returned for DATA against an id the manager
// has no record of, or one already completed/torn down.
var ErrUnknownDownload = errors.New("download: unknown download_id")

// Manager is the per-connection table of open download sessions. One
// Manager is created per connection so teardown-on-disconnect can
// close every handle the session opened (spec.md §5 "a closed
// connection with an open download releases the file descriptor").
type Manager struct {
	mu       sync.Mutex
	blobs    *blobstore.Store
	sessions map[string]*Session
}

// New constructs a Manager backed by a blob store.
func New(blobs *blobstore.Store) *Manager {
	return &Manager{blobs: blobs, sessions: make(map[string]*Session)}
}

// Request opens storagePath read-only and registers a new download
// session, returning its opaque id and size.
func (m *Manager) Request(storagePath string) (downloadID string, size int64, err error) {
	f, size, err := m.blobs.OpenRead(storagePath)
	if err != nil {
		return "", 0, err
	}
	rawID, err := appcrypto.RandomBytes(downloadIDBytes)
	if err != nil {
		f.Close()
		return "", 0, err
	}
	id := hex.EncodeToString(rawID)

	m.mu.Lock()
	m.sessions[id] = &Session{ID: id, file: f, Size: size}
	m.mu.Unlock()
	return id, size, nil
}

// Chunk is one DATA response: a byte slice and whether the download
// has reached EOF.
type Chunk struct {
	Offset     int64
	Data       []byte
	IsComplete bool
}

// Data reads up to chunkSize bytes from downloadID's open handle,
// closing and forgetting the session once EOF is reached or the
// current offset is already at or past the file size (spec.md §4.8:
// "is_complete flag set when EOF is reached or offset >= size").
// Clients MUST handle short reads: chunking is server-chosen up to
// the requested size.
func (m *Manager) Data(downloadID string, chunkSize int) (*Chunk, error) {
	sess := m.get(downloadID)
	if sess == nil {
		return nil, ErrUnknownDownload
	}
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}

	if sess.offset >= sess.Size {
		m.closeAndForget(downloadID)
		return &Chunk{Offset: sess.offset, Data: nil, IsComplete: true}, nil
	}

	buf := make([]byte, chunkSize)
	n, err := sess.file.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	startOffset := sess.offset
	sess.offset += int64(n)
	complete := errors.Is(err, io.EOF) || sess.offset >= sess.Size
	if complete {
		m.closeAndForget(downloadID)
	}
	return &Chunk{Offset: startOffset, Data: buf[:n], IsComplete: complete}, nil
}

// Close releases a single download session's handle without reading
// further. No opcode handler calls it.
func (m *Manager) Close(downloadID string) {
	m.closeAndForget(downloadID)
}

// CloseAll releases every open handle this manager owns, called when
// the owning connection closes.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sess := range m.sessions {
		_ = sess.file.Close()
		delete(m.sessions, id)
	}
}

func (m *Manager) get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) closeAndForget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok {
		_ = sess.file.Close()
		delete(m.sessions, id)
	}
}
