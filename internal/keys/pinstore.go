// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package keys

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/mobpoly/securenetdisk/internal/handshake"
)

// PinStore is the abstract device-trust keystore interface: spec.md
// §1 scopes concrete platform keystore integration out of this
// repository, specifying only this interface. FileSystemPinStore
// below is the one concrete implementation kept in-tree, used by the
// client-side test harness and any CLI client built against this
// package.
type PinStore interface {
	// Get returns the pinned public key PEM for serverID, or (nil,
	// false) if no pin exists yet.
	Get(serverID string) (pubPEM []byte, ok bool, err error)
	// Pin records pubPEM as the trusted key for serverID.
	Pin(serverID string, pubPEM []byte) error
}

// FileSystemPinStore persists pins as a single JSON file, the
// simplest concrete backend for the abstract keystore interface.
type FileSystemPinStore struct {
	mu   sync.Mutex
	path string
}

// NewFileSystemPinStore returns a PinStore backed by a JSON file at
// path. The file and its parent directory are created on first Pin.
func NewFileSystemPinStore(path string) *FileSystemPinStore {
	return &FileSystemPinStore{path: path}
}

type pinFile struct {
	Pins map[string]string `json:"pins"` // serverID -> PEM text
}

func (s *FileSystemPinStore) load() (pinFile, error) {
	var pf pinFile
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		pf.Pins = make(map[string]string)
		return pf, nil
	}
	if err != nil {
		return pf, err
	}
	if err := json.Unmarshal(data, &pf); err != nil {
		return pf, err
	}
	if pf.Pins == nil {
		pf.Pins = make(map[string]string)
	}
	return pf, nil
}

// Get implements PinStore.
func (s *FileSystemPinStore) Get(serverID string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pf, err := s.load()
	if err != nil {
		return nil, false, err
	}
	encoded, ok := pf.Pins[serverID]
	if !ok {
		return nil, false, nil
	}
	return []byte(encoded), true, nil
}

// Pin implements PinStore, writing the updated file atomically
// (write-to-temp + rename) to avoid a torn pin file if the process is
// interrupted mid-write.
func (s *FileSystemPinStore) Pin(serverID string, pubPEM []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pf, err := s.load()
	if err != nil {
		return err
	}
	pf.Pins[serverID] = string(pubPEM)

	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, ".pin-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}

// TOFUChecker adapts a PinStore to the handshake.PinChecker interface:
// on first contact with a serverID it pins the presented key; on
// subsequent contacts it requires byte-exact equality.
type TOFUChecker struct {
	Store PinStore
}

var _ handshake.PinChecker = (*TOFUChecker)(nil)

// Check implements handshake.PinChecker.
func (c *TOFUChecker) Check(serverID string, pubPEM []byte) error {
	pinned, ok, err := c.Store.Get(serverID)
	if err != nil {
		return err
	}
	if !ok {
		return c.Store.Pin(serverID, pubPEM)
	}
	if !bytes.Equal(pinned, pubPEM) {
		return handshake.ErrPinMismatch
	}
	return nil
}
