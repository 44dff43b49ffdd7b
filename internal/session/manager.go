// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package session

import (
	"container/list"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/mobpoly/securenetdisk/internal/handshake"
)

// DefaultMaxSessions is the default cap on concurrently active
// sessions before the manager starts evicting the least-recently-used
// entry on overflow.
const DefaultMaxSessions = 10_000

// DefaultIdleTimeout is how long a session may go without activity
// before the sweep removes it.
const DefaultIdleTimeout = time.Hour

// DefaultSweepInterval is how often the background sweep runs.
const DefaultSweepInterval = time.Minute

// Manager is a process-wide, LRU-ordered, mutex-protected
// session table. It is constructed once at server start and torn down
// at shutdown, per spec.md §9's "global session manager" note.
type Manager struct {
	mu          sync.Mutex
	byID        map[string]*list.Element // list.Element.Value is *Session
	order       *list.List               // front = most recently used
	byUser      map[uint]map[string]struct{}
	maxSessions int
	idleTimeout time.Duration

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewManager constructs a Manager and starts its background sweep
// goroutine. Callers must call Close to stop the sweep.
func NewManager(maxSessions int, idleTimeout, sweepInterval time.Duration) *Manager {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	m := &Manager{
		byID:        make(map[string]*list.Element),
		order:       list.New(),
		byUser:      make(map[uint]map[string]struct{}),
		maxSessions: maxSessions,
		idleTimeout: idleTimeout,
		stopSweep:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}
	go m.sweepLoop(sweepInterval)
	return m
}

// Create allocates a fresh session ID and registers a new Session
// carrying the given handshake keys, evicting the least-recently-used
// session first if the manager is at capacity.
func (m *Manager) Create(keys handshake.SessionKeys) *Session {
	id := newSessionID()
	s := New(id, keys)

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.byID) >= m.maxSessions {
		m.evictOldestLocked()
	}
	elem := m.order.PushFront(s)
	s.element = elem
	m.byID[id] = elem
	return s
}

// Get returns the session for id, marking it most-recently-used, or
// nil if it does not exist.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	elem, ok := m.byID[id]
	if !ok {
		return nil
	}
	m.order.MoveToFront(elem)
	return elem.Value.(*Session)
}

// Remove deletes a session, releasing its user index entry if bound.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
}

func (m *Manager) removeLocked(id string) {
	elem, ok := m.byID[id]
	if !ok {
		return
	}
	s := elem.Value.(*Session)
	if s.IsBound() {
		if set, ok := m.byUser[s.UserID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(m.byUser, s.UserID)
			}
		}
	}
	m.order.Remove(elem)
	delete(m.byID, id)
}

func (m *Manager) evictOldestLocked() {
	back := m.order.Back()
	if back == nil {
		return
	}
	s := back.Value.(*Session)
	m.removeLocked(s.ID)
}

// BindUser records the authenticated user for a session and indexes
// it for EnumerateByUser.
func (m *Manager) BindUser(id string, userID uint, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	elem, ok := m.byID[id]
	if !ok {
		return
	}
	s := elem.Value.(*Session)
	s.BindUser(userID, username)
	set, ok := m.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		m.byUser[userID] = set
	}
	set[id] = struct{}{}
}

// EnumerateByUser returns the session IDs bound to userID through
// Manager.BindUser.
func (m *Manager) EnumerateByUser(userID uint) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.byUser[userID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func (m *Manager) sweepLoop(interval time.Duration) {
	defer close(m.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepExpired()
		case <-m.stopSweep:
			return
		}
	}
}

func (m *Manager) sweepExpired() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	for elem := m.order.Back(); elem != nil; elem = elem.Prev() {
		s := elem.Value.(*Session)
		s.mu.Lock()
		idle := now.Sub(s.LastActivity)
		s.mu.Unlock()
		if idle > m.idleTimeout {
			expired = append(expired, s.ID)
		}
	}
	for _, id := range expired {
		m.removeLocked(id)
	}
}

// Close stops the background sweep goroutine.
func (m *Manager) Close() {
	close(m.stopSweep)
	<-m.sweepDone
}

func newSessionID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
