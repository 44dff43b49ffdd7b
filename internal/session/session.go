// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package session implements per-connection session state: derived
// channel keys, the replay-resistant sequence window, timestamp drift
// checking, and a process-wide LRU-bounded session manager with
// background idle-sweep, mirroring spec.md §4.4/§5.
package session

import (
	"container/list"
	"sync"
	"time"

	"github.com/mobpoly/securenetdisk/internal/handshake"
)

const (
	// ReplayWindow is the span behind the highest seen sequence number
	// within which a frame may still be accepted (anti-reordering).
	ReplayWindow = 1000
	// MaxSeenEntries bounds the size of the seen-sequence set.
	MaxSeenEntries = 10_000
	// MaxTimestampDriftMillis is the maximum tolerated distance
	// between a frame's timestamp and the receiver's clock.
	MaxTimestampDriftMillis = 300_000
)

// Session is per-connection transient state.
type Session struct {
	mu sync.Mutex

	ID   string
	Keys handshake.SessionKeys

	maxSeen uint32
	seen    map[uint32]struct{}
	hasSeen bool

	UserID   uint
	Username string
	bound    bool

	LastActivity time.Time
	sendSeq      uint32

	// element is this session's node in the manager's LRU list; nil if
	// the session is not tracked by a Manager.
	element *list.Element
}

// New constructs a Session with the keys derived by a completed
// handshake.
func New(id string, keys handshake.SessionKeys) *Session {
	return &Session{
		ID:           id,
		Keys:         keys,
		seen:         make(map[uint32]struct{}),
		LastActivity: time.Now(),
	}
}

// BindUser attaches an authenticated principal to the session.
func (s *Session) BindUser(userID uint, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UserID = userID
	s.Username = username
	s.bound = true
}

// IsBound reports whether a user has authenticated on this session.
func (s *Session) IsBound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Touch records activity for idle-timeout purposes.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivity = time.Now()
}

// ErrReplay is returned for a sequence number already seen or too far
// behind the high-water mark.
type ErrReplay struct{ Sequence uint32 }

func (e ErrReplay) Error() string { return "session: replayed or out-of-window sequence" }

// ErrTimestampDrift is returned when a frame's timestamp is too far
// from the receiver's clock.
type ErrTimestampDrift struct{ DeltaMillis int64 }

func (e ErrTimestampDrift) Error() string { return "session: timestamp outside tolerance" }

// CheckReceive validates an inbound frame's sequence number and
// timestamp, recording the sequence as seen on success. now is passed
// in so tests can control the clock.
func (s *Session) CheckReceive(seq uint32, timestampMillis int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delta := now.UnixMilli() - timestampMillis
	if delta < 0 {
		delta = -delta
	}
	if delta > MaxTimestampDriftMillis {
		return ErrTimestampDrift{DeltaMillis: delta}
	}

	if _, dup := s.seen[seq]; dup {
		return ErrReplay{Sequence: seq}
	}
	if s.hasSeen && seq+ReplayWindow < s.maxSeen {
		// seq < maxSeen - ReplayWindow, computed to avoid unsigned
		// underflow when maxSeen < ReplayWindow.
		return ErrReplay{Sequence: seq}
	}

	s.seen[seq] = struct{}{}
	if !s.hasSeen || seq > s.maxSeen {
		s.maxSeen = seq
		s.hasSeen = true
	}
	s.pruneLocked()
	s.LastActivity = now
	return nil
}

// pruneLocked drops seen entries that have fallen out of the replay
// window once the set exceeds MaxSeenEntries. Caller holds s.mu.
func (s *Session) pruneLocked() {
	if len(s.seen) <= MaxSeenEntries {
		return
	}
	for seq := range s.seen {
		if seq+ReplayWindow < s.maxSeen {
			delete(s.seen, seq)
		}
	}
}

// NextSendSequence atomically allocates the next send sequence number
// for this session. Sequences increase monotonically per direction;
// wraparound within a session's lifetime is not expected.
func (s *Session) NextSendSequence() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.sendSeq
	s.sendSeq++
	return seq
}
