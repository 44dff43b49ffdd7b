// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package email implements the verification-code service that backs
// EMAIL_CODE, AUTH(login_type=email), and the email branch of
// PASSWORD_RESET (spec.md §5/§6). SMTP delivery itself is out of
// scope (spec.md §1); Sender is an abstract seam for a swappable
// transport, with one concrete logging implementation.
package email

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	appcrypto "github.com/mobpoly/securenetdisk/internal/crypto"
	"github.com/mobpoly/securenetdisk/internal/store"
)

// CodeTTL is how long an issued verification code remains valid.
const CodeTTL = 10 * time.Minute

// codeDigits is the length of the generated numeric code.
const codeDigits = 6

// Sender delivers a verification code to a recipient over some
// out-of-band channel. The production deployment would swap in an
// SMTP-backed implementation; LoggingSender below is the only
// implementation this repository carries, since SMTP itself is a
// scoped-out external collaborator.
type Sender interface {
	Send(email string, purpose store.VerificationCodePurpose, code string) error
}

// LoggingSender "delivers" a code by logging it at Info level,
// standing in for the scoped-out SMTP transport in tests and local
// development.
type LoggingSender struct{}

// Send implements Sender.
func (LoggingSender) Send(email string, purpose store.VerificationCodePurpose, code string) error {
	slog.Info("email: verification code issued", "email", email, "purpose", purpose, "code", code)
	return nil
}

// IssueRate bounds how often codes may be issued for one address,
// keeping EMAIL_CODE from being used to flood an inbox.
const IssueRate = rate.Limit(1.0 / 30.0) // one code per 30s per address

// IssueBurst allows a short run of re-requests before the per-address
// limiter kicks in.
const IssueBurst = 3

// ErrIssueThrottled is returned when an address has requested codes
// faster than IssueRate allows.
var ErrIssueThrottled = errors.New("email: code requests for this address are throttled")

// Service issues and checks verification codes, backed by
// internal/store's (email, purpose) code table.
type Service struct {
	Store  *store.State
	Sender Sender

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New constructs a Service. A nil sender defaults to LoggingSender.
func New(st *store.State, sender Sender) *Service {
	if sender == nil {
		sender = LoggingSender{}
	}
	return &Service{Store: st, Sender: sender, limiters: make(map[string]*rate.Limiter)}
}

func (s *Service) allowIssue(email string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[email]
	if !ok {
		lim = rate.NewLimiter(IssueRate, IssueBurst)
		s.limiters[email] = lim
	}
	return lim.Allow()
}

// IssueCode generates a fresh numeric code, stores its SHA-256 hash,
// and hands the plaintext code to the Sender. The server never
// retains the plaintext code itself.
func (s *Service) IssueCode(email string, purpose store.VerificationCodePurpose) error {
	if !s.allowIssue(email) {
		return ErrIssueThrottled
	}
	code, err := generateNumericCode(codeDigits)
	if err != nil {
		return err
	}
	hash := appcrypto.SHA256Sum([]byte(code))
	if err := s.Store.IssueCode(email, purpose, hash, CodeTTL); err != nil {
		return err
	}
	return s.Sender.Send(email, purpose, code)
}

// VerifyCode checks a submitted code against the active
// (email, purpose) record, consuming it on success.
func (s *Service) VerifyCode(email string, purpose store.VerificationCodePurpose, code string) error {
	hash := appcrypto.SHA256Sum([]byte(code))
	return s.Store.CheckCode(email, purpose, hash)
}

func generateNumericCode(digits int) (string, error) {
	const base = 10
	max := 1
	for i := 0; i < digits; i++ {
		max *= base
	}
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	n := (int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3])) % max
	if n < 0 {
		n = -n
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
