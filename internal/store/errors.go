// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package store

import "errors"

// Sentinel errors the router's authorization/error-kind mapping
// switches on (spec.md §7).
var (
	ErrNotFound       = errors.New("store: not found")
	ErrConflict       = errors.New("store: conflict")
	ErrForbidden      = errors.New("store: forbidden")
	ErrInvalidRequest = errors.New("store: invalid request")

	// ErrCodeExpired, ErrCodeInvalid and ErrTooManyAttempts are the
	// three ways an email verification code check can fail (spec.md
	// §5): expired, wrong value, or attempts exhausted and the code
	// invalidated.
	ErrCodeExpired     = errors.New("store: verification code expired")
	ErrCodeInvalid     = errors.New("store: verification code invalid")
	ErrTooManyAttempts = errors.New("store: verification code attempts exhausted")
)
