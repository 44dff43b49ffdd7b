// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package store

import (
	"crypto/subtle"
	"time"

	"gorm.io/gorm"
)

// IssueCode installs a fresh active verification code for
// (email, purpose), replacing any existing active code: spec.md §5
// "at-most-one active code" per key.
func (s *State) IssueCode(email string, purpose VerificationCodePurpose, codeHash []byte, ttl time.Duration) error {
	return s.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("email = ? AND purpose = ?", email, purpose).Delete(&VerificationCode{}).Error; err != nil {
			return err
		}
		vc := VerificationCode{
			Email:     email,
			Purpose:   purpose,
			CodeHash:  codeHash,
			ExpiresAt: time.Now().Add(ttl),
		}
		return tx.Create(&vc).Error
	})
}

// CheckCode validates a submitted code's hash against the active
// (email, purpose) row. A wrong code increments the attempt counter;
// once MaxVerificationAttempts is reached the code is invalidated and
// ErrTooManyAttempts is returned, forcing a fresh EMAIL_CODE request
// (spec.md §5/§7 kind 2).
func (s *State) CheckCode(email string, purpose VerificationCodePurpose, codeHash []byte) error {
	var result error
	err := s.Transaction(func(tx *gorm.DB) error {
		var vc VerificationCode
		err := tx.Where("email = ? AND purpose = ?", email, purpose).First(&vc).Error
		if err != nil {
			return wrapNotFound(err)
		}
		if time.Now().After(vc.ExpiresAt) {
			result = ErrCodeExpired
			return tx.Delete(&VerificationCode{}, vc.ID).Error
		}
		if subtle.ConstantTimeCompare(vc.CodeHash, codeHash) == 1 {
			return tx.Delete(&VerificationCode{}, vc.ID).Error
		}

		vc.Attempts++
		if vc.Attempts >= MaxVerificationAttempts {
			result = ErrTooManyAttempts
			return tx.Delete(&VerificationCode{}, vc.ID).Error
		}
		result = ErrCodeInvalid
		return tx.Model(&VerificationCode{}).Where("id = ?", vc.ID).Update("attempts", vc.Attempts).Error
	})
	if err != nil {
		return err
	}
	return result
}
