// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package store implements the metadata store (C10): GORM-backed
// models for users, groups, memberships, invitations, the unified
// file/folder tree, notifications, and verification codes, plus the
// transactional operations spec.md §4.10 requires.
package store

import "time"

// User mirrors spec.md §3's User entity. The server never sees raw
// passwords: PasswordHash is bcrypt over a client-computed SHA-256
// prehash, and every *Encrypted* field is ciphertext the server
// cannot decrypt.
type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	Email        string `gorm:"uniqueIndex;size:254;not null"`
	PasswordHash string `gorm:"not null"`

	PublicKeyPEM        []byte `gorm:"not null"`
	EncryptedPrivateKey []byte `gorm:"not null"`

	EncryptedMasterKey []byte `gorm:"not null"`
	MasterKeySalt      []byte `gorm:"not null"`

	RecoveryKeyEncrypted []byte `gorm:"not null"`
	RecoveryKeySalt      []byte `gorm:"not null"`
	RecoveryKeyHash      []byte `gorm:"not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// GroupRole distinguishes the owner from ordinary members. The owner
// has no additional file permissions over members (§4.7's tie-break:
// any member may rename/delete group files) but owner-only leave
// dissolves the group.
type GroupRole string

const (
	RoleOwner  GroupRole = "owner"
	RoleMember GroupRole = "member"
)

// Group is a sharing group; the plaintext group key never appears
// here, only each member's RSA-wrapped copy in Membership.
type Group struct {
	ID      uint   `gorm:"primaryKey"`
	Name    string `gorm:"size:255;not null"`
	OwnerID uint   `gorm:"not null;index"`

	CreatedAt time.Time
}

// Membership is one (group, user) pair carrying that user's
// RSA-wrapped copy of the group key.
type Membership struct {
	ID                uint      `gorm:"primaryKey"`
	GroupID           uint      `gorm:"not null;index:idx_membership_group"`
	UserID            uint      `gorm:"not null;index:idx_membership_user"`
	EncryptedGroupKey []byte    `gorm:"not null"`
	Role              GroupRole `gorm:"size:16;not null"`
	JoinedAt          time.Time
}

// InvitationStatus tracks the lifecycle of a pending group
// invitation.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationRejected InvitationStatus = "rejected"
)

// Invitation carries the group key pre-wrapped for the invitee so
// accepting never requires the server to see the plaintext key.
type Invitation struct {
	ID                          uint             `gorm:"primaryKey"`
	GroupID                     uint             `gorm:"not null;index"`
	InviterID                   uint             `gorm:"not null"`
	InviteeID                   uint             `gorm:"not null;index"`
	EncryptedGroupKeyForInvitee []byte           `gorm:"not null"`
	Status                      InvitationStatus `gorm:"size:16;not null"`

	CreatedAt time.Time
}

// FileNode is the unified file/folder tree entry. Exactly one of
// OwnerID/GroupID is set, enforced at the store layer (§3 invariant).
type FileNode struct {
	ID       uint  `gorm:"primaryKey"`
	OwnerID  *uint `gorm:"index:idx_files_owner"`
	GroupID  *uint `gorm:"index:idx_files_group"`
	ParentID *uint `gorm:"index:idx_files_parent"`

	Name        string `gorm:"size:255;not null"`
	IsFolder    bool   `gorm:"not null"`
	Size        int64
	StoragePath string `gorm:"size:255"`

	EncryptedFileKey []byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NotificationKind distinguishes a group invitation from a new file
// notification.
type NotificationKind string

const (
	NotificationInvitation NotificationKind = "invitation"
	NotificationNewFile    NotificationKind = "new_file"
)

// Notification is produced when an invitation is created or a file is
// uploaded to a group the recipient belongs to.
type Notification struct {
	ID          uint             `gorm:"primaryKey"`
	UserID      uint             `gorm:"not null;index"`
	Kind        NotificationKind `gorm:"size:16;not null"`
	ReferenceID uint             `gorm:"not null"`
	GroupID     *uint
	Message     string `gorm:"size:512"`
	Read        bool   `gorm:"not null;default:false"`

	CreatedAt time.Time
}

// VerificationCodePurpose distinguishes a login code from a
// password-reset code; the pair (Email, Purpose) has at most one
// active row at a time (spec.md §5).
type VerificationCodePurpose string

const (
	PurposeLogin VerificationCodePurpose = "login"
	PurposeReset VerificationCodePurpose = "reset"
)

// MaxVerificationAttempts is the cap on failed code-check attempts
// before the code is invalidated and must be re-requested.
const MaxVerificationAttempts = 5

// VerificationCode is a single active email verification code.
type VerificationCode struct {
	ID        uint                    `gorm:"primaryKey"`
	Email     string                  `gorm:"size:254;not null;index:idx_vcode_email_purpose"`
	Purpose   VerificationCodePurpose `gorm:"size:16;not null;index:idx_vcode_email_purpose"`
	CodeHash  []byte                  `gorm:"not null"`
	Attempts  int                     `gorm:"not null;default:0"`
	ExpiresAt time.Time

	CreatedAt time.Time
}

// AllModels lists every model AutoMigrate must create, in an order
// that satisfies foreign-key dependencies.
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&Group{},
		&Membership{},
		&Invitation{},
		&FileNode{},
		&Notification{},
		&VerificationCode{},
	}
}
