// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package store

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// CreateInvitation inserts a pending invitation row carrying the
// group key pre-wrapped for the invitee, so the server never needs
// plaintext access to the group key (spec.md §4.6/§4.9).
func (s *State) CreateInvitation(groupID, inviterID, inviteeID uint, wrappedKeyForInvitee []byte) (*Invitation, error) {
	var existing Invitation
	err := s.DB.Where("group_id = ? AND invitee_id = ? AND status = ?", groupID, inviteeID, InvitationPending).
		First(&existing).Error
	if err == nil {
		return nil, fmt.Errorf("%w: invitation already pending", ErrConflict)
	}
	inv := Invitation{
		GroupID:                     groupID,
		InviterID:                   inviterID,
		InviteeID:                   inviteeID,
		EncryptedGroupKeyForInvitee: wrappedKeyForInvitee,
		Status:                      InvitationPending,
	}
	if err := s.DB.Create(&inv).Error; err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetPendingInvitation fetches invitation id, enforcing that it
// belongs to inviteeID and is still pending (the authorization gate
// spec.md §4.7 assigns to accept/reject).
func (s *State) GetPendingInvitation(id, inviteeID uint) (*Invitation, error) {
	var inv Invitation
	if err := s.DB.First(&inv, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	if inv.InviteeID != inviteeID {
		return nil, ErrForbidden
	}
	if inv.Status != InvitationPending {
		return nil, fmt.Errorf("%w: invitation already resolved", ErrConflict)
	}
	return &inv, nil
}

// AcceptInvitation atomically flips the invitation to accepted and
// inserts the membership row carrying its stored wrapped key (spec.md
// §4.10: "accepting an invitation... must be one transaction").
func (s *State) AcceptInvitation(inv *Invitation) error {
	return s.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Invitation{}).
			Where("id = ? AND status = ?", inv.ID, InvitationPending).
			Update("status", InvitationAccepted)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: invitation already resolved", ErrConflict)
		}
		membership := Membership{
			GroupID:           inv.GroupID,
			UserID:            inv.InviteeID,
			EncryptedGroupKey: inv.EncryptedGroupKeyForInvitee,
			Role:              RoleMember,
			JoinedAt:          time.Now(),
		}
		return tx.Create(&membership).Error
	})
}

// RejectInvitation marks a pending invitation as rejected.
func (s *State) RejectInvitation(inv *Invitation) error {
	res := s.DB.Model(&Invitation{}).
		Where("id = ? AND status = ?", inv.ID, InvitationPending).
		Update("status", InvitationRejected)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: invitation already resolved", ErrConflict)
	}
	return nil
}

// ListPendingInvitationsForUser returns every invitation awaiting a
// decision from userID, used by GROUP_LIST's "invitations[]" field.
func (s *State) ListPendingInvitationsForUser(userID uint) ([]Invitation, error) {
	var invites []Invitation
	err := s.DB.Where("invitee_id = ? AND status = ?", userID, InvitationPending).Find(&invites).Error
	if err != nil {
		return nil, err
	}
	return invites, nil
}
