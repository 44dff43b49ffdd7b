// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// CreateGroupWithOwner inserts a group row and its owner membership
// row in a single transaction, per spec.md §4.9/§4.10: "creating a
// group and inserting the owner membership must be one transaction."
func (s *State) CreateGroupWithOwner(name string, ownerID uint, ownerWrappedKey []byte) (*Group, error) {
	var group Group
	err := s.Transaction(func(tx *gorm.DB) error {
		group = Group{Name: name, OwnerID: ownerID}
		if err := tx.Create(&group).Error; err != nil {
			return err
		}
		membership := Membership{
			GroupID:           group.ID,
			UserID:            ownerID,
			EncryptedGroupKey: ownerWrappedKey,
			Role:              RoleOwner,
			JoinedAt:          time.Now(),
		}
		return tx.Create(&membership).Error
	})
	if err != nil {
		return nil, err
	}
	return &group, nil
}

// GetGroupByID looks up a group by primary key.
func (s *State) GetGroupByID(id uint) (*Group, error) {
	var g Group
	if err := s.DB.First(&g, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &g, nil
}

// GetMembership returns the membership row for (groupID, userID), or
// ErrNotFound if the user is not a member.
func (s *State) GetMembership(groupID, userID uint) (*Membership, error) {
	var m Membership
	err := s.DB.Where("group_id = ? AND user_id = ?", groupID, userID).First(&m).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &m, nil
}

// IsMember reports whether userID belongs to groupID, the
// authorization check every group op in spec.md §4.7's table starts
// with.
func (s *State) IsMember(groupID, userID uint) (bool, error) {
	_, err := s.GetMembership(groupID, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListGroupsForUser returns every group userID currently belongs to.
func (s *State) ListGroupsForUser(userID uint) ([]Group, error) {
	var memberships []Membership
	if err := s.DB.Where("user_id = ?", userID).Find(&memberships).Error; err != nil {
		return nil, err
	}
	if len(memberships) == 0 {
		return []Group{}, nil
	}
	ids := make([]uint, len(memberships))
	for i, m := range memberships {
		ids[i] = m.GroupID
	}
	var groups []Group
	if err := s.DB.Where("id IN ?", ids).Find(&groups).Error; err != nil {
		return nil, err
	}
	return groups, nil
}

// MemberInfo is one row of a group's member list (spec.md §4.9
// "members list is (id, username, email, role, joined_at)").
type MemberInfo struct {
	UserID   uint
	Username string
	Email    string
	Role     GroupRole
	JoinedAt string
}

// ListMembers returns the joined (membership, user) rows for a group,
// sorted by join time.
func (s *State) ListMembers(groupID uint) ([]MemberInfo, error) {
	var memberships []Membership
	if err := s.DB.Where("group_id = ?", groupID).Order("joined_at asc").Find(&memberships).Error; err != nil {
		return nil, err
	}
	out := make([]MemberInfo, 0, len(memberships))
	for _, m := range memberships {
		var u User
		if err := s.DB.First(&u, m.UserID).Error; err != nil {
			return nil, err
		}
		out = append(out, MemberInfo{
			UserID:   u.ID,
			Username: u.Username,
			Email:    u.Email,
			Role:     m.Role,
			JoinedAt: m.JoinedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return out, nil
}

// MemberPublicKey pairs a member's id with their RSA public key PEM,
// the shape GROUP_KEY returns so an inviter can wrap a fresh copy of
// the group key for a new invitee without a second round trip.
type MemberPublicKey struct {
	UserID       uint
	PublicKeyPEM []byte
}

// ListMemberPublicKeys returns every current member's public key.
func (s *State) ListMemberPublicKeys(groupID uint) ([]MemberPublicKey, error) {
	var memberships []Membership
	if err := s.DB.Where("group_id = ?", groupID).Find(&memberships).Error; err != nil {
		return nil, err
	}
	out := make([]MemberPublicKey, 0, len(memberships))
	for _, m := range memberships {
		var u User
		if err := s.DB.First(&u, m.UserID).Error; err != nil {
			return nil, err
		}
		out = append(out, MemberPublicKey{UserID: u.ID, PublicKeyPEM: u.PublicKeyPEM})
	}
	return out, nil
}

// RemoveMembership deletes a single (group, user) row, used when a
// non-owner leaves a group.
func (s *State) RemoveMembership(groupID, userID uint) error {
	res := s.DB.Where("group_id = ? AND user_id = ?", groupID, userID).Delete(&Membership{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteGroupCascade dissolves a group entirely: every file node
// under it (and its blob, via deleteBlob), every membership, and every
// pending invitation, followed by the group row itself, all inside
// one transaction (spec.md §4.9 "leave: if user_id == owner_id,
// delete group -> cascades...").
func (s *State) DeleteGroupCascade(groupID uint, deleteBlob func(storagePath string) error) error {
	return s.Transaction(func(tx *gorm.DB) error {
		var files []FileNode
		if err := tx.Where("group_id = ?", groupID).Find(&files).Error; err != nil {
			return err
		}
		for _, f := range files {
			if !f.IsFolder && f.StoragePath != "" {
				if err := deleteBlob(f.StoragePath); err != nil {
					return fmt.Errorf("store: deleting blob for file %d: %w", f.ID, err)
				}
			}
		}
		if err := tx.Where("group_id = ?", groupID).Delete(&FileNode{}).Error; err != nil {
			return err
		}
		if err := tx.Where("group_id = ?", groupID).Delete(&Invitation{}).Error; err != nil {
			return err
		}
		if err := tx.Where("group_id = ?", groupID).Delete(&Membership{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Group{}, groupID).Error
	})
}
