// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package groups implements the group & invitation engine (C9):
// group creation, invitation issuance/accept/reject, membership
// changes, and the notification fan-out a group file upload or
// invitation triggers (spec.md §4.9).
package groups

import (
	"errors"
	"fmt"

	"github.com/mobpoly/securenetdisk/internal/store"
)

// Service wraps the metadata store with the group-level operations
// internal/router's GROUP_* handlers call directly.
type Service struct {
	Store *store.State
}

// New constructs a Service.
func New(st *store.State) *Service {
	return &Service{Store: st}
}

// ErrNotAMember is returned by any group operation gated on
// membership per spec.md §4.7's authorization table.
var ErrNotAMember = errors.New("groups: caller is not a member of this group")

// Create inserts a new group with the caller as owner, storing their
// RSA-wrapped copy of the group key (spec.md §4.6 "group creation").
func (g *Service) Create(ownerID uint, name string, ownerWrappedKey []byte) (*store.Group, error) {
	return g.Store.CreateGroupWithOwner(name, ownerID, ownerWrappedKey)
}

// Invite verifies the inviter is a member and the invitee exists and
// is not already a member, then inserts a pending invitation carrying
// the group key wrapped for the invitee, and notifies them (spec.md
// §4.9 "invite").
func (g *Service) Invite(groupID, inviterID uint, inviteeUsername string, wrappedKeyForInvitee []byte) (*store.Invitation, error) {
	isMember, err := g.Store.IsMember(groupID, inviterID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, ErrNotAMember
	}

	invitee, err := g.Store.GetUserByUsername(inviteeUsername)
	if err != nil {
		return nil, err
	}
	alreadyMember, err := g.Store.IsMember(groupID, invitee.ID)
	if err != nil {
		return nil, err
	}
	if alreadyMember {
		return nil, fmt.Errorf("%w: user is already a member", store.ErrConflict)
	}

	inv, err := g.Store.CreateInvitation(groupID, inviterID, invitee.ID, wrappedKeyForInvitee)
	if err != nil {
		return nil, err
	}

	group, err := g.Store.GetGroupByID(groupID)
	if err == nil {
		_ = g.Store.CreateNotification(invitee.ID, store.NotificationInvitation, inv.ID, &groupID,
			fmt.Sprintf("you have been invited to join %q", group.Name))
	}
	return inv, nil
}

// Accept resolves a pending invitation into a membership row,
// enforcing that the caller is the invitee (spec.md §4.7 "invitation
// accept/reject").
func (g *Service) Accept(invitationID, userID uint) (*store.Group, error) {
	inv, err := g.Store.GetPendingInvitation(invitationID, userID)
	if err != nil {
		return nil, err
	}
	if err := g.Store.AcceptInvitation(inv); err != nil {
		return nil, err
	}
	return g.Store.GetGroupByID(inv.GroupID)
}

// Reject marks a pending invitation rejected.
func (g *Service) Reject(invitationID, userID uint) error {
	inv, err := g.Store.GetPendingInvitation(invitationID, userID)
	if err != nil {
		return err
	}
	return g.Store.RejectInvitation(inv)
}

// Leave either dissolves the group (owner) or removes a single
// membership row (non-owner), per spec.md §4.9's tie-break: "on group
// deletion, the owner's leave request dissolves the group and
// cascades to files and memberships."
func (g *Service) Leave(groupID, userID uint, deleteBlob func(storagePath string) error) error {
	group, err := g.Store.GetGroupByID(groupID)
	if err != nil {
		return err
	}
	isMember, err := g.Store.IsMember(groupID, userID)
	if err != nil {
		return err
	}
	if !isMember {
		return ErrNotAMember
	}
	if group.OwnerID == userID {
		return g.Store.DeleteGroupCascade(groupID, deleteBlob)
	}
	return g.Store.RemoveMembership(groupID, userID)
}

// Members returns a group's member list, gated on the caller being a
// current member.
func (g *Service) Members(groupID, callerID uint) ([]store.MemberInfo, error) {
	isMember, err := g.Store.IsMember(groupID, callerID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, ErrNotAMember
	}
	return g.Store.ListMembers(groupID)
}

// KeyResult is GROUP_KEY's response shape: the caller's own wrapped
// group key, plus every member's public key so the caller can wrap a
// fresh copy for a new invitee without a second round trip.
type KeyResult struct {
	EncryptedGroupKey []byte
	Members           []store.MemberPublicKey
}

// Key returns the caller's wrapped group key and the member public
// key list, gated on membership.
func (g *Service) Key(groupID, callerID uint) (*KeyResult, error) {
	membership, err := g.Store.GetMembership(groupID, callerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotAMember
		}
		return nil, err
	}
	members, err := g.Store.ListMemberPublicKeys(groupID)
	if err != nil {
		return nil, err
	}
	return &KeyResult{EncryptedGroupKey: membership.EncryptedGroupKey, Members: members}, nil
}

// ListForUser returns every group userID belongs to, used by
// GROUP_LIST.
func (g *Service) ListForUser(userID uint) ([]store.Group, error) {
	return g.Store.ListGroupsForUser(userID)
}

// PendingInvitations returns userID's pending invitations, the second
// half of GROUP_LIST's response.
func (g *Service) PendingInvitations(userID uint) ([]store.Invitation, error) {
	return g.Store.ListPendingInvitationsForUser(userID)
}

// NotifyNewFile fans a "new_file" notification out to every member of
// groupID except the uploader, per spec.md §4.8's END step.
func (g *Service) NotifyNewFile(groupID, uploaderID, fileID uint, filename string) error {
	members, err := g.Store.ListMemberPublicKeys(groupID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.UserID == uploaderID {
			continue
		}
		if err := g.Store.CreateNotification(m.UserID, store.NotificationNewFile, fileID, &groupID,
			fmt.Sprintf("new file %q shared", filename)); err != nil {
			return err
		}
	}
	return nil
}
