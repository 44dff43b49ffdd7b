// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package router

import (
	"encoding/json"
	"errors"

	"github.com/mobpoly/securenetdisk/internal/groups"
	"github.com/mobpoly/securenetdisk/internal/store"
)

type groupCreateRequest struct {
	Name              string `json:"name"`
	EncryptedGroupKey string `json:"encrypted_group_key"` // caller's own wrapped copy
}

func handleGroupCreate(ctx *Context, payload []byte) (Response, error) {
	var req groupCreateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed request")
	}
	if req.Name == "" {
		return nil, ValidationError("name is required")
	}
	wrappedKey, err := hexDecode(req.EncryptedGroupKey)
	if err != nil {
		return nil, ValidationError("malformed encrypted_group_key")
	}
	group, err := ctx.Groups.Create(ctx.Session.UserID, req.Name, wrappedKey)
	if err != nil {
		return nil, IOError("failed to create group", err)
	}
	return ok(Response{"group_id": group.ID}), nil
}

type groupInfo struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

type invitationInfo struct {
	ID        uint   `json:"id"`
	GroupID   uint   `json:"group_id"`
	InviterID uint   `json:"inviter_id"`
	CreatedAt string `json:"created_at"`
}

func handleGroupList(ctx *Context, payload []byte) (Response, error) {
	list, err := ctx.Groups.ListForUser(ctx.Session.UserID)
	if err != nil {
		return nil, IOError("failed to list groups", err)
	}
	invites, err := ctx.Groups.PendingInvitations(ctx.Session.UserID)
	if err != nil {
		return nil, IOError("failed to list invitations", err)
	}

	groupsOut := make([]groupInfo, 0, len(list))
	for _, g := range list {
		groupsOut = append(groupsOut, groupInfo{ID: g.ID, Name: g.Name})
	}
	invitesOut := make([]invitationInfo, 0, len(invites))
	for _, inv := range invites {
		invitesOut = append(invitesOut, invitationInfo{
			ID: inv.ID, GroupID: inv.GroupID, InviterID: inv.InviterID,
			CreatedAt: inv.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return ok(Response{"groups": groupsOut, "invitations": invitesOut}), nil
}

type groupInviteRequest struct {
	GroupID  uint   `json:"group_id"`
	Username string `json:"username"`
	// EncryptedGroupKey is the group key wrapped under the invitee's
	// public key; the inviter computes it client-side.
	EncryptedGroupKey string `json:"encrypted_group_key"`
}

func handleGroupInvite(ctx *Context, payload []byte) (Response, error) {
	var req groupInviteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed request")
	}
	if req.Username == "" {
		return nil, ValidationError("username is required")
	}
	wrappedKey, err := hexDecode(req.EncryptedGroupKey)
	if err != nil {
		return nil, ValidationError("malformed encrypted_group_key")
	}
	inv, err := ctx.Groups.Invite(req.GroupID, ctx.Session.UserID, req.Username, wrappedKey)
	if err != nil {
		return nil, groupErr(err)
	}
	return ok(Response{"invitation_id": inv.ID}), nil
}

type groupJoinRequest struct {
	InvitationID uint `json:"invitation_id"`
	Accept       bool `json:"accept"`
}

func handleGroupJoin(ctx *Context, payload []byte) (Response, error) {
	var req groupJoinRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed request")
	}
	if !req.Accept {
		if err := ctx.Groups.Reject(req.InvitationID, ctx.Session.UserID); err != nil {
			return nil, groupErr(err)
		}
		return ok(nil), nil
	}
	group, err := ctx.Groups.Accept(req.InvitationID, ctx.Session.UserID)
	if err != nil {
		return nil, groupErr(err)
	}
	return ok(Response{"group_id": group.ID, "name": group.Name}), nil
}

type groupIDRequest struct {
	GroupID uint `json:"group_id"`
}

func handleGroupLeave(ctx *Context, payload []byte) (Response, error) {
	var req groupIDRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed request")
	}
	if err := ctx.Groups.Leave(req.GroupID, ctx.Session.UserID, ctx.DeleteBlob); err != nil {
		return nil, groupErr(err)
	}
	return ok(nil), nil
}

func handleGroupKey(ctx *Context, payload []byte) (Response, error) {
	var req groupIDRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed request")
	}
	result, err := ctx.Groups.Key(req.GroupID, ctx.Session.UserID)
	if err != nil {
		return nil, groupErr(err)
	}
	members := make([]Response, 0, len(result.Members))
	for _, m := range result.Members {
		members = append(members, Response{"user_id": m.UserID, "public_key": hexEncode(m.PublicKeyPEM)})
	}
	return ok(Response{
		"encrypted_group_key": hexEncode(result.EncryptedGroupKey),
		"members":             members,
	}), nil
}

func handleGroupMembers(ctx *Context, payload []byte) (Response, error) {
	var req groupIDRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed request")
	}
	members, err := ctx.Groups.Members(req.GroupID, ctx.Session.UserID)
	if err != nil {
		return nil, groupErr(err)
	}
	out := make([]Response, 0, len(members))
	for _, m := range members {
		out = append(out, Response{
			"user_id":   m.UserID,
			"username":  m.Username,
			"email":     m.Email,
			"role":      m.Role,
			"joined_at": m.JoinedAt,
		})
	}
	return ok(Response{"members": out}), nil
}

// groupErr maps internal/groups' sentinel/store errors onto the
// router's typed error kinds (spec.md §4.7/§7).
func groupErr(err error) *Error {
	switch {
	case errors.Is(err, groups.ErrNotAMember):
		return AuthzError("not a member of this group")
	case errors.Is(err, store.ErrForbidden):
		return AuthzError("not permitted")
	case errors.Is(err, store.ErrNotFound):
		return NotFoundError("not found")
	case errors.Is(err, store.ErrConflict):
		return ConflictError(err.Error())
	default:
		return IOError("group operation failed", err)
	}
}
