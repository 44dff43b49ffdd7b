// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package router

import (
	"encoding/json"

	"github.com/mobpoly/securenetdisk/internal/store"
)

type userPublicKeyRequest struct {
	Username string `json:"username"`
}

func handleUserPublicKey(ctx *Context, payload []byte) (Response, error) {
	var req userPublicKeyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed request")
	}
	user, err := ctx.Store.GetUserByUsername(req.Username)
	if err != nil {
		return nil, NotFoundError("user not found")
	}
	return ok(Response{"user_id": user.ID, "public_key": hexEncode(user.PublicKeyPEM)}), nil
}

func handleNotificationCount(ctx *Context, payload []byte) (Response, error) {
	counts, err := ctx.Store.CountUnreadByKind(ctx.Session.UserID)
	if err != nil {
		return nil, IOError("failed to count notifications", err)
	}
	var total int64
	byKind := map[string]int64{}
	for kind, n := range counts {
		byKind[string(kind)] = n
		total += n
	}
	return ok(Response{"counts": byKind, "unread": total}), nil
}

type notificationReadRequest struct {
	Kind    *string `json:"type"`
	GroupID *uint   `json:"group_id"`
}

func handleNotificationRead(ctx *Context, payload []byte) (Response, error) {
	var req notificationReadRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed request")
	}
	var kind *store.NotificationKind
	if req.Kind != nil {
		k := store.NotificationKind(*req.Kind)
		kind = &k
	}
	if err := ctx.Store.MarkRead(ctx.Session.UserID, kind, req.GroupID); err != nil {
		return nil, IOError("failed to mark notifications read", err)
	}
	return ok(nil), nil
}

func handleHeartbeat(ctx *Context, payload []byte) (Response, error) {
	ctx.Session.Touch()
	return ok(Response{"alive": true}), nil
}
