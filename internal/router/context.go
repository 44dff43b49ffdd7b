// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package router

import (
	"encoding/json"
	"fmt"

	"github.com/mobpoly/securenetdisk/internal/download"
	"github.com/mobpoly/securenetdisk/internal/email"
	"github.com/mobpoly/securenetdisk/internal/groups"
	"github.com/mobpoly/securenetdisk/internal/session"
	"github.com/mobpoly/securenetdisk/internal/store"
	"github.com/mobpoly/securenetdisk/internal/upload"
)

// BlobDeleter deletes a committed blob at storagePath; internal/server
// supplies a closure over its blobstore.Store so this package does
// not need to import it directly.
type BlobDeleter func(storagePath string) error

// Context bundles everything a handler needs: the bound session, the
// shared subsystems, and the per-connection download manager (spec.md
// §9's "the session owns the handle" lifetime).
type Context struct {
	Session    *session.Session
	Store      *store.State
	Groups     *groups.Service
	Email      *email.Service
	Uploads    *upload.Manager
	Downloads  *download.Manager
	DeleteBlob BlobDeleter
}

// Response is the JSON object every handler produces on success; it
// always carries success=true plus whatever operation-specific fields
// the handler adds.
type Response map[string]interface{}

func ok(fields Response) Response {
	if fields == nil {
		fields = Response{}
	}
	fields["success"] = true
	return fields
}

// HandlerFunc is the uniform handler signature spec.md §9 describes:
// fn(session, payload_bytes) -> (response_bytes). Returning a typed
// *Error lets the connection handler decide close-vs-reply.
type HandlerFunc func(ctx *Context, payload []byte) (Response, error)

// requiresAuth wraps a handler with the "session.user_id unbound ->
// auth error" gate spec.md §4.7 assigns to every opcode not in the
// no-session-binding set.
func requiresAuth(fn HandlerFunc) HandlerFunc {
	return func(ctx *Context, payload []byte) (Response, error) {
		if !ctx.Session.IsBound() {
			return nil, AuthError("authentication required")
		}
		return fn(ctx, payload)
	}
}

var handlers map[Opcode]HandlerFunc

func init() {
	handlers = map[Opcode]HandlerFunc{
		OpRegister:      handleRegister,
		OpAuth:          handleAuth,
		OpEmailCode:     handleEmailCode,
		OpPasswordReset: handlePasswordReset,
		OpGetRecovery:   handleGetRecoveryData,

		OpFileList:         requiresAuth(handleFileList),
		OpFileUploadStart:  requiresAuth(handleFileUploadStart),
		OpFileUploadData:   requiresAuth(handleFileUploadData),
		OpFileUploadEnd:    requiresAuth(handleFileUploadEnd),
		OpFileUploadCancel: requiresAuth(handleFileUploadCancel),
		OpFileDownloadReq:  requiresAuth(handleFileDownloadRequest),
		OpFileDownloadData: requiresAuth(handleFileDownloadData),
		OpFileDelete:       requiresAuth(handleFileDelete),
		OpFileRename:       requiresAuth(handleFileRename),
		OpFolderCreate:     requiresAuth(handleFolderCreate),

		OpGroupCreate:  requiresAuth(handleGroupCreate),
		OpGroupList:    requiresAuth(handleGroupList),
		OpGroupInvite:  requiresAuth(handleGroupInvite),
		OpGroupJoin:    requiresAuth(handleGroupJoin),
		OpGroupLeave:   requiresAuth(handleGroupLeave),
		OpGroupKey:     requiresAuth(handleGroupKey),
		OpGroupMembers: requiresAuth(handleGroupMembers),

		OpUserPublicKey:     requiresAuth(handleUserPublicKey),
		OpNotificationCount: requiresAuth(handleNotificationCount),
		OpNotificationRead:  requiresAuth(handleNotificationRead),
		OpHeartbeat:         requiresAuth(handleHeartbeat),
	}
}

// Dispatch decodes one envelope, routes it to its handler, and
// returns the response envelope bytes ready for Channel.Send. A
// protocol-kind error (malformed envelope, unknown opcode) is
// returned as-is so the caller can close the connection instead of
// replying.
func Dispatch(ctx *Context, raw []byte) ([]byte, *Error) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return nil, ProtocolError("malformed envelope", err)
	}

	fn, known := handlers[env.Opcode]
	if !known {
		return nil, ProtocolError("unknown opcode", fmt.Errorf("opcode %q", env.Opcode))
	}

	resp, herr := fn(ctx, env.Payload)
	if herr != nil {
		if rerr, isRouterErr := asRouterError(herr); isRouterErr {
			if rerr.Kind == KindProtocol {
				return nil, rerr
			}
			resp = Response{"success": false, "error": rerr.Message}
		} else {
			resp = Response{"success": false, "error": "internal error"}
		}
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return nil, ProtocolError("failed to encode response", err)
	}
	return EncodeEnvelope(env.Opcode, body), nil
}

func asRouterError(err error) (*Error, bool) {
	rerr, ok := err.(*Error)
	return rerr, ok
}
