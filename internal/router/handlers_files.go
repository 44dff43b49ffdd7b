// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package router

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/mobpoly/securenetdisk/internal/store"
	"github.com/mobpoly/securenetdisk/internal/upload"
)

// checkFileAccess implements spec.md §4.7's file/folder authorization
// row: personal nodes require owner == caller, group nodes require
// group membership.
func checkFileAccess(ctx *Context, node *store.FileNode) error {
	if node.OwnerID != nil {
		if *node.OwnerID != ctx.Session.UserID {
			return AuthzError("not permitted")
		}
		return nil
	}
	isMember, err := ctx.Store.IsMember(*node.GroupID, ctx.Session.UserID)
	if err != nil {
		return IOError("failed to check membership", err)
	}
	if !isMember {
		return AuthzError("not permitted")
	}
	return nil
}

// checkNamespaceAccess validates the (owner|group) pair a caller is
// trying to act within, for operations (list/upload-start/folder
// create) that don't yet have a FileNode to check against.
func checkNamespaceAccess(ctx *Context, groupID *uint) (ownerID, gid *uint, err error) {
	if groupID == nil {
		uid := ctx.Session.UserID
		return &uid, nil, nil
	}
	isMember, mErr := ctx.Store.IsMember(*groupID, ctx.Session.UserID)
	if mErr != nil {
		return nil, nil, IOError("failed to check membership", mErr)
	}
	if !isMember {
		return nil, nil, AuthzError("not permitted")
	}
	return nil, groupID, nil
}

type fileListRequest struct {
	ParentID *uint `json:"parent_id"`
	GroupID  *uint `json:"group_id"`
}

type fileInfo struct {
	ID               uint   `json:"id"`
	Name             string `json:"name"`
	IsFolder         bool   `json:"is_folder"`
	Size             int64  `json:"size"`
	ParentID         *uint  `json:"parent_id"`
	EncryptedFileKey string `json:"encrypted_file_key,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

func handleFileList(ctx *Context, payload []byte) (Response, error) {
	var req fileListRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed request")
	}
	ownerID, groupID, err := checkNamespaceAccess(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}
	nodes, err := ctx.Store.ListChildren(ownerID, groupID, req.ParentID)
	if err != nil {
		return nil, IOError("failed to list files", err)
	}
	out := make([]fileInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, fileInfo{
			ID: n.ID, Name: n.Name, IsFolder: n.IsFolder, Size: n.Size, ParentID: n.ParentID,
			EncryptedFileKey: hexEncode(n.EncryptedFileKey),
			CreatedAt:        n.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			UpdatedAt:        n.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return ok(Response{"files": out}), nil
}

type folderCreateRequest struct {
	Name     string `json:"name"`
	ParentID *uint  `json:"parent_id"`
	GroupID  *uint  `json:"group_id"`
}

func handleFolderCreate(ctx *Context, payload []byte) (Response, error) {
	var req folderCreateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed request")
	}
	if req.Name == "" {
		return nil, ValidationError("name is required")
	}
	ownerID, groupID, err := checkNamespaceAccess(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}
	node, err := ctx.Store.CreateFolder(ownerID, groupID, req.ParentID, req.Name)
	if err != nil {
		return nil, nodeCreateErr("failed to create folder", err)
	}
	return ok(Response{"id": node.ID}), nil
}

// nodeCreateErr maps the store's parent/namespace validation failures
// onto the right response kinds for node-creating operations.
func nodeCreateErr(msg string, err error) *Error {
	switch {
	case errors.Is(err, store.ErrInvalidRequest):
		return ValidationError(err.Error())
	case errors.Is(err, store.ErrNotFound):
		return NotFoundError("parent folder not found")
	default:
		return IOError(msg, err)
	}
}

type fileUploadStartRequest struct {
	Filename         string `json:"filename"`
	Size             int64  `json:"size"`
	EncryptedFileKey string `json:"encrypted_file_key"`
	ParentID         *uint  `json:"parent_id"`
	GroupID          *uint  `json:"group_id"`
}

func handleFileUploadStart(ctx *Context, payload []byte) (Response, error) {
	var req fileUploadStartRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed request")
	}
	if req.Filename == "" {
		return nil, ValidationError("filename is required")
	}
	encKey, err := hexDecode(req.EncryptedFileKey)
	if err != nil {
		return nil, ValidationError("malformed encrypted_file_key")
	}
	ownerID, groupID, err := checkNamespaceAccess(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}
	uploadID, fileID, err := ctx.Uploads.Start(upload.StartParams{
		Filename: req.Filename, Size: req.Size, EncryptedFileKey: encKey,
		OwnerID: ownerID, GroupID: groupID, ParentID: req.ParentID,
	})
	if err != nil {
		return nil, nodeCreateErr("failed to start upload", err)
	}
	return ok(Response{"upload_id": uploadID, "file_id": fileID}), nil
}

// handleFileUploadData handles the one opcode whose payload is raw
// bytes rather than JSON (spec.md §6: "raw: 32-byte ASCII upload_id ||
// chunk").
func handleFileUploadData(ctx *Context, payload []byte) (Response, error) {
	const uploadIDLen = 32
	if len(payload) < uploadIDLen {
		return nil, ValidationError("upload data frame too short")
	}
	uploadID := string(payload[:uploadIDLen])
	chunk := payload[uploadIDLen:]
	if err := ctx.Uploads.Data(uploadID, chunk); err != nil {
		if errors.Is(err, upload.ErrUnknownUpload) {
			return nil, NotFoundError("unknown upload_id")
		}
		return nil, IOError("failed to write chunk", err)
	}
	return ok(Response{"received": true}), nil
}

type uploadIDRequest struct {
	UploadID string `json:"upload_id"`
}

func handleFileUploadEnd(ctx *Context, payload []byte) (Response, error) {
	var req uploadIDRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed request")
	}
	result, err := ctx.Uploads.End(req.UploadID)
	if err != nil {
		if errors.Is(err, upload.ErrUnknownUpload) {
			return nil, NotFoundError("unknown upload_id")
		}
		return nil, IOError("failed to finalize upload", err)
	}
	if result.GroupID != nil {
		_ = ctx.Groups.NotifyNewFile(*result.GroupID, ctx.Session.UserID, result.FileID, result.Filename)
	}
	return ok(Response{"file_id": result.FileID}), nil
}

func handleFileUploadCancel(ctx *Context, payload []byte) (Response, error) {
	var req uploadIDRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed request")
	}
	if err := ctx.Uploads.Cancel(req.UploadID); err != nil {
		if errors.Is(err, upload.ErrUnknownUpload) {
			return nil, NotFoundError("unknown upload_id")
		}
		return nil, IOError("failed to cancel upload", err)
	}
	return ok(nil), nil
}

type fileIDRequest struct {
	FileID uint `json:"file_id"`
}

func handleFileDownloadRequest(ctx *Context, payload []byte) (Response, error) {
	var req fileIDRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed request")
	}
	node, err := ctx.Store.GetFileNode(req.FileID)
	if err != nil {
		return nil, NotFoundError("file not found")
	}
	if node.IsFolder {
		return nil, ValidationError("cannot download a folder")
	}
	if err := checkFileAccess(ctx, node); err != nil {
		return nil, err
	}
	downloadID, size, err := ctx.Downloads.Request(node.StoragePath)
	if err != nil {
		return nil, IOError("blob missing on disk", err)
	}
	return ok(Response{
		"download_id":        downloadID,
		"filename":           node.Name,
		"size":               size,
		"encrypted_file_key": hexEncode(node.EncryptedFileKey),
	}), nil
}

type fileDownloadDataRequest struct {
	DownloadID string `json:"download_id"`
	ChunkSize  int    `json:"chunk_size"`
}

func handleFileDownloadData(ctx *Context, payload []byte) (Response, error) {
	var req fileDownloadDataRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed request")
	}
	chunk, err := ctx.Downloads.Data(req.DownloadID, req.ChunkSize)
	if err != nil {
		return nil, NotFoundError("unknown download_id")
	}
	return ok(Response{
		"offset":      chunk.Offset,
		"chunk_size":  len(chunk.Data),
		"is_complete": chunk.IsComplete,
		"data":        base64.StdEncoding.EncodeToString(chunk.Data),
	}), nil
}

func handleFileDelete(ctx *Context, payload []byte) (Response, error) {
	var req fileIDRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed request")
	}
	node, err := ctx.Store.GetFileNode(req.FileID)
	if err != nil {
		return nil, NotFoundError("file not found")
	}
	if err := checkFileAccess(ctx, node); err != nil {
		return nil, err
	}
	if node.IsFolder {
		if err := ctx.Store.DeleteFolderCascade(node.ID, ctx.DeleteBlob); err != nil {
			return nil, IOError("failed to delete folder", err)
		}
		return ok(nil), nil
	}
	if err := ctx.Store.DeleteFileLeaf(node, ctx.DeleteBlob); err != nil {
		return nil, IOError("failed to delete file", err)
	}
	return ok(nil), nil
}

type fileRenameRequest struct {
	FileID  uint   `json:"file_id"`
	NewName string `json:"new_name"`
}

func handleFileRename(ctx *Context, payload []byte) (Response, error) {
	var req fileRenameRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ValidationError("malformed request")
	}
	if req.NewName == "" {
		return nil, ValidationError("new_name is required")
	}
	node, err := ctx.Store.GetFileNode(req.FileID)
	if err != nil {
		return nil, NotFoundError("file not found")
	}
	if err := checkFileAccess(ctx, node); err != nil {
		return nil, err
	}
	if err := ctx.Store.RenameFileNode(node.ID, req.NewName); err != nil {
		return nil, IOError("failed to rename", err)
	}
	return ok(nil), nil
}
