package router

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobpoly/securenetdisk/internal/blobstore"
	"github.com/mobpoly/securenetdisk/internal/download"
	"github.com/mobpoly/securenetdisk/internal/email"
	"github.com/mobpoly/securenetdisk/internal/groups"
	"github.com/mobpoly/securenetdisk/internal/handshake"
	"github.com/mobpoly/securenetdisk/internal/session"
	"github.com/mobpoly/securenetdisk/internal/store"
	"github.com/mobpoly/securenetdisk/internal/upload"
)

type fakeSender struct{ last string }

func (f *fakeSender) Send(addr string, purpose store.VerificationCodePurpose, code string) error {
	f.last = code
	return nil
}

func newTestContext(t *testing.T) (*Context, *fakeSender) {
	t.Helper()
	st, err := store.InitDB("sqlite", ":memory:")
	require.NoError(t, err)

	dir := t.TempDir()
	blobs, err := blobstore.New(dir)
	require.NoError(t, err)

	sender := &fakeSender{}
	emailSvc := email.New(st, sender)
	groupSvc := groups.New(st)
	uploads := upload.New(blobs, st)
	downloads := download.New(blobs)

	sess := session.New("test-session", handshake.SessionKeys{
		ClientToServer: make([]byte, 32),
		ServerToClient: make([]byte, 32),
		MAC:            make([]byte, 32),
	})

	ctx := &Context{
		Session:   sess,
		Store:     st,
		Groups:    groupSvc,
		Email:     emailSvc,
		Uploads:   uploads,
		Downloads: downloads,
		DeleteBlob: func(path string) error {
			return blobs.Delete(path)
		},
	}
	return ctx, sender
}

func dispatchOK(t *testing.T, ctx *Context, opcode Opcode, reqBody interface{}) Response {
	t.Helper()
	body, err := json.Marshal(reqBody)
	require.NoError(t, err)
	raw := EncodeEnvelope(opcode, body)
	respBytes, rerr := Dispatch(ctx, raw)
	require.Nil(t, rerr)
	env, err := DecodeEnvelope(respBytes)
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(env.Payload, &resp))
	require.Equal(t, true, resp["success"], "response: %+v", resp)
	return resp
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	ctx, _ := newTestContext(t)

	resp := dispatchOK(t, ctx, OpRegister, registerRequest{
		Username:             "alice",
		Email:                "alice@example.com",
		PasswordHash:         "bcryptedhash",
		PublicKey:            "aa",
		EncryptedPrivateKey:  "bb",
		EncryptedMasterKey:   "cc",
		MasterKeySalt:        "dd",
		RecoveryKeyEncrypted: "ee",
		RecoveryKeySalt:      "ff",
		RecoveryKeyHash:      "ab",
	})
	require.NotNil(t, resp["user_id"])

	body, err := json.Marshal(registerRequest{
		Username: "alice", Email: "alice2@example.com", PasswordHash: "x",
		PublicKey: "aa", EncryptedPrivateKey: "bb", EncryptedMasterKey: "cc",
		MasterKeySalt: "dd", RecoveryKeyEncrypted: "ee", RecoveryKeySalt: "ff", RecoveryKeyHash: "ab",
	})
	require.NoError(t, err)
	respBytes, rerr := Dispatch(ctx, EncodeEnvelope(OpRegister, body))
	require.Nil(t, rerr)
	env, err := DecodeEnvelope(respBytes)
	require.NoError(t, err)
	var resp2 Response
	require.NoError(t, json.Unmarshal(env.Payload, &resp2))
	require.Equal(t, false, resp2["success"])
}

func TestDispatchUnboundSessionRejected(t *testing.T) {
	ctx, _ := newTestContext(t)
	body, _ := json.Marshal(fileListRequest{})
	raw := EncodeEnvelope(OpFileList, body)
	respBytes, rerr := Dispatch(ctx, raw)
	require.Nil(t, rerr)
	env, _ := DecodeEnvelope(respBytes)
	var resp Response
	require.NoError(t, json.Unmarshal(env.Payload, &resp))
	require.Equal(t, false, resp["success"])
}

func TestFolderCreateListAndFileLifecycle(t *testing.T) {
	ctx, _ := newTestContext(t)
	ctx.Session.BindUser(1, "alice")
	require.NoError(t, ctx.Store.CreateUser(&store.User{
		ID: 1, Username: "alice", Email: "alice@example.com", PasswordHash: "h",
		PublicKeyPEM: []byte("k"), EncryptedPrivateKey: []byte("k"),
		EncryptedMasterKey: []byte("k"), MasterKeySalt: []byte("k"),
		RecoveryKeyEncrypted: []byte("k"), RecoveryKeySalt: []byte("k"), RecoveryKeyHash: []byte("k"),
	}))

	folderResp := dispatchOK(t, ctx, OpFolderCreate, folderCreateRequest{Name: "docs"})
	folderIDFloat := folderResp["id"].(float64)
	folderID := uint(folderIDFloat)

	startResp := dispatchOK(t, ctx, OpFileUploadStart, fileUploadStartRequest{
		Filename: "a.txt", Size: 5, EncryptedFileKey: "aabb", ParentID: &folderID,
	})
	uploadID := startResp["upload_id"].(string)

	dataPayload := append([]byte(uploadID), []byte("hello")...)
	raw := EncodeEnvelope(OpFileUploadData, dataPayload)
	respBytes, rerr := Dispatch(ctx, raw)
	require.Nil(t, rerr)
	env, _ := DecodeEnvelope(respBytes)
	var resp Response
	require.NoError(t, json.Unmarshal(env.Payload, &resp))
	require.Equal(t, true, resp["success"])

	endResp := dispatchOK(t, ctx, OpFileUploadEnd, uploadIDRequest{UploadID: uploadID})
	fileIDFloat := endResp["file_id"].(float64)
	fileID := uint(fileIDFloat)

	listResp := dispatchOK(t, ctx, OpFileList, fileListRequest{ParentID: &folderID})
	files, ok := listResp["files"].([]interface{})
	require.True(t, ok, "unexpected files type: %T", listResp["files"])
	require.Len(t, files, 1)
	first := files[0].(map[string]interface{})
	require.Equal(t, "a.txt", first["name"])

	downloadResp := dispatchOK(t, ctx, OpFileDownloadReq, fileIDRequest{FileID: fileID})
	downloadID := downloadResp["download_id"].(string)

	dataResp := dispatchOK(t, ctx, OpFileDownloadData, fileDownloadDataRequest{DownloadID: downloadID, ChunkSize: 64})
	require.Equal(t, true, dataResp["is_complete"])

	dispatchOK(t, ctx, OpFileRename, fileRenameRequest{FileID: fileID, NewName: "b.txt"})

	dispatchOK(t, ctx, OpFileDelete, fileIDRequest{FileID: folderID})

	_, err := ctx.Store.GetFileNode(fileID)
	require.Error(t, err)
}

func TestMain(m *testing.M) {
	code := m.Run()
	os.Exit(code)
}
