package upload_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobpoly/securenetdisk/internal/blobstore"
	"github.com/mobpoly/securenetdisk/internal/download"
	"github.com/mobpoly/securenetdisk/internal/store"
	"github.com/mobpoly/securenetdisk/internal/upload"
)

func newFixture(t *testing.T) (*upload.Manager, *download.Manager, *store.State, uint) {
	t.Helper()
	blobs, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	st, err := store.InitDB("sqlite", ":memory:")
	require.NoError(t, err)

	u := &store.User{
		Username: "alice", Email: "alice@example.com", PasswordHash: "h",
		PublicKeyPEM: []byte("pub"), EncryptedPrivateKey: []byte("priv"),
		EncryptedMasterKey: []byte("emk"), MasterKeySalt: []byte("salt"),
		RecoveryKeyEncrypted: []byte("rke"), RecoveryKeySalt: []byte("rks"), RecoveryKeyHash: []byte("rkh"),
	}
	require.NoError(t, st.CreateUser(u))

	return upload.New(blobs, st), download.New(blobs), st, u.ID
}

func TestUploadDownloadRoundtrip(t *testing.T) {
	up, down, st, ownerID := newFixture(t)

	plaintextLike := []byte("0123456789abcdef") // stand-in ciphertext bytes for the test
	uploadID, fileID, err := up.Start(upload.StartParams{
		Filename: "note.txt", Size: int64(len(plaintextLike)),
		EncryptedFileKey: []byte("wrapped-file-key"), OwnerID: &ownerID,
	})
	require.NoError(t, err)

	require.NoError(t, up.Data(uploadID, plaintextLike[:8]))
	require.NoError(t, up.Data(uploadID, plaintextLike[8:]))

	result, err := up.End(uploadID)
	require.NoError(t, err)
	require.Equal(t, fileID, result.FileID)

	node, err := st.GetFileNode(fileID)
	require.NoError(t, err)

	downloadID, size, err := down.Request(node.StoragePath)
	require.NoError(t, err)
	require.EqualValues(t, len(plaintextLike), size)

	var got []byte
	for {
		chunk, err := down.Data(downloadID, 5)
		require.NoError(t, err)
		got = append(got, chunk.Data...)
		if chunk.IsComplete {
			break
		}
	}
	require.Equal(t, plaintextLike, got)
}

func TestUploadCancelRemovesTempAndRow(t *testing.T) {
	up, _, st, ownerID := newFixture(t)

	uploadID, fileID, err := up.Start(upload.StartParams{
		Filename: "gone.txt", Size: 4, EncryptedFileKey: []byte("k"), OwnerID: &ownerID,
	})
	require.NoError(t, err)
	require.NoError(t, up.Data(uploadID, []byte("ab")))
	require.NoError(t, up.Cancel(uploadID))

	_, err = st.GetFileNode(fileID)
	require.ErrorIs(t, err, store.ErrNotFound)

	err = up.Cancel(uploadID)
	require.ErrorIs(t, err, upload.ErrUnknownUpload)
}

func TestDataOnUnknownUploadIDErrors(t *testing.T) {
	up, _, _, _ := newFixture(t)
	err := up.Data("does-not-exist", []byte("x"))
	require.ErrorIs(t, err, upload.ErrUnknownUpload)
}
