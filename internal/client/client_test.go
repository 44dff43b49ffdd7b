package client_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobpoly/securenetdisk/internal/blobstore"
	"github.com/mobpoly/securenetdisk/internal/client"
	appcrypto "github.com/mobpoly/securenetdisk/internal/crypto"
	"github.com/mobpoly/securenetdisk/internal/email"
	"github.com/mobpoly/securenetdisk/internal/groups"
	"github.com/mobpoly/securenetdisk/internal/keys"
	"github.com/mobpoly/securenetdisk/internal/server"
	"github.com/mobpoly/securenetdisk/internal/session"
	"github.com/mobpoly/securenetdisk/internal/store"
	"github.com/mobpoly/securenetdisk/internal/upload"
)

func startTestServer(t *testing.T) (addr string) {
	t.Helper()

	st, err := store.InitDB("sqlite", ":memory:")
	require.NoError(t, err)
	blobs, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	identity, err := appcrypto.GenerateRSAKeyPair()
	require.NoError(t, err)
	identityPub, err := appcrypto.MarshalPublicKeyPEM(&identity.PublicKey)
	require.NoError(t, err)

	sessions := session.NewManager(0, 0, time.Hour)

	srv := server.New(server.Config{
		ListenAddr:     "127.0.0.1:0",
		IdentityKey:    identity,
		IdentityPubPEM: identityPub,
		Store:          st,
		Blobs:          blobs,
		Groups:         groups.New(st),
		Email:          email.New(st, nil),
		Uploads:        upload.New(blobs, st),
		Sessions:       sessions,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		sessions.Close()
		<-done
	})

	var bound net.Addr
	require.Eventually(t, func() bool {
		bound = srv.Addr()
		return bound != nil
	}, 2*time.Second, 10*time.Millisecond)
	return bound.String()
}

func dial(t *testing.T, addr string) *client.Client {
	t.Helper()
	c, err := client.Dial(addr, "test-server", nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRegisterThenLoginRecoversMasterKey(t *testing.T) {
	addr := startTestServer(t)

	c1 := dial(t, addr)
	bundle, userID, err := c1.Register("alice", "alice@x", "Passw0rd!")
	require.NoError(t, err)
	require.NotZero(t, userID)
	require.NotEmpty(t, bundle.RecoveryKeyPlain)
	c1.Close()

	c2 := dial(t, addr)
	require.NoError(t, c2.Login("alice", "Passw0rd!"))
	require.Equal(t, bundle.MasterKey, c2.MasterKey)
	require.Equal(t, userID, c2.UserID)
}

func TestRecoveryResetRotatesPassword(t *testing.T) {
	addr := startTestServer(t)

	c1 := dial(t, addr)
	bundle, _, err := c1.Register("alice", "alice@x", "Passw0rd!")
	require.NoError(t, err)
	c1.Close()

	c2 := dial(t, addr)
	require.NoError(t, c2.ResetPasswordWithRecovery("alice", bundle.RecoveryKeyPlain, "NewPass1!"))
	c2.Close()

	c3 := dial(t, addr)
	require.Error(t, c3.Login("alice", "Passw0rd!"))
	c3.Close()

	c4 := dial(t, addr)
	require.NoError(t, c4.Login("alice", "NewPass1!"))
	require.Equal(t, bundle.MasterKey, c4.MasterKey)
	c4.Close()

	// The recovery key still works for a second reset.
	c5 := dial(t, addr)
	require.NoError(t, c5.ResetPasswordWithRecovery("alice", bundle.RecoveryKeyPlain, "ThirdPass2!"))
}

func TestPersonalFileRoundTrip(t *testing.T) {
	addr := startTestServer(t)

	c := dial(t, addr)
	_, _, err := c.Register("alice", "alice@x", "Passw0rd!")
	require.NoError(t, err)
	require.NoError(t, c.Login("alice", "Passw0rd!"))

	plaintext := []byte("0123456789abcdef")
	fileID, err := c.UploadBytes("data.bin", plaintext, c.MasterKey, nil, nil)
	require.NoError(t, err)

	entries, err := c.ListFiles(nil, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.False(t, entries[0].IsFolder)
	// version byte + IV + data block + full PKCS#7 padding block
	require.EqualValues(t, 49, entries[0].Size)

	got, err := c.DownloadBytes(fileID, c.MasterKey)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestUploadFileAndDownloadToPath(t *testing.T) {
	addr := startTestServer(t)

	c := dial(t, addr)
	_, _, err := c.Register("alice", "alice@x", "Passw0rd!")
	require.NoError(t, err)
	require.NoError(t, c.Login("alice", "Passw0rd!"))

	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	content := make([]byte, 300_000)
	for i := range content {
		content[i] = byte(i % 253)
	}
	require.NoError(t, os.WriteFile(src, content, 0o600))

	fileID, err := c.UploadFile(src, "src.bin", c.MasterKey, nil, nil)
	require.NoError(t, err)

	out := filepath.Join(dir, "out.bin")
	require.NoError(t, c.DownloadToPath(fileID, c.MasterKey, out))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestGroupShareAndAuthorization(t *testing.T) {
	addr := startTestServer(t)

	alice := dial(t, addr)
	_, _, err := alice.Register("alice", "alice@x", "Passw0rd!")
	require.NoError(t, err)
	require.NoError(t, alice.Login("alice", "Passw0rd!"))

	bob := dial(t, addr)
	_, _, err = bob.Register("bob", "bob@x", "BobPass1!")
	require.NoError(t, err)
	require.NoError(t, bob.Login("bob", "BobPass1!"))

	carol := dial(t, addr)
	_, _, err = carol.Register("carol", "carol@x", "CarolPw1!")
	require.NoError(t, err)
	require.NoError(t, carol.Login("carol", "CarolPw1!"))

	groupID, groupKey, err := alice.CreateGroup("team")
	require.NoError(t, err)

	_, err = alice.Invite(groupID, "bob", groupKey)
	require.NoError(t, err)

	_, invites, err := bob.ListGroups()
	require.NoError(t, err)
	require.Len(t, invites, 1)

	joined, err := bob.RespondToInvitation(invites[0].ID, true)
	require.NoError(t, err)
	require.Equal(t, groupID, joined)

	// Bob recovers the plaintext group key through his own wrap.
	bobGroupKey, err := bob.FetchGroupKey(groupID)
	require.NoError(t, err)
	require.Equal(t, groupKey, bobGroupKey)

	fileID, err := alice.UploadBytes("hello.txt", []byte("hi"), groupKey, nil, &groupID)
	require.NoError(t, err)

	entries, err := bob.ListFiles(nil, &groupID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "hello.txt", entries[0].Name)

	got, err := bob.DownloadBytes(fileID, bobGroupKey)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), got)

	// Bob has a new-file notification waiting; Alice (the uploader)
	// does not.
	counts, err := bob.NotificationCounts()
	require.NoError(t, err)
	require.EqualValues(t, 1, counts[string(store.NotificationNewFile)])

	// Carol is not a member: listing and key fetch are rejected.
	_, err = carol.ListFiles(nil, &groupID)
	require.Error(t, err)
	_, err = carol.FetchGroupKey(groupID)
	require.Error(t, err)
}

func TestRejectInvitationLeavesNonMember(t *testing.T) {
	addr := startTestServer(t)

	alice := dial(t, addr)
	_, _, err := alice.Register("alice", "alice@x", "Passw0rd!")
	require.NoError(t, err)
	require.NoError(t, alice.Login("alice", "Passw0rd!"))

	bob := dial(t, addr)
	_, _, err = bob.Register("bob", "bob@x", "BobPass1!")
	require.NoError(t, err)
	require.NoError(t, bob.Login("bob", "BobPass1!"))

	groupID, groupKey, err := alice.CreateGroup("team")
	require.NoError(t, err)
	_, err = alice.Invite(groupID, "bob", groupKey)
	require.NoError(t, err)

	_, invites, err := bob.ListGroups()
	require.NoError(t, err)
	require.Len(t, invites, 1)

	_, err = bob.RespondToInvitation(invites[0].ID, false)
	require.NoError(t, err)

	_, err = bob.FetchGroupKey(groupID)
	require.Error(t, err)

	groupsList, _, err := bob.ListGroups()
	require.NoError(t, err)
	require.Empty(t, groupsList)
}

func TestTOFUPinRejectsChangedServerKey(t *testing.T) {
	addrA := startTestServer(t)
	addrB := startTestServer(t)

	pins := keys.NewFileSystemPinStore(filepath.Join(t.TempDir(), "pins.json"))
	checker := &keys.TOFUChecker{Store: pins}

	c, err := client.Dial(addrA, "prod", checker)
	require.NoError(t, err)
	c.Close()

	// Same logical server ID, different identity key: handshake must
	// fail the pin check.
	_, err = client.Dial(addrB, "prod", checker)
	require.Error(t, err)
}
