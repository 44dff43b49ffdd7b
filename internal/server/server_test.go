package server

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobpoly/securenetdisk/internal/blobstore"
	appcrypto "github.com/mobpoly/securenetdisk/internal/crypto"
	"github.com/mobpoly/securenetdisk/internal/email"
	"github.com/mobpoly/securenetdisk/internal/groups"
	"github.com/mobpoly/securenetdisk/internal/handshake"
	"github.com/mobpoly/securenetdisk/internal/router"
	"github.com/mobpoly/securenetdisk/internal/session"
	"github.com/mobpoly/securenetdisk/internal/store"
	"github.com/mobpoly/securenetdisk/internal/upload"
	"github.com/mobpoly/securenetdisk/internal/wire"
)

func startTestServer(t *testing.T) (addr string, stop func()) {
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

	srv := New(Config{
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

	var netAddr net.Addr
	require.Eventually(t, func() bool {
		netAddr = srv.Addr()
		return netAddr != nil
	}, 2*time.Second, 10*time.Millisecond)

	return netAddr.String(), func() {
		cancel()
		sessions.Close()
		<-done
	}
}

func TestServerHandshakeAndRegisterRoundtrip(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	result, err := handshake.RunClient(conn, "test-server", nil)
	require.NoError(t, err)
	require.NotNil(t, result)

	reqBody, err := json.Marshal(map[string]string{
		"username":               "bob",
		"email":                  "bob@example.com",
		"password_hash":          "hash",
		"public_key":             "aa",
		"encrypted_private_key":  "bb",
		"encrypted_master_key":   "cc",
		"master_key_salt":        "dd",
		"recovery_key_encrypted": "ee",
		"recovery_key_salt":      "ff",
		"recovery_key_hash":      "ab",
	})
	require.NoError(t, err)
	envelope := router.EncodeEnvelope(router.OpRegister, reqBody)

	require.NoError(t, sendClientFrame(conn, result.Keys.ClientToServer, result.Keys.MAC, 2, envelope))

	respMsg, err := readClientFrame(conn, result.Keys.ServerToClient, result.Keys.MAC)
	require.NoError(t, err)
	env, err := router.DecodeEnvelope(respMsg)
	require.NoError(t, err)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Payload, &resp))
	require.Equal(t, true, resp["success"])
	require.NotNil(t, resp["user_id"])
}

func registerEnvelope(t *testing.T, username, email string) []byte {
	t.Helper()
	reqBody, err := json.Marshal(map[string]string{
		"username":               username,
		"email":                  email,
		"password_hash":          "hash",
		"public_key":             "aa",
		"encrypted_private_key":  "bb",
		"encrypted_master_key":   "cc",
		"master_key_salt":        "dd",
		"recovery_key_encrypted": "ee",
		"recovery_key_salt":      "ff",
		"recovery_key_hash":      "ab",
	})
	require.NoError(t, err)
	return router.EncodeEnvelope(router.OpRegister, reqBody)
}

func TestServerDropsReplayedFrameAndKeepsSessionUsable(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	result, err := handshake.RunClient(conn, "test-server", nil)
	require.NoError(t, err)

	frame, err := buildClientFrame(result.Keys.ClientToServer, result.Keys.MAC, 2, registerEnvelope(t, "bob", "bob@example.com"))
	require.NoError(t, err)

	_, err = conn.Write(frame)
	require.NoError(t, err)
	respMsg, err := readClientFrame(conn, result.Keys.ServerToClient, result.Keys.MAC)
	require.NoError(t, err)
	env, err := router.DecodeEnvelope(respMsg)
	require.NoError(t, err)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Payload, &resp))
	require.Equal(t, true, resp["success"])

	// Re-inject the identical bytes: the server must drop the frame
	// silently and keep the session alive.
	_, err = conn.Write(frame)
	require.NoError(t, err)

	// A fresh request on the same connection still gets served; its
	// response is the next frame on the wire, proving no reply was
	// sent for the replay.
	require.NoError(t, sendClientFrame(conn, result.Keys.ClientToServer, result.Keys.MAC, 3, registerEnvelope(t, "carol", "carol@example.com")))
	respMsg, err = readClientFrame(conn, result.Keys.ServerToClient, result.Keys.MAC)
	require.NoError(t, err)
	env, err = router.DecodeEnvelope(respMsg)
	require.NoError(t, err)
	resp = map[string]interface{}{}
	require.NoError(t, json.Unmarshal(env.Payload, &resp))
	require.Equal(t, true, resp["success"])
	require.NotEqual(t, float64(0), resp["user_id"])
}

func buildClientFrame(sendKey, macKey []byte, seq uint32, payload []byte) ([]byte, error) {
	nonce, err := appcrypto.RandomBytes(8)
	if err != nil {
		return nil, err
	}
	stream, err := appcrypto.NewCTRStream(sendKey, nonce)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(payload))
	stream.XORKeyStream(ciphertext, payload)
	framed := append(append([]byte{}, nonce...), ciphertext...)

	f := &wire.Frame{
		Type:      wire.TypeData,
		Flags:     wire.FlagEncrypted,
		Sequence:  seq,
		Timestamp: time.Now().UnixMilli(),
		Payload:   framed,
	}
	return f.Marshal(macKey), nil
}

func sendClientFrame(conn net.Conn, sendKey, macKey []byte, seq uint32, payload []byte) error {
	raw, err := buildClientFrame(sendKey, macKey, seq, payload)
	if err != nil {
		return err
	}
	_, err = conn.Write(raw)
	return err
}

func readClientFrame(conn net.Conn, recvKey, macKey []byte) ([]byte, error) {
	f, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext := f.Payload[:8], f.Payload[8:]
	stream, err := appcrypto.NewCTRStream(recvKey, nonce)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}
