// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package handshake implements the four-message Diffie-Hellman
// handshake that bootstraps a SecureNetDisk connection: client and
// server exchange DH public values, the server signs the transcript
// with its long-lived RSA identity key, and both sides confirm
// derived session keys with a Finished MAC.
package handshake

import (
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	appcrypto "github.com/mobpoly/securenetdisk/internal/crypto"
	"github.com/mobpoly/securenetdisk/internal/wire"
)

// State names the handshake state machine's steps. RunClient and
// RunServer do not record a State value; any deviation from the
// expected next message makes them return an error, and the caller
// must close the connection.
type State int

const (
	StateInitial State = iota
	StateHelloSent
	StateKeyExchanged
	StateFinished
	StateFailed
)

// Timeout bounds the entire four-message exchange.
const Timeout = 30 * time.Second

const (
	randomSize = 32
	dhPubSize  = 256
)

// SessionKeys holds the three keys derived from the DH shared secret
// and both hello randoms.
type SessionKeys struct {
	ClientToServer []byte // K_c2s
	ServerToClient []byte // K_s2c
	MAC            []byte // K_mac
}

func deriveSessionKeys(shared, clientRandom, serverRandom []byte) SessionKeys {
	transcript := func(label string) []byte {
		buf := append([]byte(label), clientRandom...)
		buf = append(buf, serverRandom...)
		full := append(append([]byte{}, shared...), buf...)
		return appcrypto.SHA256Sum(full)
	}
	return SessionKeys{
		ClientToServer: transcript("client_key"),
		ServerToClient: transcript("server_key"),
		MAC:            transcript("hmac_key"),
	}
}

var (
	// ErrUnexpectedMessage is returned when a frame of the wrong type
	// arrives for the current handshake state.
	ErrUnexpectedMessage = errors.New("handshake: unexpected message for current state")
	// ErrSignatureInvalid is returned when the server's transcript
	// signature does not verify under its claimed public key.
	ErrSignatureInvalid = errors.New("handshake: server signature invalid")
	// ErrPinMismatch is returned when a pinned server public key does
	// not byte-for-byte match the one presented in ServerHello.
	ErrPinMismatch = errors.New("handshake: server public key does not match pinned key")
	// ErrFinishedMismatch is returned when a Finished MAC fails to
	// verify.
	ErrFinishedMismatch = errors.New("handshake: finished MAC mismatch")
)

func writeFrame(conn net.Conn, f *wire.Frame) error {
	_, err := conn.Write(f.Marshal(nil))
	return err
}

func readFrameOfType(conn net.Conn, want wire.Type) (*wire.Frame, error) {
	f, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	if f.Type != want {
		return nil, ErrUnexpectedMessage
	}
	return f, nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// ClientResult is returned by RunClient on a successful handshake.
type ClientResult struct {
	Keys            SessionKeys
	ServerPublicKey *rsa.PublicKey
	ServerPubPEM    []byte
}

// PinChecker verifies a server's claimed RSA identity key against a
// trust-on-first-use pin. Implementations live in internal/keys.
type PinChecker interface {
	// Check returns nil if pubPEM is trusted (either newly pinned or
	// matching the existing pin), or ErrPinMismatch otherwise.
	Check(serverID string, pubPEM []byte) error
}

// RunClient drives the client side of the handshake over conn,
// enforcing the deadline, TOFU pin check, and signature verification.
func RunClient(conn net.Conn, serverID string, pins PinChecker) (*ClientResult, error) {
	_ = conn.SetDeadline(time.Now().Add(Timeout))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	clientRandom, err := appcrypto.RandomBytes(randomSize)
	if err != nil {
		return nil, err
	}
	dh, err := appcrypto.GenerateDHKeyPair()
	if err != nil {
		return nil, err
	}

	hello := &wire.Frame{
		Type:      wire.TypeClientHello,
		Sequence:  0,
		Timestamp: nowMillis(),
		Payload:   append(append([]byte{}, clientRandom...), dh.PublicKeyBytes()...),
	}
	if err := writeFrame(conn, hello); err != nil {
		return nil, err
	}

	serverHelloFrame, err := readFrameOfType(conn, wire.TypeServerHello)
	if err != nil {
		return nil, err
	}
	serverRandom, dhPubS, serverPubPEM, sig, err := parseServerHello(serverHelloFrame.Payload)
	if err != nil {
		return nil, err
	}

	if pins != nil {
		if err := pins.Check(serverID, serverPubPEM); err != nil {
			return nil, err
		}
	}
	serverPub, err := appcrypto.ParsePublicKeyPEM(serverPubPEM)
	if err != nil {
		return nil, err
	}

	transcript := append(append(append([]byte{}, clientRandom...), serverRandom...), dhPubS...)
	if err := appcrypto.VerifyTranscript(serverPub, transcript, sig); err != nil {
		return nil, ErrSignatureInvalid
	}

	shared, err := dh.SharedSecret(appcrypto.PublicFromBytes(dhPubS))
	if err != nil {
		return nil, err
	}
	keys := deriveSessionKeys(shared, clientRandom, serverRandom)

	clientFinishedTag := appcrypto.ComputeHMAC(keys.MAC, finishedInput("client_finished", clientRandom, serverRandom))
	clientFinished := &wire.Frame{Type: wire.TypeFinished, Sequence: 1, Timestamp: nowMillis(), Payload: clientFinishedTag}
	if _, err := conn.Write(clientFinished.Marshal(keys.MAC)); err != nil {
		return nil, err
	}

	serverFinishedFrame, err := readFrameOfType(conn, wire.TypeFinished)
	if err != nil {
		return nil, err
	}
	if !serverFinishedFrame.VerifyMAC(keys.MAC) {
		return nil, ErrFinishedMismatch
	}
	expected := appcrypto.ComputeHMAC(keys.MAC, finishedInput("server_finished", clientRandom, serverRandom))
	if !constantTimeCompare(expected, serverFinishedFrame.Payload) {
		return nil, ErrFinishedMismatch
	}

	return &ClientResult{Keys: keys, ServerPublicKey: serverPub, ServerPubPEM: serverPubPEM}, nil
}

// ServerResult is returned by RunServer on a successful handshake.
type ServerResult struct {
	Keys SessionKeys
}

// RunServer drives the server side of the handshake over conn using
// the server's long-lived RSA identity keypair and PEM encoding.
func RunServer(conn net.Conn, identityKey *rsa.PrivateKey, identityPubPEM []byte) (*ServerResult, error) {
	_ = conn.SetDeadline(time.Now().Add(Timeout))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	clientHelloFrame, err := readFrameOfType(conn, wire.TypeClientHello)
	if err != nil {
		return nil, err
	}
	if len(clientHelloFrame.Payload) != randomSize+dhPubSize {
		return nil, fmt.Errorf("handshake: malformed client hello")
	}
	clientRandom := clientHelloFrame.Payload[:randomSize]
	dhPubC := clientHelloFrame.Payload[randomSize:]

	serverRandom, err := appcrypto.RandomBytes(randomSize)
	if err != nil {
		return nil, err
	}
	dh, err := appcrypto.GenerateDHKeyPair()
	if err != nil {
		return nil, err
	}
	dhPubS := dh.PublicKeyBytes()

	transcript := append(append(append([]byte{}, clientRandom...), serverRandom...), dhPubS...)
	sig, err := appcrypto.SignTranscript(identityKey, transcript)
	if err != nil {
		return nil, err
	}

	payload := buildServerHello(serverRandom, dhPubS, identityPubPEM, sig)
	serverHello := &wire.Frame{Type: wire.TypeServerHello, Sequence: 0, Timestamp: nowMillis(), Payload: payload}
	if err := writeFrame(conn, serverHello); err != nil {
		return nil, err
	}

	shared, err := dh.SharedSecret(appcrypto.PublicFromBytes(dhPubC))
	if err != nil {
		return nil, err
	}
	keys := deriveSessionKeys(shared, clientRandom, serverRandom)

	clientFinishedFrame, err := readFrameOfType(conn, wire.TypeFinished)
	if err != nil {
		return nil, err
	}
	if !clientFinishedFrame.VerifyMAC(keys.MAC) {
		return nil, ErrFinishedMismatch
	}
	expectedClient := appcrypto.ComputeHMAC(keys.MAC, finishedInput("client_finished", clientRandom, serverRandom))
	if !constantTimeCompare(expectedClient, clientFinishedFrame.Payload) {
		return nil, ErrFinishedMismatch
	}

	serverFinishedTag := appcrypto.ComputeHMAC(keys.MAC, finishedInput("server_finished", clientRandom, serverRandom))
	serverFinished := &wire.Frame{Type: wire.TypeFinished, Sequence: 1, Timestamp: nowMillis(), Payload: serverFinishedTag}
	if _, err := conn.Write(serverFinished.Marshal(keys.MAC)); err != nil {
		return nil, err
	}

	return &ServerResult{Keys: keys}, nil
}

func finishedInput(label string, clientRandom, serverRandom []byte) []byte {
	buf := append([]byte(label), clientRandom...)
	return append(buf, serverRandom...)
}

func constantTimeCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

func buildServerHello(serverRandom, dhPubS, pubPEM, sig []byte) []byte {
	buf := make([]byte, 0, randomSize+dhPubSize+len(pubPEM)+len(sig)+8)
	buf = append(buf, serverRandom...)
	buf = append(buf, dhPubS...)
	buf = appendLenPrefixed(buf, pubPEM)
	buf = appendLenPrefixed(buf, sig)
	return buf
}

func parseServerHello(payload []byte) (serverRandom, dhPubS, pubPEM, sig []byte, err error) {
	if len(payload) < randomSize+dhPubSize {
		return nil, nil, nil, nil, fmt.Errorf("handshake: malformed server hello")
	}
	serverRandom = payload[:randomSize]
	dhPubS = payload[randomSize : randomSize+dhPubSize]
	rest := payload[randomSize+dhPubSize:]
	pubPEM, rest, err = readLenPrefixed(rest)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	sig, rest, err = readLenPrefixed(rest)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if len(rest) != 0 {
		return nil, nil, nil, nil, fmt.Errorf("handshake: trailing bytes in server hello")
	}
	return serverRandom, dhPubS, pubPEM, sig, nil
}

func appendLenPrefixed(buf, data []byte) []byte {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data)))
	buf = append(buf, lenBuf...)
	return append(buf, data...)
}

func readLenPrefixed(buf []byte) (data, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, io.ErrUnexpectedEOF
	}
	n := binary.BigEndian.Uint32(buf[:4])
	if uint32(len(buf)-4) < n {
		return nil, nil, io.ErrUnexpectedEOF
	}
	return buf[4 : 4+n], buf[4+n:], nil
}
