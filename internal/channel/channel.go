// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package channel implements the secure channel (C5): ordered,
// encrypted, MAC-authenticated application messages built on top of
// internal/wire frames and the keys derived by internal/handshake.
package channel

import (
	"net"
	"sync"
	"time"

	appcrypto "github.com/mobpoly/securenetdisk/internal/crypto"
	"github.com/mobpoly/securenetdisk/internal/session"
	"github.com/mobpoly/securenetdisk/internal/wire"
)

// Channel wraps a net.Conn, encrypting outbound application payloads
// under the session's send key and decrypting/authenticating inbound
// ones under its receive key. Send and receive each hold their own
// lock, so one Channel is safe for concurrent writers while keeping
// FIFO order within each direction.
type Channel struct {
	conn net.Conn
	sess *session.Session

	sendKey []byte
	recvKey []byte
	macKey  []byte

	sendMu sync.Mutex
	recvMu sync.Mutex
}

// New wraps conn as a secure channel bound to sess. isServer selects
// which derived key is used to send versus receive: the server sends
// with K_s2c and receives with K_c2s; the client is the mirror image.
func New(conn net.Conn, sess *session.Session, isServer bool) *Channel {
	c := &Channel{conn: conn, sess: sess, macKey: sess.Keys.MAC}
	if isServer {
		c.sendKey = sess.Keys.ServerToClient
		c.recvKey = sess.Keys.ClientToServer
	} else {
		c.sendKey = sess.Keys.ClientToServer
		c.recvKey = sess.Keys.ServerToClient
	}
	return c
}

// Message is one decrypted application-level frame delivered by
// Receive.
type Message struct {
	Type    wire.Type
	Payload []byte
}

// Send encrypts payload under AES-CTR with a fresh 8-byte nonce,
// frames it with a fresh sequence number and current timestamp, and
// writes it to the connection. Concurrent Send calls from multiple
// application goroutines serialize through sendMu, preserving FIFO
// order on the wire.
func (c *Channel) Send(msgType wire.Type, payload []byte) error {
	nonce, err := appcrypto.RandomBytes(8)
	if err != nil {
		return err
	}
	stream, err := appcrypto.NewCTRStream(c.sendKey, nonce)
	if err != nil {
		return err
	}
	ciphertext := make([]byte, len(payload))
	stream.XORKeyStream(ciphertext, payload)

	framedPayload := append(append([]byte{}, nonce...), ciphertext...)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	f := &wire.Frame{
		Type:      msgType,
		Flags:     wire.FlagEncrypted,
		Sequence:  c.sess.NextSendSequence(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   framedPayload,
	}
	_, err = c.conn.Write(f.Marshal(c.macKey))
	return err
}

// Receive reads exactly one complete frame (buffering partial reads
// internally via wire.ReadFrame), verifies its MAC, validates its
// sequence number and timestamp against replay/drift rules, and
// decrypts its payload.
func (c *Channel) Receive() (*Message, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	f, err := wire.ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	if !f.VerifyMAC(c.macKey) {
		return nil, ErrMACMismatch
	}
	if err := c.sess.CheckReceive(f.Sequence, f.Timestamp, time.Now()); err != nil {
		return nil, err
	}

	if f.Flags&wire.FlagEncrypted == 0 {
		return &Message{Type: f.Type, Payload: f.Payload}, nil
	}
	if len(f.Payload) < 8 {
		return nil, ErrMalformedPayload
	}
	nonce, ciphertext := f.Payload[:8], f.Payload[8:]
	stream, err := appcrypto.NewCTRStream(c.recvKey, nonce)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)
	return &Message{Type: f.Type, Payload: plaintext}, nil
}

// ErrMACMismatch and ErrMalformedPayload are the two ways Receive can
// fail as a protocol-kind error: the caller (internal/server) must
// close the connection without a reply on either, per spec.md §7.
var (
	ErrMACMismatch      = channelError("channel: frame MAC verification failed")
	ErrMalformedPayload = channelError("channel: encrypted payload too short")
)

type channelError string

func (e channelError) Error() string { return string(e) }
