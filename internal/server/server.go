// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package server implements the TCP accept loop and per-connection
// lifecycle: handshake, session registration, and the framed
// receive-dispatch-send loop that drives internal/router, using the
// same listen/signal/graceful-shutdown shape as an http.Server but
// adapted to a raw TCP transport (spec.md §4.2-§4.5, §5).
package server

import (
	"context"
	"crypto/rsa"
	"errors"
	"log/slog"
	"net"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/mobpoly/securenetdisk/internal/blobstore"
	"github.com/mobpoly/securenetdisk/internal/channel"
	"github.com/mobpoly/securenetdisk/internal/download"
	"github.com/mobpoly/securenetdisk/internal/email"
	"github.com/mobpoly/securenetdisk/internal/groups"
	"github.com/mobpoly/securenetdisk/internal/handshake"
	"github.com/mobpoly/securenetdisk/internal/router"
	"github.com/mobpoly/securenetdisk/internal/session"
	"github.com/mobpoly/securenetdisk/internal/store"
	"github.com/mobpoly/securenetdisk/internal/upload"
	"github.com/mobpoly/securenetdisk/internal/wire"
)

// Config bundles everything a Server needs to accept and service
// connections.
type Config struct {
	ListenAddr string

	IdentityKey    *rsa.PrivateKey
	IdentityPubPEM []byte

	Store   *store.State
	Blobs   *blobstore.Store
	Groups  *groups.Service
	Email   *email.Service
	Uploads *upload.Manager // shared across every connection (spec.md §5)

	Sessions *session.Manager

	// HandshakeRate limits how many new handshakes per second one
	// Server will begin servicing, guarding against connection-flood
	// exhaustion of the RSA/DH-heavy handshake path.
	HandshakeRate  rate.Limit
	HandshakeBurst int
}

// Server accepts connections on a TCP listener and runs one
// goroutine per connection, handing each off to the handshake and
// router layers once the secure channel is established.
type Server struct {
	cfg     Config
	limiter *rate.Limiter

	mu       sync.Mutex
	listener net.Listener

	wg sync.WaitGroup
}

// New constructs a Server from cfg. Defaults are applied for an unset
// handshake rate limit.
func New(cfg Config) *Server {
	if cfg.HandshakeRate <= 0 {
		cfg.HandshakeRate = 50
	}
	if cfg.HandshakeBurst <= 0 {
		cfg.HandshakeBurst = 100
	}
	return &Server{
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.HandshakeRate, cfg.HandshakeBurst),
	}
}

// Run listens on cfg.ListenAddr and serves connections until ctx is
// canceled or a SIGINT/SIGTERM arrives, then closes the listener and
// waits for in-flight connections to drain.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()
	defer func() { _ = lis.Close() }()
	slog.Info("server: listening", "addr", lis.Addr().String())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		slog.Info("server: shutting down")
		_ = lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection drives one connection's full lifecycle: handshake,
// session registration, and the receive-dispatch-send loop, tearing
// down every resource the connection opened on exit (spec.md §5's
// "closed connection ... releases the file descriptor" requirement).
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	defer conn.Close()

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	result, err := handshake.RunServer(conn, s.cfg.IdentityKey, s.cfg.IdentityPubPEM)
	if err != nil {
		slog.Debug("server: handshake failed", "remote", remote, "err", err)
		return
	}

	sess := s.cfg.Sessions.Create(result.Keys)
	defer s.cfg.Sessions.Remove(sess.ID)

	downloads := download.New(s.cfg.Blobs)
	defer downloads.CloseAll()

	ch := channel.New(conn, sess, true)
	rctx := &router.Context{
		Session:   sess,
		Store:     s.cfg.Store,
		Groups:    s.cfg.Groups,
		Email:     s.cfg.Email,
		Uploads:   s.cfg.Uploads,
		Downloads: downloads,
		DeleteBlob: func(path string) error {
			return s.cfg.Blobs.Delete(path)
		},
	}

	slog.Debug("server: session established", "remote", remote, "session", sess.ID)
	s.serveFrames(ch, rctx, remote)
}

// serveFrames runs the per-connection receive-dispatch-send loop
// until a protocol-kind failure or connection error ends it (spec.md
// §5: "frames are delivered to the handler strictly in receive
// order; responses are sent back strictly in the order the handler
// produced them"). A replayed or stale frame is dropped silently and
// the loop continues: the frame was fully consumed off the stream, so
// the session stays aligned and usable.
func (s *Server) serveFrames(ch *channel.Channel, rctx *router.Context, remote string) {
	for {
		msg, err := ch.Receive()
		if err != nil {
			if isReplayOrDrift(err) {
				slog.Debug("server: dropping replayed or stale frame", "remote", remote)
				continue
			}
			logConnectionError(remote, err)
			return
		}
		if msg.Type != wire.TypeData {
			slog.Debug("server: unexpected frame type outside handshake", "remote", remote, "type", msg.Type)
			return
		}

		respBytes, rerr := router.Dispatch(rctx, msg.Payload)
		if rerr != nil {
			logRouterError(remote, rerr)
			return
		}
		if err := ch.Send(wire.TypeData, respBytes); err != nil {
			logConnectionError(remote, err)
			return
		}
	}
}

// isReplayOrDrift reports whether a receive failure is a rejected
// sequence number or timestamp rather than a MAC/framing violation.
func isReplayOrDrift(err error) bool {
	var replay session.ErrReplay
	var drift session.ErrTimestampDrift
	return errors.As(err, &replay) || errors.As(err, &drift)
}

func logConnectionError(remote string, err error) {
	if errors.Is(err, channel.ErrMACMismatch) || errors.Is(err, channel.ErrMalformedPayload) {
		slog.Debug("server: closing connection on transport violation", "remote", remote)
		return
	}
	slog.Debug("server: closing connection", "remote", remote, "err", err)
}

func logRouterError(remote string, rerr *router.Error) {
	switch rerr.Kind {
	case router.KindProtocol:
		slog.Debug("server: closing connection on protocol error", "remote", remote)
	case router.KindAuth, router.KindAuthz:
		slog.Info("server: rejected request", "remote", remote, "kind", rerr.Kind)
	case router.KindIO:
		slog.Error("server: request failed", "remote", remote, "err", rerr)
	default:
		slog.Debug("server: request failed", "remote", remote, "err", rerr)
	}
}

// Addr returns the listener's bound address; useful in tests that
// bind to ":0".
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
