// Package distribution's Server is a deliberately small stand-in for the
// teacher's full WebTransport/MoQ session server (internal/webtransport +
// internal/distribution/moq_session.go, ~1200 lines of ANNOUNCE/SUBSCRIBE
// negotiation over HTTP/3): it accepts raw QUIC connections, runs a single
// CLIENT_SETUP/SERVER_SETUP and SUBSCRIBE/SUBSCRIBE_OK exchange on the
// accepted stream (moq.ReadControlMsg/ParseSubscribe/...), then reuses that
// same stream for data delivery instead of opening per-track streams the
// way a full MoQ session would. The MoQ object framing (moqWriter),
// damaged-GOP drop logic (trySendVideo), and per-viewer delivery stats all
// come from the same primitives the full session used.
package distribution

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/streamgraph/certs"
	"github.com/zsiec/streamgraph/moq"
)

const alpnProto = "prism-moq"

// QUIC application error codes returned when closing a viewer connection.
const (
	errBadHandshake  quic.ApplicationErrorCode = 1
	errUnknownStream quic.ApplicationErrorCode = 2
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Addr string
	Cert *certs.CertInfo
}

// Server accepts QUIC viewer connections and fans each one into the Relay
// registered for the stream key it requests.
type Server struct {
	log     *slog.Logger
	addr    string
	tlsConf *tls.Config

	mu     sync.RWMutex
	relays map[string]*Relay
}

// NewServer creates a Server listening on cfg.Addr once Start is called.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Cert == nil {
		return nil, fmt.Errorf("distribution: cert is required")
	}
	return &Server{
		log:  slog.With("component", "distribution-server"),
		addr: cfg.Addr,
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{cfg.Cert.TLSCert},
			NextProtos:   []string{alpnProto},
		},
		relays: make(map[string]*Relay),
	}, nil
}

// RegisterStream creates the Relay for key, returning it so the pipeline
// side (plugins/relaysink) can broadcast frames into it.
func (s *Server) RegisterStream(key string) *Relay {
	r := NewRelay()
	s.mu.Lock()
	s.relays[key] = r
	s.mu.Unlock()
	return r
}

// UnregisterStream drops the Relay for key. Existing viewers are not
// forcibly disconnected; they simply stop receiving new frames.
func (s *Server) UnregisterStream(key string) {
	s.mu.Lock()
	delete(s.relays, key)
	s.mu.Unlock()
}

// GetRelay returns the Relay for key, or nil if no stream is registered
// under that key.
func (s *Server) GetRelay(key string) *Relay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.relays[key]
}

// Start listens for QUIC viewer connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := quic.ListenAddr(s.addr, s.tlsConf, &quic.Config{})
	if err != nil {
		return fmt.Errorf("distribution: listen %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn *quic.Conn) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(errBadHandshake, "stream accept failed")
		return
	}

	key, err := s.negotiate(stream)
	if err != nil {
		s.log.Warn("MoQ handshake failed", "error", err)
		conn.CloseWithError(errBadHandshake, "bad handshake")
		return
	}

	relay := s.GetRelay(key)
	if relay == nil {
		s.log.Warn("viewer requested unknown stream", "key", key)
		conn.CloseWithError(errUnknownStream, "unknown stream")
		return
	}

	v := newQUICViewer(conn.RemoteAddr().String(), stream)
	relay.AddViewer(v)
	defer relay.RemoveViewer(v.ID())
	defer v.Close()

	<-conn.Context().Done()
}

// negotiate performs the MoQ Transport control handshake on stream:
// CLIENT_SETUP/SERVER_SETUP followed by one SUBSCRIBE/SUBSCRIBE_OK
// exchange. It returns the subscribed track's namespace joined with "/" as
// the stream key used to look up the Relay. Unlike a full MoQ session,
// nothing is read from stream after this point — the same stream is reused
// for data delivery by quicViewer instead of opening per-track streams.
func (s *Server) negotiate(stream quic.Stream) (string, error) {
	msgType, payload, err := moq.ReadControlMsg(stream)
	if err != nil {
		return "", fmt.Errorf("read client setup: %w", err)
	}
	if msgType != moq.MsgClientSetup {
		return "", fmt.Errorf("expected CLIENT_SETUP, got message type %d", msgType)
	}
	if _, err := moq.ParseClientSetup(payload); err != nil {
		return "", fmt.Errorf("parse client setup: %w", err)
	}

	serverSetup := moq.SerializeServerSetup(moq.ServerSetup{
		SelectedVersion: moq.Version,
		MaxRequestID:    1,
	})
	if err := moq.WriteControlMsg(stream, moq.MsgServerSetup, serverSetup); err != nil {
		return "", fmt.Errorf("write server setup: %w", err)
	}

	msgType, payload, err = moq.ReadControlMsg(stream)
	if err != nil {
		return "", fmt.Errorf("read subscribe: %w", err)
	}
	if msgType != moq.MsgSubscribe {
		return "", fmt.Errorf("expected SUBSCRIBE, got message type %d", msgType)
	}
	sub, err := moq.ParseSubscribe(payload)
	if err != nil {
		return "", fmt.Errorf("parse subscribe: %w", err)
	}

	key := strings.Join(sub.Namespace, "/")
	if s.GetRelay(key) == nil {
		subErr := moq.SerializeSubscribeError(moq.SubscribeError{
			RequestID:    sub.RequestID,
			ErrorCode:    1,
			ReasonPhrase: "unknown stream",
		})
		_ = moq.WriteControlMsg(stream, moq.MsgSubscribeError, subErr)
		return "", fmt.Errorf("unknown stream %q", key)
	}

	subOK := moq.SerializeSubscribeOK(moq.SubscribeOK{
		RequestID:  sub.RequestID,
		TrackAlias: uint64(TrackIDVideo),
		Expires:    0,
		GroupOrder: moq.GroupOrderAscending,
	})
	if err := moq.WriteControlMsg(stream, moq.MsgSubscribeOK, subOK); err != nil {
		return "", fmt.Errorf("write subscribe ok: %w", err)
	}

	return key, nil
}
