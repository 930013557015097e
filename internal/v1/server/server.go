// Package server implements the exam protocol itself: the TCP accept loop,
// one worker per connection, verb dispatch, and the lifecycle sweeper.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openexam/server/internal/v1/config"
	"github.com/openexam/server/internal/v1/logging"
	"github.com/openexam/server/internal/v1/metrics"
	"github.com/openexam/server/internal/v1/protocol"
	"github.com/openexam/server/internal/v1/registry"
	"github.com/openexam/server/internal/v1/store"
)

// Server owns the listener, the session registry, and the sweeper.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	registry *registry.Registry

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New wires a server from its validated configuration and an open store.
func New(cfg *config.Config, st *store.Store) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		registry: registry.New(cfg.MaxClients),
	}
}

// Start binds the TCP port and launches the accept loop and the sweeper.
// It returns once the listener is bound; serving continues in background
// goroutines until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", s.cfg.Port))
	if err != nil {
		return err
	}
	s.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.acceptLoop(ctx)
	go s.runSweeper(ctx)

	logging.Info(ctx, "Exam server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("max_clients", s.cfg.MaxClients))
	return nil
}

// Addr returns the bound listener address, useful when PORT is 0.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops accepting, closes every client connection, and waits for
// all workers and the sweeper to exit or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	_ = s.listener.Close()
	s.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Info(ctx, "Exam server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Error(ctx, "Accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// handleConn is the per-connection worker: allocate a slot, loop over
// frames, dispatch, tear down on disconnect.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	connID := uuid.NewString()
	ctx = logging.WithConn(ctx, connID)

	slot, err := s.registry.Allocate(conn, connID)
	if err != nil {
		logging.Warn(ctx, "Connection rejected",
			zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		_, _ = conn.Write(protocol.EncodeSimple(protocol.CodeInternalError, "Server full"))
		_ = conn.Close()
		return
	}
	metrics.IncConnection()
	logging.Info(ctx, "Client connected",
		zap.String("remote", slot.Remote), zap.Int("slot", slot.Index))
	defer s.teardown(ctx, slot)

	dec := protocol.NewDecoder(conn)
	for {
		msg, err := dec.ReadFrame()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				logging.Info(ctx, "Client disconnected")
			case errors.Is(err, io.ErrUnexpectedEOF):
				logging.Info(ctx, "Client dropped mid-frame")
			case errors.Is(err, protocol.ErrMalformedFrame), errors.Is(err, protocol.ErrTooManyParams):
				// The bad line was fully consumed; the stream is still
				// in sync, so keep the connection.
				logging.Warn(ctx, "Malformed frame", zap.Error(err))
				s.reply(ctx, slot, protocol.CodeSyntaxError, "Malformed frame")
				continue
			case errors.Is(err, protocol.ErrLineTooLong), errors.Is(err, protocol.ErrPayloadTooBig):
				// Cannot resync after an oversized frame; reject and drop.
				logging.Warn(ctx, "Oversized frame", zap.Error(err))
				s.reply(ctx, slot, protocol.CodeSyntaxError, "Frame too large")
			default:
				logging.Info(ctx, "Read failed", zap.Error(err))
			}
			return
		}
		s.dispatch(ctx, slot, msg)
	}
}

// teardown frees the slot and deactivates any session the connection held.
func (s *Server) teardown(ctx context.Context, slot *registry.Slot) {
	var sessionID, username string
	s.registry.Snapshot(slot, func(sl registry.Slot) {
		sessionID, username = sl.SessionID, sl.Username
	})

	if sessionID != "" {
		if err := s.store.DestroySession(sessionID); err != nil {
			logging.Error(ctx, "Session teardown failed", zap.Error(err))
		}
		_ = s.store.LogActivity("INFO", username, "DISCONNECT", "")
	}

	s.registry.Release(slot)
	_ = slot.Conn.Close()
	metrics.DecConnection()
}

// reply writes one simple-response frame to the slot's socket.
func (s *Server) reply(ctx context.Context, slot *registry.Slot, code int, message string) {
	if _, err := slot.Conn.Write(protocol.EncodeSimple(code, message)); err != nil {
		logging.Info(ctx, "Write failed", zap.Int("code", code), zap.Error(err))
	}
}

// replyData writes one data-response frame to the slot's socket.
func (s *Server) replyData(ctx context.Context, slot *registry.Slot, code int, payload []byte) {
	if _, err := slot.Conn.Write(protocol.EncodeData(code, payload)); err != nil {
		logging.Info(ctx, "Write failed", zap.Int("code", code), zap.Error(err))
	}
}
