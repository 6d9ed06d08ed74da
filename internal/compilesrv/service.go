package compilesrv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgejit/internal/observability"
	"github.com/danmuck/edgejit/internal/protocol"
	"github.com/danmuck/edgejit/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Compile service endpoint configuration.
type ServiceConfig struct {
	ListenAddr string
	// AdminAddr serves health, status and metrics over HTTP when set.
	AdminAddr string
	// IdleTimeout bounds the wait for the next request. Zero waits forever,
	// since a developer may sit at a prompt between evaluations.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	MaxLineBytes int
}

// Compile service defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:   fmt.Sprintf(":%d", protocol.DefaultPort),
		AdminAddr:    "",
		IdleTimeout:  0,
		WriteTimeout: session.DefaultConfig().WriteTimeout,
		MaxLineBytes: protocol.MaxLineBytes,
	}
}

// Compile service runtime: one worker that serves connections one at a time.
type Service struct {
	cfg  ServiceConfig
	orch *Orchestrator

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	ready     atomic.Bool
	addr      atomic.Value
	served    atomic.Int64
	requests  atomic.Int64
	active    atomic.Int64
	startedAt time.Time
	logger    zerolog.Logger
}

func NewService(cfg ServiceConfig, orch *Orchestrator) *Service {
	def := DefaultServiceConfig()
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = def.MaxLineBytes
	}
	return &Service{
		cfg:       cfg,
		orch:      orch,
		conns:     make(map[net.Conn]struct{}),
		startedAt: time.Now(),
		logger:    log.With().Str("component", "compilesrv").Logger(),
	}
}

// Run listens on the configured address and serves until ctx ends. The admin
// HTTP surface runs beside it when configured.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Serve(gctx, ln)
	})
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		g.Go(func() error {
			return s.serveAdmin(gctx, addr)
		})
	}
	return g.Wait()
}

// Serve runs the accept loop on ln. Each connection is served to completion
// before the next is accepted.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	s.addr.Store(ln.Addr().String())
	s.ready.Store(true)
	defer s.ready.Store(false)
	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("backend", string(s.orch.Backend().Kind())).
		Msg("compilesrv.Service listening")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
			_ = s.closeAllConns()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		if ctx.Err() != nil {
			s.untrackConn(conn)
			_ = conn.Close()
			return nil
		}
		s.handleConn(ctx, conn)
	}
}

// Addr is the bound listener address once Serve has started.
func (s *Service) Addr() string {
	addr, _ := s.addr.Load().(string)
	return addr
}

// handleConn runs the request loop for one client. The dependency set lives
// exactly as long as the connection.
func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer s.untrackConn(conn)
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	s.served.Add(1)
	s.active.Add(1)
	defer s.active.Add(-1)
	observability.RecordConnection()
	s.logger.Info().Str("remote", remote).Msg("compilesrv.Service client connected")

	deps := session.NewDependencySet()
	defer func() {
		s.logger.Info().
			Str("remote", remote).
			Strs("shipped", deps.List()).
			Msg("compilesrv.Service client disconnected")
	}()

	codec := protocol.NewCodec(conn)
	codec.SetMaxLineBytes(s.cfg.MaxLineBytes)
	for {
		_ = conn.SetReadDeadline(session.Deadline(time.Now(), s.cfg.IdleTimeout))
		req, err := codec.ReadRequest()
		var resp protocol.Response
		switch {
		case err == nil:
			s.requests.Add(1)
			s.logger.Debug().Int64("id", req.ID).Str("op", string(req.Op)).Str("ns", req.NS).Msg("compilesrv.Service request")
			resp = s.orch.Handle(ctx, req, deps)
		case protocol.KindOf(err) == protocol.KindProtocol:
			s.logger.Warn().Err(err).Int64("id", req.ID).Str("remote", remote).Msg("compilesrv.Service rejected request")
			observability.RecordRequest("invalid", string(protocol.KindProtocol))
			resp = protocol.ErrorResponse(req.ID, err)
		default:
			if !isClosedConn(err) {
				s.logger.Warn().Err(err).Str("remote", remote).Msg("compilesrv.Service read")
			}
			return
		}
		if err := s.write(conn, codec, resp); err != nil {
			s.logger.Warn().Err(err).Int64("id", resp.ID).Str("remote", remote).Msg("compilesrv.Service write")
			return
		}
	}
}

// write sends resp. A response too large for one line is replaced by a
// protocol error for the same id.
func (s *Service) write(conn net.Conn, codec *protocol.Codec, resp protocol.Response) error {
	_ = conn.SetWriteDeadline(session.Deadline(time.Now(), s.cfg.WriteTimeout))
	err := codec.WriteResponse(resp)
	if err != nil && protocol.KindOf(err) == protocol.KindProtocol {
		return codec.WriteResponse(protocol.ErrorResponse(resp.ID, err))
	}
	return err
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (s *Service) serveAdmin(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           observability.NewAdminRouter("compile-server", s, s.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("compilesrv.Service admin listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Ready reports whether the accept loop is running.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// Status is the admin /status payload.
func (s *Service) Status() any {
	return map[string]any{
		"addr":               s.Addr(),
		"backend":            string(s.orch.Backend().Kind()),
		"connections_served": s.served.Load(),
		"connections_active": s.active.Load(),
		"requests":           s.requests.Load(),
		"uptime":             time.Since(s.startedAt).Round(time.Second).String(),
	}
}

// Close stops every live connection and releases the backend.
func (s *Service) Close() error {
	return multierr.Append(s.closeAllConns(), s.orch.Backend().Close())
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() error {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	var err error
	for conn := range s.conns {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
		delete(s.conns, conn)
	}
	return err
}
