package compileclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgejit/internal/protocol"
	"github.com/danmuck/edgejit/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired = errors.New("compileclient: address required")
	ErrClosed          = errors.New("compileclient: client closed")
)

type Config struct {
	Address string
	Session session.Config
	// MaxConnectAttempts bounds ConnectWithRetry. Zero retries until ctx ends.
	MaxConnectAttempts int
}

func DefaultConfig() Config {
	return Config{
		Address: net.JoinHostPort("127.0.0.1", fmt.Sprint(protocol.DefaultPort)),
		Session: session.DefaultConfig(),
	}
}

// Client talks to one compile service. Calls are serialized; a second caller
// waits for the first to finish. Any transport failure closes the connection
// and the next call dials a fresh one, which starts a new session.
type Client struct {
	cfg     Config
	backoff *session.Backoff
	state   session.Tracker

	mu     sync.Mutex
	conn   net.Conn
	codec  *protocol.Codec
	nextID int64
	closed bool
}

// New validates cfg. No connection is made until Connect or the first call.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Client{
		cfg:     cfg,
		backoff: session.NewBackoff(cfg.Session.Backoff, time.Now().UnixNano()),
	}, nil
}

func (c *Client) Address() string {
	return c.cfg.Address
}

func (c *Client) State() session.State {
	return c.state.Load()
}

func (c *Client) Connected() bool {
	s := c.state.Load()
	return s == session.StateConnected || s == session.StateRequestPending
}

// Connect dials the service if no connection is open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.Wrap(protocol.KindConnection, ErrClosed)
	}
	if c.conn != nil {
		return nil
	}
	return c.connectLocked(ctx)
}

// ConnectWithRetry dials with exponential backoff until it succeeds, ctx
// ends or MaxConnectAttempts is reached.
func (c *Client) ConnectWithRetry(ctx context.Context) error {
	var attempt int
	for {
		attempt++
		err := c.Connect(ctx)
		if err == nil || errors.Is(err, ErrClosed) {
			return err
		}
		log.Warn().Int("attempt", attempt).Str("addr", c.cfg.Address).Err(err).Msg("compileclient.Client dial")
		if c.cfg.MaxConnectAttempts > 0 && attempt >= c.cfg.MaxConnectAttempts {
			return err
		}
		if err := c.backoff.Wait(ctx, attempt); err != nil {
			return protocol.Wrap(protocol.KindConnection, err)
		}
	}
}

func (c *Client) connectLocked(ctx context.Context) error {
	c.state.Transition(session.StateConnecting)
	dialer := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		c.state.Reset()
		return protocol.Errorf(protocol.KindConnection, "connect %s: %w", c.cfg.Address, err)
	}
	c.conn = conn
	c.codec = protocol.NewCodec(conn)
	c.nextID = 0
	c.state.Transition(session.StateConnected)
	log.Debug().Str("addr", c.cfg.Address).Msg("compileclient.Client connected")
	return nil
}

// Close ends the session. Later calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.dropLocked()
}

// Disconnect ends the current session but allows the next call to reconnect.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropLocked()
}

func (c *Client) dropLocked() error {
	c.state.Reset()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.codec = nil
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, protocol.Request{Op: protocol.OpPing}, protocol.OpPong)
	return err
}

// Compile asks for one fragment to be compiled in ns. module may be empty.
func (c *Client) Compile(ctx context.Context, code, ns, module string) (protocol.Artifact, error) {
	if strings.TrimSpace(ns) == "" {
		ns = protocol.DefaultNamespace
	}
	resp, err := c.call(ctx, protocol.Request{Op: protocol.OpCompile, Code: code, NS: ns, Module: module}, protocol.OpCompiled)
	if err != nil {
		return protocol.Artifact{}, err
	}
	name := module
	if name == "" {
		name = resp.Symbol
	}
	return protocol.Artifact{Name: name, EntrySymbol: resp.Symbol, Object: resp.Object}, nil
}

// Require returns every module the service has not shipped on this session,
// dependencies first. An already shipped namespace yields an empty list.
func (c *Client) Require(ctx context.Context, ns, source string) ([]protocol.Artifact, error) {
	resp, err := c.call(ctx, protocol.Request{Op: protocol.OpRequire, NS: ns, Source: source}, protocol.OpRequired)
	if err != nil {
		return nil, err
	}
	if resp.Modules == nil {
		return []protocol.Artifact{}, nil
	}
	return resp.Modules, nil
}

// NativeSource returns the IR the service would compile for code.
func (c *Client) NativeSource(ctx context.Context, code, ns string) (string, error) {
	if strings.TrimSpace(ns) == "" {
		ns = protocol.DefaultNamespace
	}
	resp, err := c.call(ctx, protocol.Request{Op: protocol.OpNativeSource, Code: code, NS: ns}, protocol.OpNativeSourceResult)
	if err != nil {
		return "", err
	}
	return resp.Source, nil
}

// call sends req with the next id and waits for its response. Error
// responses come back as *protocol.Error with the service's kind.
func (c *Client) call(ctx context.Context, req protocol.Request, want protocol.Op) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.Response{}, protocol.Wrap(protocol.KindConnection, ErrClosed)
	}
	if c.conn == nil {
		if err := c.connectLocked(ctx); err != nil {
			return protocol.Response{}, err
		}
	}

	c.nextID++
	req.ID = c.nextID
	c.state.Transition(session.StateRequestPending)

	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	_ = conn.SetWriteDeadline(c.deadline(ctx, c.cfg.Session.WriteTimeout))
	if err := c.codec.WriteRequest(req); err != nil {
		if protocol.KindOf(err) == protocol.KindProtocol {
			c.state.Transition(session.StateConnected)
			return protocol.Response{}, err
		}
		return protocol.Response{}, c.failLocked(ctx, req, err)
	}

	_ = conn.SetReadDeadline(c.deadline(ctx, c.cfg.Session.ReadTimeout))
	resp, err := c.codec.ReadResponse()
	if err != nil {
		if protocol.KindOf(err) == protocol.KindProtocol {
			_ = c.dropLocked()
			return protocol.Response{}, err
		}
		return protocol.Response{}, c.failLocked(ctx, req, err)
	}
	if resp.ID != req.ID {
		_ = c.dropLocked()
		return protocol.Response{}, protocol.Errorf(protocol.KindProtocol, "%w: sent %d, received %d", protocol.ErrIDMismatch, req.ID, resp.ID)
	}
	c.state.Transition(session.StateConnected)

	if resp.Op == protocol.OpError {
		return resp, resp.Err()
	}
	if resp.Op != want {
		return resp, protocol.Errorf(protocol.KindProtocol, "%w: %q for %q request", protocol.ErrUnexpectedOp, resp.Op, req.Op)
	}
	return resp, nil
}

// failLocked drops the connection after a transport error.
func (c *Client) failLocked(ctx context.Context, req protocol.Request, err error) error {
	_ = c.dropLocked()
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	log.Warn().Err(err).Int64("id", req.ID).Str("op", string(req.Op)).Str("addr", c.cfg.Address).Msg("compileclient.Client connection lost")
	return protocol.Errorf(protocol.KindConnection, "%s request %d: %w", req.Op, req.ID, err)
}

func (c *Client) deadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := session.Deadline(time.Now(), timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	return deadline
}
