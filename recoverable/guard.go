package recoverable

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/infigaming-com/go-eventhubs/amqp"
	"github.com/infigaming-com/go-eventhubs/errors"
	"github.com/infigaming-com/go-eventhubs/retry"
)

// State is the lifecycle state of a ConnectionGuard.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateOpen
	StateInvalidated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateInvalidated:
		return "invalidated"
	case StateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// ConnectionHandle is a live connection and the generation it belongs to.
type ConnectionHandle struct {
	Conn       amqp.Connection
	Generation uint64
}

// Status is a point-in-time view of a guard.
type Status struct {
	Endpoint   string `json:"endpoint"`
	State      string `json:"state"`
	Generation uint64 `json:"generation"`
	LastError  string `json:"last_error,omitempty"`
}

// ConnectionGuard owns the single shared connection to an endpoint. It opens
// the connection on first use, reopens it after Invalidate and coalesces
// concurrent open attempts into one.
type ConnectionGuard struct {
	transport amqp.Transport
	endpoint  string
	opts      options
	logger    *zap.Logger

	mu         sync.Mutex
	state      State
	conn       amqp.Connection
	generation uint64
	lastErr    error

	flight   singleflight.Group
	lifetime context.Context
	cancel   context.CancelFunc
}

func NewConnectionGuard(transport amqp.Transport, endpoint string, opts ...Option) *ConnectionGuard {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionGuard{
		transport: transport,
		endpoint:  endpoint,
		opts:      o,
		logger:    o.logger.With(zap.String("endpoint", endpoint)),
		lifetime:  ctx,
		cancel:    cancel,
	}
}

// EnsureConnection returns the open connection, opening one if needed.
// Callers waiting on an open in progress share its result. Cancelling ctx
// abandons the wait but not the open itself.
func (g *ConnectionGuard) EnsureConnection(ctx context.Context) (ConnectionHandle, error) {
	g.mu.Lock()
	switch g.state {
	case StateClosed:
		g.mu.Unlock()
		return ConnectionHandle{}, errors.Closed("connection")
	case StateOpen:
		h := ConnectionHandle{Conn: g.conn, Generation: g.generation}
		g.mu.Unlock()
		return h, nil
	}
	g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return ConnectionHandle{}, errors.Cancelled(err)
	}
	ch := g.flight.DoChan("connect", func() (any, error) {
		return g.connect()
	})
	select {
	case <-ctx.Done():
		return ConnectionHandle{}, errors.Cancelled(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return ConnectionHandle{}, res.Err
		}
		return res.Val.(ConnectionHandle), nil
	}
}

func (g *ConnectionGuard) connect() (ConnectionHandle, error) {
	g.mu.Lock()
	switch g.state {
	case StateClosed:
		g.mu.Unlock()
		return ConnectionHandle{}, errors.Closed("connection")
	case StateOpen:
		// an earlier flight finished between the caller's check and ours
		h := ConnectionHandle{Conn: g.conn, Generation: g.generation}
		g.mu.Unlock()
		return h, nil
	}
	prev := g.state
	g.state = StateConnecting
	g.mu.Unlock()

	g.logger.Info("opening connection", zap.Uint64("generation", g.Generation()+1))
	conn, err := retry.Do(g.lifetime, func(ctx context.Context) (amqp.Connection, error) {
		c, err := g.transport.Open(ctx, g.endpoint, g.opts.connection)
		if err != nil {
			return nil, errors.Amqp(err)
		}
		return c, nil
	}, g.opts.retry, shouldRetryConnection,
		retry.WithName("connection.open"),
		retry.WithLogger(g.logger),
		retry.WithOnRetry(func(attempt int, _ time.Duration, err error) {
			g.opts.recorder.OnRetry(g.lifetime, "connection.open", attempt, err)
		}),
	)

	g.mu.Lock()
	if g.state == StateClosed {
		g.mu.Unlock()
		if conn != nil {
			g.closeConn(conn)
		}
		return ConnectionHandle{}, errors.Closed("connection")
	}
	if err != nil {
		g.state = prev
		g.lastErr = err
		g.mu.Unlock()
		g.logger.Error("failed to open connection", zap.Error(err))
		g.opts.recorder.OnConnectionFailed(g.lifetime, g.endpoint, err)
		return ConnectionHandle{}, err
	}
	g.generation++
	g.conn = conn
	g.state = StateOpen
	g.lastErr = nil
	h := ConnectionHandle{Conn: conn, Generation: g.generation}
	g.mu.Unlock()

	g.logger.Info("connection opened", zap.Uint64("generation", h.Generation))
	g.opts.recorder.OnConnectionOpened(g.lifetime, g.endpoint, h.Generation)
	return h, nil
}

// Invalidate marks the connection of the given generation as dead. Reports
// from stale generations are ignored, so concurrent reports of the same
// failure bump the generation once.
func (g *ConnectionGuard) Invalidate(generation uint64, cause error) bool {
	g.mu.Lock()
	if g.state != StateOpen || g.generation != generation {
		g.mu.Unlock()
		return false
	}
	conn := g.conn
	g.conn = nil
	g.state = StateInvalidated
	g.lastErr = cause
	g.mu.Unlock()

	g.logger.Warn("connection invalidated", zap.Uint64("generation", generation), zap.Error(cause))
	g.opts.recorder.OnConnectionInvalidated(g.lifetime, g.endpoint, generation)
	g.closeConn(conn)
	return true
}

// Close tears down the connection. The guard cannot be reopened.
func (g *ConnectionGuard) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.state == StateClosed {
		g.mu.Unlock()
		return nil
	}
	conn := g.conn
	g.conn = nil
	g.state = StateClosed
	g.mu.Unlock()

	g.cancel()
	g.logger.Info("connection guard closed", zap.Uint64("generation", g.Generation()))
	if conn == nil {
		return nil
	}
	if err := conn.Close(ctx); err != nil {
		return errors.Amqp(err)
	}
	return nil
}

func (g *ConnectionGuard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Generation counts successful opens. Zero until the first one.
func (g *ConnectionGuard) Generation() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation
}

func (g *ConnectionGuard) Endpoint() string {
	return g.endpoint
}

// Logger returns the guard's logger, scoped to its endpoint.
func (g *ConnectionGuard) Logger() *zap.Logger {
	return g.logger
}

func (g *ConnectionGuard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Status{Endpoint: g.endpoint, State: g.state.String(), Generation: g.generation}
	if g.lastErr != nil {
		s.LastError = g.lastErr.Error()
	}
	return s
}

func (g *ConnectionGuard) closeConn(conn amqp.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), g.opts.closeTimeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		g.logger.Debug("failed to close connection", zap.Error(err))
	}
}

// authorize fetches a token for a link address on conn. Authorization
// failures keep their transport tag so that transient auth-service statuses
// stay retryable.
func (g *ConnectionGuard) authorize(ctx context.Context, conn amqp.Connection, address string, a amqp.Authorizer) (amqp.Token, error) {
	if a == nil {
		return amqp.Token{}, nil
	}
	tok, err := a.AuthorizePath(ctx, conn, amqp.JoinPath(g.endpoint, address))
	if err != nil {
		return amqp.Token{}, errors.Amqp(err)
	}
	return tok, nil
}
