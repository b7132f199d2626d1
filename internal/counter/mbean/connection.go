// Package mbean implements counters backed by remote management beans.
// Endpoints are reached through a connection proxy that reconnects lazily
// and rate-limits reconnect attempts against dead endpoints.
package mbean

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// ConnectionRetryThreshold is the minimum time between two connection
// attempts on the same proxy.
const ConnectionRetryThreshold = 60 * time.Second

var (
	// ErrInvalidPort is returned when a port or port range is outside 1-65535.
	ErrInvalidPort = errors.New("invalid port")

	// ErrNotConnected is returned when no live connection is available and
	// a reconnect is not allowed or failed.
	ErrNotConnected = errors.New("not connected")

	// ErrObjectNotFound is returned when an object query matches nothing.
	ErrObjectNotFound = errors.New("object not found")
)

// ConnectionInfo identifies a management endpoint.
type ConnectionInfo struct {
	Hostname string
	Port     int
}

func (ci ConnectionInfo) String() string {
	return net.JoinHostPort(ci.Hostname, strconv.Itoa(ci.Port))
}

// ServiceURL returns the endpoint URL for the given service path.
func (ci ConnectionInfo) ServiceURL(servicePath string) string {
	return "http://" + ci.String() + servicePath
}

// Connection is an open session with a management endpoint.
type Connection interface {
	// Search returns the object names matching a "domain:filter" pattern.
	Search(ctx context.Context, pattern string) ([]string, error)
	// Read returns the value of an attribute on an object.
	Read(ctx context.Context, objectName, attribute string) (gjson.Result, error)
	// Exec invokes a zero-argument operation and returns its result.
	Exec(ctx context.Context, objectName, operation string) (gjson.Result, error)
	// Alive reports whether the connection is still usable.
	Alive() bool
	Close() error
}

// Dialer opens connections to management endpoints.
type Dialer interface {
	Dial(ctx context.Context, info ConnectionInfo) (Connection, error)
}

// ConnectorProxy wraps a connection with reconnect-on-demand logic.
type ConnectorProxy struct {
	info   ConnectionInfo
	dialer Dialer
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	conn        Connection
	lastAttempt time.Time
}

// NewConnectorProxy creates a proxy that has not yet attempted to connect.
func NewConnectorProxy(info ConnectionInfo, dialer Dialer, logger *zap.Logger) *ConnectorProxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectorProxy{
		info:   info,
		dialer: dialer,
		logger: logger,
		now:    time.Now,
	}
}

// ConnectionInfo returns the endpoint this proxy targets.
func (p *ConnectorProxy) ConnectionInfo() ConnectionInfo { return p.info }

// LastConnectionAttempt returns when a connection was last attempted.
func (p *ConnectorProxy) LastConnectionAttempt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAttempt
}

// OpenConnection connects to the endpoint, replacing any existing
// connection. The attempt time is recorded before dialing, whether or not
// the attempt succeeds.
func (p *ConnectorProxy) OpenConnection(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openLocked(ctx)
}

func (p *ConnectorProxy) openLocked(ctx context.Context) error {
	p.lastAttempt = p.now()

	conn, err := p.dialer.Dial(ctx, p.info)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", p.info, err)
	}

	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn = conn
	p.logger.Debug("Opened connection", zap.Stringer("endpoint", p.info))
	return nil
}

// GetConnection returns a live connection. If the current connection is
// missing or broken, one reconnect is attempted, but only when at least
// ConnectionRetryThreshold has passed since the previous attempt.
func (p *ConnectorProxy) GetConnection(ctx context.Context) (Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil && p.conn.Alive() {
		return p.conn, nil
	}

	p.logger.Debug("Connection is closed", zap.Stringer("endpoint", p.info))

	if elapsed := p.now().Sub(p.lastAttempt); elapsed < ConnectionRetryThreshold {
		return nil, fmt.Errorf("%s: %w (retry in %s)", p.info, ErrNotConnected, ConnectionRetryThreshold-elapsed)
	}

	p.logger.Debug("Attempting to reconnect", zap.Stringer("endpoint", p.info))
	if err := p.openLocked(ctx); err != nil {
		p.logger.Error("Could not establish connection",
			zap.Stringer("endpoint", p.info),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return p.conn, nil
}

// CloseConnection closes the current connection, if any.
func (p *ConnectorProxy) CloseConnection() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	if err != nil {
		p.logger.Warn("Failed to cleanly close connection",
			zap.Stringer("endpoint", p.info),
			zap.Error(err))
		return fmt.Errorf("close %s: %w", p.info, err)
	}
	return nil
}
