package mbean

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vitalis-app/countermon/internal/host"
)

// Client queries a single management endpoint. A client may be shared by
// several counters built from the same discovery call; it is safe for
// sequential and concurrent use.
type Client struct {
	proxy    *ConnectorProxy
	instance int
}

// NewClient wraps a proxy. instance is the process-instance number of the
// endpoint within its source.
func NewClient(proxy *ConnectorProxy, instance int) *Client {
	return &Client{proxy: proxy, instance: instance}
}

// InstanceNumber returns the process-instance number of the endpoint.
func (c *Client) InstanceNumber() int { return c.instance }

// ConnectionInfo returns the endpoint identity.
func (c *Client) ConnectionInfo() ConnectionInfo { return c.proxy.ConnectionInfo() }

// QueryObjects returns the object names matching domain:filter.
func (c *Client) QueryObjects(ctx context.Context, domain, filter string) ([]string, error) {
	conn, err := c.proxy.GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Search(ctx, domain+":"+filter)
}

// GetAttributeValue reads an attribute of an object.
func (c *Client) GetAttributeValue(ctx context.Context, objectName, attribute string) (gjson.Result, error) {
	conn, err := c.proxy.GetConnection(ctx)
	if err != nil {
		return gjson.Result{}, err
	}
	return conn.Read(ctx, objectName, attribute)
}

// InvokeMethod invokes a zero-argument operation on an object.
func (c *Client) InvokeMethod(ctx context.Context, objectName, method string) (gjson.Result, error) {
	conn, err := c.proxy.GetConnection(ctx)
	if err != nil {
		return gjson.Result{}, err
	}
	return conn.Exec(ctx, objectName, method)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.proxy.CloseConnection()
}

// CloseAll closes every client and returns the combined error.
func CloseAll(clients []*Client) error {
	var err error
	for _, c := range clients {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// ValidPort reports whether p is a usable TCP port.
func ValidPort(p int) bool {
	return p > 0 && p <= 65535
}

// Factory creates clients for the endpoints of one host.
type Factory struct {
	dialer Dialer
	logger *zap.Logger
}

// NewFactory creates a Factory that opens connections with dialer.
func NewFactory(dialer Dialer, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{dialer: dialer, logger: logger}
}

// CreateClientsInRange probes ports from start to end in order and returns
// a client for each open port. The scan stops at the first closed port;
// live processes are assumed to occupy a dense prefix of the range.
// Instance numbers are offsets from start.
func (f *Factory) CreateClientsInRange(ctx context.Context, hostname string, start, end int) ([]*Client, error) {
	if !ValidPort(start) || !ValidPort(end) || start > end {
		return nil, fmt.Errorf("range %d-%d: %w", start, end, ErrInvalidPort)
	}

	f.logger.Debug("Scanning ports",
		zap.String("host", hostname),
		zap.Int("start", start),
		zap.Int("end", end))

	var clients []*Client
	for port := start; port <= end; port++ {
		if ctx.Err() != nil {
			break
		}
		c, err := f.createClient(ctx, hostname, port, port-start)
		if err != nil {
			f.logger.Debug("Encountered closed port, stopping scan",
				zap.String("host", hostname),
				zap.Int("port", port),
				zap.Error(err))
			break
		}
		clients = append(clients, c)
	}
	return clients, nil
}

// CreateClientsForPorts attempts every listed process port independently;
// a closed port is logged and skipped. Instance numbers come from the
// process list.
func (f *Factory) CreateClientsForPorts(ctx context.Context, hostname string, procs []host.Process) ([]*Client, error) {
	ports := make([]string, len(procs))
	for i, p := range procs {
		if !ValidPort(p.Port) {
			return nil, fmt.Errorf("port %d: %w", p.Port, ErrInvalidPort)
		}
		ports[i] = fmt.Sprint(p.Port)
	}

	f.logger.Debug("Scanning ports",
		zap.String("host", hostname),
		zap.String("ports", strings.Join(ports, ", ")))

	var clients []*Client
	for _, p := range procs {
		c, err := f.createClient(ctx, hostname, p.Port, p.Number)
		if err != nil {
			f.logger.Debug("Encountered closed port",
				zap.String("host", hostname),
				zap.Int("port", p.Port),
				zap.Error(err))
			continue
		}
		clients = append(clients, c)
	}
	return clients, nil
}

func (f *Factory) createClient(ctx context.Context, hostname string, port, instance int) (*Client, error) {
	proxy := NewConnectorProxy(ConnectionInfo{Hostname: hostname, Port: port}, f.dialer, f.logger)
	if err := proxy.OpenConnection(ctx); err != nil {
		return nil, err
	}
	f.logger.Debug("Created client", zap.Stringer("endpoint", proxy.ConnectionInfo()))
	return NewClient(proxy, instance), nil
}
