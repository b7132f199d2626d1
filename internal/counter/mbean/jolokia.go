package mbean

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultServicePath is the path of the HTTP-JSON bridge on each endpoint.
const DefaultServicePath = "/jolokia"

// JolokiaDialer opens connections through a Jolokia-compatible HTTP bridge.
type JolokiaDialer struct {
	ServicePath string
	Username    string
	Password    string
	Client      *http.Client
}

// NewJolokiaDialer creates a dialer whose requests are bounded by timeout.
func NewJolokiaDialer(servicePath string, timeout time.Duration, username, password string) *JolokiaDialer {
	if servicePath == "" {
		servicePath = DefaultServicePath
	}
	return &JolokiaDialer{
		ServicePath: servicePath,
		Username:    username,
		Password:    password,
		Client:      &http.Client{Timeout: timeout},
	}
}

// Dial probes the endpoint with a version request and returns a connection
// if it answers.
func (d *JolokiaDialer) Dial(ctx context.Context, info ConnectionInfo) (Connection, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	conn := &jolokiaConn{
		url:      info.ServiceURL(d.ServicePath),
		username: d.Username,
		password: d.Password,
		client:   client,
	}
	conn.alive.Store(true)

	if _, err := conn.do(ctx, jolokiaRequest{Type: "version"}); err != nil {
		return nil, err
	}
	return conn, nil
}

type jolokiaRequest struct {
	Type      string `json:"type"`
	MBean     string `json:"mbean,omitempty"`
	Attribute string `json:"attribute,omitempty"`
	Operation string `json:"operation,omitempty"`
	Arguments []any  `json:"arguments,omitempty"`
}

type jolokiaConn struct {
	url      string
	username string
	password string
	client   *http.Client
	alive    atomic.Bool
}

// remoteError is an error reported by the bridge for a well-formed request.
// It does not mark the connection as broken.
type remoteError struct {
	status    int64
	errorType string
	message   string
}

func (e *remoteError) Error() string {
	if e.errorType != "" {
		return fmt.Sprintf("remote error %d (%s): %s", e.status, e.errorType, e.message)
	}
	return fmt.Sprintf("remote error %d: %s", e.status, e.message)
}

func (c *jolokiaConn) Search(ctx context.Context, pattern string) ([]string, error) {
	value, err := c.do(ctx, jolokiaRequest{Type: "search", MBean: pattern})
	if err != nil {
		return nil, err
	}
	var names []string
	for _, v := range value.Array() {
		names = append(names, v.String())
	}
	sort.Strings(names)
	return names, nil
}

func (c *jolokiaConn) Read(ctx context.Context, objectName, attribute string) (gjson.Result, error) {
	return c.do(ctx, jolokiaRequest{Type: "read", MBean: objectName, Attribute: attribute})
}

func (c *jolokiaConn) Exec(ctx context.Context, objectName, operation string) (gjson.Result, error) {
	return c.do(ctx, jolokiaRequest{Type: "exec", MBean: objectName, Operation: operation, Arguments: []any{}})
}

func (c *jolokiaConn) Alive() bool { return c.alive.Load() }

func (c *jolokiaConn) Close() error {
	c.alive.Store(false)
	c.client.CloseIdleConnections()
	return nil
}

// do performs one bridge request and returns its "value" member.
// Transport failures mark the connection as broken.
func (c *jolokiaConn) do(ctx context.Context, r jolokiaRequest) (gjson.Result, error) {
	if !c.alive.Load() {
		return gjson.Result{}, ErrNotConnected
	}

	body, err := json.Marshal(r)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshal %s request: %w", r.Type, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.alive.Store(false)
		return gjson.Result{}, fmt.Errorf("send %s request: %w", r.Type, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.alive.Store(false)
		return gjson.Result{}, fmt.Errorf("read %s response: %w", r.Type, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.alive.Store(false)
		return gjson.Result{}, fmt.Errorf("%s request: server returned %d", r.Type, resp.StatusCode)
	}
	if !gjson.ValidBytes(data) {
		c.alive.Store(false)
		return gjson.Result{}, fmt.Errorf("%s request: malformed response", r.Type)
	}

	res := gjson.ParseBytes(data)
	if status := res.Get("status").Int(); status != http.StatusOK {
		return gjson.Result{}, &remoteError{
			status:    status,
			errorType: res.Get("error_type").String(),
			message:   res.Get("error").String(),
		}
	}
	return res.Get("value"), nil
}
