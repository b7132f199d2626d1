package mbean

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

var errClosedPort = errors.New("connection refused")

// fakeEndpoint holds the objects exposed by one fake port. Attribute and
// operation results are JSON documents.
type fakeEndpoint struct {
	objects    []string
	attributes map[string]string
	operations map[string]string
}

type fakeDialer struct {
	mu        sync.Mutex
	endpoints map[int]*fakeEndpoint
	dials     map[int]int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		endpoints: make(map[int]*fakeEndpoint),
		dials:     make(map[int]int),
	}
}

func (d *fakeDialer) open(port int, ep *fakeEndpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ep == nil {
		ep = &fakeEndpoint{}
	}
	d.endpoints[port] = ep
}

func (d *fakeDialer) close(port int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.endpoints, port)
}

func (d *fakeDialer) dialCount(port int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[port]
}

func (d *fakeDialer) Dial(_ context.Context, info ConnectionInfo) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[info.Port]++
	ep, ok := d.endpoints[info.Port]
	if !ok {
		return nil, errClosedPort
	}
	return &fakeConn{ep: ep, alive: true}, nil
}

type fakeConn struct {
	mu    sync.Mutex
	ep    *fakeEndpoint
	alive bool
}

func (c *fakeConn) kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
}

func (c *fakeConn) Search(_ context.Context, pattern string) ([]string, error) {
	domain, filter, _ := strings.Cut(pattern, ":")
	var out []string
	for _, name := range c.ep.objects {
		d, props, _ := strings.Cut(name, ":")
		if d == domain && strings.Contains(props, filter) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (c *fakeConn) Read(_ context.Context, objectName, attribute string) (gjson.Result, error) {
	doc, ok := c.ep.attributes[objectName+"/"+attribute]
	if !ok {
		return gjson.Result{}, errors.New("attribute not found")
	}
	return gjson.Parse(doc), nil
}

func (c *fakeConn) Exec(_ context.Context, objectName, operation string) (gjson.Result, error) {
	doc, ok := c.ep.operations[objectName+"/"+operation]
	if !ok {
		return gjson.Result{}, errors.New("operation not found")
	}
	return gjson.Parse(doc), nil
}

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *fakeConn) Close() error {
	c.kill()
	return nil
}
