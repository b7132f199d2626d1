package mbean

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/vitalis-app/countermon/internal/counter"
	"github.com/vitalis-app/countermon/internal/host"
)

// Management domains queried by each counter flavor.
const (
	JavaHealthDomain      = "java.lang"
	ServerHealthDomain    = "tableau.health.jmx"
	InstrumentationDomain = "com.tableausoftware.instrumentation"
)

// PerformanceMetricsOperation is the accessor invoked by server health counters.
const PerformanceMetricsOperation = "getPerformanceMetrics"

// Params holds the construction parameters shared by all flavors.
type Params struct {
	Client    *Client
	Host      *host.Host
	Lifecycle counter.LifecycleType
	Source    string
	// Path is the object-name filter appended to the domain, e.g. "type=Memory".
	Path     string
	Category string
	Counter  string
	Instance string
	Unit     string
	// Subdomain is only used by instrumentation counters.
	Subdomain string
	Logger    *zap.Logger
}

type base struct {
	meta   counter.Meta
	client *Client
	domain string
	path   string
	logger *zap.Logger
}

func newBase(p Params, counterType, domain string) base {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{
		meta: counter.Meta{
			Host:        p.Host,
			Lifecycle:   p.Lifecycle,
			CounterType: counterType,
			Source:      p.Source,
			Category:    p.Category,
			Name:        p.Counter,
			Instance:    p.Instance,
			Unit:        p.Unit,
		},
		client: p.Client,
		domain: domain,
		path:   p.Path,
		logger: logger,
	}
}

func (b *base) Meta() *counter.Meta { return &b.meta }

func (b *base) String() string {
	return fmt.Sprintf(`%s\%s\%s:%s\%s\%s`, b.meta.Host, b.meta.Source, b.domain, b.path, b.meta.Name, b.meta.Instance)
}

// Close is a no-op: the client belongs to the discovery result that built
// the counter and is released with it.
func (b *base) Close() error { return nil }

// Domain returns the management domain the counter queries.
func (b *base) Domain() string { return b.domain }

// lookup returns the first object name matching the counter's domain and path.
func (b *base) lookup(ctx context.Context) (string, error) {
	names, err := b.client.QueryObjects(ctx, b.domain, b.path)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%s:%s: %w", b.domain, b.path, ErrObjectNotFound)
	}
	return names[0], nil
}

// sample runs extract and converts its result into a counter sample. Any
// failure is logged and yields nil.
func (b *base) sample(ctx context.Context, self counter.Counter, extract func(ctx context.Context, objectName string) (gjson.Result, error)) *counter.Sample {
	value, err := b.value(ctx, extract)
	if err != nil {
		b.meta.LogFailure(b.logger, self.String(), err)
		return nil
	}
	return counter.NewSample(self, value)
}

func (b *base) value(ctx context.Context, extract func(ctx context.Context, objectName string) (gjson.Result, error)) (float64, error) {
	objectName, err := b.lookup(ctx)
	if err != nil {
		return 0, err
	}
	result, err := extract(ctx, objectName)
	if err != nil {
		return 0, err
	}
	return parseFloat(result)
}

// JavaHealthCounter reads JVM platform beans. The counter name may address a
// member of a composite attribute as "Parent\child".
type JavaHealthCounter struct {
	base
}

// NewJavaHealthCounter creates a counter in the java.lang domain.
func NewJavaHealthCounter(p Params) *JavaHealthCounter {
	return &JavaHealthCounter{base: newBase(p, counter.TypeJVMHealth, JavaHealthDomain)}
}

// Sample implements counter.Counter.
func (c *JavaHealthCounter) Sample(ctx context.Context) *counter.Sample {
	return c.sample(ctx, c, func(ctx context.Context, objectName string) (gjson.Result, error) {
		attribute := c.meta.Name
		parent, child, composite := strings.Cut(attribute, `\`)
		if !composite {
			return c.client.GetAttributeValue(ctx, objectName, attribute)
		}
		if i := strings.IndexByte(child, '\\'); i >= 0 {
			child = child[:i]
		}
		data, err := c.client.GetAttributeValue(ctx, objectName, parent)
		if err != nil {
			return gjson.Result{}, err
		}
		return member(data, child)
	})
}

// ServerHealthCounter reads one key of the composite result returned by the
// server health bean's performance metrics accessor.
type ServerHealthCounter struct {
	base
}

// NewServerHealthCounter creates a counter in the server health domain.
func NewServerHealthCounter(p Params) *ServerHealthCounter {
	return &ServerHealthCounter{base: newBase(p, counter.TypeServerHealth, ServerHealthDomain)}
}

// Sample implements counter.Counter.
func (c *ServerHealthCounter) Sample(ctx context.Context) *counter.Sample {
	return c.sample(ctx, c, func(ctx context.Context, objectName string) (gjson.Result, error) {
		data, err := c.client.InvokeMethod(ctx, objectName, PerformanceMetricsOperation)
		if err != nil {
			return gjson.Result{}, err
		}
		return member(data, c.meta.Name)
	})
}

// InstrumentationCounter reads a flat attribute from the instrumentation
// domain, optionally narrowed by a subdomain.
type InstrumentationCounter struct {
	base
}

// NewInstrumentationCounter creates a counter in the instrumentation domain.
func NewInstrumentationCounter(p Params) *InstrumentationCounter {
	domain := InstrumentationDomain
	if p.Subdomain != "" {
		domain += "." + p.Subdomain
	}
	return &InstrumentationCounter{base: newBase(p, counter.TypeInstrumentation, domain)}
}

// Sample implements counter.Counter.
func (c *InstrumentationCounter) Sample(ctx context.Context) *counter.Sample {
	return c.sample(ctx, c, func(ctx context.Context, objectName string) (gjson.Result, error) {
		return c.client.GetAttributeValue(ctx, objectName, c.meta.Name)
	})
}

// Flavor names as they appear in counter configuration.
const (
	KindJVMHealth       = "jvmhealth"
	KindServerHealth    = "tableauhealth"
	KindInstrumentation = "instrumentation"
)

// Build creates a counter of the named flavor.
func Build(kind string, p Params) (counter.Counter, error) {
	switch strings.ToLower(kind) {
	case KindJVMHealth:
		return NewJavaHealthCounter(p), nil
	case KindServerHealth:
		return NewServerHealthCounter(p), nil
	case KindInstrumentation:
		return NewInstrumentationCounter(p), nil
	default:
		return nil, fmt.Errorf("invalid type name %q", kind)
	}
}

// member returns the value stored under key in a composite value. Keys are
// matched literally, so names containing dots or wildcards need no escaping.
func member(data gjson.Result, key string) (gjson.Result, error) {
	if !data.IsObject() {
		return gjson.Result{}, errors.New("value is not a composite")
	}
	var found gjson.Result
	ok := false
	data.ForEach(func(k, v gjson.Result) bool {
		if k.String() == key {
			found, ok = v, true
			return false
		}
		return true
	})
	if !ok {
		return gjson.Result{}, fmt.Errorf("composite has no key %q", key)
	}
	return found, nil
}

func parseFloat(v gjson.Result) (float64, error) {
	if !v.Exists() || v.Type == gjson.Null {
		return 0, errors.New("value is null")
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", v.String(), err)
	}
	return f, nil
}

var (
	_ counter.Counter = (*JavaHealthCounter)(nil)
	_ counter.Counter = (*ServerHealthCounter)(nil)
	_ counter.Counter = (*InstrumentationCounter)(nil)
)
