package perfmon

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vitalis-app/countermon/internal/counter"
	"github.com/vitalis-app/countermon/internal/host"
)

// Source is the source name reported for every OS counter.
const Source = "Perfmon"

// Counter is a single OS performance counter on a possibly remote machine.
type Counter struct {
	meta   counter.Meta
	logger *zap.Logger

	mu     sync.Mutex
	handle Handle
}

// NewCounter opens the counter through facility. instance is empty for
// single-instance categories.
func NewCounter(ctx context.Context, facility Facility, h *host.Host, lifecycle counter.LifecycleType, category, name, instance, unit string, logger *zap.Logger) (*Counter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	handle, err := facility.Open(ctx, h.Name(), category, name, instance)
	if err != nil {
		return nil, fmt.Errorf("open %s\\%s(%s) on %s: %w", category, name, instance, h.Name(), err)
	}
	return &Counter{
		meta: counter.Meta{
			Host:        h,
			Lifecycle:   lifecycle,
			CounterType: counter.TypePerfmon,
			Source:      Source,
			Category:    category,
			Name:        name,
			Instance:    instance,
			Unit:        unit,
		},
		logger: logger,
		handle: handle,
	}, nil
}

// Meta implements counter.Counter.
func (c *Counter) Meta() *counter.Meta { return &c.meta }

// Sample implements counter.Counter. On failure the returned sample carries
// no value.
func (c *Counter) Sample(ctx context.Context) *counter.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle == nil {
		c.meta.LogFailure(c.logger, c.String(), ErrNotFound)
		return counter.Failed(c)
	}
	v, err := c.handle.NextValue(ctx)
	if err != nil {
		c.meta.LogFailure(c.logger, c.String(), err)
		return counter.Failed(c)
	}
	return counter.NewSample(c, v)
}

func (c *Counter) String() string {
	return fmt.Sprintf(`%s\%s\%s\%s\%s`, c.meta.Host, c.meta.Source, c.meta.Category, c.meta.Name, c.meta.Instance)
}

// Close releases the native counter handle.
func (c *Counter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return nil
	}
	err := c.handle.Close()
	c.handle = nil
	return err
}

var _ counter.Counter = (*Counter)(nil)
