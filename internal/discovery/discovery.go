// Package discovery materializes counters from the counter configuration
// tree for every monitored host. One Reader exists per counter backend; a
// Loader runs every reader against every host for one lifecycle pass.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vitalis-app/countermon/internal/config"
	"github.com/vitalis-app/countermon/internal/counter"
	"github.com/vitalis-app/countermon/internal/counter/mbean"
	"github.com/vitalis-app/countermon/internal/counter/perfmon"
	"github.com/vitalis-app/countermon/internal/host"
)

// Backend names.
const (
	BackendPerfmon = "perfmon"
	BackendMBean   = "mbean"
)

// ErrUnknownReader is returned by NewReader for unsupported backend names.
var ErrUnknownReader = errors.New("unknown counter type")

// Reader loads the counters of one backend for one host.
//
// A returned error describes configuration problems in parts of the tree;
// the Result still holds every counter that could be loaded.
type Reader interface {
	Name() string
	LoadCounters(ctx context.Context, cc *config.CounterConfig, h *host.Host, lifecycle counter.LifecycleType) (*Result, error)
}

// Deps holds the collaborators readers need.
type Deps struct {
	Facility perfmon.Facility
	Dialer   mbean.Dialer
	Logger   *zap.Logger
}

// NewReader returns the reader for a backend name.
func NewReader(name string, deps Deps) (Reader, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(name) {
	case BackendPerfmon:
		if deps.Facility == nil {
			return nil, fmt.Errorf("%s reader: no counter facility", name)
		}
		return NewPerfmonReader(deps.Facility, logger), nil
	case BackendMBean:
		if deps.Dialer == nil {
			return nil, fmt.Errorf("%s reader: no dialer", name)
		}
		return NewMBeanReader(mbean.NewFactory(deps.Dialer, logger.Named("mbean")), logger), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownReader, name)
	}
}

// Result is the set of counters produced by a discovery pass together with
// the management clients they sample through. Closing the Result releases
// both.
type Result struct {
	Counters []counter.Counter
	clients  []*mbean.Client
}

// Len returns the number of counters.
func (r *Result) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Counters)
}

// Merge moves the counters and clients of o into r.
func (r *Result) Merge(o *Result) {
	if o == nil {
		return
	}
	r.Counters = append(r.Counters, o.Counters...)
	r.clients = append(r.clients, o.clients...)
	o.Counters, o.clients = nil, nil
}

// Close releases every counter and client held by the result.
func (r *Result) Close() error {
	if r == nil {
		return nil
	}
	var err error
	for _, c := range r.Counters {
		err = multierr.Append(err, c.Close())
	}
	err = multierr.Append(err, mbean.CloseAll(r.clients))
	r.Counters, r.clients = nil, nil
	return err
}

// Loader runs discovery across every host.
type Loader struct {
	counters *config.CounterConfig
	hosts    *host.Registry
	readers  []Reader
	logger   *zap.Logger
}

// NewLoader creates a Loader for the named backends. An empty list selects
// every backend present in cc. Unknown backends are logged and skipped.
func NewLoader(cc *config.CounterConfig, hosts *host.Registry, backends []string, deps Deps) *Loader {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	deps.Logger = logger

	if len(backends) == 0 {
		backends = cc.Backends()
	}
	l := &Loader{counters: cc, hosts: hosts, logger: logger}
	for _, name := range backends {
		r, err := NewReader(name, deps)
		if err != nil {
			logger.Error("Invalid counter type encountered in configuration",
				zap.String("type", name),
				zap.Error(err))
			continue
		}
		l.readers = append(l.readers, r)
	}
	return l
}

// Readers returns the names of the active readers.
func (l *Loader) Readers() []string {
	names := make([]string, len(l.readers))
	for i, r := range l.readers {
		names[i] = r.Name()
	}
	return names
}

// Load discovers the counters of the given lifecycle on every host.
// Failures are confined to the host and subtree they occur in.
func (l *Loader) Load(ctx context.Context, lifecycle counter.LifecycleType) *Result {
	l.logger.Debug("Loading counters", zap.Stringer("lifecycle", lifecycle))

	all := &Result{}
	for _, r := range l.readers {
		for _, h := range l.hosts.All() {
			if ctx.Err() != nil {
				l.logger.Warn("Counter discovery cancelled", zap.Error(ctx.Err()))
				return all
			}
			res, err := r.LoadCounters(ctx, l.counters, h, lifecycle)
			if err != nil {
				l.logger.Error("Invalid counter configuration",
					zap.String("type", r.Name()),
					zap.String("host", h.Name()),
					zap.Error(err))
			}
			l.logger.Debug("Loaded counters",
				zap.Int("count", res.Len()),
				zap.Stringer("lifecycle", lifecycle),
				zap.String("type", r.Name()),
				zap.String("host", h.Name()))
			all.Merge(res)
		}
	}

	l.logger.Debug("Finished loading counters",
		zap.Int("count", all.Len()),
		zap.Stringer("lifecycle", lifecycle))
	return all
}
