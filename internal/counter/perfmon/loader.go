package perfmon

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/vitalis-app/countermon/internal/counter"
	"github.com/vitalis-app/countermon/internal/host"
)

// Loader materializes counters for a counter definition, expanding it to
// every matching instance.
type Loader struct {
	facility Facility
	logger   *zap.Logger
}

// NewLoader creates a Loader reading from facility.
func NewLoader(facility Facility, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{facility: facility, logger: logger}
}

// LoadInstancesForCounter returns one counter per instance of category
// matching instanceFilters on the host. Missing categories or counters and
// facility errors are logged and yield no counters.
func (l *Loader) LoadInstancesForCounter(ctx context.Context, h *host.Host, lifecycle counter.LifecycleType, category, name, unit string, instanceFilters []string) []*Counter {
	machine := h.Name()
	log := l.logger.With(
		zap.String("host", machine),
		zap.String("category", category),
		zap.String("counter", name))

	exists, err := l.facility.CategoryExists(ctx, machine, category)
	if err != nil {
		log.Error("Error checking for existence of counter category", zap.Error(err))
		return nil
	}
	if !exists {
		log.Warn("Counter category does not exist")
		return nil
	}

	exists, err = l.facility.CounterExists(ctx, machine, category, name)
	if err != nil {
		log.Error("Error checking for existence of counter", zap.Error(err))
		return nil
	}
	if !exists {
		log.Debug("Counter does not exist")
		return nil
	}

	typ, err := l.facility.CategoryType(ctx, machine, category)
	if err != nil {
		log.Error("Unable to determine category type", zap.Error(err))
		return nil
	}

	var counters []*Counter
	switch typ {
	case SingleInstance:
		if c := l.open(ctx, log, h, lifecycle, category, name, "", unit); c != nil {
			counters = append(counters, c)
		}
	case MultiInstance:
		instances, err := l.facility.InstanceNames(ctx, machine, category)
		if err != nil {
			log.Error("Unable to enumerate instances", zap.Error(err))
			return nil
		}
		for _, instance := range instances {
			if !IsInstanceRequested(instance, instanceFilters) {
				continue
			}
			if c := l.open(ctx, log, h, lifecycle, category, name, instance, unit); c != nil {
				counters = append(counters, c)
			}
		}
	default:
		log.Error("Category type is unknown; skipping")
	}
	return counters
}

func (l *Loader) open(ctx context.Context, log *zap.Logger, h *host.Host, lifecycle counter.LifecycleType, category, name, instance, unit string) *Counter {
	c, err := NewCounter(ctx, l.facility, h, lifecycle, category, name, instance, unit, l.logger)
	if err != nil {
		log.Warn("Failed to open counter", zap.String("instance", instance), zap.Error(err))
		return nil
	}
	return c
}

// IsInstanceRequested reports whether instance contains any of the filter
// strings. An empty filter list matches every instance.
func IsInstanceRequested(instance string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if strings.Contains(instance, f) {
			return true
		}
	}
	return false
}
