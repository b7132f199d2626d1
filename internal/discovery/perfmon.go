package discovery

import (
	"context"

	"go.uber.org/zap"

	"github.com/vitalis-app/countermon/internal/config"
	"github.com/vitalis-app/countermon/internal/counter"
	"github.com/vitalis-app/countermon/internal/counter/perfmon"
	"github.com/vitalis-app/countermon/internal/host"
)

// PerfmonReader loads OS performance counters.
//
// Ephemeral perfmon counters are not supported: the ephemeral pass always
// yields nothing. Ephemeral instance filters are dropped, and a definition
// left without persistent filters is skipped.
type PerfmonReader struct {
	loader *perfmon.Loader
	logger *zap.Logger
}

// NewPerfmonReader creates a reader backed by facility.
func NewPerfmonReader(facility perfmon.Facility, logger *zap.Logger) *PerfmonReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PerfmonReader{
		loader: perfmon.NewLoader(facility, logger.Named("perfmon")),
		logger: logger,
	}
}

func (r *PerfmonReader) Name() string { return BackendPerfmon }

// LoadCounters implements Reader.
func (r *PerfmonReader) LoadCounters(ctx context.Context, cc *config.CounterConfig, h *host.Host, lifecycle counter.LifecycleType) (*Result, error) {
	res := &Result{}
	if lifecycle == counter.Ephemeral {
		return res, nil
	}

	for _, cat := range cc.Perfmon {
		for _, def := range cat.Counters {
			filters, ok := def.PersistentFilters()
			if def.HasEphemeral() {
				msg := "Ephemeral perfmon instances are not supported, skipping them"
				if !ok {
					msg = "Ephemeral perfmon counters are not supported, skipping"
				}
				r.logger.Warn(msg,
					zap.String("host", h.Name()),
					zap.String("category", cat.Category),
					zap.String("counter", def.Name))
			}
			if !ok {
				continue
			}
			for _, c := range r.loader.LoadInstancesForCounter(ctx, h, lifecycle, cat.Category, def.Name, def.Unit, filters) {
				res.Counters = append(res.Counters, c)
			}
		}
	}
	return res, nil
}
