package discovery

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vitalis-app/countermon/internal/config"
	"github.com/vitalis-app/countermon/internal/counter"
	"github.com/vitalis-app/countermon/internal/counter/mbean"
	"github.com/vitalis-app/countermon/internal/host"
)

// MBeanReader loads management-bean counters. Every source resolves a pool
// of clients, one per running process, and every counter definition under
// the source is built once per client.
type MBeanReader struct {
	factory *mbean.Factory
	logger  *zap.Logger
}

// NewMBeanReader creates a reader that opens clients through factory.
func NewMBeanReader(factory *mbean.Factory, logger *zap.Logger) *MBeanReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MBeanReader{factory: factory, logger: logger}
}

func (r *MBeanReader) Name() string { return BackendMBean }

// LoadCounters implements Reader. An invalid port specification fails only
// its own source.
func (r *MBeanReader) LoadCounters(ctx context.Context, cc *config.CounterConfig, h *host.Host, lifecycle counter.LifecycleType) (*Result, error) {
	res := &Result{}
	var errs error

	for _, src := range cc.MBean {
		defs := sourceCounters(src, lifecycle)
		if len(defs) == 0 {
			continue
		}

		clients, err := r.clients(ctx, src, h)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("source %s: %w", src.Name, err))
			continue
		}
		res.clients = append(res.clients, clients...)

		for _, client := range clients {
			instance := InstanceName(src.Name, client.InstanceNumber())
			for _, d := range defs {
				c, err := mbean.Build(d.kind, mbean.Params{
					Client:    client,
					Host:      h,
					Lifecycle: lifecycle,
					Source:    src.Name,
					Path:      d.category.Path,
					Category:  d.category.Name,
					Counter:   d.counter.Name,
					Instance:  instance,
					Unit:      d.counter.Unit,
					Subdomain: d.category.Subdomain,
					Logger:    r.logger,
				})
				if err != nil {
					r.logger.Debug("Failed to register counter",
						zap.String("counter", fmt.Sprintf(`%s\%s\%s\%s\%s`, h.Name(), src.Name, d.category.Name, d.counter.Name, instance)),
						zap.Error(err))
					continue
				}
				res.Counters = append(res.Counters, c)
			}
		}
	}
	return res, errs
}

// clients resolves the client pool of a source on h. Hosts with explicit
// ports use their process map; others scan the source's port range.
func (r *MBeanReader) clients(ctx context.Context, src config.MBeanSourceConfig, h *host.Host) ([]*mbean.Client, error) {
	if h.SpecifyPorts() {
		procs, ok := h.Processes(src.ProcessName())
		if !ok || len(procs) == 0 {
			r.logger.Debug("No ports configured for process",
				zap.String("host", h.Name()),
				zap.String("process", src.ProcessName()))
			return nil, nil
		}
		return r.factory.CreateClientsForPorts(ctx, h.Address(), procs)
	}
	return r.factory.CreateClientsInRange(ctx, h.Address(), src.StartPort, src.EndPort)
}

// InstanceName mirrors the naming perfmon uses for processes sharing an
// image name: the first keeps the bare name, later ones get "#N".
func InstanceName(source string, offset int) string {
	if offset <= 0 {
		return source
	}
	return source + "#" + strconv.Itoa(offset)
}

type counterDef struct {
	kind     string
	category config.MBeanCategoryConfig
	counter  config.MBeanCounterConfig
}

// sourceCounters flattens the counter definitions of src that belong to the
// lifecycle pass.
func sourceCounters(src config.MBeanSourceConfig, lifecycle counter.LifecycleType) []counterDef {
	var out []counterDef
	groups := []struct {
		kind       string
		categories []config.MBeanCategoryConfig
	}{
		{mbean.KindJVMHealth, src.Types.JVMHealth},
		{mbean.KindServerHealth, src.Types.TableauHealth},
		{mbean.KindInstrumentation, src.Types.Instrumentation},
	}
	for _, g := range groups {
		for _, cat := range g.categories {
			for _, c := range cat.Counters {
				if counter.LifecycleFor(c.Ephemeral) != lifecycle {
					continue
				}
				out = append(out, counterDef{kind: g.kind, category: cat, counter: c})
			}
		}
	}
	return out
}
