package perfmon

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// localCounter opens a handle for one counter of a local category.
type localCounter func(ctx context.Context, instance string) (Handle, error)

type localCategory struct {
	name      string
	typ       CategoryType
	instances func(ctx context.Context) ([]string, error)
	counters  map[string]localCounter
}

// LocalFacility serves performance counters for the local machine from
// gopsutil, using the category and counter names of the Windows facility.
type LocalFacility struct {
	categories map[string]*localCategory
	hostname   string
	logger     *zap.Logger
}

// NewLocalFacility creates a facility with the Processor, Memory,
// LogicalDisk, Network Interface, Process and System categories.
func NewLocalFacility(logger *zap.Logger) *LocalFacility {
	if logger == nil {
		logger = zap.NewNop()
	}
	hostname, err := os.Hostname()
	if err != nil {
		logger.Warn("Unable to determine local hostname", zap.Error(err))
	}
	f := &LocalFacility{
		categories: make(map[string]*localCategory),
		hostname:   hostname,
		logger:     logger,
	}
	for _, c := range []*localCategory{
		processorCategory(),
		memoryCategory(),
		logicalDiskCategory(logger),
		networkCategory(),
		processCategory(),
		systemCategory(),
	} {
		f.categories[strings.ToLower(c.name)] = c
	}
	return f
}

// Categories returns the names of the supported categories in sorted order.
func (f *LocalFacility) Categories() []string {
	names := make([]string, 0, len(f.categories))
	for _, c := range f.categories {
		names = append(names, c.name)
	}
	sort.Strings(names)
	return names
}

// Counters returns the counter names of a category in sorted order.
func (f *LocalFacility) Counters(category string) []string {
	c, ok := f.categories[strings.ToLower(category)]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(c.counters))
	for name := range c.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *LocalFacility) CategoryExists(_ context.Context, machine, category string) (bool, error) {
	if err := f.checkMachine(machine); err != nil {
		return false, err
	}
	_, ok := f.categories[strings.ToLower(category)]
	return ok, nil
}

func (f *LocalFacility) CounterExists(_ context.Context, machine, category, counter string) (bool, error) {
	c, err := f.category(machine, category)
	if err != nil {
		return false, err
	}
	_, ok := c.lookup(counter)
	return ok, nil
}

func (f *LocalFacility) CategoryType(_ context.Context, machine, category string) (CategoryType, error) {
	c, err := f.category(machine, category)
	if err != nil {
		return Unknown, err
	}
	return c.typ, nil
}

func (f *LocalFacility) InstanceNames(ctx context.Context, machine, category string) ([]string, error) {
	c, err := f.category(machine, category)
	if err != nil {
		return nil, err
	}
	if c.typ != MultiInstance {
		return nil, nil
	}
	return c.instances(ctx)
}

func (f *LocalFacility) Open(ctx context.Context, machine, category, counter, instance string) (Handle, error) {
	c, err := f.category(machine, category)
	if err != nil {
		return nil, err
	}
	open, ok := c.lookup(counter)
	if !ok {
		return nil, fmt.Errorf("counter %q in %q: %w", counter, category, ErrNotFound)
	}

	if c.typ == MultiInstance {
		instances, err := c.instances(ctx)
		if err != nil {
			return nil, err
		}
		found := false
		for _, name := range instances {
			if name == instance {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("instance %q of %q: %w", instance, category, ErrNotFound)
		}
	}

	h, err := open(ctx, instance)
	if err != nil {
		return nil, err
	}
	// Prime rate counters so the first sampled value covers one interval.
	if _, err := h.NextValue(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

func (f *LocalFacility) category(machine, category string) (*localCategory, error) {
	if err := f.checkMachine(machine); err != nil {
		return nil, err
	}
	c, ok := f.categories[strings.ToLower(category)]
	if !ok {
		return nil, fmt.Errorf("category %q: %w", category, ErrNotFound)
	}
	return c, nil
}

func (c *localCategory) lookup(counter string) (localCounter, bool) {
	for name, open := range c.counters {
		if strings.EqualFold(name, counter) {
			return open, true
		}
	}
	return nil, false
}

// checkMachine accepts the local machine under any of its usual names.
func (f *LocalFacility) checkMachine(machine string) error {
	if isLocalMachine(machine, f.hostname) {
		return nil
	}
	return fmt.Errorf("%s: %w", machine, ErrRemoteUnsupported)
}

func isLocalMachine(machine, hostname string) bool {
	m := strings.TrimSpace(machine)
	switch strings.ToLower(m) {
	case "", ".", "localhost":
		return true
	}
	if ip := net.ParseIP(m); ip != nil {
		return ip.IsLoopback()
	}
	short := func(s string) string {
		if i := strings.IndexByte(s, '.'); i > 0 {
			return s[:i]
		}
		return s
	}
	return hostname != "" && strings.EqualFold(short(m), short(hostname))
}
