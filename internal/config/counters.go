package config

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/vitalis-app/countermon/internal/models"
)

// CounterConfig is the counter-definition tree. It is independent of hosts:
// every definition is materialized once per host.
type CounterConfig struct {
	Perfmon []PerfmonCategoryConfig `yaml:"perfmon"`
	MBean   []MBeanSourceConfig     `yaml:"mbean"`
}

// PerfmonCategoryConfig lists counters of one OS counter category.
type PerfmonCategoryConfig struct {
	Category string                 `yaml:"category"`
	Counters []PerfmonCounterConfig `yaml:"counters"`
}

// PerfmonCounterConfig is one OS counter. Instances act as substring
// filters; none means every instance.
type PerfmonCounterConfig struct {
	Name      string                  `yaml:"name"`
	Unit      string                  `yaml:"unit,omitempty"`
	Ephemeral bool                    `yaml:"ephemeral,omitempty"`
	Instances []PerfmonInstanceConfig `yaml:"instances,omitempty"`
}

// PerfmonInstanceConfig is an instance-name filter.
type PerfmonInstanceConfig struct {
	Name      string `yaml:"name"`
	Ephemeral bool   `yaml:"ephemeral,omitempty"`
}

// MBeanSourceConfig is one logical process exposing management beans,
// reached either through a port range or a host's explicit process map.
type MBeanSourceConfig struct {
	Name      string           `yaml:"name"`
	StartPort int              `yaml:"start_port,omitempty"`
	EndPort   int              `yaml:"end_port,omitempty"`
	Process   string           `yaml:"process,omitempty"`
	Types     MBeanTypesConfig `yaml:"types"`
}

// MBeanTypesConfig groups categories by counter flavor.
type MBeanTypesConfig struct {
	JVMHealth       []MBeanCategoryConfig `yaml:"jvmhealth,omitempty"`
	TableauHealth   []MBeanCategoryConfig `yaml:"tableauhealth,omitempty"`
	Instrumentation []MBeanCategoryConfig `yaml:"instrumentation,omitempty"`
}

// MBeanCategoryConfig addresses one management object by path.
type MBeanCategoryConfig struct {
	Name      string               `yaml:"name"`
	Path      string               `yaml:"path"`
	Subdomain string               `yaml:"subdomain,omitempty"`
	Counters  []MBeanCounterConfig `yaml:"counters"`
}

// MBeanCounterConfig is one attribute of a management object.
type MBeanCounterConfig struct {
	Name      string `yaml:"name"`
	Unit      string `yaml:"unit,omitempty"`
	Ephemeral bool   `yaml:"ephemeral,omitempty"`
}

// Filters returns the instance-name filters of the counter.
func (p PerfmonCounterConfig) Filters() []string {
	var out []string
	for _, inst := range p.Instances {
		if inst.Name != "" {
			out = append(out, inst.Name)
		}
	}
	return out
}

// HasEphemeral reports whether the counter or any of its instances is
// flagged ephemeral.
func (p PerfmonCounterConfig) HasEphemeral() bool {
	if p.Ephemeral {
		return true
	}
	for _, inst := range p.Instances {
		if inst.Ephemeral {
			return true
		}
	}
	return false
}

// PersistentFilters returns the instance filters not flagged ephemeral.
// ok is false when nothing persistent is left to load: the counter itself
// is ephemeral, or every filter it listed was. An empty result with ok set
// means every instance.
func (p PerfmonCounterConfig) PersistentFilters() (filters []string, ok bool) {
	if p.Ephemeral {
		return nil, false
	}
	var dropped int
	for _, inst := range p.Instances {
		if inst.Name == "" {
			continue
		}
		if inst.Ephemeral {
			dropped++
			continue
		}
		filters = append(filters, inst.Name)
	}
	if dropped > 0 && len(filters) == 0 {
		return nil, false
	}
	return filters, true
}

// ProcessName returns the process-map key used for explicit-port lookups.
func (s MBeanSourceConfig) ProcessName() string {
	if s.Process != "" {
		return s.Process
	}
	return s.Name
}

// Backends returns the names of the backends present in the tree, in
// configuration order.
func (c *CounterConfig) Backends() []string {
	var out []string
	if len(c.Perfmon) > 0 {
		out = append(out, "perfmon")
	}
	if len(c.MBean) > 0 {
		out = append(out, "mbean")
	}
	return out
}

// Validate checks the structural integrity of the tree. Invalid port
// ranges are left to discovery, which rejects them per source.
func (c *CounterConfig) Validate() error {
	var err error
	invalid := func(format string, args ...any) {
		err = multierr.Append(err, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	for i, cat := range c.Perfmon {
		if strings.TrimSpace(cat.Category) == "" {
			invalid("perfmon[%d]: category is required", i)
		}
		for j, ctr := range cat.Counters {
			if strings.TrimSpace(ctr.Name) == "" {
				invalid("perfmon[%d].counters[%d]: name is required", i, j)
			} else if models.IsReservedColumn(ctr.Name) {
				invalid("perfmon[%d].counters[%d]: name %q collides with a fixed column", i, j, ctr.Name)
			}
		}
	}
	for i, src := range c.MBean {
		if strings.TrimSpace(src.Name) == "" {
			invalid("mbean[%d]: name is required", i)
		}
		for _, group := range [][]MBeanCategoryConfig{src.Types.JVMHealth, src.Types.TableauHealth, src.Types.Instrumentation} {
			for _, cat := range group {
				if cat.Path == "" {
					invalid("mbean %q category %q: path is required", src.Name, cat.Name)
				}
				for _, ctr := range cat.Counters {
					if ctr.Name == "" {
						invalid("mbean %q category %q: counter name is required", src.Name, cat.Name)
					} else if models.IsReservedColumn(ctr.Name) {
						invalid("mbean %q category %q: counter name %q collides with a fixed column", src.Name, cat.Name, ctr.Name)
					}
				}
			}
		}
	}
	return err
}

// ParseCounterConfig parses a counter-definition tree.
func ParseCounterConfig(data []byte) (*CounterConfig, error) {
	var cc CounterConfig
	if err := yaml.Unmarshal(data, &cc); err != nil {
		return nil, fmt.Errorf("parsing counter config: %w", err)
	}
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	return &cc, nil
}

// LoadCounterConfig reads and parses a counter-definition file. Unlike the
// agent configuration, the file is required.
func LoadCounterConfig(path string) (*CounterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading counter config: %w", err)
	}
	return ParseCounterConfig(data)
}
