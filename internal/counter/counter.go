// Package counter defines the sampling contract shared by every counter
// backend, plus the identity metadata each counter carries.
package counter

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vitalis-app/countermon/internal/host"
)

// LifecycleType controls when a counter is resolved.
type LifecycleType int

const (
	// Persistent counters are resolved once at startup.
	Persistent LifecycleType = iota
	// Ephemeral counters are re-resolved every poll cycle.
	Ephemeral
)

func (l LifecycleType) String() string {
	switch l {
	case Persistent:
		return "persistent"
	case Ephemeral:
		return "ephemeral"
	default:
		return fmt.Sprintf("LifecycleType(%d)", int(l))
	}
}

// ParseLifecycle converts a lifecycle name into a LifecycleType.
// An empty string yields Persistent.
func ParseLifecycle(s string) (LifecycleType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "persistent":
		return Persistent, nil
	case "ephemeral":
		return Ephemeral, nil
	default:
		return Persistent, fmt.Errorf("unknown lifecycle %q", s)
	}
}

// LifecycleFor maps an "ephemeral" flag from configuration to a LifecycleType.
func LifecycleFor(ephemeral bool) LifecycleType {
	if ephemeral {
		return Ephemeral
	}
	return Persistent
}

// Counter type labels reported in the counter_type column.
const (
	TypePerfmon         = "Perfmon"
	TypeJVMHealth       = "JVM Health"
	TypeServerHealth    = "Tableau Server Health"
	TypeInstrumentation = "Tableau Server Instrumentation"
)

// Meta is the identity shared by every counter variant. Empty Instance and
// Unit are treated as null.
type Meta struct {
	Host        *host.Host
	Lifecycle   LifecycleType
	CounterType string
	Source      string
	Category    string
	Name        string
	Instance    string
	Unit        string
}

// FailureLevel returns the log level used when sampling this counter fails.
// Ephemeral counters vanish routinely, so their failures are only debug noise.
func (m Meta) FailureLevel() zapcore.Level {
	if m.Lifecycle == Ephemeral {
		return zapcore.DebugLevel
	}
	return zapcore.WarnLevel
}

// LogFailure logs a sampling failure at the lifecycle-dependent level.
func (m Meta) LogFailure(logger *zap.Logger, id string, err error) {
	if ce := logger.Check(m.FailureLevel(), "Error sampling counter"); ce != nil {
		ce.Write(
			zap.String("counter", id),
			zap.String("lifecycle", m.Lifecycle.String()),
			zap.Error(err),
		)
	}
}

// Counter is a single sampleable metric bound to one host, source and instance.
type Counter interface {
	// Meta returns the identity metadata of the counter.
	Meta() *Meta
	// Sample reads the current value. It never returns an error; a nil
	// result or a result with a nil Value means no contribution this cycle.
	Sample(ctx context.Context) *Sample
	// String returns a stable identity used in logs.
	String() string
	// Close releases the low-level handle owned by the counter.
	Close() error
}

// Sample is an immutable pairing of a counter and the value read from it.
type Sample struct {
	Counter Counter
	Value   *float64
}

// NewSample creates a sample holding v.
func NewSample(c Counter, v float64) *Sample {
	return &Sample{Counter: c, Value: &v}
}

// Failed creates a sample that carries no value.
func Failed(c Counter) *Sample {
	return &Sample{Counter: c}
}

// OK reports whether the sample carries a value.
func (s *Sample) OK() bool {
	return s != nil && s.Value != nil
}
