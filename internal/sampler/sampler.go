// Package sampler drives one poll cycle: it resolves the active counter set,
// samples every counter and projects the results onto a dynamic schema.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/iter"
	"go.uber.org/zap"

	"github.com/vitalis-app/countermon/internal/counter"
	"github.com/vitalis-app/countermon/internal/discovery"
	"github.com/vitalis-app/countermon/internal/models"
)

// Fixed metadata columns.
const (
	ColumnTimestamp   = models.ColumnTimestamp
	ColumnCluster     = models.ColumnCluster
	ColumnMachine     = models.ColumnMachine
	ColumnCounterType = models.ColumnCounterType
	ColumnSource      = models.ColumnSource
	ColumnCategory    = models.ColumnCategory
	ColumnInstance    = models.ColumnInstance
	ColumnUnit        = models.ColumnUnit
)

// ErrReservedName is returned when a metric name normalizes to a fixed
// metadata column.
var ErrReservedName = errors.New("metric name collides with a fixed column")

// Loader resolves counters for a lifecycle pass.
type Loader interface {
	Load(ctx context.Context, lifecycle counter.LifecycleType) *discovery.Result
}

// Options configures a Sampler.
type Options struct {
	TableName string
	// Parallelism is the number of counters sampled concurrently. Values
	// below 2 sample sequentially.
	Parallelism int
	Logger      *zap.Logger
	// Now stamps each cycle. Defaults to time.Now.
	Now func() time.Time
}

// Sampler samples the persistent counters resolved at construction plus the
// ephemeral counters resolved at the start of every cycle.
type Sampler struct {
	loader     Loader
	opts       Options
	logger     *zap.Logger
	persistent *discovery.Result
	schema     *models.Schema
}

// New loads the persistent counters and builds the base schema.
func New(ctx context.Context, loader Loader, opts Options) (*Sampler, error) {
	if strings.TrimSpace(opts.TableName) == "" {
		return nil, errors.New("sampler: table name is required")
	}
	if loader == nil {
		return nil, errors.New("sampler: loader is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	persistent := loader.Load(ctx, counter.Persistent)
	schema, err := BuildSchema(opts.TableName, persistent.Counters)
	if err != nil {
		if cerr := persistent.Close(); cerr != nil {
			opts.Logger.Warn("Error releasing counters", zap.Error(cerr))
		}
		return nil, fmt.Errorf("sampler: building schema: %w", err)
	}
	s := &Sampler{
		loader:     loader,
		opts:       opts,
		logger:     opts.Logger,
		persistent: persistent,
		schema:     schema,
	}
	s.logger.Info("Loaded persistent counters",
		zap.Int("count", persistent.Len()),
		zap.Int("columns", s.schema.Len()))
	return s, nil
}

// Schema returns a copy of the base schema.
func (s *Sampler) Schema() *models.Schema { return s.schema.Clone() }

// PersistentCount returns the number of persistent counters.
func (s *Sampler) PersistentCount() int { return s.persistent.Len() }

// SampleAll polls every known counter and returns one row per successful
// sample. Failures are counted and logged, never returned.
func (s *Sampler) SampleAll(ctx context.Context) *models.Table {
	log := s.logger.With(zap.String("cycle_id", uuid.NewString()))
	log.Info("Polling")
	timestamp := s.opts.Now()

	ephemeral := s.loader.Load(ctx, counter.Ephemeral)
	defer func() {
		if err := ephemeral.Close(); err != nil {
			log.Warn("Error releasing ephemeral counters", zap.Error(err))
		}
	}()
	log.Debug("Loaded ephemeral counters", zap.Int("count", ephemeral.Len()))

	all := make([]counter.Counter, 0, s.persistent.Len()+ephemeral.Len())
	all = append(all, s.persistent.Counters...)
	for _, c := range ephemeral.Counters {
		if models.IsReservedColumn(c.Meta().Name) {
			log.Error("Skipping counter whose name collides with a fixed column",
				zap.Stringer("counter", c))
			continue
		}
		all = append(all, c)
	}

	table := models.NewTable(s.cycleSchema(all[s.persistent.Len():], all))
	for _, sample := range s.sample(ctx, all) {
		if !sample.OK() {
			continue
		}
		table.Append(mapToSchema(table, sample, timestamp))
	}

	failed := len(all) - table.Len()
	log.Info("Finished polling counters",
		zap.Int("counters", len(all)),
		zap.Int("failures", failed))
	return table
}

// Close releases the persistent counters and their connections.
func (s *Sampler) Close() error {
	return s.persistent.Close()
}

// cycleSchema returns the base schema unless ephemeral counters introduce
// metrics it lacks, in which case the schema is rebuilt over all counters.
// Persistent counters come first, so the base columns keep their order.
func (s *Sampler) cycleSchema(ephemeral, all []counter.Counter) *models.Schema {
	for _, c := range ephemeral {
		if !s.schema.Contains(c.Meta().Name) {
			// Reserved names were filtered out by the caller.
			schema, _ := BuildSchema(s.opts.TableName, all)
			return schema
		}
	}
	return s.schema.Clone()
}

// sample returns the samples of counters in input order.
func (s *Sampler) sample(ctx context.Context, counters []counter.Counter) []*counter.Sample {
	if s.opts.Parallelism < 2 {
		out := make([]*counter.Sample, len(counters))
		for i, c := range counters {
			out[i] = c.Sample(ctx)
		}
		return out
	}
	mapper := iter.Mapper[counter.Counter, *counter.Sample]{MaxGoroutines: s.opts.Parallelism}
	return mapper.Map(counters, func(c *counter.Counter) *counter.Sample {
		return (*c).Sample(ctx)
	})
}

// BuildSchema returns the result schema for a counter set: the fixed
// metadata columns around one nullable float column per distinct metric
// name, in first-seen order. A metric name that normalizes to a fixed
// column fails with ErrReservedName.
func BuildSchema(tableName string, counters []counter.Counter) (*models.Schema, error) {
	s := models.NewSchema(tableName)
	s.AddColumn(models.Column{Name: ColumnTimestamp, Type: models.TypeTime})
	s.AddColumn(models.Column{Name: ColumnCluster, Type: models.TypeString, Nullable: true, MaxLength: 32})
	s.AddColumn(models.Column{Name: ColumnMachine, Type: models.TypeString, MaxLength: 63})
	s.AddColumn(models.Column{Name: ColumnCounterType, Type: models.TypeString, MaxLength: 32})
	s.AddColumn(models.Column{Name: ColumnSource, Type: models.TypeString, MaxLength: 32})
	s.AddColumn(models.Column{Name: ColumnCategory, Type: models.TypeString, MaxLength: 64})
	for _, c := range counters {
		name := c.Meta().Name
		if models.IsReservedColumn(name) {
			return nil, fmt.Errorf("%w: %q (%s)", ErrReservedName, name, c)
		}
		s.AddColumn(models.Column{Name: name, Type: models.TypeFloat64, Nullable: true})
	}
	s.AddColumn(models.Column{Name: ColumnInstance, Type: models.TypeString, Nullable: true, MaxLength: 128})
	s.AddColumn(models.Column{Name: ColumnUnit, Type: models.TypeString, Nullable: true, MaxLength: 32})
	return s, nil
}

func mapToSchema(t *models.Table, s *counter.Sample, timestamp time.Time) models.Row {
	m := s.Counter.Meta()
	row := t.NewRow()
	t.Set(row, ColumnTimestamp, timestamp)
	t.Set(row, ColumnCluster, nullable(m.Host.Cluster()))
	t.Set(row, ColumnMachine, strings.ToLower(m.Host.Name()))
	t.Set(row, ColumnCounterType, m.CounterType)
	t.Set(row, ColumnSource, m.Source)
	t.Set(row, ColumnCategory, m.Category)
	t.Set(row, m.Name, *s.Value)
	t.Set(row, ColumnInstance, nullable(m.Instance))
	t.Set(row, ColumnUnit, nullable(m.Unit))
	return row
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
