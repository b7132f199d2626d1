// Package scheduler runs poll cycles at a fixed interval. A cycle samples
// every counter, compresses the resulting table, hands it to the sink and,
// when the sink supports it, purges expired data.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitalis-app/countermon/internal/models"
	"github.com/vitalis-app/countermon/internal/sampler"
	"github.com/vitalis-app/countermon/internal/sink"
)

// ErrRunning is returned by Start when the loop is already running.
var ErrRunning = errors.New("scheduler already running")

// Sampler produces one table per call.
type Sampler interface {
	SampleAll(ctx context.Context) *models.Table
}

// Scheduler serializes poll cycles. Cycles started by the ticker and by
// RunOnce share one lock, so they never interleave writes.
type Scheduler struct {
	sampler  Sampler
	writer   sink.Writer
	interval time.Duration
	logger   *zap.Logger

	// cycleMu guards the poll/write/purge sequence.
	cycleMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler polling every interval.
func New(s Sampler, w sink.Writer, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		sampler:  s,
		writer:   w,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the polling loop in the background. The first cycle runs
// immediately. The loop stops when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		select {
		case <-s.done:
		default:
			return ErrRunning
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.logger.Info("Starting scheduler",
		zap.Duration("interval", s.interval),
		zap.String("writer", s.writer.Name()))

	go s.loop(loopCtx, s.done)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one cycle unless the loop has been stopped. An in-flight cycle
// is not cancelled by Stop; only the next one is prevented.
func (s *Scheduler) tick(loopCtx context.Context) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	if loopCtx.Err() != nil {
		return
	}
	_ = s.cycle(context.WithoutCancel(loopCtx))
}

// RunOnce runs a single cycle synchronously and returns the sink error, if any.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	return s.cycle(ctx)
}

// cycle must be called with cycleMu held.
func (s *Scheduler) cycle(ctx context.Context) error {
	start := time.Now()

	table := sampler.CompressTable(s.sampler.SampleAll(ctx))
	if err := s.writer.Write(ctx, table); err != nil {
		s.logger.Error("Failed to write results",
			zap.String("writer", s.writer.Name()),
			zap.Error(err))
		return err
	}

	if p, ok := s.writer.(sink.Purger); ok {
		if err := p.PurgeExpiredData(ctx, table.Name()); err != nil {
			s.logger.Warn("Failed to purge expired data",
				zap.String("table", table.Name()),
				zap.Error(err))
		}
	}

	s.logger.Info("Cycle complete",
		zap.Int("rows", table.Len()),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Stop halts the loop and waits at most timeout for an in-flight cycle to
// finish. It reports whether the cycle was confirmed finished.
func (s *Scheduler) Stop(timeout time.Duration) bool {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	acquired := make(chan struct{})
	go func() {
		s.cycleMu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		s.cycleMu.Unlock()
		s.logger.Info("Scheduler stopped")
		return true
	case <-time.After(timeout):
		go func() {
			<-acquired
			s.cycleMu.Unlock()
		}()
		s.logger.Warn("Shutdown timed out, could not confirm in-flight cycle finished",
			zap.Duration("timeout", timeout))
		return false
	}
}

// IsRunning reports whether the polling loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}
