package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yuto-f04/crm-psa-integrate-tool/relay/log"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/runtime"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/telemetry"
)

const (
	defaultSweepInterval  = 30 * time.Second
	defaultSweepBatchSize = 100
)

// Sweeper periodically re-enqueues dispatch jobs for PENDING and FAILED
// records whose NextRunAt has elapsed. It is the safety net that makes
// queue jobs disposable: a lost or failed enqueue only delays a record
// until the next sweep.
type Sweeper struct {
	store   Store
	service *Service
	logger  log.Logger
	sink    telemetry.Sink

	interval  time.Duration
	batchSize int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	now      func() time.Time
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperLogger sets the sweeper logger.
func WithSweeperLogger(logger log.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// WithSweeperTelemetry sets the telemetry sink.
func WithSweeperTelemetry(sink telemetry.Sink) SweeperOption {
	return func(s *Sweeper) {
		s.sink = sink
	}
}

// WithSweepInterval sets how often due records are swept.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSweepBatchSize caps how many records one sweep picks up.
func WithSweepBatchSize(size int) SweeperOption {
	return func(s *Sweeper) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// NewSweeper creates a Sweeper over a store and the scheduling service.
func NewSweeper(store Store, service *Service, opts ...SweeperOption) (*Sweeper, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if service == nil {
		return nil, ErrServiceRequired
	}

	s := &Sweeper{
		store:     store,
		service:   service,
		logger:    log.NewNop(),
		sink:      telemetry.NewNop(),
		interval:  defaultSweepInterval,
		batchSize: defaultSweepBatchSize,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		now:       time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// Start launches the sweep loop. It returns immediately.
func (s *Sweeper) Start(ctx context.Context) {
	runtime.SafeGoWithContext(ctx, s.logger, "outbox", "sweeper", runtime.KeepRunning, func(ctx context.Context) {
		defer close(s.doneCh)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sweepOnce(ctx)
			}
		}
	})
}

// Stop signals the loop to exit.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// Shutdown stops the loop and waits for it, bounded by ctx.
func (s *Sweeper) Shutdown(ctx context.Context) error {
	s.Stop()

	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sweeper shutdown: %w", ctx.Err())
	}
}

// SweepOnce runs a single sweep immediately. Exposed for operators and
// startup recovery after a restart.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	due, err := s.store.ListDue(ctx, s.batchSize, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("list due records: %w", err)
	}

	for _, record := range due {
		s.service.Schedule(ctx, record)
	}

	if len(due) > 0 {
		s.sink.Emit(ctx, telemetry.EventOutboxSwept, map[string]string{})

		s.logger.Log(ctx, log.LevelInfo, "due records re-enqueued",
			log.Int("count", len(due)))
	}

	return len(due), nil
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	defer runtime.RecoverAndLogWithContext(ctx, s.logger, "outbox", "sweeper_tick")

	if _, err := s.SweepOnce(ctx); err != nil {
		s.logger.Log(ctx, log.LevelError, "sweep failed", log.Err(err))
	}
}
