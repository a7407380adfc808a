package product

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper periodically reconciles every pending combined group, so groups
// funded outside the deposit workflow still settle.
type Sweeper struct {
	service *Service
	cron    *cron.Cron
	logger  *zap.Logger
	timeout time.Duration
	observe func(settled, pending int)

	mu      sync.Mutex
	running bool
}

// NewSweeper schedules a sweep on a standard five-field cron spec
// ("*/5 * * * *").
func NewSweeper(service *Service, schedule string, logger *zap.Logger) (*Sweeper, error) {
	s := &Sweeper{
		service: service,
		cron:    cron.New(),
		logger:  logger.Named("sweeper"),
		timeout: time.Minute,
		observe: func(int, int) {},
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, err
	}
	return s, nil
}

// OnSweep registers fn to receive the counts of every finished pass.
func (s *Sweeper) OnSweep(fn func(settled, pending int)) {
	s.observe = fn
}

func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("combined group sweeper started")
}

// Stop halts scheduling and waits for a running sweep to finish or ctx to
// expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tick skips a run if the previous one has not returned yet.
func (s *Sweeper) tick() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("previous sweep still running, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
	}
}

// Sweep runs one reconciliation pass and returns how many groups settled.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	recs, err := s.service.SettlePending(ctx, "")
	settled := 0
	for _, r := range recs {
		if r.Settled {
			settled++
		}
	}
	s.observe(settled, len(recs)-settled)
	s.logger.Debug("sweep finished", zap.Int("groups", len(recs)), zap.Int("settled", settled))
	return settled, err
}
