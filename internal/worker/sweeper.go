package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abhirambsn/mo-ticket/pkg/logger"
	"go.uber.org/zap"
)

// OfferSweeper is the sweep operation the worker drives
type OfferSweeper interface {
	Sweep(ctx context.Context, limit int) (int, error)
}

// SweeperConfig contains configuration for the sweeper
type SweeperConfig struct {
	// Interval is the time between sweeps
	Interval time.Duration
	// BatchSize caps how many lapsed offers one sweep expires
	BatchSize int
}

// DefaultSweeperConfig returns default configuration
func DefaultSweeperConfig() *SweeperConfig {
	return &SweeperConfig{
		Interval:  time.Minute,
		BatchSize: 100,
	}
}

// SweeperStats is a snapshot of sweeper activity
type SweeperStats struct {
	Runs         int64
	TotalExpired int64
	LastRun      time.Time
	LastExpired  int
}

// Sweeper expires abandoned offers on a ticker so their slots are promoted
// even when nobody touches the resource. Correctness never depends on it.
type Sweeper struct {
	offers OfferSweeper
	config *SweeperConfig
	log    *logger.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	running bool

	runs         atomic.Int64
	totalExpired atomic.Int64
	statsMu      sync.Mutex
	lastRun      time.Time
	lastExpired  int
}

// NewSweeper creates a new sweeper
func NewSweeper(offers OfferSweeper, config *SweeperConfig, log *logger.Logger) *Sweeper {
	if config == nil {
		config = DefaultSweeperConfig()
	}
	def := DefaultSweeperConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if log == nil {
		log = logger.Get()
	}
	return &Sweeper{
		offers: offers,
		config: config,
		log:    log.Named("sweeper"),
		stopCh: make(chan struct{}),
	}
}

// Start starts the sweep loop
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	s.running = true
	s.mu.Unlock()

	s.log.Info("starting offer sweeper",
		zap.Duration("interval", s.config.Interval),
		zap.Int("batch_size", s.config.BatchSize),
	)
	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop stops the sweep loop and waits for an in-flight sweep
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.log.Info("offer sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep
func (s *Sweeper) RunOnce(ctx context.Context) int {
	expired, err := s.offers.Sweep(ctx, s.config.BatchSize)
	if err != nil {
		s.log.Error("offer sweep failed", zap.Int("expired", expired), zap.Error(err))
	}

	s.runs.Add(1)
	s.totalExpired.Add(int64(expired))
	s.statsMu.Lock()
	s.lastRun = time.Now()
	s.lastExpired = expired
	s.statsMu.Unlock()
	return expired
}

// Stats returns a snapshot of sweeper activity
func (s *Sweeper) Stats() SweeperStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return SweeperStats{
		Runs:         s.runs.Load(),
		TotalExpired: s.totalExpired.Load(),
		LastRun:      s.lastRun,
		LastExpired:  s.lastExpired,
	}
}
