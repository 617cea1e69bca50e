/*
sweeper.go - Background expiry scheduler

PURPOSE:
  Periodically runs the expiry sweep so due lots are expired without an
  external trigger. The sweep itself is idempotent, so an overlapping
  manual run or a restart mid-interval is harmless.

CONFIGURATION:
  - Interval: How often to sweep (default: 1 hour)
  - Enabled:  Whether the sweeper is active (default: true)

USAGE:
  sweeper := program.NewSweeper(prog)
  sweeper.Start()
  // ... later
  sweeper.Stop()
*/
package program

import (
	"context"
	"log"
	"sync"
	"time"
)

// Sweeper runs expiry sweeps on an interval.
type Sweeper struct {
	Program  *Program
	Interval time.Duration
	Enabled  bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSweeper(p *Program) *Sweeper {
	return &Sweeper{
		Program:  p,
		Interval: 1 * time.Hour,
		Enabled:  true,
		stop:     make(chan struct{}),
	}
}

// Start begins the sweeper.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Println("[Sweeper] Disabled, not starting")
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)
	go s.run()

	log.Printf("[Sweeper] Started with interval: %v", s.Interval)
}

// Stop stops the sweeper.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		log.Println("[Sweeper] Stopped")
	}
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	// Sweep immediately on start
	s.sweep()

	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) sweep() {
	ctx := context.Background()
	asOf := time.Now().UTC()

	report, err := s.Program.RunExpirySweep(ctx, asOf)
	if err != nil {
		log.Printf("[Sweeper] Sweep at %v failed: %v", asOf, err)
		return
	}
	if report.LotsExpired > 0 || len(report.Failed) > 0 {
		log.Printf("[Sweeper] Swept %d accounts: %d lots, %v points expired, %d failed",
			report.AccountsSwept, report.LotsExpired, report.PointsExpired, len(report.Failed))
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (s *Sweeper) RunNow() {
	s.sweep()
}
