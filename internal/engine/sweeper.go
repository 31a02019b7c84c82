package engine

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Sweeper runs ExpireStale on a fixed interval.
type Sweeper struct {
	sched gocron.Scheduler
}

// StartSweeper schedules the expiry job and runs it once immediately. A
// slow sweep pushes the next run back instead of overlapping it.
func StartSweeper(m *Manager, interval time.Duration) (*Sweeper, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			if _, err := m.ExpireStale(ctx); err != nil {
				log.Printf("[sweeper] expire stale battles: %v", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		sched.Shutdown()
		return nil, err
	}
	sched.Start()
	log.Printf("[sweeper] expiring stale battles every %s", interval)
	return &Sweeper{sched: sched}, nil
}

func (s *Sweeper) Stop() error {
	return s.sched.Shutdown()
}
