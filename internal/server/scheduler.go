package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/newsfinder/internal/pipeline"
)

const schedulerLockKey = "sched:lock:monitor"

// Scheduler fires monitoring runs on a cron-like cadence. The redis lock
// keeps multiple instances from running the same cycle.
type Scheduler struct {
	Pipeline *pipeline.Pipeline
	Rdb      *redis.Client
	Cron     string
	Tick     time.Duration
	Logger   *log.Logger
	Stop     chan struct{}

	lastRun *time.Time
}

func (s *Scheduler) Start() {
	tick := s.Tick
	if tick <= 0 {
		tick = time.Minute
	}
	ticker := time.NewTicker(tick)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	if !isDue(s.Cron, s.lastRun) {
		return
	}
	ctx := context.Background()
	if s.Rdb != nil {
		ok, err := s.Rdb.SetNX(ctx, schedulerLockKey, "1", 10*time.Minute).Result()
		if err != nil {
			s.Logger.Printf("scheduler lock error: %v", err)
		}
		if !ok {
			return
		}
		defer s.Rdb.Del(ctx, schedulerLockKey)
	}

	now := time.Now()
	s.lastRun = &now
	summary, err := s.Pipeline.Run(ctx)
	if err != nil {
		s.Logger.Printf("scheduled run failed: %v", err)
		return
	}
	s.Logger.Printf("scheduled run: %d imported, %d skipped, %d errored",
		summary.Imported, summary.Skipped, summary.Errored)
}

// isDue determines whether a run should fire now given the cron spec and the
// last run time. Supports "@daily", "@hourly", and standard 5-field cron
// expressions; an invalid expression falls back to @daily.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
