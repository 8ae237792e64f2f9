package server

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"projectshelf/internal/logging"
)

// startScheduler refreshes the release cache on schedule so the admin page
// answers from cache. An empty schedule disables it.
func (s *Server) startScheduler(schedule string) error {
	if schedule == "" {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, s.scheduledCheck); err != nil {
		return fmt.Errorf("invalid update check schedule %q: %w", schedule, err)
	}
	c.Start()
	s.scheduler = c
	logging.Infof("Scheduled update checks: %s", schedule)
	return nil
}

func (s *Server) scheduledCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := s.resolver.Refresh(ctx)
	if err != nil {
		logging.Warnf("Scheduled update check failed: %v", err)
		return
	}
	if res.HasUpdate {
		logging.Infof("Update available: %s -> %s", res.CurrentVersion, res.LatestVersion)
	}
}
