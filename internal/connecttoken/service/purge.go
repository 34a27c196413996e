package service

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StartPurge schedules PurgeExpired on spec (e.g. "@every 10m") and starts the scheduler.
// Stop the returned cron on shutdown; ctx bounds each run.
func (s *TokenService) StartPurge(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		n, err := s.PurgeExpired(ctx)
		if err != nil {
			s.logger.Error("token purge failed", zap.Error(err))
			return
		}
		if n > 0 {
			s.logger.Info("token purge complete", zap.Int64("tokens_deleted", n))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("purge schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}
