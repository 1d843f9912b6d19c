package enrollment

import (
	"context"
	"log/slog"
	"time"
)

// RunSweeper calls ExpireStale every interval until ctx is done. Sweep
// failures are logged and retried on the next tick.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireStale(ctx); err != nil && ctx.Err() == nil {
				s.logger.WarnContext(ctx, "enrollment sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
