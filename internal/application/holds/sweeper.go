package holds

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RunSweeper calls ExpireStale every interval until ctx is cancelled.
func RunSweeper(ctx context.Context, svc *Service, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info().Dur("interval", interval).Msg("hold sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("hold sweeper stopped")
			return
		case <-ticker.C:
			if _, err := svc.ExpireStale(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("hold sweep failed")
			}
		}
	}
}
