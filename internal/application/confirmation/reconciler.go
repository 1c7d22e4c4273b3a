package confirmation

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RunReconciler retries unsynced ledger writes every interval until ctx is cancelled.
func RunReconciler(ctx context.Context, svc *Service, interval time.Duration, batch int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info().Dur("interval", interval).Msg("ledger reconciler started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("ledger reconciler stopped")
			return
		case <-ticker.C:
			if _, err := svc.ReconcilePending(ctx, batch); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("ledger reconciliation failed")
			}
		}
	}
}
