package timesync

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultInterval is the fixed tick period of the sync service.
const DefaultInterval = 60 * time.Second

// FetchFunc obtains the offset between local and authoritative time,
// typically by a TimeSyncRequest round trip to the cloud.
type FetchFunc func(ctx context.Context) (time.Duration, error)

// Service refreshes a Clock at a fixed interval. Failures are expected
// to be transient: the clock state is left unchanged and the attempt is
// repeated on the next tick, with no backoff escalation.
type Service struct {
	clock    *Clock
	fetch    FetchFunc
	interval time.Duration
}

// NewService creates a sync service. interval <= 0 selects the default.
func NewService(clock *Clock, fetch FetchFunc, interval time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{clock: clock, fetch: fetch, interval: interval}
}

// Run ticks until the context is canceled. Each tick syncs only when
// the clock reports staleness.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Sync immediately at startup rather than waiting a full interval.
	s.syncOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Time sync service stopped")
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

func (s *Service) syncOnce(ctx context.Context) {
	if !s.clock.NeedsSync() {
		return
	}

	offset, err := s.fetch(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Time sync failed, retrying next tick")
		return
	}

	s.clock.Apply(offset)
	log.Info().Dur("offset", offset).Msg("Clock synchronized")
}
