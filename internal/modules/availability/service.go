// README: Availability pool: which providers are on shift and where. Feeds
// the on-demand broadcast ranking with distance-ordered candidates.
package availability

import (
	"context"
	"errors"
	"time"

	"housecall/internal/config"
	"housecall/internal/types"
)

var ErrBadPosition = errors.New("position out of range")

type Service struct {
	store  *Store
	radius float64
	ttl    time.Duration
}

func NewService(store *Store, cfg config.AvailabilityConfig) *Service {
	radius := cfg.RadiusKm
	if radius <= 0 {
		radius = 25
	}
	ttl := time.Duration(cfg.PresenceTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{store: store, radius: radius, ttl: ttl}
}

// Heartbeat marks a provider on shift at the given position. Providers call
// this periodically; missing a full presence window drops them from the pool.
func (s *Service) Heartbeat(ctx context.Context, providerID types.ID, pos types.Point) error {
	if providerID == "" {
		return errors.New("provider id required")
	}
	if pos.Lat < -90 || pos.Lat > 90 || pos.Lng < -180 || pos.Lng > 180 {
		return ErrBadPosition
	}
	return s.store.Upsert(ctx, providerID, pos, s.ttl)
}

// GoOffline removes the provider from the pool immediately.
func (s *Service) GoOffline(ctx context.Context, providerID types.ID) error {
	return s.store.Remove(ctx, providerID)
}

// Nearby returns on-shift provider ids ordered by distance from p.
func (s *Service) Nearby(ctx context.Context, p types.Point, limit int) ([]types.ID, error) {
	return s.store.Nearby(ctx, p, s.radius, limit)
}

// Location reports a provider's last known position, when it is on shift.
func (s *Service) Location(ctx context.Context, providerID types.ID) (types.Point, bool, error) {
	return s.store.Position(ctx, providerID)
}
