// README: Availability store backed by Redis GEO plus per-provider presence keys.
package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"housecall/internal/types"
)

const (
	providerGeoKey    = "availability:providers"
	presenceKeyPrefix = "availability:seen:%s"
)

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

// Upsert writes the provider's position and refreshes its presence key.
// A provider whose presence key has lapsed is treated as off shift even
// if its GEO member is still in the set.
func (s *Store) Upsert(ctx context.Context, providerID types.ID, pos types.Point, ttl time.Duration) error {
	pipe := s.redis.Pipeline()
	pipe.GeoAdd(ctx, providerGeoKey, &redis.GeoLocation{
		Name:      string(providerID),
		Longitude: pos.Lng,
		Latitude:  pos.Lat,
	})
	pipe.Set(ctx, presenceKey(providerID), "1", ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) Remove(ctx context.Context, providerID types.ID) error {
	pipe := s.redis.Pipeline()
	pipe.ZRem(ctx, providerGeoKey, string(providerID))
	pipe.Del(ctx, presenceKey(providerID))
	_, err := pipe.Exec(ctx)
	return err
}

// Nearby returns on-shift provider ids around p ordered by distance.
// GEO members whose presence key has expired are evicted as they are seen.
func (s *Store) Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]types.ID, error) {
	results, err := s.redis.GeoSearch(ctx, providerGeoKey, &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, 0, len(results))
	for _, r := range results {
		alive, err := s.alive(ctx, types.ID(r))
		if err != nil {
			return nil, err
		}
		if !alive {
			s.redis.ZRem(ctx, providerGeoKey, r)
			continue
		}
		ids = append(ids, types.ID(r))
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

// Position returns the provider's last reported position, if it is on shift.
func (s *Store) Position(ctx context.Context, providerID types.ID) (types.Point, bool, error) {
	alive, err := s.alive(ctx, providerID)
	if err != nil || !alive {
		return types.Point{}, false, err
	}
	pos, err := s.redis.GeoPos(ctx, providerGeoKey, string(providerID)).Result()
	if err != nil {
		return types.Point{}, false, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return types.Point{}, false, nil
	}
	return types.Point{Lat: pos[0].Latitude, Lng: pos[0].Longitude}, true, nil
}

func (s *Store) alive(ctx context.Context, providerID types.ID) (bool, error) {
	_, err := s.redis.Get(ctx, presenceKey(providerID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func presenceKey(providerID types.ID) string {
	return fmt.Sprintf(presenceKeyPrefix, string(providerID))
}
