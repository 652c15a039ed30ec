package availability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"housecall/internal/config"
	"housecall/internal/infra"
	"housecall/internal/types"
)

func TestHeartbeatValidation(t *testing.T) {
	svc := NewService(nil, config.AvailabilityConfig{})
	ctx := context.Background()

	if err := svc.Heartbeat(ctx, "", types.Point{Lat: 45, Lng: -73}); err == nil {
		t.Fatal("empty provider id accepted")
	}
	cases := []types.Point{
		{Lat: 91, Lng: 0},
		{Lat: -91, Lng: 0},
		{Lat: 0, Lng: 181},
		{Lat: 0, Lng: -181},
	}
	for _, p := range cases {
		if err := svc.Heartbeat(ctx, types.NewID(), p); !errors.Is(err, ErrBadPosition) {
			t.Fatalf("position %+v: got %v, want ErrBadPosition", p, err)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	svc := NewService(nil, config.AvailabilityConfig{})
	if svc.radius != 25 {
		t.Fatalf("radius = %v, want 25", svc.radius)
	}
	if svc.ttl != 5*time.Minute {
		t.Fatalf("ttl = %v, want 5m", svc.ttl)
	}
}

// setupPool flushes the availability keys and returns a service against the
// Redis named by HOUSECALL_TEST_REDIS. Skips when the variable is unset.
func setupPool(t *testing.T) *Service {
	t.Helper()
	addr := os.Getenv("HOUSECALL_TEST_REDIS")
	if addr == "" {
		t.Skip("HOUSECALL_TEST_REDIS not set")
	}
	client := infra.NewRedis(addr)
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	keys, err := client.Keys(ctx, "availability:*").Result()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) > 0 {
		if err := client.Del(ctx, keys...).Err(); err != nil {
			t.Fatalf("flush: %v", err)
		}
	}
	return NewService(NewStore(client), config.AvailabilityConfig{RadiusKm: 50, PresenceTTLSeconds: 60})
}

func TestNearbyOrdersByDistance(t *testing.T) {
	svc := setupPool(t)
	ctx := context.Background()
	origin := types.Point{Lat: 45.5019, Lng: -73.5674} // downtown Montreal

	var ids []types.ID
	for i := 0; i < 3; i++ {
		id := types.NewID()
		ids = append(ids, id)
		// each step moves roughly one more km north
		pos := types.Point{Lat: origin.Lat + float64(i+1)*0.009, Lng: origin.Lng}
		if err := svc.Heartbeat(ctx, id, pos); err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
	}
	// out of radius entirely
	far := types.NewID()
	if err := svc.Heartbeat(ctx, far, types.Point{Lat: 46.8, Lng: -71.2}); err != nil {
		t.Fatalf("heartbeat far: %v", err)
	}

	got, err := svc.Nearby(ctx, origin, 10)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if fmt.Sprint(got) != fmt.Sprint(ids) {
		t.Fatalf("nearby = %v, want %v in distance order", got, ids)
	}

	got, err = svc.Nearby(ctx, origin, 2)
	if err != nil || len(got) != 2 {
		t.Fatalf("limited nearby = %v, %v", got, err)
	}
}

func TestGoOfflineRemovesProvider(t *testing.T) {
	svc := setupPool(t)
	ctx := context.Background()
	origin := types.Point{Lat: 45.5, Lng: -73.56}

	id := types.NewID()
	if err := svc.Heartbeat(ctx, id, origin); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, ok, err := svc.Location(ctx, id); err != nil || !ok {
		t.Fatalf("location after heartbeat = %v, %v", ok, err)
	}
	if err := svc.GoOffline(ctx, id); err != nil {
		t.Fatalf("offline: %v", err)
	}
	if _, ok, _ := svc.Location(ctx, id); ok {
		t.Fatal("provider still located after going offline")
	}
	got, err := svc.Nearby(ctx, origin, 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("nearby after offline = %v, %v", got, err)
	}
}

func TestLapsedPresenceEvicted(t *testing.T) {
	svc := setupPool(t)
	ctx := context.Background()
	origin := types.Point{Lat: 45.5, Lng: -73.56}

	id := types.NewID()
	if err := svc.store.Upsert(ctx, id, origin, 50*time.Millisecond); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	got, err := svc.Nearby(ctx, origin, 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("nearby with lapsed presence = %v, %v", got, err)
	}
	if _, ok, _ := svc.Location(ctx, id); ok {
		t.Fatal("lapsed provider still located")
	}
}
