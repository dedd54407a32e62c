package ai

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisMarkersLatestAndExpiry(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	markers := NewRedisMarkers(client, "")
	ctx := context.Background()

	latest, err := markers.Latest(ctx, "conv-1")
	if err != nil || latest != "" {
		t.Fatalf("expected empty marker, got %q err=%v", latest, err)
	}

	if err := markers.SetLatest(ctx, "conv-1", "m1", time.Minute); err != nil {
		t.Fatalf("set marker: %v", err)
	}
	if err := markers.SetLatest(ctx, "conv-1", "m2", time.Minute); err != nil {
		t.Fatalf("set marker: %v", err)
	}
	latest, err = markers.Latest(ctx, "conv-1")
	if err != nil || latest != "m2" {
		t.Fatalf("expected m2, got %q err=%v", latest, err)
	}
	if !server.Exists("ai:latest:conv-1") {
		t.Fatalf("expected default key prefix")
	}

	server.FastForward(2 * time.Minute)
	latest, err = markers.Latest(ctx, "conv-1")
	if err != nil || latest != "" {
		t.Fatalf("expected expired marker, got %q err=%v", latest, err)
	}
}

func TestMemoryMarkersExpireAndEvict(t *testing.T) {
	markers := NewMemoryMarkers(2)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	markers.now = func() time.Time { return now }
	ctx := context.Background()

	_ = markers.SetLatest(ctx, "a", "a1", time.Minute)
	now = now.Add(time.Second)
	_ = markers.SetLatest(ctx, "b", "b1", time.Minute)
	now = now.Add(time.Second)
	_ = markers.SetLatest(ctx, "c", "c1", time.Minute)

	if latest, _ := markers.Latest(ctx, "a"); latest != "" {
		t.Fatalf("expected oldest marker to be evicted, got %q", latest)
	}
	if latest, _ := markers.Latest(ctx, "c"); latest != "c1" {
		t.Fatalf("expected c1, got %q", latest)
	}

	now = now.Add(2 * time.Minute)
	if latest, _ := markers.Latest(ctx, "b"); latest != "" {
		t.Fatalf("expected expired marker, got %q", latest)
	}
}
