package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid-redis", "redis://localhost:6379", false},
		{"valid-with-db", "redis://localhost:6379/0", false},
		{"empty", "", true},
		{"wrong-scheme", "http://localhost:6379", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_UnreachableHost(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping unreachable host test in short mode")
	}

	ctx := t.Context()
	_, err := New(ctx, "redis://localhost:59999")
	if err == nil {
		t.Fatal("New() should return error for unreachable host")
	}
}

func TestCache_JSONRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}

	ctx := context.Background()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	endpoint, err := ctr.Endpoint(ctx, "redis")
	if err != nil {
		t.Fatal(err)
	}

	c, err := New(ctx, endpoint)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	type pool struct {
		ID    string   `json:"id"`
		Items []string `json:"items"`
	}

	var got pool
	if err := c.GetJSON(ctx, "pool:a1", &got); !errors.Is(err, ErrMiss) {
		t.Fatalf("GetJSON() on empty cache error = %v, want ErrMiss", err)
	}

	want := pool{ID: "a1", Items: []string{"v1", "v2"}}
	if err := c.SetJSON(ctx, "pool:a1", want, time.Minute); err != nil {
		t.Fatalf("SetJSON() error = %v", err)
	}
	if err := c.GetJSON(ctx, "pool:a1", &got); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if got.ID != want.ID || len(got.Items) != 2 {
		t.Errorf("GetJSON() = %+v, want %+v", got, want)
	}

	ttl, err := c.Client.TTL(ctx, c.Key("pool:a1")).Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, %v", ttl, err)
	}

	if err := c.Delete(ctx, "pool:a1"); err != nil {
		t.Fatal(err)
	}
	if err := c.GetJSON(ctx, "pool:a1", &got); !errors.Is(err, ErrMiss) {
		t.Errorf("GetJSON() after Delete error = %v, want ErrMiss", err)
	}
	if err := c.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}
