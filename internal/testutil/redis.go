package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestRedis holds a client connected to a throwaway Redis container
type TestRedis struct {
	Client    *goredis.Client
	Addr      string
	container testcontainers.Container
}

// SetupTestRedis starts a Redis container and returns a connected client
func SetupTestRedis(t *testing.T) *TestRedis {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatal(err)
	}
	addr := fmt.Sprintf("%s:%s", host, port.Port())

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		if errTerminateCnt := container.Terminate(ctx); errTerminateCnt != nil {
			t.Fatalf("Failed to terminate container: %v", errTerminateCnt)
		}
		t.Fatalf("Failed to ping Redis: %v", err)
	}

	return &TestRedis{Client: client, Addr: addr, container: container}
}

// Teardown closes the client and removes the container
func (tr *TestRedis) Teardown(t *testing.T) {
	if err := tr.Client.Close(); err != nil {
		t.Errorf("Failed to close Redis client: %v", err)
	}
	if err := tr.container.Terminate(context.Background()); err != nil {
		t.Fatalf("Failed to terminate container: %v", err)
	}
}
