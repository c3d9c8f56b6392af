//go:build !no_containers

package sequence

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kilianp07/flexplan/core/clock"
)

func startRedis(ctx context.Context, t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not installed")
	}
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp"),
	}
	cont, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("container start: %v", err)
	}
	t.Cleanup(func() { _ = cont.Terminate(context.Background()) })
	host, err := cont.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := cont.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestRedisAllocatorSharedAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	addr := startRedis(ctx, t)
	clk := clock.NewFixed(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))

	a, err := NewRedisAllocator(ctx, Config{Addr: addr, Key: "test:seq"}, clk)
	if err != nil {
		t.Fatalf("allocator a: %v", err)
	}
	defer func() { _ = a.Close() }()
	b, err := NewRedisAllocator(ctx, Config{Addr: addr, Key: "test:seq"}, clk)
	if err != nil {
		t.Fatalf("allocator b: %v", err)
	}
	defer func() { _ = b.Close() }()

	first, err := a.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if want := clk.Now().UnixMilli() * 1000; first != want {
		t.Fatalf("first number %d, want seed %d", first, want)
	}

	var (
		mu   sync.Mutex
		seen = map[int64]bool{first: true}
		wg   sync.WaitGroup
	)
	for _, alloc := range []*RedisAllocator{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				n, err := alloc.Next(ctx)
				if err != nil {
					t.Errorf("next: %v", err)
					return
				}
				mu.Lock()
				if seen[n] || n <= first {
					t.Errorf("sequence %d reused or not increasing", n)
				}
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 101 {
		t.Fatalf("expected 101 unique numbers, got %d", len(seen))
	}
}

func TestRedisAllocatorUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := NewRedisAllocator(ctx, Config{Addr: "127.0.0.1:1"}, clock.System{}); err == nil {
		t.Fatalf("expected ping failure")
	}
}
