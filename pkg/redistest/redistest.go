// Package redistest runs an ephemeral Redis server for integration tests.
package redistest

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.drove.dev/drove/pkg/exectest"
)

// Redis is an ephemeral Redis server and a client connected to it.
type Redis struct {
	Client *redis.Client

	bg      *exectest.Background
	tempDir string
}

// NewRedis starts a Redis server on a unix socket and returns a client.
// The test is skipped when no redis-server binary is installed.
func NewRedis(ctx context.Context, t testing.TB) *Redis {
	if _, err := exec.LookPath("redis-server"); err != nil {
		t.Skip("redis-server not available")
	}
	dir, err := os.MkdirTemp("", "redistest-")
	if err != nil {
		t.Fatal("failed to create temp dir:", err)
	}
	socket := filepath.Join(dir, "redis.sock")
	cmd := exec.CommandContext(ctx, "redis-server",
		"--port", "0",
		"--unixsocket", socket,
		"--unixsocketperm", "700",
		"--save", "")
	cmd.Dir = dir
	bg := exectest.NewBackground(t, cmd)
	bg.Name = "redis"
	bg.Start()
	client := redis.NewClient(&redis.Options{
		Network: "unix",
		Addr:    socket,
	})
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	var pingErr error
	for try := 0; try < 30; try++ {
		if try > 0 {
			select {
			case <-ticker.C:
			case <-bg.Done():
				bg.Close()
				_ = os.RemoveAll(dir)
				t.Fatal("redis-server exited early:", bg.Err())
			}
		}
		pingErr = client.Ping(ctx).Err()
		if pingErr == nil {
			return &Redis{Client: client, bg: bg, tempDir: dir}
		}
		if errors.Is(pingErr, os.ErrNotExist) || errors.Is(pingErr, redis.ErrClosed) {
			continue // socket not created yet
		}
	}
	bg.Close()
	_ = os.RemoveAll(dir)
	t.Fatal("failed to ping Redis:", pingErr)
	return nil
}

// Close shuts down the server and removes its working directory.
func (r *Redis) Close() {
	_ = r.Client.Close()
	r.bg.Close()
	_ = os.RemoveAll(r.tempDir)
}
