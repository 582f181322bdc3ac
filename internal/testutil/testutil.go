// Package testutil provides testing helpers shared across portal-auth packages.
package testutil

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// TestingTB is an interface that covers both *testing.T and *testing.B.
type TestingTB interface {
	Helper()
	Cleanup(func())
	Skip(args ...any)
	Skipf(format string, args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Logf(format string, args ...any)
}

// TestRedis is a Redis client for tests plus the in-process server behind it.
// Server is nil when the tests run against a real Redis from REDIS_ADDR.
type TestRedis struct {
	Client *redis.Client
	Server *miniredis.Miniredis
}

// FastForward advances key expiry. Against a real Redis it sleeps instead.
func (r *TestRedis) FastForward(d time.Duration) {
	if r.Server != nil {
		r.Server.FastForward(d)
		return
	}
	time.Sleep(d)
}

// SetupTestRedis returns a Redis client for tests. It uses a real Redis when
// REDIS_ADDR is set and reachable, otherwise an in-process miniredis.
// Both are closed when the test ends.
func SetupTestRedis(t TestingTB) *TestRedis {
	t.Helper()

	if addr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); addr != "" {
		if client, ok := connectRedis(t, addr); ok {
			return &TestRedis{Client: client}
		}
		if requireRedis() {
			t.Fatalf("Redis not available for testing at %s", addr)
		}
		t.Logf("Redis not available at %s, using miniredis", addr)
	}

	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("warning: failed to close redis client: %v", cerr)
		}
		srv.Close()
	})
	return &TestRedis{Client: client, Server: srv}
}

func connectRedis(t TestingTB, addr string) (*redis.Client, bool) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: testRedisDB()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		if cerr := client.Close(); cerr != nil {
			t.Logf("warning: failed to close redis client after ping error: %v", cerr)
		}
		return nil, false
	}
	client.FlushDB(ctx)
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("warning: failed to close redis client: %v", cerr)
		}
	})
	return client, true
}

// testRedisDB keeps tests off DB 0 of a shared Redis.
func testRedisDB() int {
	if i, err := strconv.Atoi(os.Getenv("TEST_REDIS_DB")); err == nil && i > 0 {
		return i
	}
	return 1
}

// envBool parses common truthy values from env vars.
func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

func requireRedis() bool { return envBool("TEST_REQUIRE_REDIS") || envBool("TEST_REQUIRE_INFRA") }
