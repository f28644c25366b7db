// Package testutil provides backing-store helpers for integration tests.
// Tests skip when the corresponding environment variable is unset so the
// suite stays runnable on machines without services.
package testutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	postgresEnv = "FORGE_TEST_DATABASE_URL"
	redisEnv    = "FORGE_TEST_REDIS_ADDR"
)

// NewPostgresTestPool returns a pool scoped to a throwaway schema, plus a
// cleanup func. Skips the test when FORGE_TEST_DATABASE_URL is unset.
func NewPostgresTestPool(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dbURL := strings.TrimSpace(os.Getenv(postgresEnv))
	if dbURL == "" {
		t.Skipf("%s not set", postgresEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	adminPool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("create postgres pool: %v", err)
	}
	if err := adminPool.Ping(ctx); err != nil {
		adminPool.Close()
		t.Fatalf("ping postgres: %v", err)
	}

	schema := fmt.Sprintf("forge_test_%d", time.Now().UnixNano())
	if _, err := adminPool.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		adminPool.Close()
		t.Fatalf("create schema: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		adminPool.Close()
		t.Fatalf("parse postgres config: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		adminPool.Close()
		t.Fatalf("create scoped pool: %v", err)
	}

	cleanup := func() {
		pool.Close()
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dropCancel()
		_, _ = adminPool.Exec(dropCtx, "DROP SCHEMA "+schema+" CASCADE")
		adminPool.Close()
	}
	return pool, cleanup
}

// NewRedisTestClient returns a client on a flushed logical database, plus a
// cleanup func. Skips the test when FORGE_TEST_REDIS_ADDR is unset.
func NewRedisTestClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv(redisEnv))
	if addr == "" {
		t.Skipf("%s not set", redisEnv)
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 9})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush redis test db: %v", err)
	}

	cleanup := func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = client.FlushDB(flushCtx).Err()
		_ = client.Close()
	}
	return client, cleanup
}
