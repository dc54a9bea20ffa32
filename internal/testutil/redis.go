package testutil

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultTestRedisDB keeps integration tests off the DB a local scanner uses.
const defaultTestRedisDB = 9

// SetupTestRedis returns a client on an emptied test database. The address
// comes from TEST_REDIS_ADDR, then REDIS_ADDR, then the compose test profile
// on localhost:56379. TEST_REDIS_DB picks the database index.
func SetupTestRedis(t TestingTB) *redis.Client {
	t.Helper()

	addr := envOr("TEST_REDIS_ADDR", envOr("REDIS_ADDR", "localhost:56379"))
	db, err := strconv.Atoi(envOr("TEST_REDIS_DB", strconv.Itoa(defaultTestRedisDB)))
	if err != nil || db < 0 {
		t.Fatalf("invalid TEST_REDIS_DB: %q", envOr("TEST_REDIS_DB", ""))
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		skipOrFail(t, "redis", err)
		return nil
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("flush test redis db %d: %v", db, err)
	}
	t.Logf("using redis %s db %d", addr, db)
	return client
}
