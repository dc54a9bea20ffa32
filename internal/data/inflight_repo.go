package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/dwas-scanner/internal/core"
)

// Owner-checked scripts so a worker whose token expired cannot touch a successor's token.
var (
	extendTokenScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseTokenScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// InFlightRepo implements core.InFlightGuard with Redis keys of the form <prefix>inflight:<job_id>.
type InFlightRepo struct {
	client redis.UniversalClient
	prefix string
}

// NewInFlightRepo creates an InFlightRepo. prefix namespaces every key (for example "dwas:").
func NewInFlightRepo(client redis.UniversalClient, prefix string) *InFlightRepo {
	return &InFlightRepo{client: client, prefix: prefix}
}

func (r *InFlightRepo) key(jobID string) string {
	return r.prefix + "inflight:" + jobID
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

// Acquire takes the token for jobID if nobody holds it. It returns false when another owner does.
func (r *InFlightRepo) Acquire(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	if jobID == "" || owner == "" {
		return false, errors.New("job id and owner are required")
	}

	// SET with NX + TTL in one command; SETNX followed by EXPIRE is not atomic.
	_, err := r.client.SetArgs(ctx, r.key(jobID), owner, redis.SetArgs{Mode: "NX", TTL: normalizeTTL(ttl)}).Result()
	if err != nil {
		// When NX condition is not met (key exists), Redis returns a nil reply.
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis SET NX: %w", err)
	}
	return true, nil
}

// Extend refreshes the token TTL if owner still holds it.
func (r *InFlightRepo) Extend(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	n, err := extendTokenScript.Run(ctx, r.client, []string{r.key(jobID)}, owner, normalizeTTL(ttl).Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis extend token: %w", err)
	}
	return n == 1, nil
}

// Release drops the token if owner still holds it.
func (r *InFlightRepo) Release(ctx context.Context, jobID, owner string) (bool, error) {
	n, err := releaseTokenScript.Run(ctx, r.client, []string{r.key(jobID)}, owner).Int64()
	if err != nil {
		return false, fmt.Errorf("redis release token: %w", err)
	}
	return n == 1, nil
}

// Held reports whether any worker currently holds the token for jobID.
func (r *InFlightRepo) Held(ctx context.Context, jobID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Health checks the Redis connection.
func (r *InFlightRepo) Health(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

var _ core.InFlightGuard = (*InFlightRepo)(nil)
