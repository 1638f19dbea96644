package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/peopleflow/importd/config"
	"github.com/peopleflow/importd/internal/domain/model"
)

// Redis key layout for the progress read path.
const (
	progressKeyPrefix      = "import:progress:"
	progressUpdatesChannel = "import:progress:updates"
)

// RedisProgressRepo implements the ProgressPublisher port on Redis.
// Snapshots are best-effort: a publish failure never fails the import, and
// a read miss sends the caller to the database.
type RedisProgressRepo struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisProgressRepo creates a new RedisProgressRepo. Snapshots expire
// after ttl so abandoned jobs do not pin cache memory.
func NewRedisProgressRepo(client redis.UniversalClient, ttl time.Duration) *RedisProgressRepo {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisProgressRepo{client: client, ttl: ttl}
}

func progressKey(jobID string) string {
	return progressKeyPrefix + jobID
}

// Publish stores the snapshot under the job's key and announces the update
// on the shared pub/sub channel.
func (r *RedisProgressRepo) Publish(ctx context.Context, snap model.ProgressSnapshot) error {
	if snap.JobID == "" {
		return errors.New("snapshot job id cannot be empty")
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if setErr := r.client.Set(ctx, progressKey(snap.JobID), payload, r.ttl).Err(); setErr != nil {
		return fmt.Errorf("redis set: %w", setErr)
	}

	// Subscribers are optional; publish failures after a successful set do
	// not invalidate the snapshot.
	if pubErr := r.client.Publish(ctx, progressUpdatesChannel, payload).Err(); pubErr != nil {
		return fmt.Errorf("redis publish: %w", pubErr)
	}
	return nil
}

// Read returns the cached snapshot for the job, or nil on a miss.
func (r *RedisProgressRepo) Read(ctx context.Context, jobID string) (*model.ProgressSnapshot, error) {
	if jobID == "" {
		return nil, errors.New("job id cannot be empty")
	}

	raw, err := r.client.Get(ctx, progressKey(jobID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var snap model.ProgressSnapshot
	if unmarshalErr := json.Unmarshal([]byte(raw), &snap); unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", unmarshalErr)
	}
	return &snap, nil
}

// Clear drops the cached snapshot for the job.
func (r *RedisProgressRepo) Clear(ctx context.Context, jobID string) error {
	if jobID == "" {
		return errors.New("job id cannot be empty")
	}
	if err := r.client.Del(ctx, progressKey(jobID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Subscribe returns a subscription to progress updates. The caller owns the
// returned PubSub and must close it.
func (r *RedisProgressRepo) Subscribe(ctx context.Context) *redis.PubSub {
	return r.client.Subscribe(ctx, progressUpdatesChannel)
}

// Health checks the health of the Redis connection.
func (r *RedisProgressRepo) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// NewRedisClient creates a new Redis client from the application config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
