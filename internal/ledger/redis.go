package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/config"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/logger"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

// Redis stores each record as a JSON value and indexes keys by state.
type Redis struct {
	client *redis.Client
	prefix string
	logger *logger.Logger
}

func NewRedis(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "chimera:"
	}
	return &Redis{client: client, prefix: prefix, logger: log.WithComponent("ledger-redis")}, nil
}

func (r *Redis) recordKey(key types.FindingKey) string {
	return r.prefix + "record:" + key.String()
}

func (r *Redis) stateKey(state types.SubmissionState) string {
	return r.prefix + "state:" + string(state)
}

func (r *Redis) Load(ctx context.Context, key types.FindingKey) (*types.SubmissionRecord, error) {
	data, err := r.client.Get(ctx, r.recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", key, err)
	}

	var rec types.SubmissionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", key, err)
	}
	return &rec, nil
}

func (r *Redis) Save(ctx context.Context, rec types.SubmissionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	member := rec.Key.String()
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.recordKey(rec.Key), data, 0)
	for _, s := range []types.SubmissionState{
		types.StatePending, types.StateSubmitted, types.StateDuplicate, types.StateRejected, types.StateFailed,
	} {
		if s != rec.State {
			pipe.SRem(ctx, r.stateKey(s), member)
		}
	}
	pipe.SAdd(ctx, r.stateKey(rec.State), member)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save record %s: %w", rec.Key, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
