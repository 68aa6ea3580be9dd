package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/idempotency"
)

const (
	idempotencyPrefix     = "idemp:"
	idempotencyLockPrefix = "idemp:lock:"
)

// Idempotency stores replayable HTTP responses keyed by Idempotency-Key.
type Idempotency struct {
	client *redis.Client
}

func NewIdempotency(client *redis.Client) *Idempotency {
	return &Idempotency{client: client}
}

func (i *Idempotency) Get(ctx context.Context, key string) (*idempotency.Response, error) {
	val, err := i.client.Get(ctx, idempotencyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Transient(errors.Wrap(err, "get idempotency key"))
	}
	var resp idempotency.Response
	if err := json.Unmarshal(val, &resp); err != nil {
		return nil, errors.Wrap(err, "decode idempotent response")
	}
	return &resp, nil
}

// Claim marks key as in flight. It reports false if another request holds it.
func (i *Idempotency) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := i.client.SetNX(ctx, idempotencyLockPrefix+key, 1, ttl).Result()
	if err != nil {
		return false, domain.Transient(errors.Wrap(err, "claim idempotency key"))
	}
	return ok, nil
}

// Set stores resp and drops the in-flight claim.
func (i *Idempotency) Set(ctx context.Context, key string, resp idempotency.Response, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return errors.Wrap(err, "encode idempotent response")
	}
	pipe := i.client.TxPipeline()
	pipe.Set(ctx, idempotencyPrefix+key, data, ttl)
	pipe.Del(ctx, idempotencyLockPrefix+key)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Transient(errors.Wrap(err, "store idempotent response"))
	}
	return nil
}

// Release drops the claim without storing a response, so the request can be
// retried.
func (i *Idempotency) Release(ctx context.Context, key string) error {
	if err := i.client.Del(ctx, idempotencyLockPrefix+key).Err(); err != nil {
		return domain.Transient(errors.Wrap(err, "release idempotency key"))
	}
	return nil
}
