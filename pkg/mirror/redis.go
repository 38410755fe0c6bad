package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldDocument  = "document"
	fieldVersion   = "version"
	fieldUpdatedAt = "updated_at"
)

// Redis keeps the journal in a hash with document, version and updated_at
// fields. WATCH on the key plus MULTI/EXEC gives the optimistic update.
type Redis struct {
	name   string
	key    string
	client redis.UniversalClient
}

func NewRedis(t Target, client redis.UniversalClient) *Redis {
	t = t.WithDefaults()
	return &Redis{name: t.Name, key: redisKey(t), client: client}
}

func DialRedis(t Target) *Redis {
	return NewRedis(t, redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    t.Endpoints,
		Password: t.Token(),
	}))
}

func redisKey(t Target) string {
	return strings.Join([]string{t.Owner, t.Collection, t.Branch, t.Path}, ":")
}

func (r *Redis) Name() string { return r.name }
func (r *Redis) Key() string  { return r.key }
func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Push(ctx context.Context, doc []byte, _ int) error {
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		version, err := tx.HGet(ctx, r.key, fieldVersion).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, r.key,
				fieldDocument, doc,
				fieldVersion, version+1,
				fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano))
			return nil
		})
		return err
	}, r.key)
	switch {
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("redis %s: %w", r.key, ErrConflict)
	case err != nil:
		return fmt.Errorf("redis %s: %w", r.key, err)
	}
	return nil
}
