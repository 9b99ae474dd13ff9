package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sharewatch/internal/models"
)

const banlistKey = "sharewatch:banlist"

// RedisPersist хранит записи банлиста в одном Redis-хэше email -> JSON(BanlistRecord).
type RedisPersist struct {
	client *redis.Client
	ctxTTL time.Duration
}

// NewRedisPersist подключается к Redis по redisURL и возвращает готовый Persist.
func NewRedisPersist(redisURL string) (*RedisPersist, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("некорректный PERSIST_REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ошибка подключения к Redis: %w", err)
	}

	return &RedisPersist{client: client, ctxTTL: 5 * time.Second}, nil
}

func (r *RedisPersist) LoadAll() ([]models.BanlistRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.ctxTTL)
	defer cancel()

	raw, err := r.client.HGetAll(ctx, banlistKey).Result()
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки банлиста из Redis: %w", err)
	}

	records := make([]models.BanlistRecord, 0, len(raw))
	for _, v := range raw {
		var rec models.BanlistRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *RedisPersist) Upsert(email string, now time.Time, reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.ctxTTL)
	defer cancel()

	rec := models.BanlistRecord{
		Email:               email,
		FirstBanlistedAt:    now,
		LastSeenBanlistedAt: now,
		ReasonSnapshot:      reason,
	}
	if existing, err := r.client.HGet(ctx, banlistKey, email).Result(); err == nil && existing != "" {
		var prev models.BanlistRecord
		if json.Unmarshal([]byte(existing), &prev) == nil && !prev.FirstBanlistedAt.IsZero() {
			rec.FirstBanlistedAt = prev.FirstBanlistedAt
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, banlistKey, email, string(data)).Err()
}

func (r *RedisPersist) Delete(email string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.ctxTTL)
	defer cancel()
	return r.client.HDel(ctx, banlistKey, email).Err()
}

func (r *RedisPersist) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.ctxTTL)
	defer cancel()
	return r.client.Del(ctx, banlistKey).Err()
}
