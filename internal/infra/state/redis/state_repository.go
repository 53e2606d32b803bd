package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"study-rooms/internal/domain"
	"study-rooms/internal/repository"
)

// RedisStateRepository 是 StateRepository 接口的 Redis 实现
type RedisStateRepository struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStateRepository 创建 RedisStateRepository 实例
func NewRedisStateRepository(client *redis.Client, keyPrefix string) *RedisStateRepository {
	if client == nil {
		panic("redis client cannot be nil for RedisStateRepository")
	}
	if keyPrefix == "" {
		keyPrefix = "sr:" // 默认前缀 "sr:" (study rooms)
	}
	return &RedisStateRepository{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

var _ repository.StateRepository = (*RedisStateRepository)(nil)

// --- Key Generation Helpers ---
func (r *RedisStateRepository) rateLimitKey(key string) string {
	return fmt.Sprintf("%sratelimit:%s", r.keyPrefix, key)
}

func (r *RedisStateRepository) rankingKey(name string) string {
	return fmt.Sprintf("%sranking:%s", r.keyPrefix, name)
}

// RoomEventChannel 返回房间事件的 Pub/Sub 频道名
func (r *RedisStateRepository) RoomEventChannel(roomID string) string {
	return fmt.Sprintf("%sroom:%s:events", r.keyPrefix, roomID)
}

// CheckRateLimit 检查给定 key 的请求频率是否超限，并递增计数。
func (r *RedisStateRepository) CheckRateLimit(ctx context.Context, key string, limit int, duration time.Duration) (bool, error) {
	fullKey := r.rateLimitKey(key)
	pipe := r.client.Pipeline()
	incrCmd := pipe.Incr(ctx, fullKey)
	// 设置或刷新过期时间
	pipe.Expire(ctx, fullKey, duration)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis: pipeline failed for rate limit check on key %s: %w", fullKey, err)
	}
	count, err := incrCmd.Result()
	if err != nil {
		return false, fmt.Errorf("redis: failed to get incr result for rate limit on key %s: %w", fullKey, err)
	}
	return count > int64(limit), nil
}

// GetRankingCache 获取缓存的房间 ID 排名。
func (r *RedisStateRepository) GetRankingCache(ctx context.Context, name string) ([]string, error) {
	key := r.rankingKey(name)
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrCacheMiss
		}
		return nil, fmt.Errorf("redis: failed to get ranking cache %s: %w", key, err)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("redis: failed to unmarshal ranking cache %s: %w", key, err)
	}
	return ids, nil
}

// SetRankingCache 缓存房间 ID 排名。
func (r *RedisStateRepository) SetRankingCache(ctx context.Context, name string, roomIDs []string, ttl time.Duration) error {
	key := r.rankingKey(name)
	raw, err := json.Marshal(roomIDs)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal ranking %s: %w", name, err)
	}
	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis: failed to set ranking cache %s: %w", key, err)
	}
	return nil
}

// PublishRoomEvent 将房间事件发布到该房间的频道。
func (r *RedisStateRepository) PublishRoomEvent(ctx context.Context, event domain.RoomEvent) error {
	channel := r.RoomEventChannel(event.RoomID)
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal room event %s: %w", event.Type, err)
	}
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		logrus.WithFields(logrus.Fields{
			"channel":      channel,
			"payload_size": len(payload),
			"event":        event.Type,
			"room_id":      event.RoomID,
		}).WithError(err).Error("Redis Publish failed")
		return fmt.Errorf("redis: failed to publish room event to channel %s: %w", channel, err)
	}
	return nil
}

// SubscribeRoomEvents 订阅房间事件。ctx 结束或调用关闭函数后事件通道被关闭。
func (r *RedisStateRepository) SubscribeRoomEvents(ctx context.Context, roomID string) (<-chan domain.RoomEvent, func() error, error) {
	channel := r.RoomEventChannel(roomID)
	pubsub := r.client.Subscribe(ctx, channel)
	// 等待订阅确认，确保后续发布不会丢失
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("redis: failed to subscribe to %s: %w", channel, err)
	}

	events := make(chan domain.RoomEvent, 16)
	go func() {
		defer close(events)
		logCtx := logrus.WithField("channel", channel)
		for msg := range pubsub.Channel() {
			var event domain.RoomEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logCtx.WithError(err).Warn("Failed to unmarshal room event from Pub/Sub")
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
		logCtx.Debug("Room event subscription closed")
	}()
	return events, pubsub.Close, nil
}
