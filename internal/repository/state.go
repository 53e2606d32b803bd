package repository

import (
	"context"
	"time"

	"study-rooms/internal/domain"
)

// StateRepository 定义了与 Redis 相关的共享状态操作：限流、排行缓存和房间事件。
type StateRepository interface {
	// === Rate Limiting ===

	// CheckRateLimit 检查给定 key 的请求频率是否超限，并递增计数。
	// 返回 true 如果超限，false 如果未超限。
	CheckRateLimit(ctx context.Context, key string, limit int, duration time.Duration) (bool, error)

	// === Discovery Cache ===

	// GetRankingCache 获取缓存的房间 ID 排名。缓存未命中返回 ErrCacheMiss。
	GetRankingCache(ctx context.Context, name string) ([]string, error)

	// SetRankingCache 缓存房间 ID 排名。
	SetRankingCache(ctx context.Context, name string, roomIDs []string, ttl time.Duration) error

	// === PubSub ===

	// PublishRoomEvent 将房间事件发布到该房间的频道。
	PublishRoomEvent(ctx context.Context, event domain.RoomEvent) error

	// SubscribeRoomEvents 订阅房间事件，返回事件通道和关闭函数。
	SubscribeRoomEvents(ctx context.Context, roomID string) (<-chan domain.RoomEvent, func() error, error)
}
