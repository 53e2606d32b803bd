package repository

import (
	"context"

	"study-rooms/internal/domain"
)

// RoomRepository 定义了房间记录的持久化操作。
// 运行时的权威状态在 Registry 中，这里只用于异步落盘和启动时恢复。
type RoomRepository interface {
	// Save 保存房间及其成员关系（整体覆盖）。
	// 若库中记录的版本号不低于 room.Version，则忽略本次写入。
	Save(ctx context.Context, room *domain.Room) error

	// Delete 删除房间及其所有成员关系。房间不存在时不返回错误。
	Delete(ctx context.Context, roomID string) error

	// FindAll 读取全部房间，用于启动时初始化 Registry。
	FindAll(ctx context.Context) ([]*domain.Room, error)
}
