package memory

import (
	"context"
	"sort"
	"sync"

	"study-rooms/internal/domain"
	"study-rooms/internal/repository"
)

// RoomRepository 是 repository.RoomRepository 的内存实现。
// 已删除的房间保留墓碑，迟到的落盘任务不会让它复活。
type RoomRepository struct {
	mu      sync.Mutex
	rooms   map[string]*domain.Room
	deleted map[string]struct{}
}

// NewRoomRepository 创建空的内存房间存储。
func NewRoomRepository() *RoomRepository {
	return &RoomRepository{rooms: make(map[string]*domain.Room), deleted: make(map[string]struct{})}
}

var _ repository.RoomRepository = (*RoomRepository)(nil)

// Save 只接受版本更新的房间状态。
func (r *RoomRepository) Save(ctx context.Context, room *domain.Room) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, gone := r.deleted[room.ID]; gone {
		return nil
	}
	if existing, ok := r.rooms[room.ID]; ok && existing.Version >= room.Version {
		return nil
	}
	r.rooms[room.ID] = room.Clone()
	return nil
}

// Delete 删除房间并记录墓碑。
func (r *RoomRepository) Delete(ctx context.Context, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.rooms, roomID)
	r.deleted[roomID] = struct{}{}
	return nil
}

// FindAll 返回所有房间的副本。
func (r *RoomRepository) FindAll(ctx context.Context) ([]*domain.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]*domain.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room.Clone())
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}
