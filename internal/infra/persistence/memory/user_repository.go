// Package memory 提供进程内的 UserRepository，用于 DB_DRIVER=memory 的本地开发和测试。
package memory

import (
	"context"
	"sort"
	"sync"

	"study-rooms/internal/domain"
	"study-rooms/internal/repository"
)

type userData struct {
	views    map[string]domain.MembershipView // roomID -> view
	removed  map[string]uint64                // roomID -> 最近一次删除的版本
	sessions []domain.Session                 // 最新的在前
}

// UserRepository 是 repository.UserRepository 的内存实现。
type UserRepository struct {
	mu    sync.RWMutex
	users map[string]*userData
}

// NewUserRepository 创建空的内存用户存储。
func NewUserRepository() *UserRepository {
	return &UserRepository{users: make(map[string]*userData)}
}

var _ repository.UserRepository = (*UserRepository)(nil)

func (r *UserRepository) user(userID string) *userData {
	u, ok := r.users[userID]
	if !ok {
		u = &userData{views: make(map[string]domain.MembershipView), removed: make(map[string]uint64)}
		r.users[userID] = u
	}
	return u
}

// Get 返回用户记录的副本，视图按 RoomID 排序。
func (r *UserRepository) Get(ctx context.Context, userID string) (*domain.UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	record := &domain.UserRecord{UserID: userID, Memberships: []domain.MembershipView{}, Sessions: []domain.Session{}}
	u, ok := r.users[userID]
	if !ok {
		return record, nil
	}
	for _, v := range u.views {
		record.Memberships = append(record.Memberships, v)
	}
	sort.Slice(record.Memberships, func(i, j int) bool {
		return record.Memberships[i].RoomID < record.Memberships[j].RoomID
	})
	record.Sessions = append(record.Sessions, u.sessions...)
	return record, nil
}

// AppendSession 按开始时间插入，超过上限时淘汰最旧的记录。
func (r *UserRepository) AppendSession(ctx context.Context, userID string, session domain.Session, historyCap int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	u := r.user(userID)
	for _, s := range u.sessions {
		if s.ID == session.ID {
			return nil
		}
	}
	u.sessions = append(u.sessions, session)
	sort.SliceStable(u.sessions, func(i, j int) bool {
		return u.sessions[i].StartedAt.After(u.sessions[j].StartedAt)
	})
	if historyCap > 0 && len(u.sessions) > historyCap {
		u.sessions = u.sessions[:historyCap]
	}
	return nil
}

// UpsertMembershipView 忽略版本更旧的写入，以及不高于删除墓碑的写入。
func (r *UserRepository) UpsertMembershipView(ctx context.Context, view domain.MembershipView) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	u := r.user(view.UserID)
	if view.RoomVersion <= u.removed[view.RoomID] {
		return nil
	}
	if existing, ok := u.views[view.RoomID]; ok && existing.RoomVersion > view.RoomVersion {
		return nil
	}
	u.views[view.RoomID] = view
	return nil
}

// RemoveMembershipView 只删除版本不高于 version 的视图，并记录删除墓碑。
func (r *UserRepository) RemoveMembershipView(ctx context.Context, userID, roomID string, version uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	u := r.user(userID)
	if version > u.removed[roomID] {
		u.removed[roomID] = version
	}
	if existing, ok := u.views[roomID]; ok && existing.RoomVersion <= version {
		delete(u.views, roomID)
	}
	return nil
}

// ListMembershipViews 返回所有用户的所有视图。
func (r *UserRepository) ListMembershipViews(ctx context.Context) ([]domain.MembershipView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	views := make([]domain.MembershipView, 0)
	for _, u := range r.users {
		for _, v := range u.views {
			views = append(views, v)
		}
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].UserID != views[j].UserID {
			return views[i].UserID < views[j].UserID
		}
		return views[i].RoomID < views[j].RoomID
	})
	return views, nil
}
