package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"study-rooms/internal/domain"
	"study-rooms/internal/registry"
	"study-rooms/internal/repository"
)

// CreateRoomInput 创建房间的参数
type CreateRoomInput struct {
	Name        string
	Description string
	Category    string
	Tags        []string
	IsPrivate   bool
	Capacity    int
}

// JoinRoomInput 加入房间的参数，RoomID 与 AccessKey 必须且只能提供一个。
type JoinRoomInput struct {
	RoomID    string
	AccessKey string
}

// RoomPatch 房主可编辑的字段，nil 表示不修改。
type RoomPatch struct {
	Name        *string
	Description *string
	Category    *string
	Tags        *[]string
	Capacity    *int
}

func (p RoomPatch) empty() bool {
	return p.Name == nil && p.Description == nil && p.Category == nil && p.Tags == nil && p.Capacity == nil
}

// MembershipService 负责房间的生命周期和成员关系。
// 所有状态变更都经由 Registry.Mutate 串行化，然后交给 Propagator 同步用户视图。
type MembershipService struct {
	registry   *registry.Registry
	userRepo   repository.UserRepository
	propagator *Propagator
}

// NewMembershipService 创建 MembershipService 实例。
func NewMembershipService(reg *registry.Registry, userRepo repository.UserRepository, propagator *Propagator) *MembershipService {
	if reg == nil || userRepo == nil || propagator == nil {
		panic("Registry, UserRepository and Propagator cannot be nil for MembershipService")
	}
	return &MembershipService{registry: reg, userRepo: userRepo, propagator: propagator}
}

// CreateRoom 创建房间，创建者成为房主和唯一成员。
func (s *MembershipService) CreateRoom(ctx context.Context, userID string, in CreateRoomInput) (*domain.Room, error) {
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "private": in.IsPrivate})

	room, err := s.registry.Create(userID, registry.RoomSpec{
		Name:        in.Name,
		Description: in.Description,
		Category:    in.Category,
		Tags:        in.Tags,
		IsPrivate:   in.IsPrivate,
		Capacity:    in.Capacity,
	})
	if err != nil {
		logCtx.WithError(err).Warn("CreateRoom: rejected")
		if errors.Is(err, registry.ErrInvalidRoom) {
			return nil, mapRegistryError(err)
		}
		return nil, ErrInternalServer // 密钥生成失败
	}
	logCtx = logCtx.WithField("room_id", room.ID)

	s.propagator.Propagate(ctx, Change{
		Room:    room,
		Upserts: []string{userID},
		Events:  []domain.RoomEvent{newEvent(room, domain.EventRoomUpdated, userID, room.CreatedAt)},
	})

	logCtx.Info("Room created successfully")
	return room, nil
}

// JoinRoom 通过房间 ID（公开房间）或访问密钥（私有房间）加入。
func (s *MembershipService) JoinRoom(ctx context.Context, userID string, in JoinRoomInput) (*domain.Room, error) {
	roomID := strings.TrimSpace(in.RoomID)
	key := strings.TrimSpace(in.AccessKey)
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "room_id": roomID, "via_key": key != ""})

	if (roomID == "") == (key == "") {
		return nil, validationError("exactly one of room_id or access_key is required")
	}

	// 1. 密钥解析为房间
	viaKey := key != ""
	if viaKey {
		room, err := s.registry.FindByAccessKey(key)
		if err != nil {
			logCtx.Warn("JoinRoom: unknown access key")
			return nil, ErrInvalidKey
		}
		roomID = room.ID
		logCtx = logCtx.WithField("room_id", roomID)
	}

	// 2. 在房间锁内检查并加入
	commit, err := s.registry.Mutate(roomID, func(r *domain.Room) error {
		if viaKey {
			if !r.IsPrivate || r.AccessKey != key {
				return ErrInvalidKey
			}
		} else if r.IsPrivate {
			// 私有房间只能通过密钥加入，对外表现为不存在
			return ErrRoomNotFound
		}
		if r.IsMember(userID) {
			return ErrAlreadyMember
		}
		if r.IsFull() {
			return ErrRoomFull
		}
		now := s.registry.Now()
		r.AddMember(userID, now)
		r.LastActiveAt = now
		return nil
	})
	if err != nil {
		if viaKey && errors.Is(err, registry.ErrRoomNotFound) {
			err = ErrInvalidKey // 查找和加入之间房间被删除
		}
		logCtx.WithError(err).Warn("JoinRoom: rejected")
		return nil, mapRegistryError(err)
	}

	// 3. 所有成员的参与人数都变了
	room := commit.Room
	s.propagator.Propagate(ctx, Change{
		Room:    room,
		Upserts: room.MemberIDs(),
		Events:  []domain.RoomEvent{newEvent(room, domain.EventMemberJoined, userID, room.LastActiveAt)},
	})

	logCtx.Info("User joined room successfully")
	return room, nil
}

// LeaveRoom 退出房间。房主退出时所有权转给最早加入的成员，最后一人退出时房间被删除。
func (s *MembershipService) LeaveRoom(ctx context.Context, userID, roomID string) error {
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "room_id": roomID})

	newOwner := ""
	commit, err := s.registry.Mutate(roomID, func(r *domain.Room) error {
		newOwner = ""
		if !r.RemoveMember(userID) {
			return ErrNotMember
		}
		if r.CreatedBy == userID && r.MemberCount() > 0 {
			r.CreatedBy = r.Members[0].UserID
			newOwner = r.CreatedBy
		}
		return nil
	})
	if err != nil {
		logCtx.WithError(err).Warn("LeaveRoom: rejected")
		return mapRegistryError(err)
	}

	room := commit.Room
	now := s.registry.Now()
	change := Change{
		Room:        room,
		Removes:     []string{userID},
		RoomDeleted: commit.Removed,
	}
	if commit.Removed {
		change.Events = []domain.RoomEvent{newEvent(room, domain.EventRoomDeleted, userID, now)}
		logCtx.Info("Last member left, room removed")
	} else {
		change.Upserts = room.MemberIDs()
		change.Events = []domain.RoomEvent{newEvent(room, domain.EventMemberLeft, userID, now)}
		if newOwner != "" {
			change.Events = append(change.Events, newEvent(room, domain.EventOwnerChanged, newOwner, now))
			logCtx.WithField("new_owner", newOwner).Info("Room ownership transferred")
		}
	}
	s.propagator.Propagate(ctx, change)

	logCtx.Info("User left room successfully")
	return nil
}

// ToggleFavorite 切换调用者自己对房间的收藏状态，返回新的状态。
func (s *MembershipService) ToggleFavorite(ctx context.Context, userID, roomID string) (bool, error) {
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "room_id": roomID})

	favorite := false
	commit, err := s.registry.Mutate(roomID, func(r *domain.Room) error {
		m := r.Membership(userID)
		if m == nil {
			return ErrNotMember
		}
		m.Favorite = !m.Favorite
		favorite = m.Favorite
		return nil
	})
	if err != nil {
		logCtx.WithError(err).Warn("ToggleFavorite: rejected")
		return false, mapRegistryError(err)
	}

	// 收藏只影响本人的视图，也不广播
	s.propagator.Propagate(ctx, Change{Room: commit.Room, Upserts: []string{userID}})

	logCtx.WithField("favorite", favorite).Debug("Favorite toggled")
	return favorite, nil
}

// EditRoom 房主修改房间信息。容量不能低于当前成员数。
func (s *MembershipService) EditRoom(ctx context.Context, userID, roomID string, patch RoomPatch) (*domain.Room, error) {
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "room_id": roomID})

	if patch.empty() {
		return nil, validationError("nothing to update")
	}
	var name, description string
	if patch.Name != nil {
		name = strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, validationError("name cannot be empty")
		}
		if utf8.RuneCountInString(name) > registry.MaxNameLength {
			return nil, validationError("name longer than %d characters", registry.MaxNameLength)
		}
	}
	if patch.Description != nil {
		description = strings.TrimSpace(*patch.Description)
		if utf8.RuneCountInString(description) > registry.MaxDescriptionLength {
			return nil, validationError("description longer than %d characters", registry.MaxDescriptionLength)
		}
	}

	commit, err := s.registry.Mutate(roomID, func(r *domain.Room) error {
		if r.CreatedBy != userID {
			if r.IsPrivate && !r.IsMember(userID) {
				return ErrRoomNotFound
			}
			return ErrForbidden
		}
		if patch.Capacity != nil {
			capacity := *patch.Capacity
			if capacity < domain.MinRoomCapacity {
				capacity = domain.MinRoomCapacity
			} else if capacity > domain.MaxRoomCapacity {
				capacity = domain.MaxRoomCapacity
			}
			if capacity < r.MemberCount() {
				return validationError("capacity %d is below current member count %d", capacity, r.MemberCount())
			}
			r.Capacity = capacity
		}
		if patch.Name != nil {
			r.Name = name
		}
		if patch.Description != nil {
			r.Description = description
		}
		if patch.Category != nil {
			r.Category = registry.NormalizeCategory(*patch.Category)
		}
		if patch.Tags != nil {
			r.Tags = registry.NormalizeTags(*patch.Tags)
		}
		return nil
	})
	if err != nil {
		logCtx.WithError(err).Warn("EditRoom: rejected")
		return nil, mapRegistryError(err)
	}

	room := commit.Room
	s.propagator.Propagate(ctx, Change{
		Room:    room,
		Upserts: room.MemberIDs(),
		Events:  []domain.RoomEvent{newEvent(room, domain.EventRoomUpdated, userID, s.registry.Now())},
	})

	logCtx.Info("Room updated successfully")
	return room, nil
}

// DeleteRoom 房主删除房间，所有成员的视图随之删除。
func (s *MembershipService) DeleteRoom(ctx context.Context, userID, roomID string) error {
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "room_id": roomID})

	removed, err := s.registry.Remove(roomID, func(r *domain.Room) error {
		if r.CreatedBy == userID {
			return nil
		}
		if r.IsPrivate && !r.IsMember(userID) {
			return ErrRoomNotFound
		}
		return ErrForbidden
	})
	if err != nil {
		logCtx.WithError(err).Warn("DeleteRoom: rejected")
		return mapRegistryError(err)
	}

	s.propagator.Propagate(ctx, Change{
		Room:        removed,
		Removes:     removed.MemberIDs(),
		RoomDeleted: true,
		Events:      []domain.RoomEvent{newEvent(removed, domain.EventRoomDeleted, userID, s.registry.Now())},
	})

	logCtx.WithField("members", removed.MemberCount()).Info("Room deleted successfully")
	return nil
}

// GetRoom 返回房间详情。非成员看不到私有房间。
func (s *MembershipService) GetRoom(ctx context.Context, userID, roomID string) (*domain.Room, error) {
	room, err := s.registry.Get(roomID)
	if err != nil {
		return nil, mapRegistryError(err)
	}
	if room.IsPrivate && !room.IsMember(userID) {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// ListMyRooms 从用户记录读取"我的房间"：收藏在前，其余按最近活跃排序。
// 视图是最终一致的，可能短暂落后于 Registry。
func (s *MembershipService) ListMyRooms(ctx context.Context, userID string) ([]domain.MembershipView, error) {
	record, err := s.userRepo.Get(ctx, userID)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("ListMyRooms: failed to read user record")
		return nil, mapRepoError(err)
	}
	views := append([]domain.MembershipView(nil), record.Memberships...)
	sort.SliceStable(views, func(i, j int) bool {
		if views[i].Favorite != views[j].Favorite {
			return views[i].Favorite
		}
		if !views[i].LastActiveAt.Equal(views[j].LastActiveAt) {
			return views[i].LastActiveAt.After(views[j].LastActiveAt)
		}
		return views[i].RoomID < views[j].RoomID
	})
	return views, nil
}
