// Package registry 持有所有房间的唯一权威副本，并按房间串行化所有变更。
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"study-rooms/internal/domain"
)

var (
	// ErrRoomNotFound 房间不存在（或已被删除）
	ErrRoomNotFound = errors.New("registry: room not found")
	// ErrInvalidRoom 创建参数不合法，具体原因通过 %w 包装
	ErrInvalidRoom = errors.New("registry: invalid room")
)

const (
	MaxNameLength        = 100
	MaxDescriptionLength = 500
	MaxTags              = 10
	MaxTagLength         = 30
)

// RoomSpec 是创建房间时的输入。Capacity 为 0 表示使用默认容量。
type RoomSpec struct {
	Name        string
	Description string
	Category    string
	Tags        []string
	IsPrivate   bool
	Capacity    int
}

// MutateFunc 是作用于房间副本的状态转换函数。
// 返回错误时不会提交任何修改。回调内不允许做 I/O。
type MutateFunc func(room *domain.Room) error

// Commit 是一次成功变更的结果。
type Commit struct {
	Room    *domain.Room // 提交后的状态（副本）
	Removed bool         // 最后一名成员离开，房间已被删除
}

type entry struct {
	mu      sync.Mutex
	room    *domain.Room
	removed bool
}

// Registry 是内存中的房间注册表。
// 锁顺序：entry.mu 先于 Registry.mu，Registry.mu 只保护两个索引。
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*entry // roomID -> entry
	keys  map[string]string // accessKey -> roomID

	now   func() time.Time
	newID func() string
}

// Option 配置 Registry。
type Option func(*Registry)

// WithClock 替换时间源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New 创建一个空的 Registry。
func New(opts ...Option) *Registry {
	r := &Registry{
		rooms: make(map[string]*entry),
		keys:  make(map[string]string),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now 返回 Registry 使用的当前时间。
func (r *Registry) Now() time.Time { return r.now() }

// Create 校验输入并创建房间，创建者成为唯一成员。
func (r *Registry) Create(ownerID string, spec RoomSpec) (*domain.Room, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidRoom)
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRoom)
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return nil, fmt.Errorf("%w: name longer than %d characters", ErrInvalidRoom, MaxNameLength)
	}
	description := strings.TrimSpace(spec.Description)
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return nil, fmt.Errorf("%w: description longer than %d characters", ErrInvalidRoom, MaxDescriptionLength)
	}

	now := r.now()
	room := &domain.Room{
		ID:           r.newID(),
		Name:         name,
		Description:  description,
		Category:     NormalizeCategory(spec.Category),
		Tags:         NormalizeTags(spec.Tags),
		IsPrivate:    spec.IsPrivate,
		Capacity:     ClampCapacity(spec.Capacity),
		CreatedBy:    ownerID,
		CreatedAt:    now,
		LastActiveAt: now,
		Version:      1,
	}
	room.AddMember(ownerID, now)

	r.mu.Lock()
	defer r.mu.Unlock()

	if room.IsPrivate {
		key, err := r.generateUniqueAccessKey()
		if err != nil {
			return nil, err
		}
		room.AccessKey = key
	}
	if err := room.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoom, err)
	}
	if room.IsPrivate {
		r.keys[room.AccessKey] = room.ID
	}
	r.rooms[room.ID] = &entry{room: room}
	return room.Clone(), nil
}

// Get 返回房间的副本。
func (r *Registry) Get(roomID string) (*domain.Room, error) {
	e := r.lookup(roomID)
	if e == nil {
		return nil, ErrRoomNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, ErrRoomNotFound
	}
	return e.room.Clone(), nil
}

// FindByAccessKey 根据访问密钥查找私有房间。
func (r *Registry) FindByAccessKey(key string) (*domain.Room, error) {
	if key == "" {
		return nil, ErrRoomNotFound
	}
	r.mu.RLock()
	roomID, ok := r.keys[key]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r.Get(roomID)
}

// Mutate 在房间的互斥锁内对副本执行 fn，校验不变量后提交。
// 同一房间上的并发调用严格串行，不同房间互不影响。
// 变更后若房间没有成员，房间在同一临界区内被删除。
func (r *Registry) Mutate(roomID string, fn MutateFunc) (Commit, error) {
	e := r.lookup(roomID)
	if e == nil {
		return Commit{}, ErrRoomNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Commit{}, ErrRoomNotFound
	}

	next := e.room.Clone()
	if err := fn(next); err != nil {
		return Commit{}, err
	}
	if next.ID != e.room.ID || next.IsPrivate != e.room.IsPrivate || next.AccessKey != e.room.AccessKey {
		return Commit{}, fmt.Errorf("registry: immutable fields of room %s changed during mutation", roomID)
	}
	next.Version = e.room.Version + 1

	if next.MemberCount() == 0 {
		e.removed = true
		r.unindex(e.room)
		return Commit{Room: next, Removed: true}, nil
	}
	if err := next.Validate(); err != nil {
		return Commit{}, fmt.Errorf("registry: invariant violated for room %s: %w", roomID, err)
	}
	e.room = next
	return Commit{Room: next.Clone()}, nil
}

// Remove 在房间锁内执行 guard，通过后删除房间并返回删除前的状态。
// guard 为 nil 时无条件删除。
func (r *Registry) Remove(roomID string, guard func(room *domain.Room) error) (*domain.Room, error) {
	e := r.lookup(roomID)
	if e == nil {
		return nil, ErrRoomNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, ErrRoomNotFound
	}
	if guard != nil {
		if err := guard(e.room.Clone()); err != nil {
			return nil, err
		}
	}
	e.removed = true
	r.unindex(e.room)
	removed := e.room.Clone()
	removed.Version++
	return removed, nil
}

// Delete 无条件删除房间。
func (r *Registry) Delete(roomID string) (*domain.Room, error) {
	return r.Remove(roomID, nil)
}

// List 返回所有房间的副本，按 ID 排序。每个房间的副本各自一致。
func (r *Registry) List() []*domain.Room {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.rooms))
	for _, e := range r.rooms {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	rooms := make([]*domain.Room, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			rooms = append(rooms, e.room.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

// Len 当前房间数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Load 用持久化的房间记录初始化注册表，不合法的记录会被跳过。
func (r *Registry) Load(rooms []*domain.Room) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := 0
	for _, room := range rooms {
		logCtx := logrus.WithField("room_id", room.ID)
		if room.ID == "" || room.MemberCount() == 0 {
			logCtx.Warn("Registry.Load: skipping room without id or members")
			continue
		}
		if err := room.Validate(); err != nil {
			logCtx.WithError(err).Warn("Registry.Load: skipping invalid room record")
			continue
		}
		if _, exists := r.rooms[room.ID]; exists {
			logCtx.Warn("Registry.Load: duplicate room id, keeping first")
			continue
		}
		if room.IsPrivate {
			if _, taken := r.keys[room.AccessKey]; taken {
				logCtx.Warn("Registry.Load: duplicate access key, skipping room")
				continue
			}
			r.keys[room.AccessKey] = room.ID
		}
		r.rooms[room.ID] = &entry{room: room.Clone()}
		loaded++
	}
	return loaded
}

func (r *Registry) lookup(roomID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

// unindex 从索引中移除房间，调用方必须持有该房间的 entry 锁。
func (r *Registry) unindex(room *domain.Room) {
	r.mu.Lock()
	delete(r.rooms, room.ID)
	if room.AccessKey != "" {
		delete(r.keys, room.AccessKey)
	}
	r.mu.Unlock()
}
