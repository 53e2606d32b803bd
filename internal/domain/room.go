package domain

import (
	"fmt"
	"time"
)

// 房间容量限制
const (
	MinRoomCapacity     = 2
	MaxRoomCapacity     = 50
	DefaultRoomCapacity = 10
)

// Membership 表示用户与房间之间的成员关系。每个 (user, room) 组合最多一条。
type Membership struct {
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
	Favorite bool      `json:"favorite"` // 仅对该用户本人可见
}

// RoomStats 房间的学习统计，全部以整数分钟计。
type RoomStats struct {
	TotalStudyMinutes     int `json:"total_study_minutes"`
	AverageSessionMinutes int `json:"average_session_minutes"`
}

// LiveSession 表示房间内正在进行的学习会话。
type LiveSession struct {
	StartedAt          time.Time `json:"started_at"`
	Subject            string    `json:"subject"`
	StartedBy          string    `json:"started_by"`
	ActiveParticipants []string  `json:"active_participants"`
}

// Room 是学习房间的权威状态，只保存在 Registry 中，用户侧只持有派生视图。
type Room struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`

	IsPrivate bool   `json:"is_private"`
	AccessKey string `json:"-"` // 私有房间的加入密钥，绝不能出现在公开响应中

	Capacity int          `json:"capacity"`
	Members  []Membership `json:"-"` // 按 JoinedAt 升序排列

	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`

	TotalSessions  int          `json:"total_sessions"`
	Stats          RoomStats    `json:"stats"`
	CurrentSession *LiveSession `json:"current_session,omitempty"`

	// Version 每次提交变更时递增，用于给用户视图的写入排序。
	Version uint64 `json:"version"`
}

// Clone 返回房间的深拷贝。
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	if r.Tags != nil {
		c.Tags = append([]string(nil), r.Tags...)
	}
	if r.Members != nil {
		c.Members = append([]Membership(nil), r.Members...)
	}
	if r.CurrentSession != nil {
		s := *r.CurrentSession
		s.ActiveParticipants = append([]string(nil), r.CurrentSession.ActiveParticipants...)
		c.CurrentSession = &s
	}
	return &c
}

// MemberCount 当前成员数。
func (r *Room) MemberCount() int { return len(r.Members) }

// IsFull 房间是否已满。
func (r *Room) IsFull() bool { return len(r.Members) >= r.Capacity }

// MemberIDs 按加入顺序返回成员 ID。
func (r *Room) MemberIDs() []string {
	ids := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		ids = append(ids, m.UserID)
	}
	return ids
}

// FavoritedBy 返回收藏了该房间的成员 ID。
func (r *Room) FavoritedBy() []string {
	ids := make([]string, 0)
	for _, m := range r.Members {
		if m.Favorite {
			ids = append(ids, m.UserID)
		}
	}
	return ids
}

// Membership 查找用户的成员关系，未找到返回 nil。
// 返回的指针指向 r.Members 内部元素，只应在 Registry.Mutate 的回调中修改。
func (r *Room) Membership(userID string) *Membership {
	for i := range r.Members {
		if r.Members[i].UserID == userID {
			return &r.Members[i]
		}
	}
	return nil
}

// IsMember 判断用户是否为成员。
func (r *Room) IsMember(userID string) bool {
	return r.Membership(userID) != nil
}

// AddMember 追加一条新的成员关系（收藏默认为 false）。
func (r *Room) AddMember(userID string, at time.Time) {
	r.Members = append(r.Members, Membership{RoomID: r.ID, UserID: userID, JoinedAt: at})
}

// RemoveMember 移除成员关系，同时把用户从当前会话的参与者中移除。
// 若会话因此没有任何参与者，则会话被放弃（不计入统计）。
func (r *Room) RemoveMember(userID string) bool {
	idx := -1
	for i := range r.Members {
		if r.Members[i].UserID == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	r.Members = append(r.Members[:idx], r.Members[idx+1:]...)

	if r.CurrentSession != nil {
		r.CurrentSession.ActiveParticipants = removeString(r.CurrentSession.ActiveParticipants, userID)
		if len(r.CurrentSession.ActiveParticipants) == 0 {
			r.CurrentSession = nil
		}
	}
	return true
}

// IsActiveParticipant 判断用户是否在当前会话中。
func (r *Room) IsActiveParticipant(userID string) bool {
	if r.CurrentSession == nil {
		return false
	}
	for _, id := range r.CurrentSession.ActiveParticipants {
		if id == userID {
			return true
		}
	}
	return false
}

// Validate 检查房间不变量，Registry 在每次提交前调用。
func (r *Room) Validate() error {
	if r.Capacity < MinRoomCapacity || r.Capacity > MaxRoomCapacity {
		return fmt.Errorf("capacity %d out of range [%d,%d]", r.Capacity, MinRoomCapacity, MaxRoomCapacity)
	}
	if len(r.Members) > r.Capacity {
		return fmt.Errorf("%d members exceed capacity %d", len(r.Members), r.Capacity)
	}
	if r.IsPrivate != (r.AccessKey != "") {
		return fmt.Errorf("access key presence does not match private flag")
	}
	seen := make(map[string]struct{}, len(r.Members))
	for _, m := range r.Members {
		if _, dup := seen[m.UserID]; dup {
			return fmt.Errorf("duplicate membership for user %s", m.UserID)
		}
		seen[m.UserID] = struct{}{}
	}
	if len(r.Members) > 0 {
		if _, ok := seen[r.CreatedBy]; !ok {
			return fmt.Errorf("owner %s is not a member", r.CreatedBy)
		}
	}
	if r.CurrentSession != nil {
		for _, id := range r.CurrentSession.ActiveParticipants {
			if _, ok := seen[id]; !ok {
				return fmt.Errorf("session participant %s is not a member", id)
			}
		}
	}
	if r.TotalSessions < 0 || r.Stats.TotalStudyMinutes < 0 || r.Stats.AverageSessionMinutes < 0 {
		return fmt.Errorf("negative room statistics")
	}
	return nil
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
