package domain

import "time"

// MembershipView 是用户记录中缓存的"我的房间"条目。
// 它由协调器根据 Registry 状态派生，用户自身不能直接修改。
type MembershipView struct {
	UserID           string    `gorm:"primaryKey;size:64" json:"-"`
	RoomID           string    `gorm:"primaryKey;size:36" json:"room_id"`
	RoomName         string    `gorm:"size:100" json:"room_name"`
	Category         string    `gorm:"size:50" json:"category"`
	IsPrivate        bool      `json:"is_private"`
	ParticipantCount int       `json:"participant_count"`
	Capacity         int       `json:"capacity"`
	Favorite         bool      `json:"favorite"`
	IsOwner          bool      `json:"is_owner"`
	SessionActive    bool      `json:"session_active"`
	JoinedAt         time.Time `json:"joined_at"`
	LastActiveAt     time.Time `json:"last_active_at"`
	RoomVersion      uint64    `gorm:"not null" json:"room_version"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"-"`
}

// UserRecord 是用户存储中与本服务相关的部分。
type UserRecord struct {
	UserID      string           `json:"user_id"`
	Memberships []MembershipView `json:"memberships"`
	Sessions    []Session        `json:"sessions"` // 最新的在前
}

// NewMembershipView 根据房间状态为指定成员构建视图。
// 收藏标记只取该用户自己的成员关系。
func NewMembershipView(room *Room, userID string) (MembershipView, bool) {
	m := room.Membership(userID)
	if m == nil {
		return MembershipView{}, false
	}
	return MembershipView{
		UserID:           userID,
		RoomID:           room.ID,
		RoomName:         room.Name,
		Category:         room.Category,
		IsPrivate:        room.IsPrivate,
		ParticipantCount: room.MemberCount(),
		Capacity:         room.Capacity,
		Favorite:         m.Favorite,
		IsOwner:          room.CreatedBy == userID,
		SessionActive:    room.CurrentSession != nil,
		JoinedAt:         m.JoinedAt,
		LastActiveAt:     room.LastActiveAt,
		RoomVersion:      room.Version,
	}, true
}
