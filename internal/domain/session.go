package domain

import "time"

// Session 是一次已完成的学习记录，写入用户历史后不再修改。
type Session struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	UserID          string    `gorm:"index:idx_session_user_started,priority:1;size:64;not null" json:"user_id"`
	RoomID          *string   `gorm:"size:36" json:"room_id"` // nil 表示个人学习
	Subject         string    `gorm:"size:100" json:"subject"`
	StartedAt       time.Time `gorm:"index:idx_session_user_started,priority:2;not null" json:"started_at"`
	DurationMinutes int       `gorm:"not null" json:"duration_minutes"`
	FocusScore      int       `gorm:"not null" json:"focus_score"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"-"`
}

// IsSolo 是否为不属于任何房间的个人学习。
func (s Session) IsSolo() bool { return s.RoomID == nil }
