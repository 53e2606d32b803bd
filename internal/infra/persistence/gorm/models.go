package gormpersistence

import (
	"time"

	"gorm.io/gorm"

	"study-rooms/internal/domain"
)

// roomRecord 是 rooms 表的行结构。当前会话直接展开在房间行上。
type roomRecord struct {
	ID          string   `gorm:"primaryKey;size:36"`
	Name        string   `gorm:"size:100;not null"`
	Description string   `gorm:"size:500"`
	Category    string   `gorm:"size:50;index"`
	Tags        []string `gorm:"serializer:json;size:512"`

	IsPrivate bool
	AccessKey *string `gorm:"size:16;uniqueIndex"` // 公开房间为 NULL

	Capacity  int    `gorm:"not null"`
	CreatedBy string `gorm:"size:64;not null"`

	CreatedAt    time.Time
	LastActiveAt time.Time `gorm:"index"`

	TotalSessions         int
	TotalStudyMinutes     int
	AverageSessionMinutes int

	SessionStartedAt    *time.Time
	SessionSubject      string   `gorm:"size:100"`
	SessionStartedBy    string   `gorm:"size:64"`
	SessionParticipants []string `gorm:"serializer:json;size:4096"`

	Version   uint64         `gorm:"not null"`
	DeletedAt gorm.DeletedAt `gorm:"index"` // 墓碑，阻止迟到的落盘任务复活房间

	Members []memberRecord `gorm:"foreignKey:RoomID;constraint:OnDelete:CASCADE"`
}

func (roomRecord) TableName() string { return "rooms" }

// memberRecord 是 room_members 表的行结构。
type memberRecord struct {
	RoomID   string    `gorm:"primaryKey;size:36"`
	UserID   string    `gorm:"primaryKey;size:64;index"`
	JoinedAt time.Time `gorm:"not null"`
	Favorite bool
}

func (memberRecord) TableName() string { return "room_members" }

// viewTombstone 记录每个 (user, room) 最近一次删除视图时的房间版本，
// 版本不高于它的迟到写入被忽略。
type viewTombstone struct {
	UserID    string `gorm:"primaryKey;size:64"`
	RoomID    string `gorm:"primaryKey;size:36"`
	Version   uint64 `gorm:"not null"`
	UpdatedAt time.Time
}

func (viewTombstone) TableName() string { return "membership_view_tombstones" }

func toRoomRecord(room *domain.Room) roomRecord {
	rec := roomRecord{
		ID:                    room.ID,
		Name:                  room.Name,
		Description:           room.Description,
		Category:              room.Category,
		Tags:                  append([]string{}, room.Tags...),
		IsPrivate:             room.IsPrivate,
		Capacity:              room.Capacity,
		CreatedBy:             room.CreatedBy,
		CreatedAt:             room.CreatedAt,
		LastActiveAt:          room.LastActiveAt,
		TotalSessions:         room.TotalSessions,
		TotalStudyMinutes:     room.Stats.TotalStudyMinutes,
		AverageSessionMinutes: room.Stats.AverageSessionMinutes,
		Version:               room.Version,
	}
	if room.AccessKey != "" {
		key := room.AccessKey
		rec.AccessKey = &key
	}
	if s := room.CurrentSession; s != nil {
		startedAt := s.StartedAt
		rec.SessionStartedAt = &startedAt
		rec.SessionSubject = s.Subject
		rec.SessionStartedBy = s.StartedBy
		rec.SessionParticipants = append([]string{}, s.ActiveParticipants...)
	}
	rec.Members = make([]memberRecord, 0, len(room.Members))
	for _, m := range room.Members {
		rec.Members = append(rec.Members, memberRecord{RoomID: room.ID, UserID: m.UserID, JoinedAt: m.JoinedAt, Favorite: m.Favorite})
	}
	return rec
}

func (rec roomRecord) toDomain() *domain.Room {
	room := &domain.Room{
		ID:            rec.ID,
		Name:          rec.Name,
		Description:   rec.Description,
		Category:      rec.Category,
		Tags:          rec.Tags,
		IsPrivate:     rec.IsPrivate,
		Capacity:      rec.Capacity,
		CreatedBy:     rec.CreatedBy,
		CreatedAt:     rec.CreatedAt,
		LastActiveAt:  rec.LastActiveAt,
		TotalSessions: rec.TotalSessions,
		Stats: domain.RoomStats{
			TotalStudyMinutes:     rec.TotalStudyMinutes,
			AverageSessionMinutes: rec.AverageSessionMinutes,
		},
		Version: rec.Version,
	}
	if rec.AccessKey != nil {
		room.AccessKey = *rec.AccessKey
	}
	if rec.SessionStartedAt != nil {
		room.CurrentSession = &domain.LiveSession{
			StartedAt:          *rec.SessionStartedAt,
			Subject:            rec.SessionSubject,
			StartedBy:          rec.SessionStartedBy,
			ActiveParticipants: rec.SessionParticipants,
		}
	}
	for _, m := range rec.Members {
		room.Members = append(room.Members, domain.Membership{RoomID: rec.ID, UserID: m.UserID, JoinedAt: m.JoinedAt, Favorite: m.Favorite})
	}
	return room
}

// Models 返回需要迁移的所有模型。
func Models() []interface{} {
	return []interface{}{
		&roomRecord{},
		&memberRecord{},
		&domain.MembershipView{},
		&viewTombstone{},
		&domain.Session{},
	}
}
