package domain

import "time"

// 房间事件类型，通过实时通道推送给在线成员
const (
	EventRoomUpdated    = "room_updated"
	EventRoomDeleted    = "room_deleted"
	EventMemberJoined   = "member_joined"
	EventMemberLeft     = "member_left"
	EventOwnerChanged   = "owner_changed"
	EventSessionStarted = "session_started"
	EventSessionJoined  = "session_joined"
	EventSessionEnded   = "session_ended"
)

// RoomEvent 描述一次已提交的房间变更。不包含访问密钥或他人的收藏状态。
type RoomEvent struct {
	Type             string    `json:"type"`
	RoomID           string    `json:"room_id"`
	UserID           string    `json:"user_id,omitempty"` // 触发者或受影响的用户
	ParticipantCount int       `json:"participant_count"`
	Version          uint64    `json:"version"`
	At               time.Time `json:"at"`
}
