package tasks

import (
	"encoding/json"
	"fmt"

	"study-rooms/internal/domain"
)

// 定义任务类型常量
const (
	TypeMembershipViewUpsert = "membership:view:upsert" // 重试写入单个用户的成员视图
	TypeMembershipViewRemove = "membership:view:remove" // 重试删除单个用户的成员视图
	TypeSessionAppend        = "session:append"         // 重试追加学习记录
	TypeRoomPersist          = "room:persist"           // 房间记录异步落盘
	TypeRoomDelete           = "room:delete"            // 删除房间记录
	TypeMembershipReconcile  = "membership:reconcile"   // 周期性对账所有成员视图
)

// MembershipViewUpsertPayload 成员视图写入任务的数据
type MembershipViewUpsertPayload struct {
	UserID string                `json:"user_id"` // View 的 UserID 在 JSON 中被隐藏
	View   domain.MembershipView `json:"view"`
}

// ToView 还原完整的成员视图
func (p MembershipViewUpsertPayload) ToView() domain.MembershipView {
	view := p.View
	view.UserID = p.UserID
	return view
}

// MembershipViewRemovePayload 成员视图删除任务的数据
type MembershipViewRemovePayload struct {
	UserID  string `json:"user_id"`
	RoomID  string `json:"room_id"`
	Version uint64 `json:"version"`
}

// SessionAppendPayload 学习记录追加任务的数据
type SessionAppendPayload struct {
	UserID     string         `json:"user_id"`
	Session    domain.Session `json:"session"`
	HistoryCap int            `json:"history_cap"`
}

// RoomPersistPayload 房间落盘任务的数据，直接携带整个房间状态
type RoomPersistPayload struct {
	Room domain.Room `json:"room"`
	// Room 的 Members 和 AccessKey 在 JSON 中被隐藏，这里单独携带
	Members   []domain.Membership `json:"members"`
	AccessKey string              `json:"access_key,omitempty"`
}

// RoomDeletePayload 房间删除任务的数据
type RoomDeletePayload struct {
	RoomID string `json:"room_id"`
}

// NewMembershipViewUpsertTask 创建成员视图写入任务的 payload
func NewMembershipViewUpsertTask(view domain.MembershipView) ([]byte, error) {
	return json.Marshal(MembershipViewUpsertPayload{UserID: view.UserID, View: view})
}

// NewMembershipViewRemoveTask 创建成员视图删除任务的 payload
func NewMembershipViewRemoveTask(userID, roomID string, version uint64) ([]byte, error) {
	return json.Marshal(MembershipViewRemovePayload{UserID: userID, RoomID: roomID, Version: version})
}

// NewSessionAppendTask 创建学习记录追加任务的 payload
func NewSessionAppendTask(userID string, session domain.Session, historyCap int) ([]byte, error) {
	return json.Marshal(SessionAppendPayload{UserID: userID, Session: session, HistoryCap: historyCap})
}

// NewRoomPersistTask 创建房间落盘任务的 payload
func NewRoomPersistTask(room *domain.Room) ([]byte, error) {
	if room == nil {
		return nil, fmt.Errorf("room cannot be nil")
	}
	return json.Marshal(RoomPersistPayload{Room: *room, Members: room.Members, AccessKey: room.AccessKey})
}

// ToRoom 还原完整的房间状态
func (p RoomPersistPayload) ToRoom() *domain.Room {
	room := p.Room
	room.Members = p.Members
	room.AccessKey = p.AccessKey
	return &room
}

// NewRoomDeleteTask 创建房间删除任务的 payload
func NewRoomDeleteTask(roomID string) ([]byte, error) {
	return json.Marshal(RoomDeletePayload{RoomID: roomID})
}

// NewMembershipReconcileTask 周期性对账任务不需要数据
func NewMembershipReconcileTask() ([]byte, error) {
	return nil, nil
}
