package repository

import (
	"context"

	"study-rooms/internal/domain"
)

// UserRepository 是外部用户存储的窄接口：成员视图和学习历史。
// 成员视图只能由协调器（及代表它的后台任务）写入。
type UserRepository interface {
	// Get 返回用户记录。没有任何数据的用户返回空记录而不是错误。
	Get(ctx context.Context, userID string) (*domain.UserRecord, error)

	// AppendSession 追加一条学习记录，并只保留最近 historyCap 条。
	// 以 session.ID 去重，重复追加是安全的。
	AppendSession(ctx context.Context, userID string, session domain.Session, historyCap int) error

	// UpsertMembershipView 写入成员视图。
	// 已存储视图的 RoomVersion 更高时忽略本次写入。
	UpsertMembershipView(ctx context.Context, view domain.MembershipView) error

	// RemoveMembershipView 删除成员视图，仅当已存储视图的 RoomVersion 不高于 version 时生效。
	RemoveMembershipView(ctx context.Context, userID, roomID string, version uint64) error

	// ListMembershipViews 返回全部成员视图，用于周期性对账。
	ListMembershipViews(ctx context.Context) ([]domain.MembershipView, error)
}
