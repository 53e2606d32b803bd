package memory_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-rooms/internal/domain"
	"study-rooms/internal/infra/persistence/memory"
)

func TestUserRepository_Get_UnknownUserIsEmpty(t *testing.T) {
	repo := memory.NewUserRepository()

	record, err := repo.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, "nobody", record.UserID)
	assert.Empty(t, record.Memberships)
	assert.Empty(t, record.Sessions)
}

func TestUserRepository_UpsertIgnoresStaleVersion(t *testing.T) {
	repo := memory.NewUserRepository()
	ctx := context.Background()

	require.NoError(t, repo.UpsertMembershipView(ctx, domain.MembershipView{UserID: "u1", RoomID: "r1", RoomName: "new", RoomVersion: 5}))
	require.NoError(t, repo.UpsertMembershipView(ctx, domain.MembershipView{UserID: "u1", RoomID: "r1", RoomName: "old", RoomVersion: 3}))

	record, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, record.Memberships, 1)
	assert.Equal(t, "new", record.Memberships[0].RoomName, "旧版本的写入应被忽略")
	assert.Equal(t, uint64(5), record.Memberships[0].RoomVersion)
}

func TestUserRepository_RemoveRespectsVersion(t *testing.T) {
	repo := memory.NewUserRepository()
	ctx := context.Background()

	require.NoError(t, repo.UpsertMembershipView(ctx, domain.MembershipView{UserID: "u1", RoomID: "r1", RoomVersion: 7}))

	// 迟到的删除（例如离开后又重新加入）不能删掉更新的视图
	require.NoError(t, repo.RemoveMembershipView(ctx, "u1", "r1", 6))
	record, _ := repo.Get(ctx, "u1")
	assert.Len(t, record.Memberships, 1)

	require.NoError(t, repo.RemoveMembershipView(ctx, "u1", "r1", 7))
	record, _ = repo.Get(ctx, "u1")
	assert.Empty(t, record.Memberships)

	// 删除不存在的视图不是错误
	assert.NoError(t, repo.RemoveMembershipView(ctx, "ghost", "r1", 1))
}

func TestUserRepository_RemovedViewIsNotRestoredByStaleUpsert(t *testing.T) {
	repo := memory.NewUserRepository()
	ctx := context.Background()

	require.NoError(t, repo.UpsertMembershipView(ctx, domain.MembershipView{UserID: "u1", RoomID: "r1", RoomVersion: 2}))
	require.NoError(t, repo.RemoveMembershipView(ctx, "u1", "r1", 3))

	// 离开之前的写入迟到，不能让视图重新出现
	require.NoError(t, repo.UpsertMembershipView(ctx, domain.MembershipView{UserID: "u1", RoomID: "r1", RoomVersion: 2}))
	require.NoError(t, repo.UpsertMembershipView(ctx, domain.MembershipView{UserID: "u1", RoomID: "r1", RoomVersion: 3}))
	record, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, record.Memberships)

	// 没有视图时删除也会留下墓碑
	require.NoError(t, repo.RemoveMembershipView(ctx, "u2", "r1", 4))
	require.NoError(t, repo.UpsertMembershipView(ctx, domain.MembershipView{UserID: "u2", RoomID: "r1", RoomVersion: 3}))
	record, err = repo.Get(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, record.Memberships)

	// 重新加入产生更高的版本，正常写入
	require.NoError(t, repo.UpsertMembershipView(ctx, domain.MembershipView{UserID: "u1", RoomID: "r1", RoomVersion: 5}))
	record, err = repo.Get(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, record.Memberships, 1)
	assert.Equal(t, uint64(5), record.Memberships[0].RoomVersion)
}

func TestUserRepository_AppendSession_CapAndDedup(t *testing.T) {
	repo := memory.NewUserRepository()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		s := domain.Session{ID: fmt.Sprintf("s%d", i), UserID: "u1", StartedAt: base.Add(time.Duration(i) * time.Hour)}
		require.NoError(t, repo.AppendSession(ctx, "u1", s, 3))
	}
	// 重复追加同一条记录
	require.NoError(t, repo.AppendSession(ctx, "u1", domain.Session{ID: "s4", UserID: "u1", StartedAt: base.Add(4 * time.Hour)}, 3))

	record, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, record.Sessions, 3)
	assert.Equal(t, "s4", record.Sessions[0].ID, "最新的在前")
	assert.Equal(t, "s2", record.Sessions[2].ID, "最旧的被淘汰")
}

func TestRoomRepository_TombstoneBlocksLatePersist(t *testing.T) {
	repo := memory.NewRoomRepository()
	ctx := context.Background()
	room := &domain.Room{ID: "r1", Name: "n", Capacity: 2, CreatedBy: "a", Version: 2,
		Members: []domain.Membership{{RoomID: "r1", UserID: "a"}}}

	require.NoError(t, repo.Save(ctx, room))
	stale := room.Clone()
	stale.Version = 1
	stale.Name = "stale"
	require.NoError(t, repo.Save(ctx, stale))

	rooms, err := repo.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "n", rooms[0].Name)

	require.NoError(t, repo.Delete(ctx, "r1"))
	newer := room.Clone()
	newer.Version = 9
	require.NoError(t, repo.Save(ctx, newer))

	rooms, err = repo.FindAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}
