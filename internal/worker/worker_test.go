package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"study-rooms/internal/domain"
	"study-rooms/internal/infra/persistence/memory"
	"study-rooms/internal/registry"
	"study-rooms/internal/repository/mocks"
	"study-rooms/internal/tasks"
	"study-rooms/internal/worker"
)

type testEnv struct {
	reg   *registry.Registry
	users *memory.UserRepository
	rooms *memory.RoomRepository
	mux   *asynq.ServeMux
}

func newTestEnv() *testEnv {
	env := &testEnv{
		reg:   registry.New(),
		users: memory.NewUserRepository(),
		rooms: memory.NewRoomRepository(),
	}
	env.mux = worker.NewServeMux(worker.Dependencies{Registry: env.reg, UserRepo: env.users, RoomRepo: env.rooms})
	return env
}

func (env *testEnv) views(t *testing.T, userID string) map[string]domain.MembershipView {
	t.Helper()
	record, err := env.users.Get(context.Background(), userID)
	require.NoError(t, err)
	out := make(map[string]domain.MembershipView, len(record.Memberships))
	for _, v := range record.Memberships {
		out[v.RoomID] = v
	}
	return out
}

func TestRetryDelay_ExponentialWithCap(t *testing.T) {
	assert.Equal(t, time.Second, worker.RetryDelay(0, nil, nil))
	assert.Equal(t, 2*time.Second, worker.RetryDelay(1, nil, nil))
	assert.Equal(t, 8*time.Second, worker.RetryDelay(3, nil, nil))
	assert.Equal(t, 5*time.Minute, worker.RetryDelay(9, nil, nil))
	assert.Equal(t, 5*time.Minute, worker.RetryDelay(100, nil, nil))
}

func TestMembershipViewTasks(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	payload, err := tasks.NewMembershipViewUpsertTask(domain.MembershipView{UserID: "alice", RoomID: "r1", RoomName: "math", RoomVersion: 4})
	require.NoError(t, err)
	require.NoError(t, env.mux.ProcessTask(ctx, asynq.NewTask(tasks.TypeMembershipViewUpsert, payload)))

	views := env.views(t, "alice")
	require.Contains(t, views, "r1")
	assert.Equal(t, "alice", views["r1"].UserID, "user id 需要随任务一起传递")
	assert.Equal(t, "math", views["r1"].RoomName)

	// 迟到的旧版本删除被忽略
	payload, err = tasks.NewMembershipViewRemoveTask("alice", "r1", 3)
	require.NoError(t, err)
	require.NoError(t, env.mux.ProcessTask(ctx, asynq.NewTask(tasks.TypeMembershipViewRemove, payload)))
	assert.Contains(t, env.views(t, "alice"), "r1")

	payload, err = tasks.NewMembershipViewRemoveTask("alice", "r1", 5)
	require.NoError(t, err)
	require.NoError(t, env.mux.ProcessTask(ctx, asynq.NewTask(tasks.TypeMembershipViewRemove, payload)))
	assert.Empty(t, env.views(t, "alice"))
}

func TestMembershipViewUpsert_LateRetryAfterLeaveIsIgnored(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	room, err := env.reg.Create("alice", registry.RoomSpec{Name: "math"})
	require.NoError(t, err)
	joined, err := env.reg.Mutate(room.ID, func(r *domain.Room) error {
		r.AddMember("bob", env.reg.Now())
		return nil
	})
	require.NoError(t, err)
	queued, ok := domain.NewMembershipView(joined.Room, "bob")
	require.True(t, ok)

	left, err := env.reg.Mutate(room.ID, func(r *domain.Room) error {
		r.RemoveMember("bob")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, env.users.RemoveMembershipView(ctx, "bob", room.ID, left.Room.Version))

	// 加入时失败的写入在离开之后才被重试
	payload, err := tasks.NewMembershipViewUpsertTask(queued)
	require.NoError(t, err)
	require.NoError(t, env.mux.ProcessTask(ctx, asynq.NewTask(tasks.TypeMembershipViewUpsert, payload)))

	assert.Empty(t, env.views(t, "bob"))
}

func TestSessionAppendTask_IsIdempotent(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	session := domain.Session{ID: "s1", UserID: "alice", Subject: "Reading", StartedAt: time.Now().UTC(), DurationMinutes: 20}
	payload, err := tasks.NewSessionAppendTask("alice", session, 50)
	require.NoError(t, err)

	task := asynq.NewTask(tasks.TypeSessionAppend, payload)
	require.NoError(t, env.mux.ProcessTask(ctx, task))
	require.NoError(t, env.mux.ProcessTask(ctx, task), "重试同一任务不应产生重复记录")

	record, err := env.users.Get(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, record.Sessions, 1)
	assert.Equal(t, "s1", record.Sessions[0].ID)
}

func TestRoomTasks_DeleteIsNotUndoneByLatePersist(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	room, err := env.reg.Create("alice", registry.RoomSpec{Name: "secret", IsPrivate: true})
	require.NoError(t, err)

	persist, err := tasks.NewRoomPersistTask(room)
	require.NoError(t, err)
	require.NoError(t, env.mux.ProcessTask(ctx, asynq.NewTask(tasks.TypeRoomPersist, persist)))

	stored, err := env.rooms.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, room.AccessKey, stored[0].AccessKey, "访问密钥需要随任务一起传递")
	assert.Equal(t, []string{"alice"}, stored[0].MemberIDs())

	del, err := tasks.NewRoomDeleteTask(room.ID)
	require.NoError(t, err)
	require.NoError(t, env.mux.ProcessTask(ctx, asynq.NewTask(tasks.TypeRoomDelete, del)))
	require.NoError(t, env.mux.ProcessTask(ctx, asynq.NewTask(tasks.TypeRoomPersist, persist)))

	stored, err = env.rooms.FindAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestRoomTasks_StoreFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()
	roomRepo := new(mocks.RoomRepository)
	mux := worker.NewServeMux(worker.Dependencies{Registry: reg, UserRepo: memory.NewUserRepository(), RoomRepo: roomRepo})

	room, err := reg.Create("alice", registry.RoomSpec{Name: "math"})
	require.NoError(t, err)
	storeErr := errors.New("connection refused")
	roomRepo.On("Save", mock.Anything, mock.MatchedBy(func(r *domain.Room) bool { return r.ID == room.ID })).Return(storeErr).Once()
	roomRepo.On("Delete", mock.Anything, room.ID).Return(storeErr).Once()

	persist, err := tasks.NewRoomPersistTask(room)
	require.NoError(t, err)
	err = mux.ProcessTask(ctx, asynq.NewTask(tasks.TypeRoomPersist, persist))
	require.ErrorIs(t, err, storeErr)
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	del, err := tasks.NewRoomDeleteTask(room.ID)
	require.NoError(t, err)
	err = mux.ProcessTask(ctx, asynq.NewTask(tasks.TypeRoomDelete, del))
	require.ErrorIs(t, err, storeErr)

	roomRepo.AssertExpectations(t)
}

func TestTasks_MalformedPayloadSkipsRetry(t *testing.T) {
	env := newTestEnv()

	for _, taskType := range []string{tasks.TypeMembershipViewUpsert, tasks.TypeSessionAppend, tasks.TypeRoomPersist} {
		err := env.mux.ProcessTask(context.Background(), asynq.NewTask(taskType, []byte("{not json")))
		assert.True(t, errors.Is(err, asynq.SkipRetry), taskType)
	}
}

func TestReconcile_RepairsAndPrunesViews(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	room, err := env.reg.Create("alice", registry.RoomSpec{Name: "math"})
	require.NoError(t, err)
	commit, err := env.reg.Mutate(room.ID, func(r *domain.Room) error {
		r.AddMember("bob", env.reg.Now())
		return nil
	})
	require.NoError(t, err)

	// alice 的视图落后，bob 的视图丢失
	require.NoError(t, env.users.UpsertMembershipView(ctx, domain.MembershipView{UserID: "alice", RoomID: room.ID, ParticipantCount: 1, RoomVersion: 1}))
	// carol 留下了已删除房间的视图，dave 已不是成员
	require.NoError(t, env.users.UpsertMembershipView(ctx, domain.MembershipView{UserID: "carol", RoomID: "gone", RoomVersion: 3}))
	require.NoError(t, env.users.UpsertMembershipView(ctx, domain.MembershipView{UserID: "dave", RoomID: room.ID, RoomVersion: 1}))

	require.NoError(t, env.mux.ProcessTask(ctx, asynq.NewTask(tasks.TypeMembershipReconcile, nil)))

	alice := env.views(t, "alice")
	require.Contains(t, alice, room.ID)
	assert.Equal(t, 2, alice[room.ID].ParticipantCount)
	assert.Equal(t, commit.Room.Version, alice[room.ID].RoomVersion)
	assert.True(t, alice[room.ID].IsOwner)

	bob := env.views(t, "bob")
	require.Contains(t, bob, room.ID)
	assert.False(t, bob[room.ID].IsOwner)

	assert.Empty(t, env.views(t, "carol"))
	assert.Empty(t, env.views(t, "dave"))
}
