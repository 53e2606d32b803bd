package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"study-rooms/internal/domain"
	"study-rooms/internal/repository/mocks"
	"study-rooms/internal/service"
	"study-rooms/internal/tasks"
)

func propagatedRoom() *domain.Room {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return &domain.Room{
		ID: "room-1", Name: "physics", Capacity: 4, CreatedBy: "alice", Version: 3, LastActiveAt: now,
		Members: []domain.Membership{
			{RoomID: "room-1", UserID: "alice", JoinedAt: now},
			{RoomID: "room-1", UserID: "bob", JoinedAt: now, Favorite: true},
		},
	}
}

func TestPropagator_WritesViewsPersistsAndPublishes(t *testing.T) {
	users := new(mocks.UserRepository)
	queue := new(mocks.TaskEnqueuer)
	events := new(mocks.StateRepository)
	p := service.NewPropagator(users, queue, events, service.DefaultPropagatorConfig())
	room := propagatedRoom()

	users.On("UpsertMembershipView", mock.Anything, mock.MatchedBy(func(v domain.MembershipView) bool {
		return v.UserID == "alice" && v.IsOwner && !v.Favorite && v.RoomVersion == 3
	})).Return(nil).Once()
	users.On("UpsertMembershipView", mock.Anything, mock.MatchedBy(func(v domain.MembershipView) bool {
		return v.UserID == "bob" && !v.IsOwner && v.Favorite && v.ParticipantCount == 2
	})).Return(nil).Once()
	users.On("RemoveMembershipView", mock.Anything, "carol", "room-1", uint64(3)).Return(nil).Once()
	queue.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		return task.Type() == tasks.TypeRoomPersist
	})).Return(&asynq.TaskInfo{ID: "t1", Queue: "default"}, nil).Once()
	events.On("PublishRoomEvent", mock.Anything, mock.MatchedBy(func(e domain.RoomEvent) bool {
		return e.Type == domain.EventMemberLeft && e.UserID == "carol"
	})).Return(nil).Once()

	p.Propagate(context.Background(), service.Change{
		Room:    room,
		Upserts: []string{"alice", "bob"},
		Removes: []string{"carol"},
		Events:  []domain.RoomEvent{{Type: domain.EventMemberLeft, RoomID: room.ID, UserID: "carol"}},
	})

	users.AssertExpectations(t)
	queue.AssertExpectations(t)
	events.AssertExpectations(t)
}

func TestPropagator_FailedRemovalIsQueued(t *testing.T) {
	users := new(mocks.UserRepository)
	queue := new(mocks.TaskEnqueuer)
	p := service.NewPropagator(users, queue, nil, service.DefaultPropagatorConfig())
	room := propagatedRoom()

	users.On("RemoveMembershipView", mock.Anything, "alice", "room-1", uint64(3)).Return(errors.New("write timeout")).Once()

	var retried *asynq.Task
	queue.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		return task.Type() == tasks.TypeMembershipViewRemove
	})).Run(func(args mock.Arguments) {
		retried = args.Get(1).(*asynq.Task)
	}).Return(&asynq.TaskInfo{ID: "t1", Queue: "default"}, nil).Once()
	// 重复入队被 asynq 拒绝时视为已在队列中
	queue.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		return task.Type() == tasks.TypeRoomDelete
	})).Return(nil, asynq.ErrTaskIDConflict).Once()

	p.Propagate(context.Background(), service.Change{Room: room, Removes: []string{"alice"}, RoomDeleted: true})

	require.NotNil(t, retried)
	var payload tasks.MembershipViewRemovePayload
	require.NoError(t, json.Unmarshal(retried.Payload(), &payload))
	assert.Equal(t, tasks.MembershipViewRemovePayload{UserID: "alice", RoomID: "room-1", Version: 3}, payload)
	users.AssertExpectations(t)
	queue.AssertExpectations(t)
}

func TestPropagator_EnqueueSurvivesCanceledRequest(t *testing.T) {
	users := new(mocks.UserRepository)
	queue := new(mocks.TaskEnqueuer)
	p := service.NewPropagator(users, queue, nil, service.DefaultPropagatorConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	users.On("AppendSession", mock.Anything, "alice", mock.Anything, 50).Return(context.Canceled).Once()
	queue.On("EnqueueContext", mock.MatchedBy(func(ctx context.Context) bool {
		return ctx.Err() == nil
	}), mock.MatchedBy(func(task *asynq.Task) bool {
		return task.Type() == tasks.TypeSessionAppend
	})).Return(&asynq.TaskInfo{ID: "t1", Queue: "default"}, nil).Once()

	p.AppendSession(ctx, "alice", domain.Session{ID: "s1", UserID: "alice"}, 50)

	users.AssertExpectations(t)
	queue.AssertExpectations(t)
}
