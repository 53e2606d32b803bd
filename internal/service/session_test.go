package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"study-rooms/internal/domain"
	"study-rooms/internal/repository/mocks"
	"study-rooms/internal/service"
	"study-rooms/internal/tasks"
)

func TestSessionService_StartEndLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.createRoom(t, "alice", service.CreateRoomInput{})

	require.NoError(t, f.sessions.StartSession(ctx, "alice", room.ID, "  Math  "))
	err := f.sessions.StartSession(ctx, "alice", room.ID, "Physics")
	assert.ErrorIs(t, err, service.ErrSessionAlreadyActive)

	got, _ := f.reg.Get(room.ID)
	require.NotNil(t, got.CurrentSession)
	assert.Equal(t, "Math", got.CurrentSession.Subject)
	assert.Equal(t, []string{"alice"}, got.CurrentSession.ActiveParticipants)
	view, _ := f.view(t, "alice", room.ID)
	assert.True(t, view.SessionActive)

	session, err := f.sessions.EndSession(ctx, "alice", room.ID, service.EndSessionInput{DurationMinutes: 25, FocusScore: 90})
	require.NoError(t, err)
	assert.Equal(t, 25, session.DurationMinutes)
	assert.Equal(t, 90, session.FocusScore)
	assert.Equal(t, "Math", session.Subject)
	require.NotNil(t, session.RoomID)
	assert.Equal(t, room.ID, *session.RoomID)

	got, _ = f.reg.Get(room.ID)
	assert.Nil(t, got.CurrentSession)
	assert.Equal(t, 1, got.TotalSessions)
	assert.Equal(t, 25, got.Stats.TotalStudyMinutes)
	assert.Equal(t, 25, got.Stats.AverageSessionMinutes)

	history, err := f.sessions.History(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, session.ID, history[0].ID)

	assert.NoError(t, f.sessions.StartSession(ctx, "alice", room.ID, "Physics"), "结束后可以重新开始")
}

func TestSessionService_AverageRoundsHalfUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.createRoom(t, "alice", service.CreateRoomInput{})

	for _, minutes := range []int{25, 30} {
		require.NoError(t, f.sessions.StartSession(ctx, "alice", room.ID, "Math"))
		_, err := f.sessions.EndSession(ctx, "alice", room.ID, service.EndSessionInput{DurationMinutes: minutes})
		require.NoError(t, err)
	}

	got, _ := f.reg.Get(room.ID)
	assert.Equal(t, 2, got.TotalSessions)
	assert.Equal(t, 55, got.Stats.TotalStudyMinutes)
	assert.Equal(t, 28, got.Stats.AverageSessionMinutes, "27.5 四舍五入为 28")
}

func TestSessionService_EndSession_ClampsInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.createRoom(t, "alice", service.CreateRoomInput{})

	require.NoError(t, f.sessions.StartSession(ctx, "alice", room.ID, "Math"))
	session, err := f.sessions.EndSession(ctx, "alice", room.ID, service.EndSessionInput{DurationMinutes: -5, FocusScore: 150})
	require.NoError(t, err)
	assert.Equal(t, 0, session.DurationMinutes)
	assert.Equal(t, service.MaxFocusScore, session.FocusScore)

	got, _ := f.reg.Get(room.ID)
	assert.Equal(t, 0, got.Stats.TotalStudyMinutes, "总时长不能减少")
	assert.Equal(t, 1, got.TotalSessions)

	require.NoError(t, f.sessions.StartSession(ctx, "alice", room.ID, "Math"))
	session, err = f.sessions.EndSession(ctx, "alice", room.ID, service.EndSessionInput{DurationMinutes: 5000})
	require.NoError(t, err)
	assert.Equal(t, service.MaxSessionMinutes, session.DurationMinutes)
}

func TestSessionService_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.createRoom(t, "alice", service.CreateRoomInput{})

	assert.ErrorIs(t, f.sessions.StartSession(ctx, "bob", room.ID, "Math"), service.ErrNotMember)
	assert.ErrorIs(t, f.sessions.StartSession(ctx, "alice", room.ID, "   "), service.ErrValidation)
	assert.ErrorIs(t, f.sessions.StartSession(ctx, "alice", "missing", "Math"), service.ErrRoomNotFound)

	_, err := f.sessions.EndSession(ctx, "alice", room.ID, service.EndSessionInput{DurationMinutes: 10})
	assert.ErrorIs(t, err, service.ErrNoActiveSession)
	assert.ErrorIs(t, f.sessions.JoinSession(ctx, "alice", room.ID), service.ErrNoActiveSession)

	require.NoError(t, f.sessions.StartSession(ctx, "alice", room.ID, "Math"))
	_, err = f.sessions.EndSession(ctx, "bob", room.ID, service.EndSessionInput{DurationMinutes: 10})
	assert.ErrorIs(t, err, service.ErrNotMember)
}

func TestSessionService_JoinSessionAndLeave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.createRoom(t, "alice", service.CreateRoomInput{})
	_, err := f.members.JoinRoom(ctx, "bob", service.JoinRoomInput{RoomID: room.ID})
	require.NoError(t, err)

	require.NoError(t, f.sessions.StartSession(ctx, "alice", room.ID, "Math"))
	require.NoError(t, f.sessions.JoinSession(ctx, "bob", room.ID))
	require.NoError(t, f.sessions.JoinSession(ctx, "bob", room.ID), "重复加入不报错")

	got, _ := f.reg.Get(room.ID)
	assert.Equal(t, []string{"alice", "bob"}, got.CurrentSession.ActiveParticipants)

	// 离开房间的成员同时离开会话
	require.NoError(t, f.members.LeaveRoom(ctx, "bob", room.ID))
	got, _ = f.reg.Get(room.ID)
	require.NotNil(t, got.CurrentSession)
	assert.Equal(t, []string{"alice"}, got.CurrentSession.ActiveParticipants)
}

func TestSessionService_LastParticipantLeavingAbandonsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.createRoom(t, "alice", service.CreateRoomInput{})
	_, err := f.members.JoinRoom(ctx, "bob", service.JoinRoomInput{RoomID: room.ID})
	require.NoError(t, err)

	require.NoError(t, f.sessions.StartSession(ctx, "alice", room.ID, "Math"))
	require.NoError(t, f.members.LeaveRoom(ctx, "alice", room.ID))

	got, _ := f.reg.Get(room.ID)
	assert.Nil(t, got.CurrentSession, "没有参与者的会话被放弃")
	assert.Equal(t, 0, got.TotalSessions, "放弃的会话不计入统计")
	assert.Equal(t, "bob", got.CreatedBy)
}

func TestSessionService_SoloSessionAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Hour)
		session, err := f.sessions.RecordSoloSession(ctx, "alice", service.SoloSessionInput{Subject: "Reading", DurationMinutes: 30, FocusScore: 70})
		require.NoError(t, err)
		assert.True(t, session.IsSolo())
		assert.Equal(t, f.clock.Now().Add(-30*time.Minute), session.StartedAt)
	}
	assert.Equal(t, 0, f.reg.Len(), "个人学习不创建房间")

	history, err := f.sessions.History(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].StartedAt.After(history[1].StartedAt), "最新的在前")

	_, err = f.sessions.RecordSoloSession(ctx, "alice", service.SoloSessionInput{Subject: ""})
	assert.ErrorIs(t, err, service.ErrValidation)
}

func TestSessionService_HistoryAppendFailureIsQueued(t *testing.T) {
	users := new(mocks.UserRepository)
	users.On("AppendSession", mock.Anything, "alice", mock.AnythingOfType("domain.Session"), 50).
		Return(errors.New("timeout")).Once()
	f := newFixtureWithUsers(t, users)

	session, err := f.sessions.RecordSoloSession(context.Background(), "alice", service.SoloSessionInput{Subject: "Chemistry", DurationMinutes: 15})
	require.NoError(t, err)
	assert.Equal(t, 15, session.DurationMinutes)

	assert.Equal(t, []string{tasks.TypeSessionAppend}, f.enqueuedTypes())
	users.AssertExpectations(t)
}

func TestSessionService_History_Empty(t *testing.T) {
	f := newFixture(t)

	history, err := f.sessions.History(context.Background(), "nobody", 0)
	require.NoError(t, err)
	assert.Equal(t, []domain.Session{}, history)
}
