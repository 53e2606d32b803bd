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
	"study-rooms/internal/repository"
	"study-rooms/internal/repository/mocks"
	"study-rooms/internal/service"
)

func roomIDs(rooms []*domain.Room) []string {
	ids := make([]string, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestDiscoveryService_Search(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	calc := f.createRoom(t, "alice", service.CreateRoomInput{Name: "Calculus Night", Category: "math", Tags: []string{"exam"}})
	f.clock.Advance(time.Minute)
	bio := f.createRoom(t, "bob", service.CreateRoomInput{Name: "biology", Description: "cells and EXAMS", Category: "science"})
	_, err := f.members.JoinRoom(ctx, "erin", service.JoinRoomInput{RoomID: bio.ID})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	art := f.createRoom(t, "carol", service.CreateRoomInput{Name: "Art history", Category: "arts"})
	f.createRoom(t, "dave", service.CreateRoomInput{Name: "exam secret", IsPrivate: true})

	// 默认按最近活跃排序
	all, err := f.discovery.Search(ctx, "", service.SearchFilters{})
	require.NoError(t, err)
	assert.Equal(t, []string{art.ID, bio.ID, calc.ID}, roomIDs(all))

	// 名称、描述、标签的不区分大小写匹配
	exam, err := f.discovery.Search(ctx, "Exam", service.SearchFilters{SortBy: service.SortName})
	require.NoError(t, err)
	assert.Equal(t, []string{bio.ID, calc.ID}, roomIDs(exam))

	byCategory, err := f.discovery.Search(ctx, "", service.SearchFilters{Category: "MATH"})
	require.NoError(t, err)
	assert.Equal(t, []string{calc.ID}, roomIDs(byCategory))

	popular, err := f.discovery.Search(ctx, "", service.SearchFilters{SortBy: service.SortParticipants, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{bio.ID}, roomIDs(popular))

	page, err := f.discovery.Search(ctx, "", service.SearchFilters{Offset: 2, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{calc.ID}, roomIDs(page))

	beyond, err := f.discovery.Search(ctx, "", service.SearchFilters{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, beyond)

	_, err = f.discovery.Search(ctx, "", service.SearchFilters{SortBy: "random"})
	assert.ErrorIs(t, err, service.ErrValidation)
	_, err = f.discovery.Search(ctx, "", service.SearchFilters{Offset: -1})
	assert.ErrorIs(t, err, service.ErrValidation)
}

func TestDiscoveryService_Trending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := f.createRoom(t, "alice", service.CreateRoomInput{Name: "stale"})
	f.clock.Advance(8 * 24 * time.Hour)
	quiet := f.createRoom(t, "bob", service.CreateRoomInput{Name: "quiet"})
	busy := f.createRoom(t, "carol", service.CreateRoomInput{Name: "busy"})
	_, err := f.members.JoinRoom(ctx, "dave", service.JoinRoomInput{RoomID: busy.ID})
	require.NoError(t, err)

	rooms, err := f.discovery.Trending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{busy.ID, quiet.ID}, roomIDs(rooms))
	assert.NotContains(t, roomIDs(rooms), stale.ID, "7 天未活跃的房间不在热门中")
}

func TestDiscoveryService_Trending_UsesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createRoom(t, "alice", service.CreateRoomInput{Name: "a"})
	b := f.createRoom(t, "bob", service.CreateRoomInput{Name: "b"})

	cache := new(mocks.StateRepository)
	discovery := service.NewDiscoveryService(f.reg, f.users, cache)

	// 未命中时计算并写入缓存
	cache.On("GetRankingCache", mock.Anything, "trending").Return(nil, repository.ErrCacheMiss).Once()
	cache.On("SetRankingCache", mock.Anything, "trending", mock.Anything, 30*time.Second).Return(nil).Once()
	rooms, err := discovery.Trending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rooms, 2)

	// 命中时按缓存的顺序返回，已删除的房间被跳过
	cache.On("GetRankingCache", mock.Anything, "trending").Return([]string{b.ID, "deleted", a.ID}, nil).Once()
	rooms, err = discovery.Trending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID, a.ID}, roomIDs(rooms))

	// 缓存故障时直接计算
	cache.On("GetRankingCache", mock.Anything, "trending").Return(nil, errors.New("redis down")).Once()
	cache.On("SetRankingCache", mock.Anything, "trending", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()
	rooms, err = discovery.Trending(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)

	cache.AssertExpectations(t)
}

func TestDiscoveryService_Recommended(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 用户在数学房间里学习过
	studied := f.createRoom(t, "alice", service.CreateRoomInput{Name: "algebra", Category: "math", Tags: []string{"exam"}})
	require.NoError(t, f.sessions.StartSession(ctx, "alice", studied.ID, "calculus"))
	_, err := f.sessions.EndSession(ctx, "alice", studied.ID, service.EndSessionInput{DurationMinutes: 30})
	require.NoError(t, err)

	mathRoom := f.createRoom(t, "bob", service.CreateRoomInput{Name: "geometry", Category: "math"})
	tagRoom := f.createRoom(t, "carol", service.CreateRoomInput{Name: "finals", Category: "history", Tags: []string{"calculus"}})
	other := f.createRoom(t, "dave", service.CreateRoomInput{Name: "painting", Category: "arts"})
	f.createRoom(t, "erin", service.CreateRoomInput{Name: "private math", Category: "math", IsPrivate: true})

	rooms, err := f.discovery.Recommended(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{mathRoom.ID, tagRoom.ID, other.ID}, roomIDs(rooms))
	assert.NotContains(t, roomIDs(rooms), studied.ID, "已加入的房间不推荐")
}

func TestDiscoveryService_Recommended_NoHistoryFallsBackToTrending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mine := f.createRoom(t, "alice", service.CreateRoomInput{Name: "mine"})
	_, err := f.members.JoinRoom(ctx, "bob", service.JoinRoomInput{RoomID: mine.ID})
	require.NoError(t, err)
	popular := f.createRoom(t, "carol", service.CreateRoomInput{Name: "popular"})
	_, err = f.members.JoinRoom(ctx, "dave", service.JoinRoomInput{RoomID: popular.ID})
	require.NoError(t, err)
	small := f.createRoom(t, "erin", service.CreateRoomInput{Name: "small"})

	rooms, err := f.discovery.Recommended(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{popular.ID, small.ID}, roomIDs(rooms))
}
