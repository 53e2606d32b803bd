package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-rooms/internal/domain"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	feeds    map[string]chan domain.RoomEvent
	closed   map[string]int
	failures int // 前 failures 次订阅返回错误
	attempts int
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{feeds: make(map[string]chan domain.RoomEvent), closed: make(map[string]int)}
}

func (s *fakeSubscriber) SubscribeRoomEvents(ctx context.Context, roomID string) (<-chan domain.RoomEvent, func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= s.failures {
		return nil, nil, errors.New("redis: connection refused")
	}
	feed := make(chan domain.RoomEvent, 8)
	s.feeds[roomID] = feed
	return feed, func() error {
		s.mu.Lock()
		s.closed[roomID]++
		s.mu.Unlock()
		return nil
	}, nil
}

func (s *fakeSubscriber) feed(roomID string) chan domain.RoomEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeds[roomID]
}

func (s *fakeSubscriber) closeCount(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed[roomID]
}

func testClient(h *Hub, roomID, userID string) *Client {
	return &Client{hub: h, roomID: roomID, userID: userID, send: make(chan []byte, 8)}
}

func receive(t *testing.T, c *Client) domain.RoomEvent {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		require.True(t, ok, "send channel closed unexpectedly for %s", c.userID)
		var event domain.RoomEvent
		require.NoError(t, json.Unmarshal(msg, &event))
		return event
	case <-time.After(time.Second):
		t.Fatalf("no message for %s", c.userID)
	}
	return domain.RoomEvent{}
}

func assertClosed(t *testing.T, c *Client) {
	t.Helper()
	select {
	case _, ok := <-c.send:
		assert.False(t, ok, "send channel should be closed for %s", c.userID)
	case <-time.After(time.Second):
		t.Fatalf("send channel still open for %s", c.userID)
	}
}

func TestHub_FansOutRoomEventsAndDisconnectsLeavers(t *testing.T) {
	sub := newFakeSubscriber()
	h := NewHub(sub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	alice := testClient(h, "r1", "alice")
	bob := testClient(h, "r1", "bob")
	require.True(t, h.Register(alice))
	require.True(t, h.Register(bob))
	require.Eventually(t, func() bool { return h.ClientCount("r1") == 2 && sub.feed("r1") != nil }, time.Second, 10*time.Millisecond)

	feed := sub.feed("r1")
	feed <- domain.RoomEvent{Type: domain.EventSessionStarted, RoomID: "r1", UserID: "alice", Version: 2}
	assert.Equal(t, domain.EventSessionStarted, receive(t, alice).Type)
	assert.Equal(t, domain.EventSessionStarted, receive(t, bob).Type)

	// bob 离开后收到事件并被断开，alice 保持连接
	feed <- domain.RoomEvent{Type: domain.EventMemberLeft, RoomID: "r1", UserID: "bob", Version: 3}
	assert.Equal(t, "bob", receive(t, alice).UserID)
	assert.Equal(t, domain.EventMemberLeft, receive(t, bob).Type)
	assertClosed(t, bob)
	require.Eventually(t, func() bool { return h.ClientCount("r1") == 1 }, time.Second, 10*time.Millisecond)

	// 房间删除后所有客户端被断开，订阅被释放
	feed <- domain.RoomEvent{Type: domain.EventRoomDeleted, RoomID: "r1", UserID: "alice", Version: 4}
	assert.Equal(t, domain.EventRoomDeleted, receive(t, alice).Type)
	assertClosed(t, alice)
	require.Eventually(t, func() bool { return sub.closeCount("r1") == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.ClientCount("r1"))
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	sub := newFakeSubscriber()
	h := NewHub(sub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	c := testClient(h, "r1", "alice")
	require.True(t, h.Register(c))
	require.Eventually(t, func() bool { return h.ClientCount("r1") == 1 }, time.Second, 10*time.Millisecond)

	require.True(t, h.QueueMessage(HubMessage{Type: msgUnregister, RoomID: "r1", Client: c}))
	require.True(t, h.QueueMessage(HubMessage{Type: msgUnregister, RoomID: "r1", Client: c}))
	assertClosed(t, c)
	require.Eventually(t, func() bool { return sub.closeCount("r1") == 1 }, time.Second, 10*time.Millisecond)
}

func TestHub_FailedSubscriptionDisconnectsAndResubscribes(t *testing.T) {
	sub := newFakeSubscriber()
	sub.failures = 1
	h := NewHub(sub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	// 订阅失败，客户端被断开以便重连
	first := testClient(h, "r1", "alice")
	require.True(t, h.Register(first))
	assertClosed(t, first)
	require.Eventually(t, func() bool { return h.ClientCount("r1") == 0 }, time.Second, 10*time.Millisecond)

	// 重连后重新订阅并正常收到事件
	second := testClient(h, "r1", "alice")
	require.True(t, h.Register(second))
	require.Eventually(t, func() bool { return sub.feed("r1") != nil }, time.Second, 10*time.Millisecond)
	sub.feed("r1") <- domain.RoomEvent{Type: domain.EventSessionStarted, RoomID: "r1", UserID: "bob", Version: 2}
	assert.Equal(t, domain.EventSessionStarted, receive(t, second).Type)
}
