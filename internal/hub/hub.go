package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"study-rooms/internal/domain"
)

// 包级别的 WebSocket 常量，供 hub 和 client 包内使用
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// 客户端只读，只需要容纳控制帧
	maxMessageSize = 512
)

// 消息类型
const (
	msgRegister   = "register"
	msgUnregister = "unregister"
	msgEvent      = "event"
	msgSubFailed  = "subscribe_failed"
)

// EventSubscriber 订阅房间事件，由 Redis StateRepository 实现
type EventSubscriber interface {
	SubscribeRoomEvents(ctx context.Context, roomID string) (<-chan domain.RoomEvent, func() error, error)
}

// HubMessage 定义了在 Hub 内部通道传递的消息类型
type HubMessage struct {
	Type   string            // "register", "unregister", "event", "subscribe_failed"
	RoomID string            // 房间 ID
	Client *Client           // 仅用于 register/unregister
	Event  *domain.RoomEvent // 仅用于 event
	SubID  uint64            // 仅用于 subscribe_failed
}

// subscription 房间的一次订阅，id 用于识别过期的失败通知
type subscription struct {
	id     uint64
	cancel context.CancelFunc
}

// Hub 维护在线客户端，并把房间事件推送给房间内的成员。
// 每个有在线客户端的房间持有一个 Pub/Sub 订阅，多实例部署时各自订阅。
type Hub struct {
	messageChan chan HubMessage

	// map[roomID]map[*Client]bool，只在 Run 的 goroutine 中修改
	rooms   map[string]map[*Client]bool
	roomsMu sync.RWMutex

	subscriber    EventSubscriber
	subscriptions map[string]subscription
	nextSubID     uint64
	ctx           context.Context
}

// NewHub 创建并返回一个新的 Hub 实例
func NewHub(subscriber EventSubscriber) *Hub {
	if subscriber == nil {
		panic("EventSubscriber cannot be nil for Hub")
	}
	return &Hub{
		messageChan:   make(chan HubMessage, 512),
		rooms:         make(map[string]map[*Client]bool),
		subscriber:    subscriber,
		subscriptions: make(map[string]subscription),
		ctx:           context.Background(),
	}
}

// Run 启动 Hub 的主事件处理循环，直到 ctx 结束。
// 它应该在一个单独的 goroutine 中运行。
func (h *Hub) Run(ctx context.Context) {
	log := logrus.WithField("component", "hub")
	log.Info("Hub is running...")
	h.ctx = ctx

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			log.Info("Hub is shutting down...")
			return
		case msg := <-h.messageChan:
			switch msg.Type {
			case msgRegister:
				h.registerClient(msg.Client)
			case msgUnregister:
				h.unregisterClient(msg.Client)
			case msgEvent:
				h.dispatch(msg.Event)
			case msgSubFailed:
				h.dropRoom(msg.RoomID, msg.SubID)
			default:
				log.Warnf("Hub: Received unknown message type: %s in room %s", msg.Type, msg.RoomID)
			}
		}
	}
}

// registerClient 处理客户端注册逻辑，房间的第一个客户端触发订阅
func (h *Hub) registerClient(client *Client) {
	if client == nil {
		logrus.Error("Hub: Attempted to register a nil client")
		return
	}
	roomID := client.RoomID()
	logCtx := logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"user_id": client.UserID(),
		"action":  "registerClient",
	})

	h.roomsMu.Lock()
	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[*Client]bool)
		logCtx.Info("Client list created for new room")
	}
	h.rooms[roomID][client] = true
	h.roomsMu.Unlock()

	if _, subscribed := h.subscriptions[roomID]; !subscribed {
		h.subscribe(roomID)
	}
	logCtx.Info("Client registered to Hub")
}

// unregisterClient 处理客户端注销逻辑，房间没有客户端后取消订阅
func (h *Hub) unregisterClient(client *Client) {
	if client == nil {
		logrus.Error("Hub: Attempted to unregister a nil client")
		return
	}
	roomID := client.RoomID()
	logCtx := logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"user_id": client.UserID(),
		"action":  "unregisterClient",
	})

	h.roomsMu.Lock()
	roomClients, roomExists := h.rooms[roomID]
	if !roomExists || !roomClients[client] {
		h.roomsMu.Unlock()
		logCtx.Debug("Client already unregistered")
		return
	}
	delete(roomClients, client)
	// 关闭 send 通道，WritePump 随之发送关闭帧并退出
	close(client.send)
	empty := len(roomClients) == 0
	if empty {
		delete(h.rooms, roomID)
	}
	h.roomsMu.Unlock()

	if empty {
		if sub, ok := h.subscriptions[roomID]; ok {
			sub.cancel()
			delete(h.subscriptions, roomID)
		}
		logCtx.Info("Room empty, subscription released")
	}
	logCtx.Info("Client unregistered from Hub")
}

// subscribe 在后台接收房间事件并转入 Hub 的处理队列。
// 订阅失败时通知 Hub 断开该房间的客户端，客户端重连时重新订阅。
func (h *Hub) subscribe(roomID string) {
	ctx, cancel := context.WithCancel(h.ctx)
	h.nextSubID++
	subID := h.nextSubID
	h.subscriptions[roomID] = subscription{id: subID, cancel: cancel}
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "component": "hub"})

	go func() {
		events, closeFn, err := h.subscriber.SubscribeRoomEvents(ctx, roomID)
		if err != nil {
			logCtx.WithError(err).Error("Failed to subscribe to room events")
			select {
			case h.messageChan <- HubMessage{Type: msgSubFailed, RoomID: roomID, SubID: subID}:
			case <-ctx.Done():
			}
			return
		}
		defer func() {
			if err := closeFn(); err != nil {
				logCtx.WithError(err).Debug("Error closing room event subscription")
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				h.QueueMessage(HubMessage{Type: msgEvent, RoomID: roomID, Event: &event})
			}
		}
	}()
}

// dispatch 把事件推送给房间内所有客户端。
// 离开的成员和被删除房间的客户端在收到事件后被断开。
func (h *Hub) dispatch(event *domain.RoomEvent) {
	if event == nil {
		return
	}
	logCtx := logrus.WithFields(logrus.Fields{"room_id": event.RoomID, "event": event.Type})
	message, err := json.Marshal(event)
	if err != nil {
		logCtx.WithError(err).Error("Failed to marshal room event for broadcast")
		return
	}

	h.roomsMu.RLock()
	roomClients := h.rooms[event.RoomID]
	clients := make([]*Client, 0, len(roomClients))
	for client := range roomClients {
		clients = append(clients, client)
	}
	h.roomsMu.RUnlock()

	logCtx.WithField("recipient_count", len(clients)).Debug("Broadcasting room event to clients")
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			logCtx.WithField("receiver_user_id", client.UserID()).Warn("Client send channel full during broadcast, skipping this client")
		}
		if disconnects(event, client) {
			h.unregisterClient(client)
		}
	}
}

// dropRoom 释放失败的订阅并断开房间内所有客户端。
// subID 不是当前订阅时说明房间已经重新订阅，忽略。
func (h *Hub) dropRoom(roomID string, subID uint64) {
	sub, ok := h.subscriptions[roomID]
	if !ok || sub.id != subID {
		return
	}
	sub.cancel()
	delete(h.subscriptions, roomID)

	h.roomsMu.Lock()
	roomClients := h.rooms[roomID]
	for client := range roomClients {
		close(client.send)
	}
	delete(h.rooms, roomID)
	h.roomsMu.Unlock()

	logrus.WithFields(logrus.Fields{"room_id": roomID, "clients": len(roomClients)}).
		Warn("Room subscription failed, clients disconnected")
}

// disconnects 事件发生后该客户端是否应被断开
func disconnects(event *domain.RoomEvent, client *Client) bool {
	switch event.Type {
	case domain.EventRoomDeleted:
		return true
	case domain.EventMemberLeft:
		return event.UserID == client.UserID()
	}
	return false
}

// closeAll 关闭所有客户端和订阅
func (h *Hub) closeAll() {
	h.roomsMu.Lock()
	for roomID, roomClients := range h.rooms {
		for client := range roomClients {
			close(client.send)
		}
		delete(h.rooms, roomID)
	}
	h.roomsMu.Unlock()
	for roomID, sub := range h.subscriptions {
		sub.cancel()
		delete(h.subscriptions, roomID)
	}
}

// --- 公共方法 ---

// QueueMessage 将消息放入 Hub 的处理队列 (非阻塞)。
// 返回 true 如果消息成功入队，false 如果队列已满。
func (h *Hub) QueueMessage(msg HubMessage) bool {
	select {
	case h.messageChan <- msg:
		return true
	default:
		logrus.WithFields(logrus.Fields{
			"message_type": msg.Type,
			"room_id":      msg.RoomID,
		}).Warn("Hub message channel full, dropping message")
		return false
	}
}

// Register 请求 Hub 注册客户端，队列已满时返回 false
func (h *Hub) Register(client *Client) bool {
	return h.QueueMessage(HubMessage{Type: msgRegister, RoomID: client.RoomID(), Client: client})
}

// ClientCount 房间内在线的客户端数量
func (h *Hub) ClientCount(roomID string) int {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	return len(h.rooms[roomID])
}
