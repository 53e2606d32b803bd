package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	handlerhttp "study-rooms/internal/handler/http"
	"study-rooms/internal/hub"
	"study-rooms/internal/middleware"
	"study-rooms/internal/service"
)

// WebSocketHandler 负责处理房间实时事件的 WebSocket 升级请求和客户端注册
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	hub      *hub.Hub
	members  *service.MembershipService
}

// NewWebSocketHandler 创建 WebSocketHandler 实例。
// allowedOrigin 为空或 "*" 时允许所有来源。
func NewWebSocketHandler(h *hub.Hub, members *service.MembershipService, allowedOrigin string) *WebSocketHandler {
	if h == nil {
		panic("Hub cannot be nil for WebSocketHandler")
	}
	if members == nil {
		panic("MembershipService cannot be nil for WebSocketHandler")
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" || allowedOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == allowedOrigin
		},
	}

	return &WebSocketHandler{
		upgrader: upgrader,
		hub:      h,
		members:  members,
	}
}

// HandleConnection 处理 WebSocket 连接请求
// URL 预期格式: /ws/rooms/{roomId}，只有房间成员可以连接
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	// 1. 获取认证用户 ID (由 Auth 中间件设置)
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		logrus.Warn("WS Handler: User ID not found in context")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	roomID := c.Param("roomId")
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "room_id": roomID})

	// 2. 验证房间存在且调用者是成员
	room, err := h.members.GetRoom(c.Request.Context(), userID, roomID)
	if err != nil {
		logCtx.WithError(err).Warn("WS Handler: Room lookup failed")
		handlerhttp.HandleServiceError(c, err)
		return
	}
	if !room.IsMember(userID) {
		logCtx.Warn("WS Handler: Caller is not a member of the room")
		handlerhttp.HandleServiceError(c, service.ErrNotMember)
		return
	}

	// 3. 升级 HTTP 连接到 WebSocket
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 方法会自动发送 HTTP 错误响应，所以这里只需要记录日志
		logCtx.WithError(err).Error("WS Handler: Failed to upgrade connection")
		return
	}
	logCtx.Info("WS Handler: Connection upgraded to WebSocket")

	// 4. 注册到 Hub 并启动读写 goroutine
	client := hub.NewClient(h.hub, conn, roomID, userID)
	if !h.hub.Register(client) {
		logCtx.Error("WS Handler: Hub message channel full, failed to register client")
		client.CloseConn()
		return
	}
	client.Run()
	logCtx.Info("WS Handler: Client registered and pumps started")
}
