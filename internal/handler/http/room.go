package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"study-rooms/internal/domain"
	"study-rooms/internal/middleware"
	"study-rooms/internal/service"
)

// RoomHandler 封装了与房间和成员关系相关的 HTTP 处理逻辑
type RoomHandler struct {
	members *service.MembershipService
}

// NewRoomHandler 创建 RoomHandler 实例
func NewRoomHandler(members *service.MembershipService) *RoomHandler {
	return &RoomHandler{members: members}
}

// currentUser 获取认证用户 ID，缺失时直接写入 401
func currentUser(c *gin.Context) (string, bool) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		logrus.WithField("path", c.FullPath()).Warn("Handler: User ID not found in context, middleware missing or failed?")
		ErrorResponse(c, http.StatusUnauthorized, "User not authenticated")
	}
	return userID, ok
}

// CreateRoomRequest 定义创建房间请求的结构体
type CreateRoomRequest struct {
	Name        string   `json:"name" binding:"required"`
	Description string   `json:"description"`
	IsPrivate   bool     `json:"is_private"`
	Capacity    int      `json:"capacity"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
}

// CreateRoom 处理创建新房间的请求
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	logCtx := logrus.WithField("user_id", userID)

	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logCtx.WithError(err).Warn("Handler.CreateRoom: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: name is required")
		return
	}

	room, err := h.members.CreateRoom(c.Request.Context(), userID, service.CreateRoomInput{
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Tags:        req.Tags,
		IsPrivate:   req.IsPrivate,
		Capacity:    req.Capacity,
	})
	if err != nil {
		HandleServiceError(c, err)
		return
	}

	logCtx.WithField("room_id", room.ID).Info("Handler.CreateRoom: Room created successfully")
	SuccessResponse(c, http.StatusCreated, NewRoomResponse(room, userID))
}

// GetRoom 返回房间详情
func (h *RoomHandler) GetRoom(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	room, err := h.members.GetRoom(c.Request.Context(), userID, c.Param("roomId"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, NewRoomResponse(room, userID))
}

// JoinRoomRequest 定义加入房间请求的结构体，二者必须且只能提供一个
type JoinRoomRequest struct {
	RoomID    string `json:"room_id"`
	AccessKey string `json:"access_key"`
}

// JoinRoom 处理用户加入房间的请求
func (h *RoomHandler) JoinRoom(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	logCtx := logrus.WithField("user_id", userID)

	var req JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logCtx.WithError(err).Warn("Handler.JoinRoom: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: room_id or access_key is required")
		return
	}

	room, err := h.members.JoinRoom(c.Request.Context(), userID, service.JoinRoomInput{RoomID: req.RoomID, AccessKey: req.AccessKey})
	if err != nil {
		HandleServiceError(c, err)
		return
	}

	logCtx.WithField("room_id", room.ID).Info("Handler.JoinRoom: User joined room successfully")
	SuccessResponse(c, http.StatusOK, NewRoomResponse(room, userID))
}

// LeaveRoom 处理退出房间的请求
func (h *RoomHandler) LeaveRoom(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if err := h.members.LeaveRoom(c.Request.Context(), userID, c.Param("roomId")); err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, OKResponse{OK: true})
}

// ToggleFavorite 切换调用者对房间的收藏状态
func (h *RoomHandler) ToggleFavorite(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	favorite, err := h.members.ToggleFavorite(c.Request.Context(), userID, c.Param("roomId"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"favorite": favorite})
}

// EditRoomRequest 只修改提供了的字段
type EditRoomRequest struct {
	Name        *string   `json:"name"`
	Description *string   `json:"description"`
	Capacity    *int      `json:"capacity"`
	Category    *string   `json:"category"`
	Tags        *[]string `json:"tags"`
}

// EditRoom 房主修改房间信息
func (h *RoomHandler) EditRoom(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req EditRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Warn("Handler.EditRoom: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "Invalid input format")
		return
	}

	room, err := h.members.EditRoom(c.Request.Context(), userID, c.Param("roomId"), service.RoomPatch{
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Tags:        req.Tags,
		Capacity:    req.Capacity,
	})
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, NewRoomResponse(room, userID))
}

// DeleteRoom 房主删除房间
func (h *RoomHandler) DeleteRoom(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if err := h.members.DeleteRoom(c.Request.Context(), userID, c.Param("roomId")); err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, OKResponse{OK: true})
}

// MyRooms 返回调用者的"我的房间"列表
func (h *RoomHandler) MyRooms(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	views, err := h.members.ListMyRooms(c.Request.Context(), userID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	if views == nil {
		views = []domain.MembershipView{}
	}
	SuccessResponse(c, http.StatusOK, views)
}
