package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"study-rooms/internal/service"
)

// SessionHandler 处理学习会话和学习历史
type SessionHandler struct {
	sessions *service.SessionService
}

// NewSessionHandler 创建 SessionHandler 实例
func NewSessionHandler(sessions *service.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// StartSessionRequest 开始会话
type StartSessionRequest struct {
	Subject string `json:"subject" binding:"required"`
}

// EndSessionRequest 结束会话时上报的数据，超出范围的值会被截断
type EndSessionRequest struct {
	DurationMinutes int `json:"duration_minutes"`
	FocusScore      int `json:"focus_score"`
}

// SoloSessionRequest 个人学习记录
type SoloSessionRequest struct {
	Subject         string     `json:"subject" binding:"required"`
	DurationMinutes int        `json:"duration_minutes"`
	FocusScore      int        `json:"focus_score"`
	StartedAt       *time.Time `json:"started_at"`
}

// StartSession 在房间内开始学习会话
func (h *SessionHandler) StartSession(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Warn("Handler.StartSession: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: subject is required")
		return
	}
	if err := h.sessions.StartSession(c.Request.Context(), userID, c.Param("roomId"), req.Subject); err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, OKResponse{OK: true})
}

// JoinSession 加入房间内正在进行的会话
func (h *SessionHandler) JoinSession(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if err := h.sessions.JoinSession(c.Request.Context(), userID, c.Param("roomId")); err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, OKResponse{OK: true})
}

// EndSession 结束会话并返回写入历史的学习记录
func (h *SessionHandler) EndSession(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req EndSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Warn("Handler.EndSession: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "Invalid input format")
		return
	}
	session, err := h.sessions.EndSession(c.Request.Context(), userID, c.Param("roomId"), service.EndSessionInput{
		DurationMinutes: req.DurationMinutes,
		FocusScore:      req.FocusScore,
	})
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, session)
}

// RecordSoloSession 记录个人学习
func (h *SessionHandler) RecordSoloSession(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req SoloSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Warn("Handler.RecordSoloSession: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: subject is required")
		return
	}
	session, err := h.sessions.RecordSoloSession(c.Request.Context(), userID, service.SoloSessionInput{
		Subject:         req.Subject,
		DurationMinutes: req.DurationMinutes,
		FocusScore:      req.FocusScore,
		StartedAt:       req.StartedAt,
	})
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusCreated, session)
}

// History 返回调用者最近的学习记录
func (h *SessionHandler) History(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	sessions, err := h.sessions.History(c.Request.Context(), userID, limit)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, sessions)
}

// queryInt 读取可选的整数查询参数，格式错误时写入 400
func queryInt(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid query parameter: "+name)
		return 0, false
	}
	return v, true
}
