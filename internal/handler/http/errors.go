package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"study-rooms/internal/service"
)

// 未知房间和错误密钥使用同一条消息，避免泄露私有房间是否存在
const roomNotFoundMessage = "room not found"

// HandleServiceError 将服务层错误映射为 HTTP 响应
func HandleServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		ErrorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrRoomNotFound), errors.Is(err, service.ErrInvalidKey):
		ErrorResponse(c, http.StatusNotFound, roomNotFoundMessage)
	case errors.Is(err, service.ErrAlreadyMember):
		ErrorResponse(c, http.StatusConflict, service.ErrAlreadyMember.Error())
	case errors.Is(err, service.ErrRoomFull):
		ErrorResponse(c, http.StatusConflict, service.ErrRoomFull.Error())
	case errors.Is(err, service.ErrSessionAlreadyActive):
		ErrorResponse(c, http.StatusConflict, service.ErrSessionAlreadyActive.Error())
	case errors.Is(err, service.ErrNoActiveSession):
		ErrorResponse(c, http.StatusConflict, service.ErrNoActiveSession.Error())
	case errors.Is(err, service.ErrNotMember):
		ErrorResponse(c, http.StatusForbidden, service.ErrNotMember.Error())
	case errors.Is(err, service.ErrForbidden):
		ErrorResponse(c, http.StatusForbidden, service.ErrForbidden.Error())
	default:
		// Log the internal error for debugging
		logrus.WithError(err).WithField("path", c.FullPath()).Error("Unhandled internal server error")
		ErrorResponse(c, http.StatusInternalServerError, "An unexpected error occurred")
	}
}
