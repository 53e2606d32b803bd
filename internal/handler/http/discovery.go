package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"study-rooms/internal/service"
)

// DiscoveryHandler 处理公开房间的搜索和推荐
type DiscoveryHandler struct {
	discovery *service.DiscoveryService
}

// NewDiscoveryHandler 创建 DiscoveryHandler 实例
func NewDiscoveryHandler(discovery *service.DiscoveryService) *DiscoveryHandler {
	return &DiscoveryHandler{discovery: discovery}
}

// Search GET /discover/search?q=&category=&sort_by=&limit=&offset=
func (h *DiscoveryHandler) Search(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset")
	if !ok {
		return
	}
	rooms, err := h.discovery.Search(c.Request.Context(), c.Query("q"), service.SearchFilters{
		Category: c.Query("category"),
		SortBy:   c.Query("sort_by"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, NewRoomListResponse(rooms, userID))
}

// Trending GET /discover/trending?limit=
func (h *DiscoveryHandler) Trending(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	rooms, err := h.discovery.Trending(c.Request.Context(), limit)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, NewRoomListResponse(rooms, userID))
}

// Recommended GET /discover/recommended?limit=
func (h *DiscoveryHandler) Recommended(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	rooms, err := h.discovery.Recommended(c.Request.Context(), userID, limit)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, NewRoomListResponse(rooms, userID))
}
