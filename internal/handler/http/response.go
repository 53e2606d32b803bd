package http

import (
	"time"

	"github.com/gin-gonic/gin"

	"study-rooms/internal/domain"
)

func ErrorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"error": message})
}

func SuccessResponse(c *gin.Context, code int, data interface{}) {
	c.JSON(code, data)
}

// MemberResponse 房间成员，不包含收藏状态
type MemberResponse struct {
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// RoomResponse 面向某个查看者的房间表示
type RoomResponse struct {
	ID               string              `json:"id"`
	Name             string              `json:"name"`
	Description      string              `json:"description"`
	Category         string              `json:"category"`
	Tags             []string            `json:"tags"`
	IsPrivate        bool                `json:"is_private"`
	AccessKey        string              `json:"access_key,omitempty"` // 仅对私有房间的成员可见
	Capacity         int                 `json:"capacity"`
	ParticipantCount int                 `json:"participant_count"`
	Members          []MemberResponse    `json:"members,omitempty"`    // 仅对成员可见
	CreatedBy        string              `json:"created_by"`
	CreatedAt        time.Time           `json:"created_at"`
	LastActiveAt     time.Time           `json:"last_active_at"`
	TotalSessions    int                 `json:"total_sessions"`
	Stats            domain.RoomStats    `json:"stats"`
	CurrentSession   *domain.LiveSession `json:"current_session,omitempty"`
	Version          uint64              `json:"version"`

	// 查看者自己的状态
	IsMember bool `json:"is_member"`
	IsOwner  bool `json:"is_owner"`
	Favorite bool `json:"favorite"`
}

// NewRoomResponse 根据查看者身份构建响应
func NewRoomResponse(room *domain.Room, viewerID string) RoomResponse {
	tags := room.Tags
	if tags == nil {
		tags = []string{}
	}
	resp := RoomResponse{
		ID:               room.ID,
		Name:             room.Name,
		Description:      room.Description,
		Category:         room.Category,
		Tags:             tags,
		IsPrivate:        room.IsPrivate,
		Capacity:         room.Capacity,
		ParticipantCount: room.MemberCount(),
		CreatedBy:        room.CreatedBy,
		CreatedAt:        room.CreatedAt,
		LastActiveAt:     room.LastActiveAt,
		TotalSessions:    room.TotalSessions,
		Stats:            room.Stats,
		CurrentSession:   room.CurrentSession,
		Version:          room.Version,
		IsOwner:          room.CreatedBy == viewerID,
	}
	if m := room.Membership(viewerID); m != nil {
		resp.IsMember = true
		resp.Favorite = m.Favorite
		resp.Members = make([]MemberResponse, 0, len(room.Members))
		for _, member := range room.Members {
			resp.Members = append(resp.Members, MemberResponse{UserID: member.UserID, JoinedAt: member.JoinedAt})
		}
		if room.IsPrivate {
			resp.AccessKey = room.AccessKey
		}
	}
	return resp
}

// NewRoomListResponse 列表响应，空列表返回 []
func NewRoomListResponse(rooms []*domain.Room, viewerID string) []RoomResponse {
	out := make([]RoomResponse, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, NewRoomResponse(room, viewerID))
	}
	return out
}

// OKResponse 无返回数据的操作
type OKResponse struct {
	OK bool `json:"ok"`
}
