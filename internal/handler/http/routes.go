package http

import "github.com/gin-gonic/gin"

// RegisterRoutes 注册所有需要认证的 API 路由，api 组需已挂载认证中间件
func RegisterRoutes(api *gin.RouterGroup, rooms *RoomHandler, sessions *SessionHandler, discovery *DiscoveryHandler) {
	roomRoutes := api.Group("/rooms")
	{
		roomRoutes.POST("", rooms.CreateRoom)
		roomRoutes.POST("/join", rooms.JoinRoom)
		roomRoutes.GET("/:roomId", rooms.GetRoom)
		roomRoutes.PATCH("/:roomId", rooms.EditRoom)
		roomRoutes.DELETE("/:roomId", rooms.DeleteRoom)
		roomRoutes.POST("/:roomId/leave", rooms.LeaveRoom)
		roomRoutes.POST("/:roomId/favorite", rooms.ToggleFavorite)
		roomRoutes.POST("/:roomId/session/start", sessions.StartSession)
		roomRoutes.POST("/:roomId/session/join", sessions.JoinSession)
		roomRoutes.POST("/:roomId/session/end", sessions.EndSession)
	}

	sessionRoutes := api.Group("/sessions")
	{
		sessionRoutes.GET("", sessions.History)
		sessionRoutes.POST("/solo", sessions.RecordSoloSession)
	}

	api.GET("/me/rooms", rooms.MyRooms)

	discoverRoutes := api.Group("/discover")
	{
		discoverRoutes.GET("/search", discovery.Search)
		discoverRoutes.GET("/trending", discovery.Trending)
		discoverRoutes.GET("/recommended", discovery.Recommended)
	}
}
