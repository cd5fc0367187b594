package router

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/common/graceful"
	"github.com/lmbridge/lmbridge/controller"
	"github.com/lmbridge/lmbridge/middleware"
)

// trackRequests counts in-flight relay requests so shutdown can drain
// long-running SSE handlers.
func trackRequests(c *gin.Context) {
	done := graceful.BeginRequest()
	defer done()
	c.Next()
}

// SetRouter wires every HTTP surface onto the engine: the OpenAI-compatible
// relay, the Gemini-native relay, the tab and monitor websockets, the
// id-capture helpers, and the dashboard API.
func SetRouter(server *gin.Engine, s *controller.Server, store *config.Store) {
	server.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization", "x-goog-api-key"},
	}))

	server.GET("/health", s.Health)

	setRelayRouter(server, s, store)
	setGeminiRouter(server, s)
	setWebSocketRouter(server, s)
	setInternalRouter(server, s)
	setDashboardRouter(server, s)
}

func setRelayRouter(server *gin.Engine, s *controller.Server, store *config.Store) {
	v1 := server.Group("/v1")
	v1.Use(trackRequests, middleware.Auth(store))
	{
		v1.POST("/chat/completions", s.ChatCompletions)
		v1.GET("/models", s.ListModels)
		v1.GET("/models/:model", s.RetrieveModel)
	}
}

// setGeminiRouter mounts the Gemini v1beta surface. Auth lives inside the
// handlers because Gemini clients send the key as x-goog-api-key or ?key=
// instead of a bearer token.
func setGeminiRouter(server *gin.Engine, s *controller.Server) {
	v1beta := server.Group("/v1beta")
	v1beta.Use(trackRequests)
	{
		v1beta.GET("/models", s.ListGeminiModels)
		v1beta.POST("/models/*action", s.GeminiGenerate)
	}
}

func setWebSocketRouter(server *gin.Engine, s *controller.Server) {
	server.GET("/ws", s.TabWebSocket)
	server.GET("/ws/monitor", s.MonitorWebSocket)
}

// setInternalRouter mounts the id-capture flow used by the userscript and
// the local helper tooling. These endpoints are not authenticated; the
// server is expected to listen on localhost.
func setInternalRouter(server *gin.Engine, s *controller.Server) {
	internal := server.Group("/internal")
	{
		internal.POST("/start_id_capture", s.StartIDCapture)
		internal.POST("/receive_captured_ids", s.ReceiveCapturedIDs)
		internal.GET("/capture_status", s.CaptureStatus)
		internal.POST("/save_captured_model", s.SaveCapturedModel)
	}
}

// setDashboardRouter mounts the JSON dashboard API. Compression is safe here;
// the relay routes stay uncompressed because gzip buffers SSE.
func setDashboardRouter(server *gin.Engine, s *controller.Server) {
	api := server.Group("/api")
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		api.GET("/status", s.Status)
		api.GET("/requests/active", s.ActiveRequestsEndpoint)
		api.GET("/requests/recent", s.RecentRequestsEndpoint)
		api.GET("/requests/:id", s.RequestDetailsEndpoint)
		api.GET("/errors/recent", s.RecentErrorsEndpoint)
		api.GET("/stats/models", s.ModelStatsEndpoint)
		api.GET("/stats/transfers", s.TransferStatsEndpoint)
		api.GET("/stats/tokens", s.TokenStatsEndpoint)
		api.GET("/stats/requests", s.RequestStatsEndpoint)
	}
}
