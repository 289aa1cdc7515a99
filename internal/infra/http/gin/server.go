package ginserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	gin "github.com/gin-gonic/gin"

	"marketchat/internal/infra/config"
	"marketchat/internal/infra/obs"
)

type ChatHTTP interface {
	ListConversations(c *gin.Context)
	LookupConversation(c *gin.Context)
	CreateConversation(c *gin.Context)
	GetConversation(c *gin.Context)
	ListMessages(c *gin.Context)
	SendMessage(c *gin.Context)
	CountMessages(c *gin.Context)
	GetReadCursor(c *gin.Context)
	MarkRead(c *gin.Context)
}

type DirectoryHTTP interface {
	GetProfile(c *gin.Context)
	GetRequestSummary(c *gin.Context)
}

type RealtimeHTTP interface {
	Serve(c *gin.Context)
}

type Handlers struct {
	Chat      ChatHTTP
	Directory DirectoryHTTP
	Realtime  RealtimeHTTP
}

func NewServer(cfg config.Gateway, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *http.Server {
	return &http.Server{Addr: cfg.HTTPAddr, Handler: NewRouter(cfg, obsMW, health, h)}
}

// NewRouter builds the gateway routes. Everything under /api/v1 requires the caller identity header.
func NewRouter(cfg config.Gateway, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *gin.Engine {
	mode := configureGinMode(cfg.Env)
	if obsMW.Logger != nil {
		obsMW.Logger.Info("gin initialized", "mode", mode)
	}

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(obsMW.RequestID())
	router.Use(obsMW.LoggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", obs.UserIDHeader},
		ExposeHeaders: []string{
			"Content-Length",
			"Content-Type",
			"X-Request-ID",
		},
		MaxAge: 12 * time.Hour,
	}))

	router.GET("/livez", health.Livez)
	router.GET("/readyz", health.Readyz)

	api := router.Group("/api/v1")
	if h.Realtime != nil {
		// browsers cannot set headers on websocket upgrades, so identity is resolved inside
		api.GET("/ws", h.Realtime.Serve)
	}
	api.Use(RequireUser())
	if h.Chat != nil {
		conversations := api.Group("/conversations")
		conversations.GET("", h.Chat.ListConversations)
		conversations.POST("", h.Chat.CreateConversation)
		conversations.GET("/lookup", h.Chat.LookupConversation)
		conversations.GET("/:id", h.Chat.GetConversation)
		conversations.GET("/:id/messages", h.Chat.ListMessages)
		conversations.POST("/:id/messages", h.Chat.SendMessage)
		conversations.GET("/:id/messages/count", h.Chat.CountMessages)
		conversations.GET("/:id/read", h.Chat.GetReadCursor)
		conversations.PUT("/:id/read", h.Chat.MarkRead)
	}
	if h.Directory != nil {
		api.GET("/profiles/:id", h.Directory.GetProfile)
		api.GET("/requests/:id/summary", h.Directory.GetRequestSummary)
	}
	return router
}

const userKey = "user_id"

// RequireUser rejects requests without a caller identity.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(obs.UserIDHeader))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + obs.UserIDHeader + " header"})
			return
		}
		c.Set(userKey, userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(userKey)
}

func configureGinMode(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "debug":
		gin.SetMode(gin.DebugMode)
		return gin.DebugMode
	case "test", "testing":
		gin.SetMode(gin.TestMode)
		return gin.TestMode
	default:
		gin.SetMode(gin.ReleaseMode)
		return gin.ReleaseMode
	}
}
