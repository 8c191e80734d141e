// Package api is the local control surface: a small HTTP API a UI
// process drives the client through, plus a server-sent-events stream
// of what happens underneath.
package api

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chat/internal/app"
	"github.com/dkeye/Chat/internal/config"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, rt *app.Runtime) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("ChatSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "api").Int("port", cfg.LocalPort).Msg("router setup")

	h := &handlers{rt: rt}

	api := r.Group("/api")
	api.GET("/state", h.state)
	api.POST("/login", h.login)
	api.POST("/logout", h.logout)

	api.POST("/calls", h.startCall)
	api.POST("/calls/accept", h.acceptCall)
	api.POST("/calls/reject", h.rejectCall)
	api.POST("/calls/end", h.endCall)

	api.POST("/conversations", h.openConversation)
	api.GET("/conversations/:id/messages", h.messages)
	api.POST("/conversations/:id/messages", h.sendMessage)

	api.GET("/events", h.events)

	return r
}
