package storeserver

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/veilcall/veilcall/internal/config"
)

// ClientTokenMiddleware tags every browser with a stable token so relay log
// lines and disconnect sweeps can be attributed to a client.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg config.Server, hub *Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VeilcallSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "storeserver").Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/store", func(c *gin.Context) {
		log.Info().Str("module", "storeserver").Str("client", c.GetString("client_token")).Msg("ws store endpoint hit")
		hub.HandleStore(ctx, c)
	})

	api.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"clients": hub.ClientCount()})
	})

	return r
}
