package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/spotter-app/spotter-server/internal/auth"
	"github.com/spotter-app/spotter-server/internal/config"
	"github.com/spotter-app/spotter-server/internal/core"
	"github.com/spotter-app/spotter-server/internal/service/invitations"
)

// Deps are the services the HTTP layer routes to.
type Deps struct {
	Hub         *core.Hub
	Auth        *auth.Service
	Invitations *invitations.Service
}

// NewServer builds an HTTP server serving the realtime endpoint and the REST API.
func NewServer(cfg *config.Config, deps Deps, logger *zerolog.Logger) *stdhttp.Server {
	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           NewHandler(cfg, deps, logger),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// NewHandler mounts /ws on a plain mux and everything else on the gin router.
// The websocket handler hijacks the connection, which gin's response writer does not survive.
func NewHandler(cfg *config.Config, deps Deps, logger *zerolog.Logger) stdhttp.Handler {
	mux := stdhttp.NewServeMux()
	mux.Handle("/ws", NewWSHandler(deps.Hub, cfg, logger))
	mux.Handle("/", NewRouter(cfg, deps, logger))
	return mux
}

// NewRouter registers the REST, health and metrics routes on a gin engine.
func NewRouter(cfg *config.Config, deps Deps, logger *zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger), MetricsMiddleware())

	router.GET("/health", healthHandler)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	conversations := NewConversationHandlers(deps.Hub, logger)
	invites := NewInvitationHandlers(deps.Invitations, logger)

	api := router.Group("/api", AuthMiddleware(deps.Auth, logger))
	api.GET("/conversations/:id/messages", conversations.ListMessages)
	api.POST("/conversations/:id/messages", conversations.PostMessage)
	api.PUT("/invitations/:id/status", invites.UpdateStatus)

	return router
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
