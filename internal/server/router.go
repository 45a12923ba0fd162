package server

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/open-apime/disparador/internal/api/handler"
	"github.com/open-apime/disparador/internal/api/middleware"
)

type Options struct {
	Env             string
	AuthSecret      string
	Sessions        middleware.SessionAuthenticator
	HealthHandler   *handler.HealthHandler
	SessionHandler  *handler.SessionHandler
	CampaignHandler *handler.CampaignHandler
	NotifyHandler   *handler.NotifyHandler
	RateLimit       middleware.RateLimitOption
	IPRateLimit     middleware.IPRateLimitOption
}

func NewRouter(opts Options) *gin.Engine {
	if opts.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", middleware.HeaderRequestID},
		ExposeHeaders: []string{middleware.HeaderRequestID, "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}))

	if opts.NotifyHandler != nil {
		router.GET("/ws", middleware.IPRateLimit(opts.IPRateLimit), opts.NotifyHandler.Stream)
	}

	api := router.Group("/api")
	opts.HealthHandler.Register(api)

	protected := api.Group("")
	protected.Use(middleware.IPRateLimit(opts.IPRateLimit))
	protected.Use(middleware.AuthWithOptions(middleware.AuthOption{
		JWTSecret: opts.AuthSecret,
		Sessions:  opts.Sessions,
	}))
	protected.Use(middleware.RateLimit(opts.RateLimit))

	opts.SessionHandler.Register(protected)
	opts.CampaignHandler.Register(protected)
	if opts.NotifyHandler != nil {
		opts.NotifyHandler.Register(protected)
	}

	return router
}
