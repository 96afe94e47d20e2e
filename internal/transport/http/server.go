package http

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	"gopherchat/internal/bootstrap"
	"gopherchat/internal/transport/http/handler"
	"gopherchat/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), middleware.Recovery())

	healthHandler := handler.NewHealthHandler(app.Config.App.Name, app.Config.App.Env, app.StartedAt, map[string]handler.HealthCheck{
		"mysql": func(ctx context.Context) error {
			sqlDB, err := app.MySQL.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error {
			return app.Redis.Ping(ctx).Err()
		},
		"rabbitmq": func(context.Context) error {
			if app.MQConn == nil || app.MQConn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		},
	})
	router.GET("/healthz", healthHandler.Check)

	authHandler := handler.NewAuthHandler(app.AuthService)
	chatHandler := handler.NewChatHandler(app.ChatService)
	turnHandler := handler.NewTurnHandler(app.RelayService, app.Config.Upload.MaxFiles, app.Config.Upload.MaxFileBytes, app.Logger)
	turnLimiter := middleware.NewOwnerRateLimiter(app.Config.App.TurnRatePerMinute)

	v1 := router.Group("/api/v1")
	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.GET("/me", middleware.AuthJWT(app.Config.Auth.JWTSecret), authHandler.Me)

	chatGroup := v1.Group("/chat")
	chatGroup.Use(middleware.AuthJWT(app.Config.Auth.JWTSecret))
	chatGroup.POST("/collections", chatHandler.CreateCollection)
	chatGroup.GET("/collections", chatHandler.ListCollections)
	chatGroup.GET("/collections/:id/messages", chatHandler.ListMessages)
	chatGroup.GET("/collections/:id/media/:name", chatHandler.GetMedia)
	chatGroup.POST("/collections/:id/turns", middleware.RateLimitByOwner(turnLimiter), turnHandler.Submit)

	return router
}
