package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"chatbot-crm-bridge/config"
	"chatbot-crm-bridge/internal/domain"
	"chatbot-crm-bridge/internal/metrics"
	"chatbot-crm-bridge/internal/provider"
	"chatbot-crm-bridge/internal/provider/amocrm"
	"chatbot-crm-bridge/internal/provider/avito"
	"chatbot-crm-bridge/internal/provider/bitrix24"
	"chatbot-crm-bridge/internal/provider/salebot"
	"chatbot-crm-bridge/internal/repository/postgres"
	"chatbot-crm-bridge/internal/service/encryption"
	"chatbot-crm-bridge/internal/service/sync"
	"chatbot-crm-bridge/internal/service/token"
	"chatbot-crm-bridge/internal/service/webhook"
	"chatbot-crm-bridge/internal/transport/api"
	"chatbot-crm-bridge/internal/transport/middleware"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg)

	db, err := sqlx.Connect("postgres", cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := postgres.RunMigrations(db.DB, "migrations"); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	encryptor, err := encryption.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize encryptor")
	}

	integrationRepo := postgres.NewIntegrationRepository(db, encryptor)
	entityRepo := postgres.NewSyncEntityRepository(db)
	logRepo := postgres.NewSyncLogRepository(db)
	conversationRepo := postgres.NewConversationRepository(db)

	m := metrics.New()
	tokenManager := token.NewManager(integrationRepo, m)

	adapters := map[domain.IntegrationType]provider.Factory{
		domain.TypeBitrix24: bitrix24.New,
		domain.TypeAmoCRM:   amocrm.New,
		domain.TypeAvito:    avito.New,
		domain.TypeSalebot:  salebot.New,
	}

	syncService := sync.NewService(
		integrationRepo, entityRepo, logRepo, conversationRepo,
		adapters, tokenManager, m, nil, cfg.SyncWorkers,
	)
	webhookHandler := webhook.NewHandler(
		integrationRepo, entityRepo, logRepo, conversationRepo,
		adapters, tokenManager, nil, syncService, m, cfg.JWTSecret,
	)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recovery())
	e.Use(echomw.CORS())

	// Вебхуки провайдеров живут без аутентификации: провайдер
	// идентифицируется идентификатором интеграции в пути
	webhookGroup := e.Group("/webhook")
	webhookGroup.POST("/:id/bitrix24", webhookHandler.HandleBitrix24)
	webhookGroup.POST("/:id/bitrix24/connector", webhookHandler.HandleBitrix24Connector)
	webhookGroup.POST("/:id/bitrix24/placement", webhookHandler.HandleBitrix24Placement)
	webhookGroup.POST("/:id/bitrix24/placement/apply", webhookHandler.HandleBitrix24PlacementApply)
	webhookGroup.POST("/:id/amocrm", webhookHandler.HandleAmoCRM)
	webhookGroup.POST("/:id/avito", webhookHandler.HandleAvito)
	webhookGroup.POST("/:id/salebot", webhookHandler.HandleSalebot)

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret, cfg.ServiceAPIKey)
	api.SetupRoutes(e.Group("/api/v1"), integrationRepo, logRepo, conversationRepo, syncService, authMiddleware, cfg.BaseURL)

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	e.GET("/healthz", func(c echo.Context) error {
		if err := db.PingContext(c.Request().Context()); err != nil {
			return c.JSON(503, map[string]string{"status": "degraded"})
		}
		return c.JSON(200, map[string]string{"status": "ok"})
	})

	schedCtx, stopScheduler := context.WithCancel(context.Background())
	defer stopScheduler()
	go runScheduler(schedCtx, syncService, time.Duration(cfg.SyncIntervalMinutes)*time.Minute)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil {
			log.Info().Err(err).Msg("Server stopped")
		}
	}()
	log.Info().Str("port", cfg.Port).Msg("CRM sync engine started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Forced shutdown")
	}
}

// runScheduler периодически досинхронизирует диалоги, накопившие
// сообщения после последнего экспорта в CRM
func runScheduler(ctx context.Context, svc *sync.Service, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := svc.SyncPending(ctx); err != nil {
				log.Error().Err(err).Msg("Background sync pass failed")
			}
		}
	}
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if cfg.LogFile != "" {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // мегабайт
			MaxBackups: 5,
			MaxAge:     30, // дней
			Compress:   true,
		})
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}
