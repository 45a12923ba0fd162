package main

import (
	"context"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/open-apime/disparador/internal/api/handler"
	"github.com/open-apime/disparador/internal/api/middleware"
	"github.com/open-apime/disparador/internal/app"
	"github.com/open-apime/disparador/internal/config"
	"github.com/open-apime/disparador/internal/logger"
	"github.com/open-apime/disparador/internal/notify"
	"github.com/open-apime/disparador/internal/server"
	"github.com/open-apime/disparador/internal/service/campaign"
	"github.com/open-apime/disparador/internal/session"
	"github.com/open-apime/disparador/internal/session/whatsmeow"
	"github.com/open-apime/disparador/internal/storage"
	"github.com/open-apime/disparador/internal/storage/media"
	storage_redis "github.com/open-apime/disparador/internal/storage/redis"
	"github.com/open-apime/disparador/internal/webhook"
	"github.com/open-apime/disparador/internal/webhook/delivery"
)

func main() {
	cfg := config.Load()

	logr, err := logger.New(cfg.App.Env, cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logr.Sync()

	sessionDir := filepath.Join(cfg.Storage.DataDir, "sessions")
	mediaDir := filepath.Join(cfg.Storage.DataDir, "media")

	logr.Info("iniciando aplicação",
		zap.String("env", cfg.App.Env),
		zap.String("version", config.Version),
		zap.String("port", cfg.App.Port),
		zap.String("db_driver", cfg.Storage.Driver),
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Int("max_sessions", cfg.Session.MaxSessions),
	)

	repos, err := storage.NewRepositories(cfg, logr)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer repos.Close()

	// Webhooks: fila (redis ou memória) + pool de entrega.
	webhookDelivery := delivery.NewDelivery(logr, 30*time.Second)
	webhookPool := webhook.NewPool(repos.WebhookQueue, webhookDelivery, cfg.Security.EncryptionKey, logr, cfg.Webhook.Workers)
	webhookPool.Start(context.Background())
	logr.Info("webhook pool iniciada", zap.Int("workers", cfg.Webhook.Workers))

	dispatcher, err := webhook.NewDispatcher(repos.WebhookQueue, cfg.Webhook.DefaultURL, cfg.Webhook.Secret, cfg.Security.EncryptionKey, logr)
	if err != nil {
		log.Fatalf("webhook: %v", err)
	}

	bus := notify.NewBus(cfg.Notify.Buffer, logr)
	// avisos e erros seguem também para os administradores conectados no /ws
	logr = logr.WithOptions(bus.LogHook(zapcore.WarnLevel))
	var tokens notify.TokenStore = notify.NewMemoryTokenStore(cfg.Notify.WSTokenTTL)
	if repos.RedisClient != nil {
		tokens = notify.NewRedisTokenStore(repos.RedisClient.RDB(), repos.RedisClient.Key("ws-token")+":", cfg.Notify.WSTokenTTL)
	}

	pgDSN := ""
	if cfg.Storage.Driver == "postgres" {
		pgDSN = cfg.DB.DSN()
	}
	factory, err := whatsmeow.NewFactory(whatsmeow.FactoryOptions{
		Driver:     cfg.Storage.Driver,
		BaseDir:    sessionDir,
		PostgreDSN: pgDSN,
		Device:     cfg.WhatsApp,
	}, repos.Contact, logr)
	if err != nil {
		log.Fatalf("whatsmeow: %v", err)
	}
	defer factory.Close()

	sessions := session.NewManager(session.OptionsFromConfig(cfg), repos.Session, factory, logr)
	sessions.SetNotifier(bus)
	sessions.SetWebhooks(dispatcher)

	logr.Info("restaurando sessões...")
	issued, err := sessions.Restore(context.Background())
	if err != nil {
		logr.Warn("erro ao restaurar sessões", zap.Error(err))
	}
	for id := range issued {
		logr.Warn("sessão restaurada sem token; gere um novo pela rotação", zap.String("session_id", id))
	}
	logr.Info("sessões restauradas", zap.Int("total", sessions.Len()))

	mediaTTL := time.Duration(cfg.Storage.MediaTTLSeconds) * time.Second
	mediaStorage, err := media.NewStorage(mediaDir, mediaTTL, logr)
	if err != nil {
		log.Fatalf("media storage: %v", err)
	}
	logr.Info("media storage inicializado", zap.String("dir", mediaDir), zap.Duration("ttl", mediaTTL))

	engine := campaign.NewEngine(repos.Campaign, sessions, mediaStorage, campaign.EngineOptions{
		BatchSize: cfg.Campaign.BatchSize,
	}, logr)
	engine.SetEvents(bus)
	if repos.RedisClient != nil {
		engine.SetLocks(func(key string) campaign.Lock {
			return storage_redis.NewLock(repos.RedisClient, repos.RedisClient.Key(key), cfg.Campaign.LockTTL)
		})
	}

	campaigns := campaign.NewService(repos.Campaign, engine, sessions, campaign.Defaults{
		DelayMs:    cfg.Campaign.DefaultDelayMs,
		MaxRetries: cfg.Campaign.DefaultMaxRetries,
	}, logr)
	scheduler := campaign.NewScheduler(repos.Campaign, engine, sessions, cfg.Campaign.SchedulerInterval, logr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go scheduler.Run(ctx)
	logr.Info("agendador de campanhas iniciado", zap.Duration("interval", cfg.Campaign.SchedulerInterval))

	router := server.NewRouter(server.Options{
		Env:             cfg.App.Env,
		AuthSecret:      cfg.JWT.Secret,
		Sessions:        sessions,
		HealthHandler:   handler.NewHealthHandler(sessions),
		SessionHandler:  handler.NewSessionHandler(sessions, mediaStorage, logr),
		CampaignHandler: handler.NewCampaignHandler(campaigns, scheduler, logr),
		NotifyHandler:   handler.NewNotifyHandler(tokens, notify.NewServer(bus, tokens, logr), logr),
		RateLimit: middleware.RateLimitOption{
			Enabled:  cfg.RateLimit.Enabled,
			Requests: cfg.RateLimit.Requests,
			Window:   time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
			Prefix:   cfg.RateLimit.Prefix,
			Limiter:  repos.RateLimiter,
			Logger:   logr,
		},
		IPRateLimit: middleware.IPRateLimitOption{
			Enabled:        cfg.IPRateLimit.Enabled,
			Requests:       cfg.IPRateLimit.Requests,
			Window:         time.Duration(cfg.IPRateLimit.WindowSeconds) * time.Second,
			SkipPrivateIPs: cfg.IPRateLimit.SkipPrivateIPs,
			Limiter:        repos.RateLimiter,
			Logger:         logr,
		},
	})

	application := app.New(cfg, logr, router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(context.Background())
	}()

	select {
	case <-ctx.Done():
		logr.Info("sinal de encerramento recebido")
	case err := <-errCh:
		if err != nil {
			logr.Error("servidor finalizado com erro", zap.Error(err))
		} else {
			logr.Info("servidor finalizado normalmente")
		}
	}

	logr.Info("iniciando shutdown graceful")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		logr.Error("erro ao encerrar servidor", zap.Error(err))
	}

	stop()
	engine.Close()
	logr.Info("motor de campanhas encerrado")

	sessions.Close()
	bus.Close()
	mediaStorage.Close()

	webhookPool.Stop()
	logr.Info("webhook pool encerrada")

	logr.Info("servidor encerrado")
}
