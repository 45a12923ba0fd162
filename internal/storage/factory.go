package storage

import (
	"go.uber.org/zap"

	"github.com/open-apime/disparador/internal/config"
	"github.com/open-apime/disparador/internal/pkg/queue"
	queue_memory "github.com/open-apime/disparador/internal/pkg/queue/memory"
	queue_redis "github.com/open-apime/disparador/internal/pkg/queue/redis"
	"github.com/open-apime/disparador/internal/pkg/ratelimiter"
	limiter_memory "github.com/open-apime/disparador/internal/pkg/ratelimiter/memory"
	limiter_redis "github.com/open-apime/disparador/internal/pkg/ratelimiter/redis"
	"github.com/open-apime/disparador/internal/storage/postgres"
	storage_redis "github.com/open-apime/disparador/internal/storage/redis"
	"github.com/open-apime/disparador/internal/storage/sqlite"
)

// webhookBacklog limita eventos de webhook pendentes, em memória ou no redis.
const webhookBacklog = 10000

type Repositories struct {
	Session      SessionRepository
	Campaign     CampaignRepository
	Contact      ContactRepository
	RedisClient  *storage_redis.Client // nil com Redis desabilitado
	WebhookQueue queue.Queue
	RateLimiter  ratelimiter.Limiter

	closers []func()
}

// Close libera as conexões abertas pelos repositórios.
func (r *Repositories) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func NewRepositories(cfg config.Config, log *zap.Logger) (*Repositories, error) {
	log.Info("inicializando repositórios",
		zap.String("driver", cfg.Storage.Driver),
	)

	repos := &Repositories{}

	if cfg.Redis.Enabled {
		log.Info("inicializando Redis...")
		storeRedis, err := storage_redis.New(cfg.Redis, log)
		if err != nil {
			log.Error("erro ao conectar com Redis", zap.Error(err))
			return nil, err
		}

		redisClient := storeRedis.RDB()
		repos.RedisClient = storeRedis
		repos.WebhookQueue = queue_redis.NewQueue(redisClient, storeRedis.Key("webhook", "events"), webhookBacklog)
		repos.RateLimiter = limiter_redis.NewLimiter(redisClient, storeRedis.Key("ratelimit"))
		repos.closers = append(repos.closers, func() { _ = storeRedis.Close() })
		log.Info("Redis conectado, fila e limiter configurados")
	} else {
		log.Info("usando implementações em memória (Redis desabilitado)")
		repos.WebhookQueue = queue_memory.NewQueue(webhookBacklog)
		repos.RateLimiter = limiter_memory.NewLimiter()
	}

	switch cfg.Storage.Driver {
	case "sqlite", "":
		log.Debug("criando conexão com SQLite")
		db, err := sqlite.New(cfg.Storage.DataDir, log)
		if err != nil {
			log.Error("erro ao conectar com SQLite", zap.Error(err))
			repos.Close()
			return nil, err
		}

		repos.Session = sqlite.NewSessionRepository(db)
		repos.Campaign = sqlite.NewCampaignRepository(db)
		repos.Contact = sqlite.NewContactRepository(db)
		repos.closers = append(repos.closers, func() { _ = db.Close() })
		log.Info("repositórios SQLite criados com sucesso", zap.String("data_dir", cfg.Storage.DataDir))
		return repos, nil

	case "postgres":
		log.Debug("criando conexão com PostgreSQL")
		db, err := postgres.New(cfg.DB, log)
		if err != nil {
			log.Error("erro ao conectar com PostgreSQL", zap.Error(err))
			repos.Close()
			return nil, err
		}

		repos.Session = postgres.NewSessionRepository(db)
		repos.Campaign = postgres.NewCampaignRepository(db)
		repos.Contact = postgres.NewContactRepository(db)
		repos.closers = append(repos.closers, db.Close)
		log.Info("repositórios PostgreSQL criados com sucesso")
		return repos, nil

	default:
		log.Error("driver de storage desconhecido",
			zap.String("driver", cfg.Storage.Driver),
		)
		repos.Close()
		return nil, &ErrUnknownDriver{Driver: cfg.Storage.Driver}
	}
}

type ErrUnknownDriver struct {
	Driver string
}

func (e *ErrUnknownDriver) Error() string {
	return "storage: driver desconhecido: " + e.Driver
}
