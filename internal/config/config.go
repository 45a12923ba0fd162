package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Version é sobrescrito via -ldflags no build.
var Version = "dev"

// maxSessionTimeout limita SESSION_TIMEOUT_HOURS.
const maxSessionTimeout = 24 * time.Hour

type Config struct {
	App         AppConfig
	DB          DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Log         LogConfig
	Storage     StorageConfig
	RateLimit   RateLimitConfig
	IPRateLimit IPRateLimitConfig
	WhatsApp    WhatsAppConfig
	Session     SessionConfig
	Campaign    CampaignConfig
	Notify      NotifyConfig
	Webhook     WebhookConfig
	Security    SecurityConfig
}

type StorageConfig struct {
	Driver          string `env:"DB_DRIVER" envDefault:"sqlite"`
	DataDir         string `env:"DATA_DIR" envDefault:"/app/data"`
	MediaTTLSeconds int    `env:"MEDIA_TTL_SECONDS" envDefault:"7200"`
}

type AppConfig struct {
	Env     string `env:"APP_ENV" envDefault:"development"`
	Port    string `env:"PORT" envDefault:"8080"`
	BaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:8080"`
}

type DatabaseConfig struct {
	URL      string `env:"DATABASE_URL"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     int    `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
	Name     string `env:"DB_NAME" envDefault:"postgres"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
}

// DSN retorna a string de conexão em formato aceito pelo pgxpool.
func (cfg DatabaseConfig) DSN() string {
	if cfg.URL != "" {
		return cfg.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD" envDefault:""`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	Enabled  bool   `env:"REDIS_ENABLED" envDefault:"false"`
	Prefix   string `env:"REDIS_KEY_PREFIX" envDefault:"disparador"`
}

type RateLimitConfig struct {
	Enabled       bool   `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	Requests      int    `env:"RATE_LIMIT_REQUESTS" envDefault:"300"`
	WindowSeconds int    `env:"RATE_LIMIT_WINDOW_SECONDS" envDefault:"60"`
	Prefix        string `env:"RATE_LIMIT_PREFIX" envDefault:"api"`
}

type IPRateLimitConfig struct {
	Enabled        bool `env:"IP_RATE_LIMIT_ENABLED" envDefault:"true"`
	Requests       int  `env:"IP_RATE_LIMIT_REQUESTS" envDefault:"100"`
	WindowSeconds  int  `env:"IP_RATE_LIMIT_WINDOW_SECONDS" envDefault:"900"`
	SkipPrivateIPs bool `env:"IP_RATE_LIMIT_SKIP_PRIVATE_IPS" envDefault:"true"`
}

type JWTConfig struct {
	Secret string `env:"JWT_SECRET,required,notEmpty"`
}

type LogConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"debug"`
}

type WhatsAppConfig struct {
	OSName       string `env:"WHATSAPP_OS_NAME" envDefault:"Disparador"`
	PlatformType string `env:"WHATSAPP_PLATFORM_TYPE" envDefault:"DESKTOP"`
}

type SessionConfig struct {
	MaxSessions    int           `env:"MAX_SESSIONS" envDefault:"10"`
	TimeoutHours   int           `env:"SESSION_TIMEOUT_HOURS" envDefault:"24"`
	ReconnectMax   int           `env:"SESSION_RECONNECT_MAX" envDefault:"3"`
	ReconnectDelay time.Duration `env:"SESSION_RECONNECT_DELAY" envDefault:"5s"`
	LogoutTimeout  time.Duration `env:"SESSION_LOGOUT_TIMEOUT" envDefault:"15s"`
	SendRate       float64       `env:"SESSION_SEND_RATE" envDefault:"1"`
}

// InactivityTimeout converte SESSION_TIMEOUT_HOURS respeitando o teto de 24h.
func (cfg SessionConfig) InactivityTimeout() time.Duration {
	d := time.Duration(cfg.TimeoutHours) * time.Hour
	if d <= 0 || d > maxSessionTimeout {
		return maxSessionTimeout
	}
	return d
}

type CampaignConfig struct {
	SchedulerInterval time.Duration `env:"CAMPAIGN_SCHEDULER_INTERVAL" envDefault:"60s"`
	DefaultDelayMs    int           `env:"CAMPAIGN_DEFAULT_DELAY" envDefault:"3000"`
	DefaultMaxRetries int           `env:"CAMPAIGN_DEFAULT_MAX_RETRIES" envDefault:"3"`
	BatchSize         int           `env:"CAMPAIGN_BATCH_SIZE" envDefault:"100"`
	LockTTL           time.Duration `env:"CAMPAIGN_LOCK_TTL" envDefault:"10m"`
}

type NotifyConfig struct {
	WSTokenTTL time.Duration `env:"NOTIFY_WS_TOKEN_TTL" envDefault:"31s"`
	Buffer     int           `env:"NOTIFY_BUFFER" envDefault:"64"`
}

type WebhookConfig struct {
	Workers    int    `env:"WEBHOOK_WORKERS" envDefault:"4"`
	DefaultURL string `env:"WEBHOOK_URL" envDefault:""`
	Secret     string `env:"WEBHOOK_SECRET" envDefault:""`
}

type SecurityConfig struct {
	EncryptionKey string `env:"ENCRYPTION_KEY" envDefault:"disparador-change-in-production"`
}

// Parse lê o .env (quando existir) e as variáveis de ambiente.
func Parse() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: ler .env: %w", err)
	}
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load carrega as configurações da aplicação.
func Load() Config {
	cfg, err := Parse()
	if err != nil {
		log.Fatalf("config: não foi possível carregar variáveis: %v", err)
	}
	return cfg
}
