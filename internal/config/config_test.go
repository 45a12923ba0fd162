package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "segredo")

	cfg, err := Parse()
	require.NoError(t, err)
	require.Equal(t, 10, cfg.Session.MaxSessions)
	require.Equal(t, 3, cfg.Session.ReconnectMax)
	require.Equal(t, 5*time.Second, cfg.Session.ReconnectDelay)
	require.Equal(t, time.Minute, cfg.Campaign.SchedulerInterval)
	require.Equal(t, 3000, cfg.Campaign.DefaultDelayMs)
	require.Equal(t, 3, cfg.Campaign.DefaultMaxRetries)
	require.Equal(t, 31*time.Second, cfg.Notify.WSTokenTTL)
}

func TestParseRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Parse()
	require.Error(t, err)
}

func TestInactivityTimeoutIsCapped(t *testing.T) {
	require.Equal(t, 24*time.Hour, SessionConfig{TimeoutHours: 72}.InactivityTimeout())
	require.Equal(t, 24*time.Hour, SessionConfig{TimeoutHours: 0}.InactivityTimeout())
	require.Equal(t, 2*time.Hour, SessionConfig{TimeoutHours: 2}.InactivityTimeout())
}

func TestDSNPrefersURL(t *testing.T) {
	cfg := DatabaseConfig{URL: "postgres://u:p@db/x", Host: "ignored"}
	require.Equal(t, "postgres://u:p@db/x", cfg.DSN())

	cfg = DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "x", SSLMode: "disable"}
	require.Equal(t, "host=db port=5432 user=u password=p dbname=x sslmode=disable", cfg.DSN())
}
