package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestFromViperDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg := fromViper(v)
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, 500, cfg.Store.BatchLimit)
	assert.Equal(t, RelayWebSocket, cfg.Relay.Driver)
	assert.Equal(t, 5*time.Second, cfg.Presence.Interval)
	assert.Equal(t, 6, cfg.Sessions.CodeLength)
	assert.Equal(t, 10*time.Minute, cfg.JoinCache.TTL)
	assert.Equal(t, 3, cfg.Moderation.ApproveAllRetries)
	assert.Equal(t, "./exports", cfg.Export.Dir)
	assert.Equal(t, 15*time.Minute, cfg.Export.URLTTL)
}

func TestFromViperOverrides(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("STORE_DRIVER", "POSTGRES")
	v.Set("SESSION_CODE_LENGTH", 12)
	v.Set("PRESENCE_INTERVAL", "not-a-duration")
	v.Set("ALLOWED_ORIGINS", " http://a.test , ,http://b.test")

	cfg := fromViper(v)
	assert.Equal(t, StorePostgres, cfg.Store.Driver)
	assert.Equal(t, 8, cfg.Sessions.CodeLength)
	assert.Equal(t, 5*time.Second, cfg.Presence.Interval)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORS.AllowedOrigins)
}
