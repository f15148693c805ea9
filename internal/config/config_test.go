package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(envOf(nil))
	require.NoError(t, err)

	assert.Equal(t, DefaultServerAddr, cfg.ServerAddr)
	assert.Equal(t, DefaultMetricsAddr, cfg.MetricsAddr)
	assert.Equal(t, hlog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.DB.Type)
	assert.Equal(t, logger.Warn, cfg.DB.LogLevel)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, "automation_events", cfg.EventsTopic)
	assert.Equal(t, "inbound_replies", cfg.ReplyTopic)
	assert.Equal(t, 587, cfg.SMTPPort)
	assert.Equal(t, 30*time.Second, cfg.CommandTimeout)
	assert.Equal(t, 60*time.Second, cfg.CheckInterval)
	assert.Equal(t, uint64(5), cfg.ListenerMaxRetries)
	assert.Equal(t, 72*time.Hour, cfg.ReplyWindow)
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(envOf(map[string]string{
		"SERVER_ADDR":            ":9090",
		"DB_TYPE":                "mysql",
		"DB_DSN":                 "user:pw@tcp(db:3306)/tasks",
		"KAFKA_BROKERS":          "k1:9092,k2:9092",
		"SMTP_FROM":              "campaigns@example.com",
		"REPLY_DOMAIN":           "reply.example.com",
		"COMMAND_TIMEOUT":        "45",
		"API_CALL_TIMEOUT":       "2m",
		"DEFAULT_CHECK_INTERVAL": "15s",
		"LISTENER_MAX_RETRIES":   "2",
		"CAMPAIGN_REPLY_WINDOW":  "24h",
		"LOG_LEVEL":              "debug",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "mysql", cfg.DB.Type)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "replies@reply.example.com", cfg.ReplyAddress)
	assert.Equal(t, 45*time.Second, cfg.CommandTimeout)
	assert.Equal(t, 2*time.Minute, cfg.APICallTimeout)
	assert.Equal(t, 15*time.Second, cfg.CheckInterval)
	assert.Equal(t, uint64(2), cfg.ListenerMaxRetries)
	assert.Equal(t, 24*time.Hour, cfg.ReplyWindow)
	assert.Equal(t, hlog.LevelDebug, cfg.LogLevel)
}

func TestFromEnv_ReplyAddressFallsBackToFrom(t *testing.T) {
	cfg, err := FromEnv(envOf(map[string]string{"SMTP_FROM": "campaigns@example.com"}))
	require.NoError(t, err)
	assert.Equal(t, "campaigns@example.com", cfg.ReplyAddress)
}

func TestFromEnv_CollectsErrors(t *testing.T) {
	_, err := FromEnv(envOf(map[string]string{
		"SMTP_PORT":       "abc",
		"COMMAND_TIMEOUT": "soon",
		"LOG_LEVEL":       "loud",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SMTP_PORT")
	assert.Contains(t, err.Error(), "COMMAND_TIMEOUT")
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestLoad_ReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("EVENTS_TOPIC=file_topic\n"), 0o600))
	t.Setenv("EVENTS_TOPIC", "")
	require.NoError(t, os.Unsetenv("EVENTS_TOPIC"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "file_topic", cfg.EventsTopic)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}
