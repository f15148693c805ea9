// Package config reads engine settings from the environment. A .env file in
// the working directory is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/joho/godotenv"
	"gorm.io/gorm/logger"

	"task-automation-service/internal/kafka"
	"task-automation-service/pkg/db"
)

const (
	DefaultServerAddr         = ":8080"
	DefaultMetricsAddr        = ":9100"
	DefaultCommandTimeout     = 30 * time.Second
	DefaultAPICallTimeout     = 30 * time.Second
	DefaultMailTimeout        = 30 * time.Second
	DefaultCheckInterval      = 60 * time.Second
	DefaultListenerMaxRetries = 5
	DefaultListenerRetryBase  = time.Second
	DefaultReplyWindow        = 72 * time.Hour
)

type Config struct {
	ServerAddr  string
	MetricsAddr string
	LogLevel    hlog.Level

	DB db.Config

	KafkaBrokers []string
	EventsTopic  string
	ReplyTopic   string
	ReplyGroupID string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPInsecure bool

	// ReplyAddress receives campaign replies (local+token@domain). Defaults
	// to replies@REPLY_DOMAIN, then to SMTP_FROM.
	ReplyAddress string

	CommandTimeout     time.Duration
	APICallTimeout     time.Duration
	MailTimeout        time.Duration
	CheckInterval      time.Duration
	ListenerMaxRetries uint64
	ListenerRetryBase  time.Duration
	ReplyWindow        time.Duration
}

// Load reads .env (a missing file is not an error) and then the environment.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load env file: %w", err)
		}
		hlog.Warnf("Config: no env file loaded (%v), using process environment", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (Config, error) {
	p := parser{getenv: getenv}
	cfg := Config{
		ServerAddr:  p.str("SERVER_ADDR", DefaultServerAddr),
		MetricsAddr: p.str("METRICS_ADDR", DefaultMetricsAddr),
		LogLevel:    p.logLevel("LOG_LEVEL", hlog.LevelInfo),
		DB: db.Config{
			Type:     p.str("DB_TYPE", "sqlite"),
			DSN:      getenv("DB_DSN"),
			LogLevel: p.gormLevel("DB_LOG_LEVEL", logger.Warn),
		},
		KafkaBrokers: kafka.ParseBrokers(getenv("KAFKA_BROKERS")),
		EventsTopic:  p.str("EVENTS_TOPIC", kafka.DefaultEventsTopic),
		ReplyTopic:   p.str("REPLY_TOPIC", kafka.DefaultReplyTopic),
		ReplyGroupID: p.str("REPLY_GROUP_ID", kafka.DefaultReplyGroupID),

		SMTPHost:     getenv("SMTP_HOST"),
		SMTPPort:     p.int("SMTP_PORT", 587),
		SMTPUsername: getenv("SMTP_USERNAME"),
		SMTPPassword: getenv("SMTP_PASSWORD"),
		SMTPFrom:     getenv("SMTP_FROM"),
		SMTPInsecure: p.bool("SMTP_INSECURE", false),

		CommandTimeout:     p.duration("COMMAND_TIMEOUT", DefaultCommandTimeout),
		APICallTimeout:     p.duration("API_CALL_TIMEOUT", DefaultAPICallTimeout),
		MailTimeout:        p.duration("MAIL_TIMEOUT", DefaultMailTimeout),
		CheckInterval:      p.duration("DEFAULT_CHECK_INTERVAL", DefaultCheckInterval),
		ListenerMaxRetries: uint64(p.int("LISTENER_MAX_RETRIES", DefaultListenerMaxRetries)),
		ListenerRetryBase:  p.duration("LISTENER_RETRY_BASE", DefaultListenerRetryBase),
		ReplyWindow:        p.duration("CAMPAIGN_REPLY_WINDOW", DefaultReplyWindow),
	}
	cfg.ReplyAddress = getenv("REPLY_ADDRESS")
	if cfg.ReplyAddress == "" {
		if domain := getenv("REPLY_DOMAIN"); domain != "" {
			cfg.ReplyAddress = "replies@" + domain
		} else {
			cfg.ReplyAddress = cfg.SMTPFrom
		}
	}
	if err := p.err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parser collects every malformed variable instead of stopping at the first.
type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) err() error { return errors.Join(p.errs...) }

func (p *parser) fail(key, value string, err error) {
	p.errs = append(p.errs, fmt.Errorf("invalid %s=%q: %w", key, value, err))
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) int(key string, def int) int {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		if err == nil {
			err = errors.New("must not be negative")
		}
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) bool(key string, def bool) bool {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

// duration accepts Go durations ("90s") or a bare number of seconds.
func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		if err == nil {
			err = errors.New("must be positive")
		}
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p *parser) logLevel(key string, def hlog.Level) hlog.Level {
	v := strings.ToLower(strings.TrimSpace(p.getenv(key)))
	switch v {
	case "":
		return def
	case "trace":
		return hlog.LevelTrace
	case "debug":
		return hlog.LevelDebug
	case "info":
		return hlog.LevelInfo
	case "notice":
		return hlog.LevelNotice
	case "warn", "warning":
		return hlog.LevelWarn
	case "error":
		return hlog.LevelError
	case "fatal":
		return hlog.LevelFatal
	}
	p.fail(key, v, errors.New("unknown log level"))
	return def
}

func (p *parser) gormLevel(key string, def logger.LogLevel) logger.LogLevel {
	v := strings.ToLower(strings.TrimSpace(p.getenv(key)))
	switch v {
	case "":
		return def
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "warn", "warning":
		return logger.Warn
	case "info":
		return logger.Info
	}
	p.fail(key, v, errors.New("unknown gorm log level"))
	return def
}
