package main

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/go-resty/resty/v2"

	"task-automation-service/internal/api"
	"task-automation-service/internal/campaign"
	"task-automation-service/internal/config"
	"task-automation-service/internal/engine"
	"task-automation-service/internal/events"
	"task-automation-service/internal/executor"
	"task-automation-service/internal/kafka"
	"task-automation-service/internal/listener"
	"task-automation-service/internal/mail"
	"task-automation-service/internal/metrics"
	"task-automation-service/internal/store"
	gorm_db "task-automation-service/pkg/db"
)

type closablePublisher interface {
	events.Publisher
	Close() error
}

func main() {
	stdlog.Println("Task Engine starting...")

	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("Failed to load configuration: %v", err)
	}
	hlog.SetOutput(os.Stdout)
	hlog.SetLevel(cfg.LogLevel)

	appCtx, appCancel := context.WithCancel(context.Background())

	gormDB, err := gorm_db.NewGormDB(cfg.DB)
	if err != nil {
		stdlog.Fatalf("Failed to initialize database: %v", err)
	}
	st := store.New(gormDB)
	if err := st.Migrate(); err != nil {
		stdlog.Fatalf("Failed to migrate database: %v", err)
	}
	hlog.Info("Database initialized and migrated.")

	var publisher closablePublisher = nopCloser{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = kafka.NewPublisher(cfg.KafkaBrokers, cfg.EventsTopic)
		hlog.Infof("Publishing engine events to %s on %v", cfg.EventsTopic, cfg.KafkaBrokers)
	} else {
		hlog.Warn("KAFKA_BROKERS not set: engine events are not published")
	}

	collector := metrics.NewCollector("task_engine")
	sender := mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		Timeout:  cfg.MailTimeout,
		Insecure: cfg.SMTPInsecure,
	})

	runner, err := campaign.NewRunner(st, sender, campaign.Config{
		From:         cfg.SMTPFrom,
		ReplyAddress: cfg.ReplyAddress,
		ReplyWindow:  cfg.ReplyWindow,
	}, campaign.WithPublisher(publisher), campaign.WithMetrics(collector))
	if err != nil {
		stdlog.Fatalf("Failed to create campaign runner: %v", err)
	}

	httpClient := resty.New().SetTimeout(cfg.APICallTimeout)
	registry := executor.NewDefaultRegistry(executor.Deps{
		CommandTimeout: cfg.CommandTimeout,
		APITimeout:     cfg.APICallTimeout,
		Sender:         sender,
		From:           cfg.SMTPFrom,
		MailboxSenders: mail.MailboxSenders(cfg.MailTimeout),
		Notifier: executor.ChannelNotifier{
			Channels: map[string]executor.Notifier{"webhook": executor.WebhookNotifier{Client: httpClient}},
			Default:  executor.LogNotifier{},
		},
		Dispatcher: runner,
	}, executor.WithMetrics(collector))
	runner.SetActionRunner(registry)

	eng := engine.New(st, registry, listener.Deps{
		Dialer:          mail.IMAPDialer{Timeout: cfg.MailTimeout},
		HTTPClient:      resty.New().SetRetryCount(0).SetTimeout(cfg.APICallTimeout),
		DefaultInterval: cfg.CheckInterval,
		MaxRetries:      cfg.ListenerMaxRetries,
		RetryBase:       cfg.ListenerRetryBase,
	}, engine.WithPublisher(publisher), engine.WithMetrics(collector), engine.WithCampaigns(runner))
	if err := eng.Start(appCtx); err != nil {
		stdlog.Fatalf("Failed to start task engine: %v", err)
	}

	var replyConsumer *kafka.ReplyConsumer
	if len(cfg.KafkaBrokers) > 0 {
		replyConsumer = kafka.NewReplyConsumer(cfg.KafkaBrokers, cfg.ReplyTopic, cfg.ReplyGroupID, eng.HandleReply)
		replyConsumer.StartConsuming(appCtx)
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: collector.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hlog.Errorf("Metrics server error: %v", err)
		}
	}()

	h := server.Default(server.WithHostPorts(cfg.ServerAddr), server.WithExitWaitTime(5*time.Second))
	api.Register(h.Engine, api.NewTaskHandler(eng))

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signals
		hlog.Infof("Received signal: %s. Initiating graceful shutdown...", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := h.Shutdown(shutdownCtx); err != nil {
			hlog.Errorf("Hertz server shutdown error: %v", err)
		} else {
			hlog.Info("Hertz server gracefully stopped.")
		}

		appCancel()
		eng.Stop()
		hlog.Info("Task engine stopped.")

		if replyConsumer != nil {
			if err := replyConsumer.Close(); err != nil {
				hlog.Errorf("Reply consumer close error: %v", err)
			}
		}
		if err := publisher.Close(); err != nil {
			hlog.Errorf("Event publisher close error: %v", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			hlog.Errorf("Metrics server shutdown error: %v", err)
		}
		if sqlDB, err := gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
		hlog.Info("Task Engine gracefully shut down.")
	}()

	hlog.Infof("Task Engine fully initialized and starting Hertz server on %s (metrics on %s)...", cfg.ServerAddr, cfg.MetricsAddr)
	h.Spin()

	stdlog.Println("Task Engine has been shut down.")
}

type nopCloser struct{ events.NopPublisher }

func (nopCloser) Close() error { return nil }
