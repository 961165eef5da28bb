package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.io/infrasutra/dealdesk/internal/api"
	"github.io/infrasutra/dealdesk/internal/auth"
	"github.io/infrasutra/dealdesk/internal/config"
	"github.io/infrasutra/dealdesk/internal/deal"
	"github.io/infrasutra/dealdesk/internal/notify"
	"github.io/infrasutra/dealdesk/internal/smtpserver"
	"github.io/infrasutra/dealdesk/internal/sse"
	"github.io/infrasutra/dealdesk/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx := context.Background()
	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("ensure schema", "error", err)
		os.Exit(1)
	}

	authManager, err := auth.New(cfg.AuthSecret, 30*24*time.Hour)
	if err != nil {
		logger.Error("init auth", "error", err)
		os.Exit(1)
	}
	if cfg.AuthSecret == "" {
		logger.Warn("AUTH_SECRET not set; sessions reset on restart")
	}
	if cfg.OperatorEmail == "" || cfg.OperatorPassword == "" {
		logger.Warn("operator login not configured; set OPERATOR_EMAIL and OPERATOR_PASSWORD")
	}

	webhook := notify.NewWebhook(cfg.WebhookURL, cfg.WebhookTimeout)
	if !webhook.Enabled() {
		logger.Warn("N8N_WEBHOOK_URL not set; decision webhooks disabled")
	}
	mailer := notify.NewMailer(cfg.MailHost, cfg.MailPort, cfg.MailUsername, cfg.MailPassword, cfg.MailFrom, cfg.WebhookTimeout)

	hub := sse.NewHub()
	service := deal.NewService(db, webhook, mailer, hub, logger)
	apiServer := api.NewServer(cfg, service, authManager, hub, logger)

	if cfg.SMTPIntakeEnabled {
		smtpAuthCfg := smtpserver.AuthConfig{
			Enabled:  cfg.SMTPAuthEnabled,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}
		smtpAddr := fmt.Sprintf(":%d", cfg.SMTPPort)
		smtpSrv := smtpserver.New(service, logger, smtpAddr, smtpAuthCfg)
		go func() {
			if err := smtpSrv.ListenAndServe(); err != nil {
				logger.Error("smtp intake stopped", "error", err)
			}
		}()
		defer func() {
			if err := smtpSrv.Close(); err != nil {
				logger.Error("shutdown smtp intake", "error", err)
			}
		}()
	}

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:    httpAddr,
		Handler: apiServer,
	}

	go func() {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("shutdown http", "error", err)
	}
}
