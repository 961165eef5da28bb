package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPPort int
	DBPath   string

	AuthSecret       string
	OperatorEmail    string
	OperatorPassword string

	WebhookURL     string
	WebhookTimeout time.Duration

	MailHost     string
	MailPort     int
	MailUsername string
	MailPassword string
	MailFrom     string

	SMTPIntakeEnabled bool
	SMTPPort          int
	SMTPAuthEnabled   bool
	SMTPUsername      string
	SMTPPassword      string
}

func Load() Config {
	return Config{
		HTTPPort: getEnvInt("HTTP_PORT", 3030),
		DBPath:   getEnvString("DB_PATH", ""),

		AuthSecret:       getEnvString("AUTH_SECRET", ""),
		OperatorEmail:    getEnvString("OPERATOR_EMAIL", ""),
		OperatorPassword: getEnvString("OPERATOR_PASSWORD", ""),

		WebhookURL:     getEnvString("N8N_WEBHOOK_URL", ""),
		WebhookTimeout: time.Duration(getEnvInt("WEBHOOK_TIMEOUT_SECONDS", 5)) * time.Second,

		MailHost:     getEnvString("MAIL_HOST", ""),
		MailPort:     getEnvInt("MAIL_PORT", 587),
		MailUsername: getEnvString("MAIL_USERNAME", ""),
		MailPassword: getEnvString("MAIL_PASSWORD", ""),
		MailFrom:     getEnvString("MAIL_FROM", ""),

		SMTPIntakeEnabled: getEnvBool("SMTP_INTAKE_ENABLED", false),
		SMTPPort:          getEnvInt("SMTP_PORT", 2030),
		SMTPAuthEnabled:   getEnvBool("SMTP_AUTH_ENABLED", true),
		SMTPUsername:      getEnvString("SMTP_USERNAME", "dealdesk"),
		SMTPPassword:      getEnvString("SMTP_PASSWORD", "dealdesk"),
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}
