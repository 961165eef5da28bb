package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// Mailer delivers client-facing decision emails through a configured SMTP
// relay.
type Mailer struct {
	host     string
	port     int
	username string
	password string
	from     string
	timeout  time.Duration
}

func NewMailer(host string, port int, username, password, from string, timeout time.Duration) *Mailer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Mailer{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		timeout:  timeout,
	}
}

// Send delivers a multipart/alternative message to a single recipient. The
// connection is bounded by the configured timeout so a slow relay cannot
// stall the request that triggered it.
func (m *Mailer) Send(ctx context.Context, to, subject, textBody, htmlBody string) error {
	if m.host == "" || m.from == "" {
		return errors.New("mail delivery not configured: set MAIL_HOST and MAIL_FROM")
	}

	addr := net.JoinHostPort(m.host, fmt.Sprintf("%d", m.port))
	dialer := &net.Dialer{Timeout: m.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial mail relay: %w", err)
	}
	_ = conn.SetDeadline(time.Now().Add(m.timeout))

	client, err := smtp.NewClient(conn, m.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if m.username != "" {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: m.host}); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
		auth := smtp.PlainAuth("", m.username, m.password, m.host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(m.from); err != nil {
		return fmt.Errorf("smtp mail: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}
	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := writer.Write(buildMessage(m.from, to, subject, textBody, htmlBody)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finish message: %w", err)
	}
	return client.Quit()
}

func buildMessage(from, to, subject, textBody, htmlBody string) []byte {
	boundary := fmt.Sprintf("dealdesk-%d", time.Now().UnixNano())
	from = SanitizeHeader(from)
	to = SanitizeHeader(to)
	subject = SanitizeHeader(subject)
	headers := []string{
		fmt.Sprintf("From: %s", from),
		fmt.Sprintf("To: %s", to),
		fmt.Sprintf("Subject: %s", subject),
		fmt.Sprintf("Date: %s", time.Now().Format(time.RFC1123Z)),
		"MIME-Version: 1.0",
	}

	if textBody != "" && htmlBody != "" {
		headers = append(headers, fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q", boundary))
		body := []string{
			"",
			fmt.Sprintf("--%s", boundary),
			"Content-Type: text/plain; charset=utf-8",
			"",
			textBody,
			fmt.Sprintf("--%s", boundary),
			"Content-Type: text/html; charset=utf-8",
			"",
			htmlBody,
			fmt.Sprintf("--%s--", boundary),
			"",
		}
		return []byte(strings.Join(append(headers, body...), "\r\n"))
	}

	contentType := "text/plain"
	body := textBody
	if body == "" {
		contentType = "text/html"
		body = htmlBody
	}
	headers = append(headers, fmt.Sprintf("Content-Type: %s; charset=utf-8", contentType))
	return []byte(strings.Join(append(headers, "", body, ""), "\r\n"))
}

// SanitizeHeader strips newlines and collapses a value to a single trimmed
// line, so a crafted subject cannot inject extra headers.
func SanitizeHeader(value string) string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == '\r' || r == '\n'
	})
	return strings.TrimSpace(strings.Join(fields, " "))
}
