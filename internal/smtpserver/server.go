// Package smtpserver is an optional intake path: client mail delivered
// straight to this process becomes an INCOMING ingestion event on the
// thread derived from the message's correlation headers.
package smtpserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.io/infrasutra/dealdesk/internal/deal"
)

const (
	defaultDomain = "dealdesk"
)

// Ingestor is the slice of the deal service the intake needs.
type Ingestor interface {
	Ingest(ctx context.Context, event deal.Event) (deal.IngestResult, error)
}

type AuthConfig struct {
	Enabled  bool
	Username string
	Password string
}

type Server struct {
	smtp   *smtp.Server
	logger *slog.Logger
}

func New(ingestor Ingestor, logger *slog.Logger, addr string, authCfg AuthConfig) *Server {
	backend := &backend{
		ingestor:     ingestor,
		logger:       logger,
		authEnabled:  authCfg.Enabled,
		authUsername: authCfg.Username,
		authPassword: authCfg.Password,
	}
	server := smtp.NewServer(backend)
	server.Addr = addr
	server.Domain = defaultDomain
	server.AllowInsecureAuth = true
	server.ReadTimeout = 15 * time.Second
	server.WriteTimeout = 15 * time.Second
	server.MaxRecipients = 10
	server.MaxMessageBytes = 10 << 20

	return &Server{smtp: server, logger: logger}
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp intake listening", "addr", s.smtp.Addr)
	return s.smtp.ListenAndServe()
}

func (s *Server) Close() error {
	return s.smtp.Close()
}

type backend struct {
	ingestor     Ingestor
	logger       *slog.Logger
	authEnabled  bool
	authUsername string
	authPassword string
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

type session struct {
	backend       *backend
	from          string
	to            []string
	authenticated bool
}

func (s *session) AuthMechanisms() []string {
	if s.backend.authEnabled {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.backend.authEnabled {
		return nil, errors.New("authentication not enabled")
	}
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username == s.backend.authUsername && password == s.backend.authPassword {
			s.authenticated = true
			return nil
		}
		return errors.New("invalid credentials")
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = normalizeEmail(from)
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.to = append(s.to, normalizeEmail(to))
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	event, err := parseEvent(s.from, s.to, data)
	if err != nil {
		s.backend.logger.Warn("parse smtp message", "error", err)
	}

	result, err := s.backend.ingestor.Ingest(context.Background(), event)
	if err != nil {
		s.backend.logger.Error("ingest smtp message", "thread_id", event.ThreadID, "error", err)
		return err
	}
	s.backend.logger.Info("smtp message ingested",
		"deal_id", result.DealID,
		"deal_created", result.DealCreated,
		"status", result.Status,
	)
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

// parseEvent turns a raw inbound message into an ingestion event. A parse
// failure still yields a usable event built from the envelope, so malformed
// client mail is recorded rather than dropped.
func parseEvent(envelopeFrom string, envelopeTo []string, raw []byte) (deal.Event, error) {
	event := deal.Event{
		Direction: deal.DirectionIncoming,
		FromEmail: normalizeEmail(envelopeFrom),
		Subject:   "(no subject)",
		Body:      string(raw),
	}
	if len(envelopeTo) > 0 {
		event.ToEmail = envelopeTo[0]
	}

	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		event.ThreadID = syntheticThreadID()
		return event, err
	}

	if subject, err := reader.Header.Subject(); err == nil && strings.TrimSpace(subject) != "" {
		event.Subject = subject
	}
	if fromList, err := reader.Header.AddressList("From"); err == nil && len(fromList) > 0 {
		event.FromEmail = normalizeEmail(fromList[0].Address)
	}
	if toList, err := reader.Header.AddressList("To"); err == nil && len(toList) > 0 {
		event.ToEmail = normalizeEmail(toList[0].Address)
	}
	event.ThreadID = threadID(reader.Header)

	var textBody string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := header.ContentType()
		if !strings.HasPrefix(mediaType, "text/plain") && mediaType != "" {
			continue
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		if textBody == "" {
			textBody = string(body)
		} else {
			textBody += "\n" + string(body)
		}
	}
	if strings.TrimSpace(textBody) != "" {
		event.Body = textBody
	}
	return event, nil
}

// threadID picks the stable key correlating a conversation: the root of the
// References chain when present, then In-Reply-To, then the message's own id
// for a fresh thread.
func threadID(header mail.Header) string {
	if refs := header.Get("References"); refs != "" {
		if fields := strings.Fields(refs); len(fields) > 0 {
			return trimMessageID(fields[0])
		}
	}
	if inReplyTo := header.Get("In-Reply-To"); inReplyTo != "" {
		if fields := strings.Fields(inReplyTo); len(fields) > 0 {
			return trimMessageID(fields[0])
		}
	}
	if messageID := header.Get("Message-Id"); messageID != "" {
		return trimMessageID(messageID)
	}
	return syntheticThreadID()
}

func trimMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

func syntheticThreadID() string {
	return "smtp_" + uuid.NewString()
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
