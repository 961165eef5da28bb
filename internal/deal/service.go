package deal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.io/infrasutra/dealdesk/internal/notify"
	"github.io/infrasutra/dealdesk/internal/sse"
	"github.io/infrasutra/dealdesk/internal/store"
)

// WebhookDispatcher posts operator decisions to the workflow pipeline.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, payload notify.DecisionPayload) error
	Enabled() bool
}

// Mailer delivers decision emails to clients.
type Mailer interface {
	Send(ctx context.Context, to, subject, textBody, htmlBody string) error
}

const sideEffectTimeout = 5 * time.Second

// Service ties the status machine to the store and the notification
// collaborators. Every mutation commits before any side effect fires, and
// side-effect failures never unwind a commit.
type Service struct {
	store   *store.Store
	webhook WebhookDispatcher
	mailer  Mailer
	hub     *sse.Hub
	logger  *slog.Logger
}

func NewService(st *store.Store, webhook WebhookDispatcher, mailer Mailer, hub *sse.Hub, logger *slog.Logger) *Service {
	return &Service{
		store:   st,
		webhook: webhook,
		mailer:  mailer,
		hub:     hub,
		logger:  logger,
	}
}

// Event is one directional email observation on a thread.
type Event struct {
	ThreadID   string
	Direction  Direction
	Subject    string
	Body       string
	FromEmail  string
	ToEmail    string
	DraftReply string
	BrandName  string
}

// IngestResult reports what one event did to the thread's deal.
type IngestResult struct {
	DealID      string
	DealCreated bool
	MessageID   int64
	Status      Status
}

// Ingest records one email event: resolve the client by sender, resolve the
// deal by thread id, refresh the subject and cached draft reply, append the
// message, and apply the status transition. All input is validated before
// the first write so a rejected event leaves no partial state behind.
func (s *Service) Ingest(ctx context.Context, event Event) (IngestResult, error) {
	if event.ThreadID == "" {
		return IngestResult{}, ValidationError("thread_id is required")
	}
	if event.Subject == "" {
		return IngestResult{}, ValidationError("subject is required")
	}
	if event.Body == "" {
		return IngestResult{}, ValidationError("body is required")
	}
	if event.ToEmail == "" {
		return IngestResult{}, ValidationError("to_email is required")
	}
	if event.Direction != DirectionIncoming && event.Direction != DirectionOutgoing {
		return IngestResult{}, ValidationError("direction must be either 'INCOMING' or 'OUTGOING'")
	}
	fromEmail, err := NormalizeEmail(event.FromEmail)
	if err != nil {
		return IngestResult{}, err
	}

	now := time.Now()
	client, err := s.store.UpsertClient(ctx, fromEmail, event.BrandName, now)
	if err != nil {
		return IngestResult{}, err
	}

	dealRow, created, err := s.store.GetOrCreateDeal(ctx, store.NewDeal{
		ClientID: client.ID,
		ThreadID: event.ThreadID,
		Subject:  event.Subject,
		Status:   string(StatusNew),
	}, now)
	if err != nil {
		return IngestResult{}, err
	}

	if !created && dealRow.Subject != event.Subject {
		if err := s.store.UpdateDealSubject(ctx, dealRow.ID, event.Subject, now); err != nil {
			return IngestResult{}, err
		}
	}
	if event.DraftReply != "" {
		if err := s.store.SetDraftReply(ctx, dealRow.ID, event.DraftReply, now); err != nil {
			return IngestResult{}, err
		}
	}

	messageID, err := s.store.InsertDealMessage(ctx, store.Message{
		DealID:    dealRow.ID,
		Direction: string(event.Direction),
		Subject:   event.Subject,
		Body:      event.Body,
		FromEmail: fromEmail,
		ToEmail:   event.ToEmail,
		CreatedAt: now,
	})
	if err != nil {
		return IngestResult{}, err
	}

	status := Status(dealRow.Status)
	if change, changed := Transition(status, event.Direction); changed {
		var ourReplySentAt, clientRepliedAt *time.Time
		if change.SetOurReplySent {
			ourReplySentAt = &now
		}
		if change.SetClientReplied {
			clientRepliedAt = &now
		}
		if err := s.store.UpdateDealStatus(ctx, dealRow.ID, string(change.Status), ourReplySentAt, clientRepliedAt, now); err != nil {
			return IngestResult{}, err
		}
		status = change.Status
	}

	s.broadcast(eventType(created), dealRow.ID, event.ThreadID, status)
	return IngestResult{
		DealID:      dealRow.ID,
		DealCreated: created,
		MessageID:   messageID,
		Status:      status,
	}, nil
}

// ManualEntry is an operator-entered deal seeded with one incoming message.
type ManualEntry struct {
	FromEmail  string
	Subject    string
	Body       string
	DraftReply string
	ThreadID   string
	Status     string
	ToEmail    string
	BrandName  string
}

// CreateManual records a deal entered from the dashboard rather than the
// email pipeline. A missing thread id gets a synthetic one; an invalid or
// missing status falls back to WAITING_FOR_CLIENT. The seed message is
// always recorded as INCOMING.
func (s *Service) CreateManual(ctx context.Context, entry ManualEntry) (store.Deal, error) {
	if entry.Subject == "" {
		return store.Deal{}, ValidationError("subject is required")
	}
	if entry.Body == "" {
		return store.Deal{}, ValidationError("incoming_body is required")
	}
	fromEmail, err := NormalizeEmail(entry.FromEmail)
	if err != nil {
		return store.Deal{}, err
	}

	now := time.Now()
	threadID := entry.ThreadID
	if threadID == "" {
		threadID = fmt.Sprintf("manual_%d", now.UnixNano())
	}
	status, ok := ParseStatus(entry.Status)
	if !ok {
		status = StatusWaitingForClient
	}

	client, err := s.store.UpsertClient(ctx, fromEmail, entry.BrandName, now)
	if err != nil {
		return store.Deal{}, err
	}

	dealRow, created, err := s.store.GetOrCreateDeal(ctx, store.NewDeal{
		ClientID:   client.ID,
		ThreadID:   threadID,
		Subject:    entry.Subject,
		Status:     string(status),
		DraftReply: entry.DraftReply,
	}, now)
	if err != nil {
		return store.Deal{}, err
	}
	if !created {
		return store.Deal{}, ValidationError("a deal already exists for this thread_id")
	}

	if _, err := s.store.InsertDealMessage(ctx, store.Message{
		DealID:    dealRow.ID,
		Direction: string(DirectionIncoming),
		Subject:   entry.Subject,
		Body:      entry.Body,
		FromEmail: fromEmail,
		ToEmail:   entry.ToEmail,
		CreatedAt: now,
	}); err != nil {
		return store.Deal{}, err
	}

	s.broadcast("deal.created", dealRow.ID, threadID, status)
	return dealRow, nil
}

// Decide forces a deal to its terminal status for the given outcome and then
// fires the two decision side effects: the workflow webhook (failure logged
// only) and the client email (failure returned as a warning). Both fire on
// every call, even when the deal was already terminal.
func (s *Service) Decide(ctx context.Context, dealID string, outcome Outcome) (store.Deal, string, error) {
	dealRow, err := s.getDeal(ctx, dealID)
	if err != nil {
		return store.Deal{}, "", err
	}

	now := time.Now()
	status := outcome.Status()
	if err := s.store.UpdateDealStatus(ctx, dealRow.ID, string(status), nil, nil, now); err != nil {
		return store.Deal{}, "", err
	}
	dealRow.Status = string(status)
	dealRow.UpdatedAt = now

	s.broadcast("deal.decided", dealRow.ID, dealRow.ThreadID, status)

	// Status is durable from here on; neither side effect can undo it.
	effectCtx, cancel := context.WithTimeout(ctx, sideEffectTimeout)
	defer cancel()

	if s.webhook != nil && s.webhook.Enabled() {
		payload := notify.DecisionPayload{
			Action:    strings.ToLower(string(outcome)),
			ThreadID:  dealRow.ThreadID,
			DealID:    dealRow.ID,
			AIReply:   dealRow.DraftReply,
			FromEmail: dealRow.ClientEmail,
		}
		if err := s.webhook.Dispatch(effectCtx, payload); err != nil {
			depErr := &DependencyError{Op: "dispatch decision webhook", Err: err}
			s.logger.Error("decision webhook failed", "deal_id", dealRow.ID, "error", depErr)
		}
	}

	warning := ""
	if s.mailer != nil {
		subject, textBody, htmlBody := decisionEmail(dealRow, outcome)
		if err := s.mailer.Send(effectCtx, dealRow.ClientEmail, subject, textBody, htmlBody); err != nil {
			depErr := &DependencyError{Op: "send decision email", Err: err}
			s.logger.Error("decision email failed", "deal_id", dealRow.ID, "error", depErr)
			warning = depErr.Error()
		}
	}

	return dealRow, warning, nil
}

// SetDraftReply overwrites the cached draft unconditionally, empty text
// included. This differs from ingestion, where an empty draft is ignored.
func (s *Service) SetDraftReply(ctx context.Context, dealID, text string) (store.Deal, error) {
	dealRow, err := s.getDeal(ctx, dealID)
	if err != nil {
		return store.Deal{}, err
	}
	now := time.Now()
	if err := s.store.SetDraftReply(ctx, dealRow.ID, text, now); err != nil {
		return store.Deal{}, err
	}
	dealRow.DraftReply = text
	dealRow.UpdatedAt = now
	return dealRow, nil
}

// Exists reports whether any deal tracks the given thread.
func (s *Service) Exists(ctx context.Context, threadID string) (bool, error) {
	if threadID == "" {
		return false, ValidationError("thread_id parameter is required")
	}
	return s.store.DealExists(ctx, threadID)
}

// Dashboard is the operator overview: per-status counts plus a page of
// deals, newest first.
type Dashboard struct {
	Stats map[Status]int64
	Deals []store.Deal
	Total int32
}

func (s *Service) Dashboard(ctx context.Context, offset, limit int32) (Dashboard, error) {
	counts, err := s.store.CountDealsByStatus(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	stats := make(map[Status]int64, 6)
	for _, status := range []Status{StatusNew, StatusWaitingForClient, StatusPendingCreator, StatusCompleted, StatusRejected, StatusAutoRejected} {
		stats[status] = counts[string(status)]
	}
	deals, total, err := s.store.ListDeals(ctx, offset, limit)
	if err != nil {
		return Dashboard{}, err
	}
	return Dashboard{Stats: stats, Deals: deals, Total: total}, nil
}

// Detail is a deal with its full message log.
type Detail struct {
	Deal      store.Deal
	Messages  []store.Message
	CanDecide bool
}

func (s *Service) DealDetail(ctx context.Context, dealID string) (Detail, error) {
	dealRow, err := s.getDeal(ctx, dealID)
	if err != nil {
		return Detail{}, err
	}
	messages, err := s.store.ListDealMessages(ctx, dealRow.ID)
	if err != nil {
		return Detail{}, err
	}
	status := Status(dealRow.Status)
	return Detail{
		Deal:      dealRow,
		Messages:  messages,
		CanDecide: status == StatusNew || status == StatusPendingCreator,
	}, nil
}

func (s *Service) getDeal(ctx context.Context, dealID string) (store.Deal, error) {
	dealRow, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Deal{}, ErrNotFound
		}
		return store.Deal{}, err
	}
	return dealRow, nil
}

func (s *Service) broadcast(kind, dealID, threadID string, status Status) {
	if s.hub == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"deal_id":   dealID,
		"thread_id": threadID,
		"status":    string(status),
	})
	s.hub.Broadcast([]byte(fmt.Sprintf("event: %s\ndata: %s\n\n", kind, payload)))
}

func eventType(created bool) string {
	if created {
		return "deal.created"
	}
	return "deal.updated"
}

// NormalizeEmail lowercases and validates an address.
func NormalizeEmail(email string) (string, error) {
	trimmed := strings.TrimSpace(strings.ToLower(email))
	if trimmed == "" {
		return "", ValidationError("from_email is required")
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil {
		return "", ValidationError("from_email must be a valid address")
	}
	return strings.ToLower(addr.Address), nil
}

func decisionEmail(dealRow store.Deal, outcome Outcome) (subject, textBody, htmlBody string) {
	name := dealRow.ClientBrand
	if name == "" {
		name = dealRow.ClientEmail
	}
	cleanSubject := notify.SanitizeHeader(dealRow.Subject)

	if outcome == OutcomeAccept {
		subject = fmt.Sprintf("Congratulations - your deal '%s' is complete", cleanSubject)
		textBody = fmt.Sprintf(
			"Hello %s,\n\nCongratulations! Your deal titled '%s' has been completed successfully.\n\nThank you for working with us.\n\nBest regards,\nThe Team",
			name, dealRow.Subject)
		htmlBody = fmt.Sprintf(
			"<p>Hello %s,</p><p>Congratulations! Your deal titled <strong>%s</strong> has been completed successfully.</p><p>Thank you for working with us.</p><p>Best regards,<br/>The Team</p>",
			name, dealRow.Subject)
		return subject, textBody, htmlBody
	}

	subject = fmt.Sprintf("Update on your deal '%s'", cleanSubject)
	textBody = fmt.Sprintf(
		"Hello %s,\n\nThank you for reaching out and for your interest in collaborating with us. After careful consideration, we regret to inform you that we are unable to proceed with this collaboration at this time.\n\nWe appreciate your understanding and hope we can work together on future opportunities.\n\nBest regards,\nThe Team",
		name)
	htmlBody = fmt.Sprintf(
		"<p>Hello %s,</p><p>Thank you for reaching out and for your interest in collaborating with us. After careful consideration, we regret to inform you that we are unable to proceed with this collaboration at this time.</p><p>We appreciate your understanding and hope we can work together on future opportunities.</p><p>Best regards,<br/>The Team</p>",
		name)
	return subject, textBody, htmlBody
}
