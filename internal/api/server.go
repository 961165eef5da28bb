package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.io/infrasutra/dealdesk/internal/auth"
	"github.io/infrasutra/dealdesk/internal/config"
	"github.io/infrasutra/dealdesk/internal/deal"
	"github.io/infrasutra/dealdesk/internal/pagination"
	"github.io/infrasutra/dealdesk/internal/sse"
	"github.io/infrasutra/dealdesk/internal/store"
)

type Server struct {
	cfg     config.Config
	service *deal.Service
	auth    *auth.Manager
	hub     *sse.Hub
	logger  *slog.Logger
	mux     *http.ServeMux
}

func NewServer(cfg config.Config, service *deal.Service, authManager *auth.Manager, hub *sse.Hub, logger *slog.Logger) *Server {
	server := &Server{
		cfg:     cfg,
		service: service,
		auth:    authManager,
		hub:     hub,
		logger:  logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/save-email", server.handleSaveEmail)
	mux.HandleFunc("/api/deals/check", server.handleCheckDeal)
	mux.HandleFunc("/api/dashboard/deal", server.handleManualDeal)
	mux.HandleFunc("/api/login", server.handleLogin)
	mux.HandleFunc("/api/logout", server.handleLogout)
	mux.HandleFunc("/api/me", server.handleMe)
	mux.HandleFunc("/api/dashboard", server.handleDashboard)
	mux.HandleFunc("/api/deals/", server.handleDeal)
	mux.HandleFunc("/api/stream", server.handleStream)
	mux.HandleFunc("/health", server.handleHealth)
	mux.HandleFunc("/ready", server.handleReady)
	server.mux = mux
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type saveEmailRequest struct {
	ThreadID         string `json:"thread_id"`
	Subject          string `json:"subject"`
	Body             string `json:"body"`
	FromEmail        string `json:"from_email"`
	ToEmail          string `json:"to_email"`
	Direction        string `json:"direction"`
	AIGeneratedReply string `json:"ai_generated_reply"`
	BrandName        string `json:"brand_name"`
}

// handleSaveEmail is the workflow pipeline's entry point: one directional
// email event per call.
func (s *Server) handleSaveEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed. Use POST."})
		return
	}
	var payload saveEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON. Please send JSON data only."})
		return
	}

	missing := missingFields(map[string]string{
		"thread_id":  payload.ThreadID,
		"subject":    payload.Subject,
		"body":       payload.Body,
		"from_email": payload.FromEmail,
		"to_email":   payload.ToEmail,
		"direction":  payload.Direction,
	})
	if len(missing) > 0 {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Missing required fields: " + strings.Join(missing, ", "),
		})
		return
	}

	direction, err := deal.ParseDirection(payload.Direction)
	if err != nil {
		s.respondError(w, err)
		return
	}

	result, err := s.service.Ingest(r.Context(), deal.Event{
		ThreadID:   payload.ThreadID,
		Direction:  direction,
		Subject:    payload.Subject,
		Body:       payload.Body,
		FromEmail:  payload.FromEmail,
		ToEmail:    payload.ToEmail,
		DraftReply: payload.AIGeneratedReply,
		BrandName:  payload.BrandName,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, map[string]any{
		"status":           "success",
		"deal_id":          result.DealID,
		"deal_created":     result.DealCreated,
		"email_message_id": result.MessageID,
		"deal_status":      result.Status,
	})
}

func (s *Server) handleCheckDeal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	exists, err := s.service.Exists(r.Context(), r.URL.Query().Get("thread_id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

type manualDealRequest struct {
	FromEmail    string `json:"from_email"`
	Subject      string `json:"subject"`
	IncomingBody string `json:"incoming_body"`
	AIReplyBody  string `json:"ai_reply_body"`
	ThreadID     string `json:"thread_id"`
	Status       string `json:"status"`
	ToEmail      string `json:"to_email"`
	BrandName    string `json:"brand_name"`
}

func (s *Server) handleManualDeal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed. Use POST."})
		return
	}
	var payload manualDealRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON. Please send JSON data only."})
		return
	}

	missing := missingFields(map[string]string{
		"from_email":    payload.FromEmail,
		"subject":       payload.Subject,
		"incoming_body": payload.IncomingBody,
	})
	if len(missing) > 0 {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Missing required fields: " + strings.Join(missing, ", "),
		})
		return
	}

	created, err := s.service.CreateManual(r.Context(), deal.ManualEntry{
		FromEmail:  payload.FromEmail,
		Subject:    payload.Subject,
		Body:       payload.IncomingBody,
		DraftReply: payload.AIReplyBody,
		ThreadID:   payload.ThreadID,
		Status:     payload.Status,
		ToEmail:    payload.ToEmail,
		BrandName:  payload.BrandName,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, map[string]any{
		"status":    "success",
		"deal_id":   created.ID,
		"thread_id": created.ThreadID,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.OperatorEmail == "" || s.cfg.OperatorPassword == "" {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "operator login not configured"})
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	email := strings.ToLower(strings.TrimSpace(payload.Email))
	if email != strings.ToLower(s.cfg.OperatorEmail) || payload.Password != s.cfg.OperatorPassword {
		s.respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid email or password"})
		return
	}
	now := time.Now()
	token, err := s.auth.Issue(email, now)
	if err != nil {
		http.Error(w, "unable to create session", http.StatusInternalServerError)
		return
	}
	s.setSessionCookie(w, token, now)
	s.respondJSON(w, http.StatusOK, map[string]string{"email": email})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	email, err := s.sessionEmail(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"email": email})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.sessionEmail(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	params := pagination.FromQuery(r.URL.Query())
	dashboard, err := s.service.Dashboard(r.Context(), params.Offset, params.Limit)
	if err != nil {
		s.respondError(w, err)
		return
	}

	deals := make([]dealView, 0, len(dashboard.Deals))
	for _, row := range dashboard.Deals {
		deals = append(deals, toDealView(row))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"stats":    dashboard.Stats,
		"deals":    deals,
		"page":     params.Page,
		"limit":    params.Limit,
		"total":    dashboard.Total,
		"has_next": pagination.HasNext(params.Offset, params.Limit, dashboard.Total),
	})
}

// handleDeal routes /api/deals/{id} and its accept/reject/update-reply
// subactions. All of them require an operator session.
func (s *Server) handleDeal(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sessionEmail(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/deals/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleDealDetail(w, r, id)
		return
	}

	if len(parts) == 2 {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		switch parts[1] {
		case "accept":
			s.handleDecision(w, r, id, deal.OutcomeAccept)
			return
		case "reject":
			s.handleDecision(w, r, id, deal.OutcomeReject)
			return
		case "update-reply":
			s.handleUpdateReply(w, r, id)
			return
		}
	}

	http.NotFound(w, r)
}

func (s *Server) handleDealDetail(w http.ResponseWriter, r *http.Request, id string) {
	detail, err := s.service.DealDetail(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	messages := make([]messageView, 0, len(detail.Messages))
	for _, message := range detail.Messages {
		messages = append(messages, messageView{
			ID:        message.ID,
			Direction: message.Direction,
			Subject:   message.Subject,
			Body:      message.Body,
			FromEmail: message.FromEmail,
			ToEmail:   message.ToEmail,
			CreatedAt: message.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"deal":       toDealView(detail.Deal),
		"messages":   messages,
		"can_decide": detail.CanDecide,
	})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request, id string, outcome deal.Outcome) {
	decided, warning, err := s.service.Decide(r.Context(), id, outcome)
	if err != nil {
		s.respondError(w, err)
		return
	}
	response := map[string]any{"deal": toDealView(decided)}
	if warning != "" {
		response["warning"] = warning
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleUpdateReply(w http.ResponseWriter, r *http.Request, id string) {
	var payload struct {
		AIReply string `json:"ai_reply"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	updated, err := s.service.SetDraftReply(r.Context(), id, strings.TrimSpace(payload.AIReply))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"deal": toDealView(updated)})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.sessionEmail(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) sessionEmail(r *http.Request) (string, error) {
	cookie, err := r.Cookie(s.auth.CookieName())
	if err != nil {
		return "", errors.New("missing session")
	}
	email, err := s.auth.Parse(cookie.Value, time.Now())
	if err != nil {
		return "", err
	}
	return email, nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, value string, now time.Time) {
	maxAge := int(s.auth.MaxAge().Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  now.Add(s.auth.MaxAge()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	var validationErr deal.ValidationError
	switch {
	case errors.As(err, &validationErr):
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": validationErr.Error()})
	case errors.Is(err, deal.ErrNotFound):
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "deal not found"})
	default:
		s.logger.Error("request failed", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "server error"})
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ready")
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

type dealView struct {
	ID              string `json:"id"`
	ThreadID        string `json:"thread_id"`
	Subject         string `json:"subject"`
	Status          string `json:"status"`
	DraftReply      string `json:"ai_generated_reply"`
	ClientEmail     string `json:"client_email"`
	BrandName       string `json:"brand_name"`
	OurReplySentAt  string `json:"our_reply_sent_at,omitempty"`
	ClientRepliedAt string `json:"client_replied_at,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

type messageView struct {
	ID        int64  `json:"id"`
	Direction string `json:"direction"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	FromEmail string `json:"from_email"`
	ToEmail   string `json:"to_email"`
	CreatedAt string `json:"created_at"`
}

func toDealView(row store.Deal) dealView {
	view := dealView{
		ID:          row.ID,
		ThreadID:    row.ThreadID,
		Subject:     row.Subject,
		Status:      row.Status,
		DraftReply:  row.DraftReply,
		ClientEmail: row.ClientEmail,
		BrandName:   row.ClientBrand,
		CreatedAt:   row.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   row.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if row.OurReplySentAt != nil {
		view.OurReplySentAt = row.OurReplySentAt.UTC().Format(time.RFC3339)
	}
	if row.ClientRepliedAt != nil {
		view.ClientRepliedAt = row.ClientRepliedAt.UTC().Format(time.RFC3339)
	}
	return view
}

func missingFields(fields map[string]string) []string {
	names := []string{"thread_id", "subject", "body", "incoming_body", "from_email", "to_email", "direction"}
	var missing []string
	for _, name := range names {
		if value, ok := fields[name]; ok && strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}
