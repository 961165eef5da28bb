package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS clients (
            id TEXT PRIMARY KEY,
            email TEXT NOT NULL UNIQUE,
            brand_name TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS deals (
            id TEXT PRIMARY KEY,
            client_id TEXT NOT NULL,
            thread_id TEXT NOT NULL UNIQUE,
            subject TEXT NOT NULL,
            status TEXT NOT NULL,
            draft_reply TEXT NOT NULL DEFAULT '',
            our_reply_sent_at INTEGER,
            client_replied_at INTEGER,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            FOREIGN KEY(client_id) REFERENCES clients(id)
        );`,
		`CREATE TABLE IF NOT EXISTS deal_messages (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            deal_id TEXT NOT NULL,
            direction TEXT NOT NULL,
            subject TEXT NOT NULL,
            body TEXT NOT NULL,
            from_email TEXT NOT NULL,
            to_email TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            FOREIGN KEY(deal_id) REFERENCES deals(id) ON DELETE CASCADE
        );`,
		`CREATE INDEX IF NOT EXISTS idx_deals_status ON deals(status);`,
		`CREATE INDEX IF NOT EXISTS idx_deals_created ON deals(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_deal_messages_deal ON deal_messages(deal_id, created_at);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// UpsertClient inserts a client row on first sight of an email address and
// returns the existing row otherwise. The brand name hint only lands on
// creation; a concurrent insert of the same email loses the race harmlessly
// and falls through to the fetch.
func (s *Store) UpsertClient(ctx context.Context, email, brandName string, now time.Time) (Client, error) {
	query := `INSERT INTO clients (id, email, brand_name, created_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(email) DO NOTHING;`
	if _, err := s.db.ExecContext(ctx, query, uuid.NewString(), email, brandName, now.Unix()); err != nil {
		return Client{}, fmt.Errorf("upsert client: %w", err)
	}
	return s.getClientByEmail(ctx, email)
}

func (s *Store) getClientByEmail(ctx context.Context, email string) (Client, error) {
	var client Client
	var createdAt int64
	row := s.db.QueryRowContext(ctx, `SELECT id, email, brand_name, created_at FROM clients WHERE email = ?;`, email)
	if err := row.Scan(&client.ID, &client.Email, &client.BrandName, &createdAt); err != nil {
		return Client{}, fmt.Errorf("get client: %w", err)
	}
	client.CreatedAt = time.Unix(createdAt, 0)
	return client, nil
}

// GetOrCreateDeal inserts a deal for an unseen thread id and reports whether
// the row is new. The unique constraint on thread_id absorbs creation races:
// a conflicting insert is a no-op and the winner's row is fetched instead.
func (s *Store) GetOrCreateDeal(ctx context.Context, params NewDeal, now time.Time) (Deal, bool, error) {
	query := `INSERT INTO deals (id, client_id, thread_id, subject, status, draft_reply, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(thread_id) DO NOTHING;`
	result, err := s.db.ExecContext(ctx, query,
		uuid.NewString(),
		params.ClientID,
		params.ThreadID,
		params.Subject,
		params.Status,
		params.DraftReply,
		now.Unix(),
		now.Unix(),
	)
	if err != nil {
		return Deal{}, false, fmt.Errorf("create deal: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return Deal{}, false, fmt.Errorf("create deal: %w", err)
	}
	deal, err := s.GetDealByThread(ctx, params.ThreadID)
	if err != nil {
		return Deal{}, false, err
	}
	return deal, inserted > 0, nil
}

func (s *Store) UpdateDealSubject(ctx context.Context, dealID, subject string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE deals SET subject = ?, updated_at = ? WHERE id = ?;`,
		subject, now.Unix(), dealID); err != nil {
		return fmt.Errorf("update subject: %w", err)
	}
	return nil
}

func (s *Store) SetDraftReply(ctx context.Context, dealID, text string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE deals SET draft_reply = ?, updated_at = ? WHERE id = ?;`,
		text, now.Unix(), dealID); err != nil {
		return fmt.Errorf("set draft reply: %w", err)
	}
	return nil
}

// UpdateDealStatus forces a status and stamps the optional reply timestamps.
func (s *Store) UpdateDealStatus(ctx context.Context, dealID, status string, ourReplySentAt, clientRepliedAt *time.Time, now time.Time) error {
	query := `UPDATE deals SET status = ?, updated_at = ?`
	args := []any{status, now.Unix()}
	if ourReplySentAt != nil {
		query += `, our_reply_sent_at = ?`
		args = append(args, ourReplySentAt.Unix())
	}
	if clientRepliedAt != nil {
		query += `, client_replied_at = ?`
		args = append(args, clientRepliedAt.Unix())
	}
	query += ` WHERE id = ?;`
	args = append(args, dealID)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// InsertDealMessage appends a message to a deal's log. Messages are never
// deduplicated: two identical submissions record two rows.
func (s *Store) InsertDealMessage(ctx context.Context, message Message) (int64, error) {
	result, err := s.db.ExecContext(ctx, `INSERT INTO deal_messages
        (deal_id, direction, subject, body, from_email, to_email, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?);`,
		message.DealID,
		message.Direction,
		message.Subject,
		message.Body,
		message.FromEmail,
		message.ToEmail,
		message.CreatedAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

const dealColumns = `d.id, d.client_id, c.email, c.brand_name, d.thread_id, d.subject, d.status,
        d.draft_reply, d.our_reply_sent_at, d.client_replied_at, d.created_at, d.updated_at`

func (s *Store) GetDeal(ctx context.Context, id string) (Deal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dealColumns+`
        FROM deals d JOIN clients c ON c.id = d.client_id
        WHERE d.id = ?;`, id)
	return scanDeal(row)
}

func (s *Store) GetDealByThread(ctx context.Context, threadID string) (Deal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dealColumns+`
        FROM deals d JOIN clients c ON c.id = d.client_id
        WHERE d.thread_id = ?;`, threadID)
	return scanDeal(row)
}

func (s *Store) DealExists(ctx context.Context, threadID string) (bool, error) {
	var exists bool
	row := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM deals WHERE thread_id = ?);`, threadID)
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("check deal: %w", err)
	}
	return exists, nil
}

// ListDeals returns deals newest-first along with the total count.
func (s *Store) ListDeals(ctx context.Context, offset, limit int32) ([]Deal, int32, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	var totalCount int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM deals;`).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("count deals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+dealColumns+`
        FROM deals d JOIN clients c ON c.id = d.client_id
        ORDER BY d.created_at DESC, d.id DESC LIMIT ? OFFSET ?;`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list deals: %w", err)
	}
	defer rows.Close()

	var deals []Deal
	for rows.Next() {
		deal, err := scanDeal(rows)
		if err != nil {
			return nil, 0, err
		}
		deals = append(deals, deal)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list deals: %w", err)
	}
	return deals, int32(totalCount), nil
}

func (s *Store) ListDealMessages(ctx context.Context, dealID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, deal_id, direction, subject, body, from_email, to_email, created_at
        FROM deal_messages WHERE deal_id = ? ORDER BY created_at ASC, id ASC;`, dealID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var message Message
		var createdAt int64
		if err := rows.Scan(
			&message.ID,
			&message.DealID,
			&message.Direction,
			&message.Subject,
			&message.Body,
			&message.FromEmail,
			&message.ToEmail,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		message.CreatedAt = time.Unix(createdAt, 0)
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

func (s *Store) CountDealsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM deals GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("count by status: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	return counts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeal(row scanner) (Deal, error) {
	var deal Deal
	var ourReplySentAt, clientRepliedAt sql.NullInt64
	var createdAt, updatedAt int64
	if err := row.Scan(
		&deal.ID,
		&deal.ClientID,
		&deal.ClientEmail,
		&deal.ClientBrand,
		&deal.ThreadID,
		&deal.Subject,
		&deal.Status,
		&deal.DraftReply,
		&ourReplySentAt,
		&clientRepliedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Deal{}, sql.ErrNoRows
		}
		return Deal{}, fmt.Errorf("scan deal: %w", err)
	}
	if ourReplySentAt.Valid {
		t := time.Unix(ourReplySentAt.Int64, 0)
		deal.OurReplySentAt = &t
	}
	if clientRepliedAt.Valid {
		t := time.Unix(clientRepliedAt.Int64, 0)
		deal.ClientRepliedAt = &t
	}
	deal.CreatedAt = time.Unix(createdAt, 0)
	deal.UpdatedAt = time.Unix(updatedAt, 0)
	return deal, nil
}
