package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tripchat/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.SessionStore, domain.MessageStore and
// domain.TxSource on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// stampMu guards lastStamp so created_at never goes backwards
	// relative to id assignment.
	stampMu   sync.Mutex
	lastStamp time.Time
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite has one writer, and it makes the
	// per-write transaction the only thing that can hold the log.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// SchemaVersion reports the applied schema version.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	return GetSchemaVersion(s.db)
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv domain.ConversationSession) (domain.ConversationSession, error) {
	if conv.OwnerID == "" {
		return conv, fmt.Errorf("create conversation: owner is required")
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (owner_id, itinerary_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		conv.OwnerID, conv.ItineraryID, conv.CreatedAt, conv.CreatedAt,
	)
	if err != nil {
		return conv, fmt.Errorf("create conversation: %w", err)
	}
	conv.ID, err = res.LastInsertId()
	if err != nil {
		return conv, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*domain.ConversationSession, error) {
	var conv domain.ConversationSession
	var itinerary sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, itinerary_id, created_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.OwnerID, &itinerary, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if itinerary.Valid {
		conv.ItineraryID = &itinerary.Int64
	}
	return &conv, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, ownerID string, limit int) ([]domain.ConversationSession, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, itinerary_id, created_at FROM conversations
		 WHERE owner_id = ? ORDER BY COALESCE(updated_at, created_at) DESC, id DESC LIMIT ?`,
		ownerID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.ConversationSession
	for rows.Next() {
		var c domain.ConversationSession
		var itinerary sql.NullInt64
		if err := rows.Scan(&c.ID, &c.OwnerID, &itinerary, &c.CreatedAt); err != nil {
			return nil, err
		}
		if itinerary.Valid {
			c.ItineraryID = &itinerary.Int64
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (s *SQLiteStore) LinkItinerary(ctx context.Context, id, itineraryID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET itinerary_id = ? WHERE id = ?`, itineraryID, id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

// DeleteConversation removes the conversation; its messages cascade.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

func (s *SQLiteStore) ConversationExists(ctx context.Context, conversationID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM conversations WHERE id = ?`, conversationID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStore) MessageInConversation(ctx context.Context, conversationID, messageID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE id = ? AND conversation_id = ?`, messageID, conversationID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStore) ListMessagesBefore(ctx context.Context, conversationID int64, before *int64, limit int) ([]domain.Message, error) {
	query := `SELECT id, conversation_id, author, content, kind, created_at
		 FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if before != nil {
		query += ` AND id < ?`
		args = append(args, *before)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]domain.Message, 0, limit)
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Author, &m.Content, &m.Kind, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// BeginMessageTx opens a write transaction on the message log. The
// transaction is rolled back by database/sql if ctx ends first.
func (s *SQLiteStore) BeginMessageTx(ctx context.Context) (domain.MessageTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin message tx: %w", err)
	}
	return &messageTx{tx: tx, store: s}, nil
}

// stamp returns a creation time that is never before the last one handed
// out. Called while the single connection is held by a write tx, so the
// order of stamps matches the order of id assignment.
func (s *SQLiteStore) stamp() time.Time {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()
	now := time.Now().UTC()
	if now.Before(s.lastStamp) {
		now = s.lastStamp
	}
	s.lastStamp = now
	return now
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type messageTx struct {
	tx    *sql.Tx
	store *SQLiteStore
}

func (t *messageTx) AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if msg.Kind == "" {
		msg.Kind = domain.ContentText
	}
	msg.CreatedAt = t.store.stamp()
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, author, content, kind, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Author, msg.Content, msg.Kind, msg.CreatedAt,
	)
	if err != nil {
		return msg, fmt.Errorf("append message: %w", err)
	}
	if msg.ID, err = res.LastInsertId(); err != nil {
		return msg, fmt.Errorf("append message: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, msg.CreatedAt, msg.ConversationID,
	); err != nil {
		return msg, fmt.Errorf("touch conversation: %w", err)
	}
	return msg, nil
}

func (t *messageTx) Commit() error   { return t.tx.Commit() }
func (t *messageTx) Rollback() error { return t.tx.Rollback() }
