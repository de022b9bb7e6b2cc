package message

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore persists messages in PostgreSQL. Reactions live in their
// own table with UNIQUE(message_id, user_id); per-message mutations run in
// a transaction holding the message row lock.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to dsn, verifies the connection and applies
// pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("message: open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("message: postgres connection failed: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an already migrated database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("message: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("message: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("message: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("message: migrate up: %w", err)
	}
	return nil
}

const selectColumns = `id, user_a, user_b, sender, body_text, file_url, file_name, file_mimetype, seen, created_at, seq`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m                  Message
		url, name, mediaTy string
	)
	err := row.Scan(&m.ID, &m.Participants[0], &m.Participants[1], &m.Sender,
		&m.Body.Text, &url, &name, &mediaTy, &m.Seen, &m.CreatedAt, &m.Seq)
	if err != nil {
		return nil, err
	}
	if url != "" {
		m.Body.File = &Attachment{URL: url, Filename: name, Mimetype: mediaTy}
	}
	m.Reactions = []Reaction{}
	return &m, nil
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Reactions == nil {
		m.Reactions = []Reaction{}
	}

	var url, name, mediaTy string
	if m.Body.File != nil {
		url, name, mediaTy = m.Body.File.URL, m.Body.File.Filename, m.Body.File.Mimetype
	}

	const query = `
		INSERT INTO messages (id, user_a, user_b, sender, body_text, file_url, file_name, file_mimetype, seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq`

	err := s.db.QueryRowContext(ctx, query,
		m.ID, m.Participants[0], m.Participants[1], m.Sender,
		m.Body.Text, url, name, mediaTy, m.Seen, m.CreatedAt,
	).Scan(&m.Seq)
	if err != nil {
		return fmt.Errorf("message: insert: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("message: get: %w", err)
	}

	reactions, err := s.loadReactions(ctx, s.db, []string{id})
	if err != nil {
		return nil, err
	}
	m.Reactions = reactions[id]
	if m.Reactions == nil {
		m.Reactions = []Reaction{}
	}
	return m, nil
}

// Conversation implements Store.
func (s *PostgresStore) Conversation(ctx context.Context, a, b string) ([]*Message, error) {
	pair := Pair(a, b)
	const query = `SELECT ` + selectColumns + `
		FROM messages
		WHERE user_a = $1 AND user_b = $2
		ORDER BY created_at ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, pair[0], pair[1])
	if err != nil {
		return nil, fmt.Errorf("message: conversation: %w", err)
	}
	defer rows.Close()

	var (
		out []*Message
		ids []string
	)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("message: conversation scan: %w", err)
		}
		out = append(out, m)
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: conversation rows: %w", err)
	}
	if len(ids) == 0 {
		return []*Message{}, nil
	}

	reactions, err := s.loadReactions(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for _, m := range out {
		if r, ok := reactions[m.ID]; ok {
			m.Reactions = r
		}
	}
	return out, nil
}

// MarkSeen implements Store.
func (s *PostgresStore) MarkSeen(ctx context.Context, reader, sender string) (int64, error) {
	pair := Pair(reader, sender)
	const query = `
		UPDATE messages SET seen = TRUE
		WHERE user_a = $1 AND user_b = $2 AND sender = $3 AND seen = FALSE`

	res, err := s.db.ExecContext(ctx, query, pair[0], pair[1], sender)
	if err != nil {
		return 0, fmt.Errorf("message: mark seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("message: mark seen rows: %w", err)
	}
	return n, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, id, requester string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("message: delete begin: %w", err)
	}
	defer tx.Rollback()

	var sender string
	err = tx.QueryRowContext(ctx, `SELECT sender FROM messages WHERE id = $1 FOR UPDATE`, id).Scan(&sender)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("message: delete lookup: %w", err)
	}
	if sender != requester {
		return ErrForbidden
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("message: delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("message: delete commit: %w", err)
	}
	return nil
}

// React implements Store.
func (s *PostgresStore) React(ctx context.Context, id, user, emoji string) ([]Reaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("message: react begin: %w", err)
	}
	defer tx.Rollback()

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM messages WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("message: react lookup: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2`, id, user); err != nil {
		return nil, fmt.Errorf("message: react clear: %w", err)
	}
	if emoji != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)`,
			id, user, emoji); err != nil {
			return nil, fmt.Errorf("message: react insert: %w", err)
		}
	}

	reactions, err := s.loadReactions(ctx, tx, []string{id})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("message: react commit: %w", err)
	}

	out := reactions[id]
	if out == nil {
		out = []Reaction{}
	}
	return out, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// loadReactions returns the reactions of every id, in the order they were
// placed.
func (s *PostgresStore) loadReactions(ctx context.Context, q queryer, ids []string) (map[string][]Reaction, error) {
	const query = `
		SELECT message_id, user_id, emoji
		FROM message_reactions
		WHERE message_id = ANY($1)
		ORDER BY id ASC`

	rows, err := q.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("message: load reactions: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Reaction, len(ids))
	for rows.Next() {
		var (
			messageID string
			r         Reaction
		)
		if err := rows.Scan(&messageID, &r.User, &r.Emoji); err != nil {
			return nil, fmt.Errorf("message: scan reaction: %w", err)
		}
		out[messageID] = append(out[messageID], r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: reaction rows: %w", err)
	}
	return out, nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
