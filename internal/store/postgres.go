package store

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/Tyrowin/gochat/internal/domain"
)

// Schema creates the tables Postgres needs. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS chat_users (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS chat_messages (
	id         BIGSERIAL PRIMARY KEY,
	chat_id    TEXT NOT NULL,
	sender_id  TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS chat_messages_chat_created_idx ON chat_messages (chat_id, created_at);
`

// Postgres implements message and user storage on PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pool, verifies connectivity and applies Schema.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return &Postgres{pool: pool}, nil
}

// FindByID loads a user row.
func (p *Postgres) FindByID(ctx context.Context, id string) (*domain.User, error) {
	u := &domain.User{ID: id}
	err := p.pool.QueryRow(ctx, `SELECT name FROM chat_users WHERE id = $1`, id).Scan(&u.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find user")
	}
	return u, nil
}

// Append inserts msg and returns the generated row id.
func (p *Postgres) Append(ctx context.Context, msg domain.Message) (string, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO chat_messages (chat_id, sender_id, content, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, msg.ConversationID, msg.SenderID, msg.Content, sentAt(msg)).Scan(&id)
	if err != nil {
		return "", errors.Wrap(err, "insert message")
	}
	return strconv.FormatInt(id, 10), nil
}

// Close releases the pool.
func (p *Postgres) Close(_ context.Context) error {
	p.pool.Close()
	return nil
}
