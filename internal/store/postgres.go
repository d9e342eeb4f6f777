package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fireside-chat/fireside/internal/domain"
)

// PostgresStore persists messages in a single messages table keyed by
// (room_id, id).
//
// Expected schema:
//
//	CREATE TABLE messages (
//	    room_id     TEXT        NOT NULL,
//	    id          TEXT        NOT NULL,
//	    author_id   TEXT        NOT NULL,
//	    author_name TEXT        NOT NULL,
//	    body        TEXT        NOT NULL,
//	    created_at  TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (room_id, id)
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
	ids  *idGen
}

// NewPostgresStore connects a pool and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string, minConns, maxConns int) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(minConns)
	poolCfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{pool: pool, ids: newIDGen()}, nil
}

func (s *PostgresStore) Append(ctx context.Context, roomID, authorID, authorName, body string) (domain.Message, error) {
	msg := domain.Message{
		ID:         s.ids.next(roomID),
		RoomID:     roomID,
		AuthorID:   authorID,
		AuthorName: authorName,
		Body:       body,
		CreatedAt:  time.Now().UTC(),
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (room_id, id, author_id, author_name, body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.RoomID, msg.ID, msg.AuthorID, msg.AuthorName, msg.Body, msg.CreatedAt,
	)
	if err != nil {
		return domain.Message{}, &domain.StorageError{Op: "append", Err: err}
	}

	return msg, nil
}

func (s *PostgresStore) RangeSince(ctx context.Context, roomID, sinceID string, limit int) ([]domain.Message, error) {
	var query string
	var args []interface{}

	if sinceID == "" {
		query = `SELECT room_id, id, author_id, author_name, body, created_at
				 FROM messages
				 WHERE room_id = $1
				 ORDER BY id ASC
				 LIMIT $2`
		args = []interface{}{roomID, limit}
	} else {
		query = `SELECT room_id, id, author_id, author_name, body, created_at
				 FROM messages
				 WHERE room_id = $1 AND id > $2
				 ORDER BY id ASC
				 LIMIT $3`
		args = []interface{}{roomID, sinceID, limit}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &domain.StorageError{Op: "range_since", Err: err}
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(&msg.RoomID, &msg.ID, &msg.AuthorID, &msg.AuthorName, &msg.Body, &msg.CreatedAt); err != nil {
			return nil, &domain.StorageError{Op: "range_since", Err: err}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "range_since", Err: err}
	}

	return messages, nil
}

func (s *PostgresStore) Page(ctx context.Context, roomID, cursor string, limit int, dir Direction) ([]domain.Message, string, bool, error) {
	// Query limit + 1 to determine if there are more results.
	queryLimit := limit + 1

	var query string
	var args []interface{}

	if dir == DirectionBackward {
		if cursor == "" {
			query = `SELECT room_id, id, author_id, author_name, body, created_at
					 FROM messages
					 WHERE room_id = $1
					 ORDER BY id DESC
					 LIMIT $2`
			args = []interface{}{roomID, queryLimit}
		} else {
			query = `SELECT room_id, id, author_id, author_name, body, created_at
					 FROM messages
					 WHERE room_id = $1 AND id < $2
					 ORDER BY id DESC
					 LIMIT $3`
			args = []interface{}{roomID, cursor, queryLimit}
		}
	} else {
		if cursor == "" {
			query = `SELECT room_id, id, author_id, author_name, body, created_at
					 FROM messages
					 WHERE room_id = $1
					 ORDER BY id ASC
					 LIMIT $2`
			args = []interface{}{roomID, queryLimit}
		} else {
			query = `SELECT room_id, id, author_id, author_name, body, created_at
					 FROM messages
					 WHERE room_id = $1 AND id > $2
					 ORDER BY id ASC
					 LIMIT $3`
			args = []interface{}{roomID, cursor, queryLimit}
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", false, &domain.StorageError{Op: "page", Err: err}
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(&msg.RoomID, &msg.ID, &msg.AuthorID, &msg.AuthorName, &msg.Body, &msg.CreatedAt); err != nil {
			return nil, "", false, &domain.StorageError{Op: "page", Err: err}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, "", false, &domain.StorageError{Op: "page", Err: err}
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	var nextCursor string
	if len(messages) > 0 {
		nextCursor = messages[len(messages)-1].ID
	}

	return messages, nextCursor, hasMore, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
