package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/fireside-chat/fireside/internal/domain"
)

// CassandraConfig configures the cassandra backend.
type CassandraConfig struct {
	Hosts          []string      `mapstructure:"hosts"`
	Keyspace       string        `mapstructure:"keyspace"`
	Consistency    string        `mapstructure:"consistency"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// CassandraStore persists messages in a table partitioned by room with the
// message ID as clustering key, so per-room range scans stay on one
// partition.
//
// Expected schema:
//
//	CREATE TABLE messages_by_room (
//	    room_id     TEXT,
//	    id          TEXT,
//	    author_id   TEXT,
//	    author_name TEXT,
//	    body        TEXT,
//	    created_at  TIMESTAMP,
//	    PRIMARY KEY ((room_id), id)
//	) WITH CLUSTERING ORDER BY (id ASC);
type CassandraStore struct {
	session *gocql.Session
	ids     *idGen
}

func NewCassandraStore(cfg CassandraConfig) (*CassandraStore, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.ConnectTimeout = cfg.ConnectTimeout
	cluster.Timeout = cfg.Timeout

	switch cfg.Consistency {
	case "LOCAL_ONE":
		cluster.Consistency = gocql.LocalOne
	case "LOCAL_QUORUM":
		cluster.Consistency = gocql.LocalQuorum
	case "ONE":
		cluster.Consistency = gocql.One
	case "QUORUM":
		cluster.Consistency = gocql.Quorum
	default:
		cluster.Consistency = gocql.LocalOne
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create cassandra session: %w", err)
	}

	return &CassandraStore{session: session, ids: newIDGen()}, nil
}

func (s *CassandraStore) Append(ctx context.Context, roomID, authorID, authorName, body string) (domain.Message, error) {
	msg := domain.Message{
		ID:         s.ids.next(roomID),
		RoomID:     roomID,
		AuthorID:   authorID,
		AuthorName: authorName,
		Body:       body,
		CreatedAt:  time.Now().UTC(),
	}

	err := s.session.Query(
		`INSERT INTO messages_by_room (room_id, id, author_id, author_name, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.RoomID, msg.ID, msg.AuthorID, msg.AuthorName, msg.Body, msg.CreatedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return domain.Message{}, &domain.StorageError{Op: "append", Err: err}
	}

	return msg, nil
}

func (s *CassandraStore) RangeSince(ctx context.Context, roomID, sinceID string, limit int) ([]domain.Message, error) {
	var query string
	var args []interface{}

	if sinceID == "" {
		query = `SELECT room_id, id, author_id, author_name, body, created_at
				 FROM messages_by_room
				 WHERE room_id = ?
				 ORDER BY id ASC
				 LIMIT ?`
		args = []interface{}{roomID, limit}
	} else {
		query = `SELECT room_id, id, author_id, author_name, body, created_at
				 FROM messages_by_room
				 WHERE room_id = ? AND id > ?
				 ORDER BY id ASC
				 LIMIT ?`
		args = []interface{}{roomID, sinceID, limit}
	}

	messages, err := s.scan(ctx, query, args)
	if err != nil {
		return nil, &domain.StorageError{Op: "range_since", Err: err}
	}
	return messages, nil
}

func (s *CassandraStore) Page(ctx context.Context, roomID, cursor string, limit int, dir Direction) ([]domain.Message, string, bool, error) {
	queryLimit := limit + 1

	var query string
	var args []interface{}

	if dir == DirectionBackward {
		if cursor == "" {
			query = `SELECT room_id, id, author_id, author_name, body, created_at
					 FROM messages_by_room
					 WHERE room_id = ?
					 ORDER BY id DESC
					 LIMIT ?`
			args = []interface{}{roomID, queryLimit}
		} else {
			query = `SELECT room_id, id, author_id, author_name, body, created_at
					 FROM messages_by_room
					 WHERE room_id = ? AND id < ?
					 ORDER BY id DESC
					 LIMIT ?`
			args = []interface{}{roomID, cursor, queryLimit}
		}
	} else {
		if cursor == "" {
			query = `SELECT room_id, id, author_id, author_name, body, created_at
					 FROM messages_by_room
					 WHERE room_id = ?
					 ORDER BY id ASC
					 LIMIT ?`
			args = []interface{}{roomID, queryLimit}
		} else {
			query = `SELECT room_id, id, author_id, author_name, body, created_at
					 FROM messages_by_room
					 WHERE room_id = ? AND id > ?
					 ORDER BY id ASC
					 LIMIT ?`
			args = []interface{}{roomID, cursor, queryLimit}
		}
	}

	messages, err := s.scan(ctx, query, args)
	if err != nil {
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

func (s *CassandraStore) scan(ctx context.Context, query string, args []interface{}) ([]domain.Message, error) {
	iter := s.session.Query(query, args...).WithContext(ctx).Iter()

	var messages []domain.Message
	var msg domain.Message
	var createdAt time.Time

	for iter.Scan(&msg.RoomID, &msg.ID, &msg.AuthorID, &msg.AuthorName, &msg.Body, &createdAt) {
		msg.CreatedAt = createdAt
		messages = append(messages, msg)
		msg = domain.Message{}
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

func (s *CassandraStore) Close() error {
	s.session.Close()
	return nil
}
