// Package pgstore implements storage.Store on PostgreSQL using pgx.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tyrowin/nexus-chat-server/internal/storage"
)

// schema mirrors the tables owned by the conversation service. Creating them
// here only matters for fresh development databases.
const schema = `
CREATE TABLE IF NOT EXISTS conversation_participants (
	conversation_id BIGINT NOT NULL,
	user_id         TEXT   NOT NULL,
	joined_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (conversation_id, user_id)
);
CREATE INDEX IF NOT EXISTS conversation_participants_user_idx ON conversation_participants (user_id);
CREATE TABLE IF NOT EXISTS messages (
	id              BIGSERIAL PRIMARY KEY,
	conversation_id BIGINT NOT NULL,
	sender_id       TEXT   NOT NULL,
	content         TEXT   NOT NULL DEFAULT '',
	message_type    TEXT   NOT NULL DEFAULT 'text',
	file_url        TEXT,
	file_name       TEXT,
	file_size       BIGINT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);
CREATE TABLE IF NOT EXISTS delivery_receipts (
	message_id   BIGINT NOT NULL REFERENCES messages(id),
	user_id      TEXT   NOT NULL,
	delivered_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	PRIMARY KEY (message_id, user_id)
);
CREATE TABLE IF NOT EXISTS read_receipts (
	message_id BIGINT NOT NULL REFERENCES messages(id),
	user_id    TEXT   NOT NULL,
	read_at    TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	PRIMARY KEY (message_id, user_id)
);`

// Store is a pgxpool-backed storage.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the tables the core reads and writes if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pgstore: ensure schema: %w", err)
	}
	return nil
}

// AddParticipants inserts participant rows, ignoring existing ones.
func (s *Store) AddParticipants(ctx context.Context, roomID int64, userIDs ...string) error {
	batch := &pgx.Batch{}
	for _, id := range userIDs {
		batch.Queue(`INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, roomID, id)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("pgstore: add participants: %w", err)
	}
	return nil
}

func (s *Store) Participants(ctx context.Context, roomID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = $1 ORDER BY user_id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: participants: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("pgstore: participants: %w", err)
	}
	return users, nil
}

func (s *Store) IsParticipant(ctx context.Context, roomID int64, userID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)`,
		roomID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("pgstore: is participant: %w", err)
	}
	return ok, nil
}

func (s *Store) RoomsForUser(ctx context.Context, userID string) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT conversation_id FROM conversation_participants WHERE user_id = $1 ORDER BY conversation_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: rooms for user: %w", err)
	}
	rooms, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("pgstore: rooms for user: %w", err)
	}
	return rooms, nil
}

func (s *Store) PersistMessage(ctx context.Context, msg storage.NewMessage) (*storage.Message, error) {
	var (
		fileURL, fileName *string
		fileSize          *int64
	)
	if msg.Attachment != nil {
		fileURL, fileName, fileSize = &msg.Attachment.URL, &msg.Attachment.Name, &msg.Attachment.Size
	}

	out := &storage.Message{
		RoomID:     msg.RoomID,
		SenderID:   msg.SenderID,
		Content:    msg.Content,
		Kind:       msg.Kind,
		Attachment: msg.Attachment,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (conversation_id, sender_id, content, message_type, file_url, file_name, file_size)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		msg.RoomID, msg.SenderID, msg.Content, msg.Kind, fileURL, fileName, fileSize,
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("pgstore: persist message: %w", err)
	}
	out.CreatedAt = out.CreatedAt.UTC()
	return out, nil
}

func (s *Store) MessageRoom(ctx context.Context, messageID int64) (int64, error) {
	var roomID int64
	err := s.pool.QueryRow(ctx, `SELECT conversation_id FROM messages WHERE id = $1`, messageID).Scan(&roomID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("pgstore: message room: %w", err)
	}
	return roomID, nil
}

func receiptTable(kind storage.ReceiptKind) (table, column string, err error) {
	switch kind {
	case storage.ReceiptDelivered:
		return "delivery_receipts", "delivered_at", nil
	case storage.ReceiptRead:
		return "read_receipts", "read_at", nil
	default:
		return "", "", fmt.Errorf("pgstore: unknown receipt kind %q", kind)
	}
}

// InsertReceipt relies on ON CONFLICT DO NOTHING; no returned row means the
// receipt already existed.
func (s *Store) InsertReceipt(ctx context.Context, kind storage.ReceiptKind, messageID int64, userID string) (storage.ReceiptResult, error) {
	table, column, err := receiptTable(kind)
	if err != nil {
		return storage.ReceiptResult{}, err
	}

	var ts time.Time
	query := fmt.Sprintf(`INSERT INTO %s (message_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING RETURNING %s`, table, column)
	err = s.pool.QueryRow(ctx, query, messageID, userID).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ReceiptResult{Inserted: false}, nil
	}
	if err != nil {
		return storage.ReceiptResult{}, fmt.Errorf("pgstore: insert %s receipt: %w", kind, err)
	}
	return storage.ReceiptResult{Inserted: true, Timestamp: ts.UTC()}, nil
}

func (s *Store) HasReceipt(ctx context.Context, kind storage.ReceiptKind, messageID int64, userID string) (bool, error) {
	table, _, err := receiptTable(kind)
	if err != nil {
		return false, err
	}

	var ok bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE message_id = $1 AND user_id = $2)`, table)
	if err := s.pool.QueryRow(ctx, query, messageID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("pgstore: has %s receipt: %w", kind, err)
	}
	return ok, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
