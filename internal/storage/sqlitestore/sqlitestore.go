// Package sqlitestore implements storage.Store on an embedded SQLite database
// through gorm. It suits single-node deployments and local development.
package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Tyrowin/nexus-chat-server/internal/storage"
)

type participant struct {
	RoomID    int64  `gorm:"primaryKey;autoIncrement:false"`
	UserID    string `gorm:"primaryKey;index"`
	CreatedAt time.Time
}

func (participant) TableName() string { return "conversation_participants" }

type message struct {
	ID        int64 `gorm:"primaryKey"`
	RoomID    int64 `gorm:"index;not null"`
	SenderID  string
	Content   string
	Kind      string
	FileURL   *string
	FileName  *string
	FileSize  *int64
	CreatedAt time.Time
}

func (message) TableName() string { return "messages" }

type receipt struct {
	Kind      string `gorm:"primaryKey"`
	MessageID int64  `gorm:"primaryKey;autoIncrement:false"`
	UserID    string `gorm:"primaryKey"`
	At        time.Time
}

func (receipt) TableName() string { return "receipts" }

// Store is a gorm-backed storage.Store.
type Store struct {
	db *gorm.DB

	// serialises message inserts so server timestamps are strictly increasing
	mu     sync.Mutex
	lastTS time.Time
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database at path and migrates the tables.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&participant{}, &message{}, &receipt{}); err != nil {
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// AddParticipants inserts participant rows, ignoring existing ones.
func (s *Store) AddParticipants(ctx context.Context, roomID int64, userIDs ...string) error {
	rows := make([]participant, 0, len(userIDs))
	for _, id := range userIDs {
		rows = append(rows, participant{RoomID: roomID, UserID: id})
	}
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func (s *Store) Participants(ctx context.Context, roomID int64) ([]string, error) {
	var users []string
	err := s.db.WithContext(ctx).Model(&participant{}).
		Where("room_id = ?", roomID).Order("user_id").Pluck("user_id", &users).Error
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: participants: %w", err)
	}
	return users, nil
}

func (s *Store) IsParticipant(ctx context.Context, roomID int64, userID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&participant{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("sqlitestore: is participant: %w", err)
	}
	return n > 0, nil
}

func (s *Store) RoomsForUser(ctx context.Context, userID string) ([]int64, error) {
	var rooms []int64
	err := s.db.WithContext(ctx).Model(&participant{}).
		Where("user_id = ?", userID).Order("room_id").Pluck("room_id", &rooms).Error
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: rooms for user: %w", err)
	}
	return rooms, nil
}

func (s *Store) PersistMessage(ctx context.Context, msg storage.NewMessage) (*storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := time.Now().UTC()
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Microsecond)
	}

	row := message{
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Kind:      msg.Kind,
		CreatedAt: ts,
	}
	if msg.Attachment != nil {
		row.FileURL, row.FileName, row.FileSize = &msg.Attachment.URL, &msg.Attachment.Name, &msg.Attachment.Size
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("sqlitestore: persist message: %w", err)
	}
	s.lastTS = ts

	return &storage.Message{
		ID:         row.ID,
		RoomID:     row.RoomID,
		SenderID:   row.SenderID,
		Content:    row.Content,
		Kind:       row.Kind,
		Attachment: msg.Attachment,
		CreatedAt:  ts,
	}, nil
}

func (s *Store) MessageRoom(ctx context.Context, messageID int64) (int64, error) {
	var row message
	err := s.db.WithContext(ctx).Select("room_id").First(&row, messageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: message room: %w", err)
	}
	return row.RoomID, nil
}

func (s *Store) InsertReceipt(ctx context.Context, kind storage.ReceiptKind, messageID int64, userID string) (storage.ReceiptResult, error) {
	if _, err := s.MessageRoom(ctx, messageID); err != nil {
		return storage.ReceiptResult{}, err
	}

	row := receipt{Kind: string(kind), MessageID: messageID, UserID: userID, At: time.Now().UTC()}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return storage.ReceiptResult{}, fmt.Errorf("sqlitestore: insert %s receipt: %w", kind, res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ReceiptResult{Inserted: false}, nil
	}
	return storage.ReceiptResult{Inserted: true, Timestamp: row.At}, nil
}

func (s *Store) HasReceipt(ctx context.Context, kind storage.ReceiptKind, messageID int64, userID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&receipt{}).
		Where("kind = ? AND message_id = ? AND user_id = ?", string(kind), messageID, userID).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("sqlitestore: has %s receipt: %w", kind, err)
	}
	return n > 0, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
