package repository

import (
	"context"
	"time"

	"beacon/internal/models"

	"gorm.io/gorm"
)

// ChatRepository defines the interface for 1:1 chat message operations.
type ChatRepository interface {
	CreateMessage(ctx context.Context, msg *models.Message) error
	History(ctx context.Context, a, b string, limit int) ([]models.Message, error)
	MarkRead(ctx context.Context, from, to string, at time.Time) (int64, error)
	UnreadCounts(ctx context.Context, to string) (map[string]int64, error)
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository creates a new chat repository
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

func (r *chatRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// History returns the most recent messages between the two handles in
// chronological order. The newest window is selected first, then reversed.
func (r *chatRepository) History(ctx context.Context, a, b string, limit int) ([]models.Message, error) {
	var messages []models.Message
	if err := r.db.WithContext(ctx).
		Where("(from_handle = ? AND to_handle = ?) OR (from_handle = ? AND to_handle = ?)", a, b, b, a).
		Order("id DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// MarkRead stamps read_at on every unread message from -> to and returns
// how many rows were stamped.
func (r *chatRepository) MarkRead(ctx context.Context, from, to string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("from_handle = ? AND to_handle = ? AND read_at IS NULL", from, to).
		Update("read_at", at)
	if res.Error != nil {
		return 0, models.NewInternalError(res.Error)
	}
	return res.RowsAffected, nil
}

// UnreadCounts recomputes per-peer unread totals from the store on demand.
func (r *chatRepository) UnreadCounts(ctx context.Context, to string) (map[string]int64, error) {
	type row struct {
		FromHandle string
		N          int64
	}
	var rows []row
	if err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Select("from_handle, COUNT(*) AS n").
		Where("to_handle = ? AND read_at IS NULL", to).
		Group("from_handle").
		Find(&rows).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.FromHandle] = r.N
	}
	return counts, nil
}
