// Package service contains business logic between the broker and the
// repositories.
package service

import (
	"context"
	"strings"
	"time"

	"beacon/internal/models"
	"beacon/internal/repository"
)

// ChatService validates and stores 1:1 chat messages. Delivery to live
// sessions is the broker's concern; this service only owns durable state.
type ChatService struct {
	chatRepo repository.ChatRepository
	userRepo repository.UserRepository
}

// NewChatService creates a new chat service
func NewChatService(chatRepo repository.ChatRepository, userRepo repository.UserRepository) *ChatService {
	return &ChatService{chatRepo: chatRepo, userRepo: userRepo}
}

// HistoryLimit caps a single history request.
const HistoryLimit = 200

// Send validates and persists a message. The returned message carries the
// server-assigned monotonic id.
func (s *ChatService) Send(ctx context.Context, from, to, body string) (*models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, models.NewValidationError("Message body is required")
	}
	if len(body) > models.MaxMessageBytes {
		return nil, models.NewValidationError("Message body exceeds 500 bytes")
	}
	if to == "" || to == from {
		return nil, models.NewValidationError("Invalid recipient")
	}

	msg := &models.Message{
		FromHandle: from,
		ToHandle:   to,
		Body:       body,
		CreatedAt:  time.Now(),
	}
	if err := s.chatRepo.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// History returns the most recent messages between caller and peer in
// chronological order, clamped to HistoryLimit.
func (s *ChatService) History(ctx context.Context, caller, peer string, limit int) ([]models.Message, error) {
	if peer == "" {
		return nil, models.NewValidationError("Peer is required")
	}
	if limit <= 0 || limit > HistoryLimit {
		limit = HistoryLimit
	}
	return s.chatRepo.History(ctx, caller, peer, limit)
}

// MarkRead stamps read_at on all unread messages from peer to caller and
// returns how many were stamped.
func (s *ChatService) MarkRead(ctx context.Context, caller, peer string) (int64, error) {
	if peer == "" {
		return 0, models.NewValidationError("Peer is required")
	}
	return s.chatRepo.MarkRead(ctx, peer, caller, time.Now())
}

// UnreadCounts returns the caller's per-peer unread totals.
func (s *ChatService) UnreadCounts(ctx context.Context, caller string) (map[string]int64, error) {
	return s.chatRepo.UnreadCounts(ctx, caller)
}
