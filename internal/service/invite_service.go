package service

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"beacon/internal/cache"
	"beacon/internal/models"
	"beacon/internal/repository"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6

	// DefaultInviteTTL applies when the creator does not pick one.
	DefaultInviteTTL = 48 * time.Hour
	// MaxInviteTTLHours caps creator-chosen TTLs at one week.
	MaxInviteTTLHours = 168
)

// ErrInviteRejected is the uniform failure for unknown, expired, used, or
// self-redeemed codes; the message deliberately does not say which.
var ErrInviteRejected = models.NewPolicyError("Invalid, expired, or already used invite code")

// InviteService owns the invite-code lifecycle and the symmetric manual
// connections redemption creates.
type InviteService struct {
	inviteRepo repository.InviteRepository
	connRepo   repository.ConnectionRepository
	cache      *cache.Store
}

// NewInviteService creates a new invite service
func NewInviteService(inviteRepo repository.InviteRepository, connRepo repository.ConnectionRepository, cacheStore *cache.Store) *InviteService {
	return &InviteService{inviteRepo: inviteRepo, connRepo: connRepo, cache: cacheStore}
}

// Create mints a fresh single-use code for creator. ttlHours above
// MaxInviteTTLHours clamps to it; a negative value falls back to the
// default; 0 is an immediate-expiry code, kept for its use in tests of the
// expiry path.
func (s *InviteService) Create(ctx context.Context, creator string, ttlHours int) (*models.Invite, error) {
	ttl := DefaultInviteTTL
	switch {
	case ttlHours > MaxInviteTTLHours:
		ttl = MaxInviteTTLHours * time.Hour
	case ttlHours > 0:
		ttl = time.Duration(ttlHours) * time.Hour
	case ttlHours == 0:
		ttl = 0
	}

	now := time.Now()
	// Retry only the (rare) unique-code collision; anything else is a real
	// store failure.
	for attempt := 0; attempt < 5; attempt++ {
		code, err := generateCode()
		if err != nil {
			return nil, models.NewInternalError(err)
		}
		invite := &models.Invite{
			Code:      code,
			Creator:   creator,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		if err := s.inviteRepo.Create(ctx, invite); err != nil {
			if models.IsConflict(err) {
				continue
			}
			return nil, err
		}
		return invite, nil
	}
	return nil, models.NewInternalError(ErrInviteRejected)
}

// Accept redeems a code for redeemer. On success the symmetric manual
// connection exists and both parties' contact caches are invalidated. The
// creator handle is returned so the broker can notify their live sessions.
func (s *InviteService) Accept(ctx context.Context, redeemer, code string) (string, error) {
	invite, err := s.inviteRepo.GetByCode(ctx, code)
	if err != nil {
		if models.IsNotFound(err) {
			return "", ErrInviteRejected
		}
		return "", err
	}
	if invite.Creator == redeemer {
		return "", ErrInviteRejected
	}

	redeemed, err := s.inviteRepo.Redeem(ctx, code, redeemer, time.Now())
	if err != nil {
		return "", err
	}
	if !redeemed {
		return "", ErrInviteRejected
	}

	if err := s.connRepo.CreatePair(ctx, invite.Creator, redeemer); err != nil {
		return "", err
	}
	s.cache.InvalidateContacts(ctx, invite.Creator, redeemer)
	return invite.Creator, nil
}

// RemoveConnection deletes the manual connection between caller and peer in
// both directions and invalidates both contact caches.
func (s *InviteService) RemoveConnection(ctx context.Context, caller, peer string) error {
	if peer == "" {
		return models.NewValidationError("Username is required")
	}
	if err := s.connRepo.DeletePair(ctx, caller, peer); err != nil {
		return err
	}
	s.cache.InvalidateContacts(ctx, caller, peer)
	return nil
}

func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
