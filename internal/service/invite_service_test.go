package service

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"beacon/internal/cache"
	"beacon/internal/database"
	"beacon/internal/models"
	"beacon/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInviteService(t *testing.T) (*InviteService, repository.ConnectionRepository, *cache.Store) {
	t.Helper()
	db, err := database.ConnectTest()
	require.NoError(t, err)
	store := cache.NewStore(nil)
	t.Cleanup(store.Stop)
	connRepo := repository.NewConnectionRepository(db)
	return NewInviteService(repository.NewInviteRepository(db), connRepo, store), connRepo, store
}

func TestInviteCreate(t *testing.T) {
	svc, _, _ := newInviteService(t)
	ctx := context.Background()

	t.Run("CodeFormat", func(t *testing.T) {
		invite, err := svc.Create(ctx, "host", 24)
		require.NoError(t, err)
		assert.Regexp(t, regexp.MustCompile(`^[A-Z0-9]{6}$`), invite.Code)
		assert.WithinDuration(t, time.Now().Add(24*time.Hour), invite.ExpiresAt, time.Minute)
	})

	t.Run("OverCapTTLClampsToCap", func(t *testing.T) {
		invite, err := svc.Create(ctx, "host", 500)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(MaxInviteTTLHours*time.Hour), invite.ExpiresAt, time.Minute)
	})

	t.Run("NegativeTTLFallsBackToDefault", func(t *testing.T) {
		invite, err := svc.Create(ctx, "host", -3)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(DefaultInviteTTL), invite.ExpiresAt, time.Minute)
	})
}

type stubInviteRepo struct {
	create func(ctx context.Context, invite *models.Invite) error
}

func (s *stubInviteRepo) Create(ctx context.Context, invite *models.Invite) error {
	return s.create(ctx, invite)
}

func (s *stubInviteRepo) GetByCode(ctx context.Context, code string) (*models.Invite, error) {
	return nil, models.NewNotFoundError("Invite", code)
}

func (s *stubInviteRepo) Redeem(ctx context.Context, code, usedBy string, at time.Time) (bool, error) {
	return false, nil
}

func (s *stubInviteRepo) Revoke(ctx context.Context, code, creator string) (bool, error) {
	return false, nil
}

func (s *stubInviteRepo) ListByCreator(ctx context.Context, creator string) ([]models.Invite, error) {
	return nil, nil
}

func TestInviteCreateRetryPolicy(t *testing.T) {
	ctx := context.Background()
	store := cache.NewStore(nil)
	t.Cleanup(store.Stop)

	t.Run("CodeCollisionIsRetried", func(t *testing.T) {
		attempts := 0
		repo := &stubInviteRepo{create: func(context.Context, *models.Invite) error {
			attempts++
			if attempts == 1 {
				return models.NewConflictError("Invite code already exists")
			}
			return nil
		}}
		svc := NewInviteService(repo, nil, store)

		invite, err := svc.Create(ctx, "host", 24)
		require.NoError(t, err)
		assert.NotEmpty(t, invite.Code)
		assert.Equal(t, 2, attempts)
	})

	t.Run("StoreFailureIsNotRetried", func(t *testing.T) {
		attempts := 0
		boom := models.NewInternalError(errors.New("disk full"))
		repo := &stubInviteRepo{create: func(context.Context, *models.Invite) error {
			attempts++
			return boom
		}}
		svc := NewInviteService(repo, nil, store)

		_, err := svc.Create(ctx, "host", 24)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, attempts)
	})
}

func TestInviteAccept(t *testing.T) {
	svc, connRepo, store := newInviteService(t)
	ctx := context.Background()

	invite, err := svc.Create(ctx, "host", 24)
	require.NoError(t, err)

	t.Run("SelfRedeemIsRejected", func(t *testing.T) {
		_, err := svc.Accept(ctx, "host", invite.Code)
		assert.ErrorIs(t, err, ErrInviteRejected)
	})

	t.Run("RedeemCreatesSymmetricConnection", func(t *testing.T) {
		store.SetContacts(ctx, "host", []string{"stale"}, time.Minute)

		creator, err := svc.Accept(ctx, "guest", invite.Code)
		require.NoError(t, err)
		assert.Equal(t, "host", creator)

		ok, err := connRepo.Exists(ctx, "guest", "host")
		require.NoError(t, err)
		assert.True(t, ok)

		// Both contact caches were invalidated.
		_, cached := store.GetContacts(ctx, "host")
		assert.False(t, cached)
	})

	t.Run("SecondRedeemFails", func(t *testing.T) {
		_, err := svc.Accept(ctx, "other", invite.Code)
		assert.ErrorIs(t, err, ErrInviteRejected)
	})

	t.Run("ExpiredCodeFails", func(t *testing.T) {
		expired, err := svc.Create(ctx, "host", 0)
		require.NoError(t, err)
		_, err = svc.Accept(ctx, "guest", expired.Code)
		assert.ErrorIs(t, err, ErrInviteRejected)
	})

	t.Run("UnknownCodeFails", func(t *testing.T) {
		_, err := svc.Accept(ctx, "guest", "NOPE99")
		assert.ErrorIs(t, err, ErrInviteRejected)
	})
}

func TestRemoveConnection(t *testing.T) {
	svc, connRepo, _ := newInviteService(t)
	ctx := context.Background()

	require.NoError(t, connRepo.CreatePair(ctx, "a", "b"))
	require.NoError(t, svc.RemoveConnection(ctx, "a", "b"))

	ok, err := connRepo.Exists(ctx, "a", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	t.Run("EmptyPeerIsValidationError", func(t *testing.T) {
		assert.Error(t, svc.RemoveConnection(ctx, "a", ""))
	})
}
