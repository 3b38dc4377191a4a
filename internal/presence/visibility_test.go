package presence

import (
	"context"
	"testing"

	"beacon/internal/database"
	"beacon/internal/models"
	"beacon/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, repository.ConnectionRepository, repository.CloseFriendRepository, repository.AliasRepository) {
	t.Helper()
	db, err := database.ConnectTest()
	require.NoError(t, err)
	conns := repository.NewConnectionRepository(db)
	friends := repository.NewCloseFriendRepository(db)
	aliases := repository.NewAliasRepository(db)
	return NewEngine(conns, friends, aliases), conns, friends, aliases
}

func TestCanSeeModes(t *testing.T) {
	engine, _, friends, _ := newTestEngine(t)
	ctx := context.Background()

	id42, id7 := int64(42), int64(7)
	viewer := Subject{Handle: "viewer", UserID: 1, IdentityID: &id42}
	stranger := Subject{Handle: "stranger", UserID: 9, IdentityID: &id7}

	target := func(mode models.VisibilityMode) Subject {
		return Subject{
			Handle:    "target",
			UserID:    2,
			Followers: []int64{42},
			Following: []int64{7},
			Prefs:     models.Preference{Visibility: mode},
		}
	}

	t.Run("SelfIsAlwaysVisible", func(t *testing.T) {
		self := target(models.VisibilityInvisible)
		self.Handle = "viewer"
		assert.True(t, engine.CanSee(ctx, viewer, self))
	})

	t.Run("Everyone", func(t *testing.T) {
		assert.True(t, engine.CanSee(ctx, viewer, target(models.VisibilityEveryone)))
		assert.True(t, engine.CanSee(ctx, stranger, target(models.VisibilityEveryone)))
	})

	t.Run("EmptyModeDefaultsToEveryone", func(t *testing.T) {
		assert.True(t, engine.CanSee(ctx, viewer, target("")))
	})

	t.Run("Followers", func(t *testing.T) {
		assert.True(t, engine.CanSee(ctx, viewer, target(models.VisibilityFollowers)))
		assert.False(t, engine.CanSee(ctx, stranger, target(models.VisibilityFollowers)))
	})

	t.Run("Following", func(t *testing.T) {
		assert.False(t, engine.CanSee(ctx, viewer, target(models.VisibilityFollowing)))
		assert.True(t, engine.CanSee(ctx, stranger, target(models.VisibilityFollowing)))
	})

	t.Run("GuestViewerFailsGraphModes", func(t *testing.T) {
		guest := Subject{Handle: "guest", UserID: 5}
		assert.False(t, engine.CanSee(ctx, guest, target(models.VisibilityFollowers)))
		assert.False(t, engine.CanSee(ctx, guest, target(models.VisibilityCloseFriends)))
	})

	t.Run("CloseFriends", func(t *testing.T) {
		require.NoError(t, friends.Replace(ctx, 2, []int64{42}))
		assert.True(t, engine.CanSee(ctx, viewer, target(models.VisibilityCloseFriends)))
		assert.False(t, engine.CanSee(ctx, stranger, target(models.VisibilityCloseFriends)))
	})

	t.Run("Invisible", func(t *testing.T) {
		assert.False(t, engine.CanSee(ctx, viewer, target(models.VisibilityInvisible)))
		assert.False(t, engine.CanSee(ctx, stranger, target(models.VisibilityInvisible)))
	})
}

func TestManualConnectionOverridesInvisible(t *testing.T) {
	engine, conns, _, _ := newTestEngine(t)
	ctx := context.Background()

	viewer := Subject{Handle: "viewer", UserID: 1}
	hidden := Subject{
		Handle: "hermit",
		UserID: 2,
		Prefs:  models.Preference{Visibility: models.VisibilityInvisible},
	}

	assert.False(t, engine.CanSee(ctx, viewer, hidden))

	require.NoError(t, conns.CreatePair(ctx, "viewer", "hermit"))
	assert.True(t, engine.CanSee(ctx, viewer, hidden))
}

func TestAliasResolution(t *testing.T) {
	engine, conns, _, aliases := newTestEngine(t)
	ctx := context.Background()

	// A guest made a manual connection, then upgraded to a provider login.
	require.NoError(t, conns.CreatePair(ctx, "night-owl", "friend"))
	require.NoError(t, aliases.Create(ctx, &models.Alias{
		Login: "octocat", GuestHandle: "night-owl", IdentityID: 583231,
	}))

	t.Run("ResolveMapsLoginToGuestHandle", func(t *testing.T) {
		assert.Equal(t, "night-owl", engine.Resolve(ctx, "octocat"))
		assert.Equal(t, "friend", engine.Resolve(ctx, "friend"))
	})

	t.Run("ConnectionSurvivesUpgrade", func(t *testing.T) {
		assert.True(t, engine.ManuallyConnected(ctx, "octocat", "friend"))
	})

	t.Run("UpgradedHandleSeesInvisibleFriend", func(t *testing.T) {
		viewer := Subject{Handle: "octocat", UserID: 3}
		hidden := Subject{
			Handle: "friend",
			UserID: 4,
			Prefs:  models.Preference{Visibility: models.VisibilityInvisible},
		}
		assert.True(t, engine.CanSee(ctx, viewer, hidden))
	})
}
