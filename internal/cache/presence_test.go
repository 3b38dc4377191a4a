package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := NewStore(rdb)
	t.Cleanup(store.Stop)
	return store, mr
}

func TestPresenceRecordLifecycle(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	rec := PresenceRecord{Handle: "ada", Status: "Online", Activity: "Coding", Project: "engine"}
	store.SetPresence(ctx, rec, 45*time.Second)

	got, ok := store.GetPresence(ctx, "ada")
	require.True(t, ok)
	assert.Equal(t, "Coding", got.Activity)

	t.Run("RecordExpiresWithTTL", func(t *testing.T) {
		mr.FastForward(46 * time.Second)
		_, ok := store.GetPresence(ctx, "ada")
		assert.False(t, ok)
	})

	t.Run("DropRemovesImmediately", func(t *testing.T) {
		store.SetPresence(ctx, rec, 45*time.Second)
		store.DropPresence(ctx, "ada")
		_, ok := store.GetPresence(ctx, "ada")
		assert.False(t, ok)
	})
}

func TestResumeTokenIsOneTime(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	id := int64(42)
	grant := ResumeGrant{Handle: "ada", IdentityID: &id}
	require.NoError(t, store.PutResumeToken(ctx, "tok-1", grant, time.Minute))

	got, ok := store.TakeResumeToken(ctx, "tok-1")
	require.True(t, ok)
	assert.Equal(t, "ada", got.Handle)
	require.NotNil(t, got.IdentityID)
	assert.Equal(t, int64(42), *got.IdentityID)

	t.Run("SecondTakeFails", func(t *testing.T) {
		_, ok := store.TakeResumeToken(ctx, "tok-1")
		assert.False(t, ok)
	})

	t.Run("ExpiredTokenFails", func(t *testing.T) {
		require.NoError(t, store.PutResumeToken(ctx, "tok-2", grant, time.Minute))
		mr.FastForward(61 * time.Second)
		_, ok := store.TakeResumeToken(ctx, "tok-2")
		assert.False(t, ok)
	})
}

func TestContactCache(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	store.SetContacts(ctx, "ada", []string{"grace", "linus"}, 5*time.Minute)

	got, ok := store.GetContacts(ctx, "ada")
	require.True(t, ok)
	assert.Equal(t, []string{"grace", "linus"}, got)

	t.Run("InvalidateDropsSelectedHandles", func(t *testing.T) {
		store.SetContacts(ctx, "grace", []string{"ada"}, 5*time.Minute)
		store.InvalidateContacts(ctx, "ada")

		_, ok := store.GetContacts(ctx, "ada")
		assert.False(t, ok)
		_, ok = store.GetContacts(ctx, "grace")
		assert.True(t, ok)
	})
}

func TestPubSubRoundTrip(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 1)
	require.NoError(t, store.StartSubscriber(ctx, func(channel, payload string) {
		if h, ok := HandleFromChannel(channel); ok && h == "ada" {
			received <- payload
		}
	}))

	// The subscriber attaches asynchronously.
	require.Eventually(t, func() bool {
		_ = store.Publish(ctx, Channel("ada"), `{"t":"u"}`)
		select {
		case <-received:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLocalFallback(t *testing.T) {
	store := NewStore(nil)
	t.Cleanup(store.Stop)
	ctx := context.Background()

	assert.False(t, store.Available())

	t.Run("PresenceAndContactsWork", func(t *testing.T) {
		store.SetPresence(ctx, PresenceRecord{Handle: "ada", Status: "Online"}, time.Minute)
		_, ok := store.GetPresence(ctx, "ada")
		assert.True(t, ok)

		store.SetContacts(ctx, "ada", []string{"grace"}, time.Minute)
		contacts, ok := store.GetContacts(ctx, "ada")
		require.True(t, ok)
		assert.Equal(t, []string{"grace"}, contacts)
	})

	t.Run("ResumeTokenStillOneTime", func(t *testing.T) {
		require.NoError(t, store.PutResumeToken(ctx, "tok", ResumeGrant{Handle: "ada"}, time.Minute))
		_, ok := store.TakeResumeToken(ctx, "tok")
		assert.True(t, ok)
		_, ok = store.TakeResumeToken(ctx, "tok")
		assert.False(t, ok)
	})

	t.Run("LocalSubscriberReceivesPublishes", func(t *testing.T) {
		var got string
		require.NoError(t, store.StartSubscriber(ctx, func(channel, payload string) {
			got = payload
		}))
		require.NoError(t, store.Publish(ctx, Channel("ada"), "hello"))
		assert.Equal(t, "hello", got)
	})
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "presence:ada", Channel("ada"))

	h, ok := HandleFromChannel("presence:ada")
	require.True(t, ok)
	assert.Equal(t, "ada", h)

	_, ok = HandleFromChannel("other:ada")
	assert.False(t, ok)
}
