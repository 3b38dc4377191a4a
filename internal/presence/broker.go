package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"beacon/internal/cache"
	"beacon/internal/identity"
	"beacon/internal/middleware"
	"beacon/internal/models"
	"beacon/internal/observability"
	"beacon/internal/repository"
	"beacon/internal/service"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// Options tunes broker timings. Zero values take the documented defaults so
// tests can shrink intervals.
type Options struct {
	// FanoutMode selects "snapshot" or "delta".
	FanoutMode string
	// HeartbeatInterval is the liveness sweep period.
	HeartbeatInterval time.Duration
	// DebounceWindow coalesces state changes into one broadcast per viewer.
	DebounceWindow time.Duration
	// ResumeTTL bounds the silent-resume window; it doubles as the offline
	// grace so a resumed session never flaps online/offline to viewers.
	ResumeTTL time.Duration
	// PresenceTTL is the cache TTL of live presence records.
	PresenceTTL time.Duration
	// ContactTTL is the read-through contact cache TTL.
	ContactTTL time.Duration
	// OfflineWindow bounds how stale an offline contact may be and still be
	// listed.
	OfflineWindow time.Duration
	// LastSeenFlush is the coalescing interval for last_seen writes.
	LastSeenFlush time.Duration
}

const (
	// FanoutSnapshot broadcasts the full visible list to every session.
	FanoutSnapshot = "snapshot"
	// FanoutDelta publishes per-target deltas over the pub/sub bus.
	FanoutDelta = "delta"
)

func (o *Options) withDefaults() {
	if o.FanoutMode == "" {
		o.FanoutMode = FanoutSnapshot
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 2 * time.Second
	}
	if o.ResumeTTL <= 0 {
		o.ResumeTTL = cache.DefaultResumeTTL
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = cache.DefaultPresenceTTL
	}
	if o.ContactTTL <= 0 {
		o.ContactTTL = cache.DefaultContactTTL
	}
	if o.OfflineWindow <= 0 {
		o.OfflineWindow = 7 * 24 * time.Hour
	}
	if o.LastSeenFlush <= 0 {
		o.LastSeenFlush = 30 * time.Second
	}
}

// Stores bundles the repositories the broker needs.
type Stores struct {
	Users         repository.UserRepository
	Relationships repository.RelationshipRepository
	CloseFriends  repository.CloseFriendRepository
	Connections   repository.ConnectionRepository
	Preferences   repository.PreferenceRepository
	Aliases       repository.AliasRepository
}

// Broker owns the session table and everything that reads or writes it. It
// is constructed per process (or per test) rather than as package state so
// tests can run independent instances.
type Broker struct {
	opts     Options
	stores   Stores
	cache    *cache.Store
	resolver identity.Resolver
	limiter  *middleware.Limiter
	chat     *service.ChatService
	invites  *service.InviteService
	engine   *Engine
	fan      *fanout

	mu       sync.RWMutex
	sessions map[string]*Session
	byHandle map[string]map[*Session]struct{}

	// pendingOffline tracks handles whose last session closed but whose
	// resume window has not elapsed. Viewers keep seeing them online until
	// the window expires without a resume.
	pendingMu      sync.Mutex
	pendingOffline map[string]*time.Timer

	lastSeenMu    sync.Mutex
	lastSeenDirty map[string]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	cancel   context.CancelFunc

	logger *slog.Logger
}

// NewBroker wires a broker instance. Start must be called before serving
// sessions.
func NewBroker(opts Options, stores Stores, cacheStore *cache.Store, resolver identity.Resolver,
	limiter *middleware.Limiter, chat *service.ChatService, invites *service.InviteService) *Broker {

	opts.withDefaults()
	b := &Broker{
		opts:           opts,
		stores:         stores,
		cache:          cacheStore,
		resolver:       resolver,
		limiter:        limiter,
		chat:           chat,
		invites:        invites,
		engine:         NewEngine(stores.Connections, stores.CloseFriends, stores.Aliases),
		sessions:       make(map[string]*Session),
		byHandle:       make(map[string]map[*Session]struct{}),
		pendingOffline: make(map[string]*time.Timer),
		lastSeenDirty:  make(map[string]time.Time),
		stopCh:         make(chan struct{}),
		logger:         observability.Logger,
	}
	b.fan = newFanout(b, opts.FanoutMode, opts.DebounceWindow)
	return b
}

// Engine exposes the visibility engine, mainly for tests.
func (b *Broker) Engine() *Engine {
	return b.engine
}

// Start launches the heartbeat sweep, the last-seen flusher, and (in delta
// mode) the pub/sub subscriber.
func (b *Broker) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)

	if b.opts.FanoutMode == FanoutDelta {
		if err := b.cache.StartSubscriber(ctx, b.routeDelta); err != nil {
			return err
		}
	}

	go b.heartbeatLoop()
	go b.lastSeenLoop()
	return nil
}

// Stop closes every session gracefully and flushes pending last-seen writes.
func (b *Broker) Stop(ctx context.Context) {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		if b.cancel != nil {
			b.cancel()
		}

		b.pendingMu.Lock()
		for handle, timer := range b.pendingOffline {
			timer.Stop()
			delete(b.pendingOffline, handle)
		}
		b.pendingMu.Unlock()

		b.mu.Lock()
		sessions := make([]*Session, 0, len(b.sessions))
		for _, s := range b.sessions {
			sessions = append(sessions, s)
		}
		b.sessions = make(map[string]*Session)
		b.byHandle = make(map[string]map[*Session]struct{})
		b.mu.Unlock()

		now := time.Now()
		for _, s := range sessions {
			b.markLastSeen(s.Handle(), now)
			s.client.CloseWith(websocket.CloseGoingAway, "Server shutting down")
		}
		b.flushLastSeen(ctx)
		b.fan.stop()
	})
}

// NewSession creates a pending session for a freshly upgraded socket. The
// session joins the table only after a successful login frame.
func (b *Broker) NewSession(client *Client, remoteAddr string) *Session {
	return &Session{
		ID:         uuid.NewString(),
		RemoteAddr: remoteAddr,
		client:     client,
		state:      StateAwaitingLogin,
	}
}

// sessionSnapshots returns a consistent copy of every live session.
func (b *Broker) sessionSnapshots() []SessionSnapshot {
	b.mu.RLock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.RUnlock()

	snaps := make([]SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Snapshot())
	}
	return snaps
}

func (b *Broker) liveSessions() []*Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (b *Broker) sessionsForHandle(handle string) []*Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set := b.byHandle[handle]
	sessions := make([]*Session, 0, len(set))
	for s := range set {
		sessions = append(sessions, s)
	}
	return sessions
}

// IsOnline reports whether the handle has at least one live session or is
// inside its resume grace window.
func (b *Broker) IsOnline(handle string) bool {
	b.mu.RLock()
	n := len(b.byHandle[handle])
	b.mu.RUnlock()
	if n > 0 {
		return true
	}
	b.pendingMu.Lock()
	_, pending := b.pendingOffline[handle]
	b.pendingMu.Unlock()
	return pending
}

// register adds an admitted session to the table and reports whether it is
// the handle's first live session.
func (b *Broker) register(sess *Session, handle string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[sess.ID] = sess
	set, ok := b.byHandle[handle]
	if !ok {
		set = make(map[*Session]struct{})
		b.byHandle[handle] = set
	}
	set[sess] = struct{}{}
	observability.ActiveSessions.Inc()
	return len(set) == 1
}

// CloseSession finalizes a session after its read pump returns: last_seen is
// written through, the session leaves the table, and a fan-out cycle is
// scheduled. The handle stays visible for the resume window when a shared
// cache is present.
func (b *Broker) CloseSession(sess *Session) {
	sess.mu.Lock()
	wasLive := sess.state == StateLive
	sess.state = StateClosed
	handle := sess.handle
	sess.mu.Unlock()

	sess.client.CloseWith(websocket.CloseNormalClosure, "")

	if !wasLive {
		return
	}

	ctx := context.Background()
	now := time.Now()

	b.mu.Lock()
	delete(b.sessions, sess.ID)
	lastForHandle := false
	if set, ok := b.byHandle[handle]; ok {
		delete(set, sess)
		if len(set) == 0 {
			delete(b.byHandle, handle)
			lastForHandle = true
		}
	}
	observability.ActiveSessions.Dec()
	b.mu.Unlock()

	// Immediate durable write on close; heartbeat writes are coalesced.
	if err := b.stores.Users.TouchLastSeen(ctx, handle, now); err != nil {
		b.logger.Warn("last_seen write on close failed", slog.String("handle", handle), slog.String("error", err.Error()))
	}

	if !lastForHandle {
		b.refreshPresenceCache(ctx, handle)
		b.fan.markDirty(handle)
		b.fan.schedule()
		return
	}

	if b.cache.Available() {
		// Keep the record alive across the resume window so a silent resume
		// causes no visible flap.
		if rec, ok := b.cache.GetPresence(ctx, handle); ok {
			rec.LastSeen = now.Unix()
			b.cache.SetPresence(ctx, *rec, b.opts.ResumeTTL)
		}
		b.startOfflineGrace(handle)
		return
	}

	b.finalizeOffline(ctx, handle)
}

func (b *Broker) startOfflineGrace(handle string) {
	b.pendingMu.Lock()
	if t, ok := b.pendingOffline[handle]; ok {
		t.Stop()
	}
	b.pendingOffline[handle] = time.AfterFunc(b.opts.ResumeTTL, func() {
		b.pendingMu.Lock()
		delete(b.pendingOffline, handle)
		b.pendingMu.Unlock()
		if len(b.sessionsForHandle(handle)) > 0 {
			return
		}
		b.finalizeOffline(context.Background(), handle)
	})
	b.pendingMu.Unlock()
}

// cancelOfflineGrace stops a pending offline transition; returns true when
// one was pending.
func (b *Broker) cancelOfflineGrace(handle string) bool {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	t, ok := b.pendingOffline[handle]
	if !ok {
		return false
	}
	t.Stop()
	delete(b.pendingOffline, handle)
	return true
}

func (b *Broker) pendingResumeHandles() []string {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	handles := make([]string, 0, len(b.pendingOffline))
	for h := range b.pendingOffline {
		handles = append(handles, h)
	}
	return handles
}

func (b *Broker) finalizeOffline(ctx context.Context, handle string) {
	b.cache.DropPresence(ctx, handle)
	b.fan.markOffline(handle)
	b.fan.schedule()
}

// refreshPresenceCache recomputes the handle's aggregate and mirrors it into
// the cache. Absence of live sessions leaves the record to expire.
func (b *Broker) refreshPresenceCache(ctx context.Context, handle string) {
	sessions := b.sessionsForHandle(handle)
	if len(sessions) == 0 {
		return
	}
	snaps := make([]SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Snapshot())
	}
	agg := Collapse(snaps)
	b.cache.SetPresence(ctx, cache.PresenceRecord{
		Handle:   handle,
		Status:   agg.Status,
		Activity: string(agg.Activity),
		Project:  agg.Project,
		Language: agg.Language,
		LastSeen: time.Now().Unix(),
	}, b.opts.PresenceTTL)
}

// --- heartbeat ---

func (b *Broker) heartbeatLoop() {
	ticker := time.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweepHeartbeats()
		}
	}
}

// sweepHeartbeats terminates sessions that did not answer the previous ping
// and pings the rest. A session therefore survives one missed ping and is
// reaped on the second.
func (b *Broker) sweepHeartbeats() {
	now := time.Now()
	ping := heartbeatPing(now)
	for _, sess := range b.liveSessions() {
		if !sess.sweepAlive() {
			b.logger.Info("reaping dead session",
				slog.String("session", sess.ID), slog.String("handle", sess.Handle()))
			sess.client.CloseWith(websocket.CloseGoingAway, "heartbeat timeout")
			b.CloseSession(sess)
			continue
		}
		sess.Send(ping)
	}
}

// --- last seen ---

func (b *Broker) markLastSeen(handle string, t time.Time) {
	if handle == "" {
		return
	}
	b.lastSeenMu.Lock()
	if prev, ok := b.lastSeenDirty[handle]; !ok || t.After(prev) {
		b.lastSeenDirty[handle] = t
	}
	b.lastSeenMu.Unlock()
}

func (b *Broker) lastSeenLoop() {
	ticker := time.NewTicker(b.opts.LastSeenFlush)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.flushLastSeen(context.Background())
		}
	}
}

// flushLastSeen writes at most one last_seen row per user per flush
// interval. Failures stay dirty and retry on the next tick.
func (b *Broker) flushLastSeen(ctx context.Context) {
	b.lastSeenMu.Lock()
	dirty := b.lastSeenDirty
	b.lastSeenDirty = make(map[string]time.Time)
	b.lastSeenMu.Unlock()

	for handle, t := range dirty {
		if err := b.stores.Users.TouchLastSeen(ctx, handle, t); err != nil {
			b.logger.Warn("last_seen flush failed", slog.String("handle", handle), slog.String("error", err.Error()))
			b.markLastSeen(handle, t)
		}
	}
}

// --- subjects and contacts ---

func (b *Broker) subjectForHandle(ctx context.Context, handle string) (Subject, bool) {
	user, err := b.stores.Users.GetByHandle(ctx, handle)
	if err != nil {
		return Subject{}, false
	}
	return b.subjectForUser(ctx, user), true
}

func (b *Broker) subjectForUser(ctx context.Context, user *models.User) Subject {
	subj := Subject{
		Handle:     user.Handle,
		UserID:     user.ID,
		IdentityID: user.IdentityID,
	}
	if pref, err := b.stores.Preferences.Get(ctx, user.ID); err == nil {
		subj.Prefs = *pref
	}
	if ids, err := b.stores.Relationships.ListIDs(ctx, user.ID, models.RelationshipFollower); err == nil {
		subj.Followers = ids
	}
	if ids, err := b.stores.Relationships.ListIDs(ctx, user.ID, models.RelationshipFollowing); err == nil {
		subj.Following = ids
	}
	return subj
}

// contactHandles returns the viewer's contact union (followers, following,
// close friends, manual connections) as handles, read through the contact
// cache.
func (b *Broker) contactHandles(ctx context.Context, viewer Subject) []string {
	if cached, ok := b.cache.GetContacts(ctx, viewer.Handle); ok {
		return cached
	}

	seen := make(map[string]struct{})
	var handles []string
	add := func(h string) {
		if h == "" || h == viewer.Handle {
			return
		}
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		handles = append(handles, h)
	}

	resolved := b.engine.Resolve(ctx, viewer.Handle)
	for _, h := range []string{resolved, viewer.Handle} {
		peers, err := b.stores.Connections.ListPeers(ctx, h)
		if err != nil {
			continue
		}
		for _, p := range peers {
			add(p)
		}
		if resolved == viewer.Handle {
			break
		}
	}

	var identityIDs []int64
	identityIDs = append(identityIDs, viewer.Followers...)
	identityIDs = append(identityIDs, viewer.Following...)
	if friends, err := b.stores.CloseFriends.ListIDs(ctx, viewer.UserID); err == nil {
		identityIDs = append(identityIDs, friends...)
	}
	if users, err := b.stores.Users.GetByIdentityIDs(ctx, identityIDs); err == nil {
		for _, u := range users {
			add(u.Handle)
		}
	}

	b.cache.SetContacts(ctx, viewer.Handle, handles, b.opts.ContactTTL)
	return handles
}
