package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"beacon/internal/cache"
	"beacon/internal/observability"
)

// Event kinds accumulated between flushes.
const (
	eventOnline  = "online"
	eventOffline = "offline"
	eventUpdate  = "update"
)

// fanout coalesces presence changes into one broadcast cycle per debounce
// window. Events for the same handle merge: online followed by offline inside
// one window cancels out entirely, offline followed by online degrades to a
// plain update.
type fanout struct {
	b      *Broker
	mode   string
	window time.Duration

	mu      sync.Mutex
	pending map[string]string
	timer   *time.Timer
	closed  bool
}

func newFanout(b *Broker, mode string, window time.Duration) *fanout {
	return &fanout{
		b:       b,
		mode:    mode,
		window:  window,
		pending: make(map[string]string),
	}
}

func (f *fanout) markOnline(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.pending[handle]; ok && prev == eventOffline {
		f.pending[handle] = eventUpdate
		return
	}
	f.pending[handle] = eventOnline
}

func (f *fanout) markOffline(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.pending[handle]; ok && prev == eventOnline {
		// Came and went inside one window; viewers never saw it.
		delete(f.pending, handle)
		return
	}
	f.pending[handle] = eventOffline
}

func (f *fanout) markDirty(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[handle]; ok {
		return
	}
	f.pending[handle] = eventUpdate
}

// schedule arms the debounce timer. Events arriving while the timer runs
// join the same flush.
func (f *fanout) schedule() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.timer != nil || len(f.pending) == 0 {
		return
	}
	f.timer = time.AfterFunc(f.window, f.flush)
}

func (f *fanout) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.pending = make(map[string]string)
}

func (f *fanout) flush() {
	f.mu.Lock()
	events := f.pending
	f.pending = make(map[string]string)
	f.timer = nil
	f.mu.Unlock()

	if len(events) == 0 {
		return
	}

	ctx := context.Background()
	if f.mode == FanoutDelta {
		f.flushDelta(ctx, events)
	} else {
		f.flushSnapshot(ctx)
	}
	observability.BroadcastsTotal.WithLabelValues(f.mode).Inc()
}

// flushSnapshot rebuilds and sends the complete visible list to every live
// session. The per-viewer list already encodes both visibility filtering and
// preference masking.
func (f *fanout) flushSnapshot(ctx context.Context) {
	for _, sess := range f.b.liveSessions() {
		sess.Send(userListFrame(f.b.visibleList(ctx, sess)))
	}
}

// flushDelta publishes one compact frame per changed handle on that handle's
// channel. Routing to entitled sessions happens on the subscriber side so a
// multi-instance deployment converges through the shared bus.
func (f *fanout) flushDelta(ctx context.Context, events map[string]string) {
	now := time.Now()
	snaps := f.b.sessionSnapshots()
	aggs := CollapseAll(snaps)

	for handle, kind := range events {
		var frame []byte
		switch kind {
		case eventOffline:
			frame = deltaOfflineFrame(handle, now)
		default:
			agg, ok := aggs[handle]
			if !ok {
				rec, cached := f.b.cache.GetPresence(ctx, handle)
				if !cached {
					continue
				}
				agg = aggregateFromRecord(ctx, f.b, rec)
				if agg == nil {
					continue
				}
			}
			if kind == eventOnline {
				f.b.offerSubscription(ctx, handle)
				frame = deltaOnlineFrame(agg.Public(), now)
			} else {
				frame = deltaUpdateFrame(agg.Public(), now)
			}
		}
		if err := f.b.cache.Publish(ctx, cache.Channel(handle), string(frame)); err != nil {
			f.b.logger.Warn("delta publish failed")
		}
	}
}

// routeDelta delivers a bus message to local sessions subscribed to the
// subject handle. A session never receives deltas about its own handle.
func (b *Broker) routeDelta(channel, payload string) {
	handle, ok := cache.HandleFromChannel(channel)
	if !ok {
		return
	}
	frame := []byte(payload)
	for _, sess := range b.liveSessions() {
		if sess.Handle() == handle {
			continue
		}
		if sess.SubscribedTo(handle) {
			sess.Send(frame)
		}
	}
}

// refreshSubscriptions recomputes the session's full entitlement set against
// every currently online handle. Called once at admission.
func (b *Broker) refreshSubscriptions(ctx context.Context, sess *Session) {
	viewer := subjectFromSnapshot(sess.Snapshot())
	subs := make(map[string]struct{})

	for handle, agg := range CollapseAll(b.sessionSnapshots()) {
		if handle == viewer.Handle {
			continue
		}
		if b.engine.CanSee(ctx, viewer, subjectFromAggregate(agg)) {
			subs[handle] = struct{}{}
		}
	}
	for _, handle := range b.pendingResumeHandles() {
		if handle == viewer.Handle {
			continue
		}
		if target, ok := b.subjectForHandle(ctx, handle); ok && b.engine.CanSee(ctx, viewer, target) {
			subs[handle] = struct{}{}
		}
	}
	sess.setSubscriptions(subs)
}

// offerSubscription subscribes every entitled live session to a handle that
// just came online.
func (b *Broker) offerSubscription(ctx context.Context, handle string) {
	target, ok := b.subjectForHandle(ctx, handle)
	if !ok {
		return
	}
	for _, sess := range b.liveSessions() {
		if sess.Handle() == handle {
			continue
		}
		viewer := subjectFromSnapshot(sess.Snapshot())
		if b.engine.CanSee(ctx, viewer, target) {
			sess.subscribe(handle)
		}
	}
}

// reofferSubscription re-evaluates every session's entitlement to a handle
// after its visibility policy or connection set changed, subscribing or
// unsubscribing as the new policy dictates.
func (b *Broker) reofferSubscription(ctx context.Context, handle string) {
	target, ok := b.subjectForHandle(ctx, handle)
	if !ok {
		return
	}
	now := time.Now()
	for _, sess := range b.liveSessions() {
		if sess.Handle() == handle {
			continue
		}
		viewer := subjectFromSnapshot(sess.Snapshot())
		if b.engine.CanSee(ctx, viewer, target) {
			sess.subscribe(handle)
			continue
		}
		if sess.SubscribedTo(handle) {
			sess.unsubscribe(handle)
			// The viewer lost sight of the handle; from their side it is
			// indistinguishable from going offline.
			sess.Send(deltaOfflineFrame(handle, now))
		}
	}
}

// visibleList builds the viewer's complete presence list: online aggregates
// the viewer may see, handles inside their resume grace window, and offline
// contacts seen within the offline window.
func (b *Broker) visibleList(ctx context.Context, viewerSess *Session) []PublicUser {
	viewer := subjectFromSnapshot(viewerSess.Snapshot())
	aggs := CollapseAll(b.sessionSnapshots())

	// Handles in their resume grace window stay listed as online, rebuilt
	// from the cached record so viewers see no flap.
	for _, handle := range b.pendingResumeHandles() {
		if _, ok := aggs[handle]; ok {
			continue
		}
		if rec, ok := b.cache.GetPresence(ctx, handle); ok {
			if agg := aggregateFromRecord(ctx, b, rec); agg != nil {
				aggs[handle] = agg
			}
		}
	}

	var online []PublicUser
	listed := make(map[string]struct{}, len(aggs))
	for handle, agg := range aggs {
		if !b.engine.CanSee(ctx, viewer, subjectFromAggregate(agg)) {
			continue
		}
		online = append(online, agg.Public())
		listed[handle] = struct{}{}
	}
	sort.Slice(online, func(i, j int) bool { return online[i].Handle < online[j].Handle })

	cutoff := time.Now().Add(-b.opts.OfflineWindow)
	var offline []PublicUser
	for _, handle := range b.contactHandles(ctx, viewer) {
		if _, ok := listed[handle]; ok {
			continue
		}
		user, err := b.stores.Users.GetByHandle(ctx, handle)
		if err != nil || user.LastSeen.Before(cutoff) {
			continue
		}
		if !b.engine.CanSee(ctx, viewer, b.subjectForUser(ctx, user)) {
			continue
		}
		offline = append(offline, PublicUser{
			Handle:   user.Handle,
			Avatar:   user.Avatar,
			Status:   StatusOffline,
			LastSeen: user.LastSeen.Unix(),
		})
	}
	sort.Slice(offline, func(i, j int) bool { return offline[i].LastSeen > offline[j].LastSeen })

	return append(online, offline...)
}

// aggregateFromRecord reconstructs a displayable aggregate from the cached
// presence record of a handle with no local sessions, loading the policy
// fields from durable state.
func aggregateFromRecord(ctx context.Context, b *Broker, rec *cache.PresenceRecord) *Aggregate {
	user, err := b.stores.Users.GetByHandle(ctx, rec.Handle)
	if err != nil {
		return nil
	}
	subj := b.subjectForUser(ctx, user)
	return &Aggregate{
		Handle:     user.Handle,
		UserID:     user.ID,
		IdentityID: user.IdentityID,
		Avatar:     user.Avatar,
		Followers:  subj.Followers,
		Following:  subj.Following,
		Prefs:      subj.Prefs,
		Status:     rec.Status,
		Activity:   Activity(rec.Activity),
		Project:    rec.Project,
		Language:   rec.Language,
		UpdatedAt:  time.Unix(rec.LastSeen, 0),
	}
}
