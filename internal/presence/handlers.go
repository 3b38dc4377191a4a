package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"beacon/internal/cache"
	"beacon/internal/identity"
	"beacon/internal/models"
	"beacon/internal/observability"

	"github.com/google/uuid"
)

// HandleFrame processes one inbound frame for the session. The first frame
// must be a login; everything else on a pending session is rejected.
func (b *Broker) HandleFrame(sess *Session, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		sess.Send(errorFrame("Invalid message format"))
		return
	}
	kind := env.kind()
	observability.FramesTotal.WithLabelValues(kind).Inc()

	ctx := context.Background()

	if sess.State() != StateLive {
		if kind != kindLogin {
			sess.Send(errorFrame("Authentication required"))
			return
		}
		b.handleLogin(ctx, sess, raw)
		return
	}

	switch kind {
	case kindLogin:
		sess.Send(errorFrame("Already authenticated"))
		return
	case kindHeartbeat:
		b.handleHeartbeat(sess, raw)
		return
	}

	if !b.limiter.AllowMessage(ctx, sess.Handle()) {
		sess.Send(errorFrame("Rate limit exceeded"))
		return
	}

	switch kind {
	case kindStatusUpdate:
		b.handleStatusUpdate(ctx, sess, raw)
	case kindUpdatePreferences:
		b.handleUpdatePreferences(ctx, sess, raw)
	case kindCreateInvite:
		b.handleCreateInvite(ctx, sess, raw)
	case kindAcceptInvite:
		b.handleAcceptInvite(ctx, sess, raw)
	case kindRemoveConnection:
		b.handleRemoveConnection(ctx, sess, raw)
	case kindCreateAlias:
		b.handleCreateAlias(ctx, sess, raw)
	case kindChatSend:
		b.handleChatSend(ctx, sess, raw)
	case kindChatHistory:
		b.handleChatHistory(ctx, sess, raw)
	case kindChatMarkRead:
		b.handleChatMarkRead(ctx, sess, raw)
	default:
		sess.Send(errorFrame("Unknown message type"))
	}
}

// handleLogin admits a pending session. Three paths, tried in order: silent
// resume by token, identity-provider admission, guest admission. A failed
// resume or a failed token resolution degrades to the next path rather than
// closing the socket.
func (b *Broker) handleLogin(ctx context.Context, sess *Session, raw []byte) {
	var frame loginFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		sess.Send(errorFrame("Invalid message format"))
		return
	}

	if frame.ResumeToken != "" && b.cache.Available() {
		if grant, ok := b.cache.TakeResumeToken(ctx, frame.ResumeToken); ok {
			if frame.Handle == "" || frame.Handle == grant.Handle {
				b.admitResumed(ctx, sess, frame, grant)
				return
			}
			// Token consumed but handle mismatched; fall through to a fresh
			// admission under the requested handle.
		}
	}

	if frame.Token != "" {
		ident, err := b.resolver.Resolve(ctx, frame.Token)
		if err == nil {
			b.admitIdentity(ctx, sess, frame, ident)
			return
		}
		b.logger.Warn("identity resolution failed, degrading to guest",
			slog.String("session", sess.ID), slog.String("error", err.Error()))
	}

	if frame.Handle == "" {
		sess.Send(errorFrame("Handle is required"))
		return
	}
	user, err := b.stores.Users.EnsureGuest(ctx, frame.Handle)
	if err != nil {
		sess.Send(errorFrame(appErrorMessage(err)))
		return
	}
	b.admit(ctx, sess, frame, user, nil, nil, false)
}

func (b *Broker) admitIdentity(ctx context.Context, sess *Session, frame loginFrame, ident *identity.Identity) {
	user, err := b.stores.Users.UpsertIdentity(ctx, ident.Login, ident.ID, ident.Avatar)
	if err != nil {
		sess.Send(errorFrame(appErrorMessage(err)))
		return
	}
	if err := b.stores.Relationships.ReplaceAll(ctx, user.ID, ident.Followers, ident.Following); err != nil {
		b.logger.Warn("contact graph refresh failed",
			slog.String("handle", user.Handle), slog.String("error", err.Error()))
	}
	b.cache.InvalidateContacts(ctx, user.Handle)
	b.admit(ctx, sess, frame, user, ident.Followers, ident.Following, false)
}

func (b *Broker) admitResumed(ctx context.Context, sess *Session, frame loginFrame, grant *cache.ResumeGrant) {
	user, err := b.stores.Users.GetByHandle(ctx, grant.Handle)
	if err != nil {
		// The grant outlived the account somehow; treat as a fresh guest.
		user, err = b.stores.Users.EnsureGuest(ctx, grant.Handle)
		if err != nil {
			sess.Send(errorFrame(appErrorMessage(err)))
			return
		}
	}
	var followers, following []int64
	if user.IdentityID != nil {
		followers, _ = b.stores.Relationships.ListIDs(ctx, user.ID, models.RelationshipFollower)
		following, _ = b.stores.Relationships.ListIDs(ctx, user.ID, models.RelationshipFollowing)
	}
	b.admit(ctx, sess, frame, user, followers, following, true)
}

// admit finalizes admission on any path: session state, registration, resume
// token minting, the initial list, and the come-online fan-out.
func (b *Broker) admit(ctx context.Context, sess *Session, frame loginFrame, user *models.User,
	followers, following []int64, resumed bool) {

	pref, err := b.stores.Preferences.Get(ctx, user.ID)
	if err != nil {
		sess.Send(errorFrame(appErrorMessage(err)))
		return
	}
	if mode := models.VisibilityMode(frame.VisibilityMode); frame.VisibilityMode != "" {
		if !mode.Valid() {
			sess.Send(errorFrame("Unknown visibility mode"))
			return
		}
		pref.Visibility = mode
		if err := b.stores.Preferences.Upsert(ctx, pref); err != nil {
			sess.Send(errorFrame(appErrorMessage(err)))
			return
		}
	}

	now := time.Now()
	sess.mu.Lock()
	sess.state = StateLive
	sess.handle = user.Handle
	sess.userID = user.ID
	sess.identityID = user.IdentityID
	sess.avatar = user.Avatar
	sess.followers = followers
	sess.following = following
	sess.prefs = *pref
	sess.status = StatusOnline
	sess.activity = ActivityIdle
	sess.updatedAt = now
	sess.alive = true
	sess.resumed = resumed
	sess.mu.Unlock()

	first := b.register(sess, user.Handle)
	graceCancelled := b.cancelOfflineGrace(user.Handle)

	if b.cache.Available() {
		token := uuid.NewString()
		grant := cache.ResumeGrant{Handle: user.Handle, IdentityID: user.IdentityID, Avatar: user.Avatar}
		if err := b.cache.PutResumeToken(ctx, token, grant, b.opts.ResumeTTL); err == nil {
			sess.Send(tokenFrame(token))
		}
	}

	if counts, err := b.chat.UnreadCounts(ctx, user.Handle); err == nil {
		sess.Send(unreadFrame(counts))
	}

	b.markLastSeen(user.Handle, now)
	b.refreshPresenceCache(ctx, user.Handle)

	if b.opts.FanoutMode == FanoutDelta {
		b.refreshSubscriptions(ctx, sess)
		b.offerSubscription(ctx, user.Handle)
		sess.Send(syncFrame(b.visibleList(ctx, sess)))
	} else {
		sess.Send(userListFrame(b.visibleList(ctx, sess)))
	}

	// A resume inside the grace window never flapped offline, so viewers see
	// at most a state refresh, not a come-online event.
	if first && !graceCancelled {
		b.fan.markOnline(user.Handle)
	} else {
		b.fan.markDirty(user.Handle)
	}
	b.fan.schedule()

	b.logger.Info("session admitted",
		slog.String("session", sess.ID),
		slog.String("handle", user.Handle),
		slog.Bool("resumed", resumed),
		slog.Bool("guest", user.IdentityID == nil))
}

func (b *Broker) handleHeartbeat(sess *Session, raw []byte) {
	var frame heartbeatFrame
	_ = json.Unmarshal(raw, &frame)
	sess.markAlive()
	b.markLastSeen(sess.Handle(), time.Now())
	sess.Send(heartbeatAck(frame.Ts))
}

func (b *Broker) handleStatusUpdate(ctx context.Context, sess *Session, raw []byte) {
	var frame statusUpdateFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		sess.Send(errorFrame("Invalid message format"))
		return
	}

	sess.mu.Lock()
	if frame.Status != nil {
		sess.status = *frame.Status
	}
	if frame.Activity != nil {
		sess.activity = Activity(*frame.Activity)
	}
	if frame.Project != nil {
		sess.project = *frame.Project
	}
	if frame.Language != nil {
		sess.language = *frame.Language
	}
	sess.updatedAt = time.Now()
	handle := sess.handle
	sess.mu.Unlock()

	b.markLastSeen(handle, time.Now())
	b.refreshPresenceCache(ctx, handle)
	b.fan.markDirty(handle)
	b.fan.schedule()
}

func (b *Broker) handleUpdatePreferences(ctx context.Context, sess *Session, raw []byte) {
	var frame updatePreferencesFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		sess.Send(errorFrame("Invalid message format"))
		return
	}
	p := frame.Preferences

	snap := sess.Snapshot()
	pref, err := b.stores.Preferences.Get(ctx, snap.UserID)
	if err != nil {
		sess.Send(errorFrame(appErrorMessage(err)))
		return
	}
	if p.Visibility != "" {
		mode := models.VisibilityMode(p.Visibility)
		if !mode.Valid() {
			sess.Send(errorFrame("Unknown visibility mode"))
			return
		}
		pref.Visibility = mode
	}
	if p.ShareProject != nil {
		pref.ShareProject = *p.ShareProject
	}
	if p.ShareLanguage != nil {
		pref.ShareLanguage = *p.ShareLanguage
	}
	if p.ShareActivity != nil {
		pref.ShareActivity = *p.ShareActivity
	}
	if err := b.stores.Preferences.Upsert(ctx, pref); err != nil {
		sess.Send(errorFrame(appErrorMessage(err)))
		return
	}

	if p.CloseFriends != nil {
		if err := b.stores.CloseFriends.Replace(ctx, snap.UserID, *p.CloseFriends); err != nil {
			sess.Send(errorFrame(appErrorMessage(err)))
			return
		}
	}

	// Preferences apply per user, so every window of the handle picks them up.
	for _, s := range b.sessionsForHandle(snap.Handle) {
		s.mu.Lock()
		s.prefs = *pref
		s.mu.Unlock()
	}
	sess.Send(preferencesUpdatedFrame())

	b.cache.InvalidateContacts(ctx, snap.Handle)
	if b.opts.FanoutMode == FanoutDelta {
		b.reofferSubscription(ctx, snap.Handle)
	}
	b.fan.markDirty(snap.Handle)
	b.fan.schedule()
}

func (b *Broker) handleCreateInvite(ctx context.Context, sess *Session, raw []byte) {
	var frame createInviteFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		sess.Send(errorFrame("Invalid message format"))
		return
	}
	ttlHours := -1
	if frame.TTLHours != nil {
		ttlHours = *frame.TTLHours
	}
	invite, err := b.invites.Create(ctx, sess.Handle(), ttlHours)
	if err != nil {
		sess.Send(errorFrame(appErrorMessage(err)))
		return
	}
	sess.Send(inviteCreatedFrame(invite.Code, invite.ExpiresAt))
}

func (b *Broker) handleAcceptInvite(ctx context.Context, sess *Session, raw []byte) {
	var frame acceptInviteFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		sess.Send(errorFrame("Invalid message format"))
		return
	}
	redeemer := sess.Handle()
	creator, err := b.invites.Accept(ctx, redeemer, frame.Code)
	if err != nil {
		sess.Send(inviteRejectedFrame(appErrorMessage(err)))
		return
	}

	for _, s := range b.sessionsForHandle(redeemer) {
		s.Send(inviteAcceptedFrame(creator))
	}
	for _, s := range b.sessionsForHandle(creator) {
		s.Send(friendJoinedFrame(redeemer))
	}

	if b.opts.FanoutMode == FanoutDelta {
		b.reofferSubscription(ctx, creator)
		b.reofferSubscription(ctx, redeemer)
	}
	b.fan.markDirty(creator)
	b.fan.markDirty(redeemer)
	b.fan.schedule()
}

func (b *Broker) handleRemoveConnection(ctx context.Context, sess *Session, raw []byte) {
	var frame removeConnectionFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		sess.Send(errorFrame("Invalid message format"))
		return
	}
	caller := sess.Handle()
	if err := b.invites.RemoveConnection(ctx, caller, frame.Username); err != nil {
		sess.Send(errorFrame(appErrorMessage(err)))
		return
	}

	for _, s := range b.sessionsForHandle(caller) {
		s.Send(connectionRemovedFrame(frame.Username))
	}
	for _, s := range b.sessionsForHandle(frame.Username) {
		s.Send(connectionRemovedFrame(caller))
	}

	if b.opts.FanoutMode == FanoutDelta {
		b.reofferSubscription(ctx, caller)
		b.reofferSubscription(ctx, frame.Username)
	}
	b.fan.markDirty(caller)
	b.fan.markDirty(frame.Username)
	b.fan.schedule()
}

func (b *Broker) handleCreateAlias(ctx context.Context, sess *Session, raw []byte) {
	var frame createAliasFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		sess.Send(errorFrame("Invalid message format"))
		return
	}
	if frame.GithubUsername == "" || frame.GuestUsername == "" || frame.GithubID == 0 {
		sess.Send(errorFrame("githubUsername, guestUsername, and githubId are required"))
		return
	}
	alias := &models.Alias{
		Login:       frame.GithubUsername,
		GuestHandle: frame.GuestUsername,
		IdentityID:  frame.GithubID,
	}
	if err := b.stores.Aliases.Create(ctx, alias); err != nil {
		sess.Send(errorFrame(appErrorMessage(err)))
		return
	}
	b.cache.InvalidateContacts(ctx, frame.GithubUsername, frame.GuestUsername)
	sess.Send(aliasCreatedFrame(frame.GithubUsername, frame.GuestUsername))
}

func (b *Broker) handleChatSend(ctx context.Context, sess *Session, raw []byte) {
	var frame chatSendFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		sess.Send(errorFrame("Invalid message format"))
		return
	}
	from := sess.Handle()
	msg, err := b.chat.Send(ctx, from, frame.To, frame.Body)
	if err != nil {
		sess.Send(errorFrame(appErrorMessage(err)))
		return
	}

	out := chatMessageFrame(msg.ID, msg.FromHandle, msg.ToHandle, msg.Body, msg.CreatedAt)
	for _, s := range b.sessionsForHandle(frame.To) {
		s.Send(out)
	}
	// Echo to every window of the sender, including this one, so all views
	// converge on the server-assigned id and timestamp.
	for _, s := range b.sessionsForHandle(from) {
		s.Send(out)
	}
}

func (b *Broker) handleChatHistory(ctx context.Context, sess *Session, raw []byte) {
	var frame chatHistoryFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		sess.Send(errorFrame("Invalid message format"))
		return
	}
	messages, err := b.chat.History(ctx, sess.Handle(), frame.Peer, frame.Limit)
	if err != nil {
		sess.Send(errorFrame(appErrorMessage(err)))
		return
	}
	entries := make([]chatHistoryEntry, 0, len(messages))
	for _, m := range messages {
		var readAt *int64
		if m.ReadAt != nil {
			ms := m.ReadAt.UnixMilli()
			readAt = &ms
		}
		entries = append(entries, chatHistoryEntry{
			ID:     m.ID,
			From:   m.FromHandle,
			To:     m.ToHandle,
			Body:   m.Body,
			Ts:     m.CreatedAt.UnixMilli(),
			ReadAt: readAt,
		})
	}
	sess.Send(chatHistoryFrameOut(frame.Peer, entries))
}

func (b *Broker) handleChatMarkRead(ctx context.Context, sess *Session, raw []byte) {
	var frame chatMarkReadFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		sess.Send(errorFrame("Invalid message format"))
		return
	}
	count, err := b.chat.MarkRead(ctx, sess.Handle(), frame.Peer)
	if err != nil {
		sess.Send(errorFrame(appErrorMessage(err)))
		return
	}
	sess.Send(chatReadFrame(frame.Peer, count))
}

// appErrorMessage maps an error to its client-safe message. AppError carries
// one; anything else becomes a generic internal error.
func appErrorMessage(err error) string {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "Internal server error"
}
