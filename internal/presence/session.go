package presence

import (
	"sync"
	"time"

	"beacon/internal/models"
)

// SessionState tracks a session through its lifecycle.
type SessionState int

const (
	// StateAwaitingLogin is the state before the first frame; only a login
	// frame is accepted.
	StateAwaitingLogin SessionState = iota
	// StateLive is a fully admitted session.
	StateLive
	// StateClosed is terminal.
	StateClosed
)

// Session is one connected client instance (one editor window). Many
// sessions may share a handle. The broker exclusively owns the mutable
// fields; other components read them through Snapshot.
type Session struct {
	// Immutable after admission.
	ID         string
	RemoteAddr string
	client     *Client

	mu sync.Mutex

	state      SessionState
	handle     string
	userID     uint
	identityID *int64
	avatar     string
	followers  []int64
	following  []int64
	prefs      models.Preference

	status    string
	activity  Activity
	project   string
	language  string
	updatedAt time.Time

	alive   bool
	resumed bool

	// Delta-mode subscription set: handles this session is entitled to see.
	subs map[string]struct{}
}

// SessionSnapshot is an immutable copy of a session's presence fields, taken
// under the session lock so broadcasts never observe a mid-update state.
type SessionSnapshot struct {
	ID         string
	Handle     string
	UserID     uint
	IdentityID *int64
	Avatar     string
	Followers  []int64
	Following  []int64
	Prefs      models.Preference

	Status    string
	Activity  Activity
	Project   string
	Language  string
	UpdatedAt time.Time
}

// Snapshot returns a consistent copy of the session's presence fields.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		ID:         s.ID,
		Handle:     s.handle,
		UserID:     s.userID,
		IdentityID: s.identityID,
		Avatar:     s.avatar,
		Followers:  s.followers,
		Following:  s.following,
		Prefs:      s.prefs,
		Status:     s.status,
		Activity:   s.activity,
		Project:    s.project,
		Language:   s.language,
		UpdatedAt:  s.updatedAt,
	}
}

// Handle returns the session's handle, empty before admission.
func (s *Session) Handle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// State returns the session's lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send queues an outbound frame for this session.
func (s *Session) Send(frame []byte) {
	s.client.TrySend(frame)
}

func (s *Session) markAlive() {
	s.mu.Lock()
	s.alive = true
	s.mu.Unlock()
}

// sweepAlive clears the liveness flag and reports whether the session was
// alive when the sweep ran.
func (s *Session) sweepAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.alive
	s.alive = false
	return was
}

func (s *Session) setSubscriptions(handles map[string]struct{}) {
	s.mu.Lock()
	s.subs = handles
	s.mu.Unlock()
}

func (s *Session) subscribe(handle string) {
	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[string]struct{})
	}
	s.subs[handle] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) unsubscribe(handle string) {
	s.mu.Lock()
	delete(s.subs, handle)
	s.mu.Unlock()
}

// SubscribedTo reports whether the session's delta subscription set covers
// the handle.
func (s *Session) SubscribedTo(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[handle]
	return ok
}
