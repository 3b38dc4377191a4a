package cache

import (
	"context"
	"encoding/json"
	"log"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix = "pres:user:"
	resumeKeyPrefix   = "resume:"
	contactsKeyPrefix = "contacts:"
	channelPrefix     = "presence:"

	// DefaultPresenceTTL is how long a presence record outlives its last
	// heartbeat refresh.
	DefaultPresenceTTL = 45 * time.Second
	// DefaultResumeTTL bounds the silent-resume window after a disconnect.
	DefaultResumeTTL = 60 * time.Second
	// DefaultContactTTL bounds staleness of the read-through contact cache.
	DefaultContactTTL = 300 * time.Second

	localSweepInterval = 30 * time.Second
)

// PresenceRecord is the cached live presence for one handle. Absence of a
// record means offline.
type PresenceRecord struct {
	Handle   string `json:"handle"`
	Status   string `json:"status"`
	Activity string `json:"activity"`
	Project  string `json:"project"`
	Language string `json:"language"`
	LastSeen int64  `json:"last_seen"`
}

// ResumeGrant is the state re-bound to a session that resumes with a token.
type ResumeGrant struct {
	Handle     string `json:"handle"`
	IdentityID *int64 `json:"identity_id,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
}

type localEntry struct {
	data      []byte
	expiresAt time.Time
}

// Store is the presence cache. With a Redis client it is shared across
// broker instances; without one it falls back to in-process maps and a
// local subscriber list. Correctness never depends on it: all invariants
// hold from durable state alone.
type Store struct {
	rdb *redis.Client

	mu       sync.Mutex
	presence map[string]localEntry
	resumes  map[string]localEntry
	contacts map[string]localEntry

	subMu sync.RWMutex
	subs  []func(channel, payload string)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewStore creates a presence cache backed by rdb, or by in-process maps
// when rdb is nil.
func NewStore(rdb *redis.Client) *Store {
	s := &Store{
		rdb:      rdb,
		presence: make(map[string]localEntry),
		resumes:  make(map[string]localEntry),
		contacts: make(map[string]localEntry),
		stopCh:   make(chan struct{}),
	}
	if rdb == nil {
		go s.sweepLoop()
	}
	return s
}

// Available reports whether the shared (Redis) cache is in use. Resume
// tokens are only issued when the cache is shared, per the degradation
// contract.
func (s *Store) Available() bool {
	return s.rdb != nil
}

// Stop terminates background work. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Channel derives the pub/sub channel name for a handle.
func Channel(handle string) string {
	return channelPrefix + handle
}

// HandleFromChannel extracts the handle from a presence channel name.
func HandleFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, channelPrefix) {
		return "", false
	}
	return strings.TrimPrefix(channel, channelPrefix), true
}

// SetPresence writes the live record for rec.Handle with the given TTL.
func (s *Store) SetPresence(ctx context.Context, rec PresenceRecord, ttl time.Duration) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if s.rdb != nil {
		if err := s.rdb.SetEx(ctx, presenceKeyPrefix+rec.Handle, data, ttl).Err(); err != nil {
			log.Printf("presence cache write failed for %s: %v", rec.Handle, err)
		}
		return
	}
	s.localPut(s.presence, rec.Handle, data, ttl)
}

// GetPresence returns the live record for handle, if any.
func (s *Store) GetPresence(ctx context.Context, handle string) (*PresenceRecord, bool) {
	var data []byte
	if s.rdb != nil {
		raw, err := s.rdb.Get(ctx, presenceKeyPrefix+handle).Bytes()
		if err != nil {
			return nil, false
		}
		data = raw
	} else {
		raw, ok := s.localGet(s.presence, handle)
		if !ok {
			return nil, false
		}
		data = raw
	}
	var rec PresenceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

// DropPresence removes the live record for handle.
func (s *Store) DropPresence(ctx context.Context, handle string) {
	if s.rdb != nil {
		_ = s.rdb.Del(ctx, presenceKeyPrefix+handle).Err()
		return
	}
	s.localDel(s.presence, handle)
}

// PutResumeToken stores a one-time resume grant under token.
func (s *Store) PutResumeToken(ctx context.Context, token string, grant ResumeGrant, ttl time.Duration) error {
	data, err := json.Marshal(grant)
	if err != nil {
		return err
	}
	if s.rdb != nil {
		return s.rdb.SetEx(ctx, resumeKeyPrefix+token, data, ttl).Err()
	}
	s.localPut(s.resumes, token, data, ttl)
	return nil
}

// TakeResumeToken consumes a resume token: the grant is returned at most
// once, and the token is gone afterwards regardless of outcome.
func (s *Store) TakeResumeToken(ctx context.Context, token string) (*ResumeGrant, bool) {
	var data []byte
	if s.rdb != nil {
		raw, err := s.rdb.GetDel(ctx, resumeKeyPrefix+token).Bytes()
		if err != nil {
			return nil, false
		}
		data = raw
	} else {
		raw, ok := s.localGet(s.resumes, token)
		if !ok {
			return nil, false
		}
		s.localDel(s.resumes, token)
		data = raw
	}
	var grant ResumeGrant
	if err := json.Unmarshal(data, &grant); err != nil {
		return nil, false
	}
	return &grant, true
}

// SetContacts caches the contact union for a viewer handle.
func (s *Store) SetContacts(ctx context.Context, handle string, contacts []string, ttl time.Duration) {
	data, err := json.Marshal(contacts)
	if err != nil {
		return
	}
	if s.rdb != nil {
		_ = s.rdb.SetEx(ctx, contactsKeyPrefix+handle, data, ttl).Err()
		return
	}
	s.localPut(s.contacts, handle, data, ttl)
}

// GetContacts returns the cached contact union for handle, if fresh.
func (s *Store) GetContacts(ctx context.Context, handle string) ([]string, bool) {
	var data []byte
	if s.rdb != nil {
		raw, err := s.rdb.Get(ctx, contactsKeyPrefix+handle).Bytes()
		if err != nil {
			return nil, false
		}
		data = raw
	} else {
		raw, ok := s.localGet(s.contacts, handle)
		if !ok {
			return nil, false
		}
		data = raw
	}
	var contacts []string
	if err := json.Unmarshal(data, &contacts); err != nil {
		return nil, false
	}
	return contacts, true
}

// InvalidateContacts drops cached contact unions. Called whenever a manual
// connection is added or removed, or a preference changes.
func (s *Store) InvalidateContacts(ctx context.Context, handles ...string) {
	if s.rdb != nil {
		keys := make([]string, len(handles))
		for i, h := range handles {
			keys[i] = contactsKeyPrefix + h
		}
		_ = s.rdb.Del(ctx, keys...).Err()
		return
	}
	for _, h := range handles {
		s.localDel(s.contacts, h)
	}
}

// Publish emits a payload on a presence channel.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	if s.rdb != nil {
		return s.rdb.Publish(ctx, channel, payload).Err()
	}
	s.subMu.RLock()
	subs := make([]func(string, string), len(s.subs))
	copy(subs, s.subs)
	s.subMu.RUnlock()
	for _, fn := range subs {
		fn(channel, payload)
	}
	return nil
}

// StartSubscriber subscribes to the presence pattern and calls onMessage for
// each incoming message until ctx is cancelled.
func (s *Store) StartSubscriber(ctx context.Context, onMessage func(channel, payload string)) error {
	if s.rdb == nil {
		s.subMu.Lock()
		s.subs = append(s.subs, onMessage)
		s.subMu.Unlock()
		return nil
	}

	sub := s.rdb.PSubscribe(ctx, channelPrefix+"*")
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Printf("PANIC in presence subscriber: %v\n%s", r, debug.Stack())
						}
					}()
					onMessage(msg.Channel, msg.Payload)
				}()
			}
		}
	}()

	return nil
}

func (s *Store) localPut(m map[string]localEntry, key string, data []byte, ttl time.Duration) {
	s.mu.Lock()
	m[key] = localEntry{data: data, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
}

func (s *Store) localGet(m map[string]localEntry, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := m[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(m, key)
		return nil, false
	}
	return e.data, true
}

func (s *Store) localDel(m map[string]localEntry, key string) {
	s.mu.Lock()
	delete(m, key)
	s.mu.Unlock()
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(localSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for _, m := range []map[string]localEntry{s.presence, s.resumes, s.contacts} {
				for k, e := range m {
					if now.After(e.expiresAt) {
						delete(m, k)
					}
				}
			}
			s.mu.Unlock()
		}
	}
}
