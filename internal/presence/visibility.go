package presence

import (
	"context"
	"log"

	"beacon/internal/models"
	"beacon/internal/repository"
)

// Subject is either side of a visibility decision: the viewer or the target.
type Subject struct {
	Handle     string
	UserID     uint
	IdentityID *int64
	Followers  []int64
	Following  []int64
	Prefs      models.Preference
}

func subjectFromAggregate(a *Aggregate) Subject {
	return Subject{
		Handle:     a.Handle,
		UserID:     a.UserID,
		IdentityID: a.IdentityID,
		Followers:  a.Followers,
		Following:  a.Following,
		Prefs:      a.Prefs,
	}
}

func subjectFromSnapshot(s SessionSnapshot) Subject {
	return Subject{
		Handle:     s.Handle,
		UserID:     s.UserID,
		IdentityID: s.IdentityID,
		Followers:  s.Followers,
		Following:  s.Following,
		Prefs:      s.Prefs,
	}
}

// Engine decides whether a viewer may see a target. Two orthogonal contact
// graphs compose with a total rule: a manual connection always grants
// visibility (the target consented by issuing or redeeming the invite);
// otherwise the target's visibility mode decides.
type Engine struct {
	conns   repository.ConnectionRepository
	friends repository.CloseFriendRepository
	aliases repository.AliasRepository
}

// NewEngine creates a visibility engine.
func NewEngine(conns repository.ConnectionRepository, friends repository.CloseFriendRepository, aliases repository.AliasRepository) *Engine {
	return &Engine{conns: conns, friends: friends, aliases: aliases}
}

// Resolve maps an identity-provider login back to the guest handle it
// upgraded from, if an alias exists. Resolution is idempotent: a handle
// with no alias resolves to itself.
func (e *Engine) Resolve(ctx context.Context, handle string) string {
	alias, err := e.aliases.GetByLogin(ctx, handle)
	if err != nil {
		return handle
	}
	return alias.GuestHandle
}

// ManuallyConnected checks for a manual connection between the two handles.
// The lookup runs with both alias-resolved and raw handles to cover the
// window where one endpoint upgraded mid-session.
func (e *Engine) ManuallyConnected(ctx context.Context, a, b string) bool {
	ra, rb := e.Resolve(ctx, a), e.Resolve(ctx, b)
	if ok, err := e.conns.Exists(ctx, ra, rb); err == nil && ok {
		return true
	}
	if ra == a && rb == b {
		return false
	}
	ok, err := e.conns.Exists(ctx, a, b)
	if err != nil {
		log.Printf("manual connection lookup failed for %s/%s: %v", a, b, err)
		return false
	}
	return ok
}

// CanSee reports whether viewer is entitled to observe target. A false
// result means target must not appear in any list or delta sent to viewer.
func (e *Engine) CanSee(ctx context.Context, viewer, target Subject) bool {
	if viewer.Handle == target.Handle {
		return true
	}

	// Manual connection overrides every mode, including invisible.
	if e.ManuallyConnected(ctx, viewer.Handle, target.Handle) {
		return true
	}

	switch target.Prefs.Visibility {
	case models.VisibilityInvisible:
		return false
	case models.VisibilityEveryone, "":
		return true
	case models.VisibilityFollowers:
		return viewer.IdentityID != nil && containsID(target.Followers, *viewer.IdentityID)
	case models.VisibilityFollowing:
		return viewer.IdentityID != nil && containsID(target.Following, *viewer.IdentityID)
	case models.VisibilityCloseFriends:
		if viewer.IdentityID == nil {
			return false
		}
		ids, err := e.friends.ListIDs(ctx, target.UserID)
		if err != nil {
			return false
		}
		return containsID(ids, *viewer.IdentityID)
	default:
		return false
	}
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
