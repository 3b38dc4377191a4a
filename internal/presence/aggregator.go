package presence

import (
	"time"

	"beacon/internal/models"
)

// Aggregate is the single displayable presence collapsed from every live
// session sharing a handle.
type Aggregate struct {
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

// Collapse selects the session with the highest-priority activity; ties go
// to the most recently updated session. The winning session contributes
// activity, project, language and status; handle-stable fields come along
// with it.
func Collapse(sessions []SessionSnapshot) *Aggregate {
	if len(sessions) == 0 {
		return nil
	}

	best := sessions[0]
	for _, s := range sessions[1:] {
		if s.Activity.Priority() > best.Activity.Priority() ||
			(s.Activity.Priority() == best.Activity.Priority() && s.UpdatedAt.After(best.UpdatedAt)) {
			best = s
		}
	}

	return &Aggregate{
		Handle:     best.Handle,
		UserID:     best.UserID,
		IdentityID: best.IdentityID,
		Avatar:     best.Avatar,
		Followers:  best.Followers,
		Following:  best.Following,
		Prefs:      best.Prefs,
		Status:     best.Status,
		Activity:   best.Activity,
		Project:    best.Project,
		Language:   best.Language,
		UpdatedAt:  best.UpdatedAt,
	}
}

// CollapseAll groups session snapshots by handle and collapses each group.
func CollapseAll(sessions []SessionSnapshot) map[string]*Aggregate {
	grouped := make(map[string][]SessionSnapshot)
	for _, s := range sessions {
		grouped[s.Handle] = append(grouped[s.Handle], s)
	}
	aggregates := make(map[string]*Aggregate, len(grouped))
	for handle, group := range grouped {
		aggregates[handle] = Collapse(group)
	}
	return aggregates
}

// Public converts the aggregate into its viewer-facing record, masking
// fields the owner chose not to share. Masking is viewer-independent;
// whether the viewer may see the record at all is the visibility engine's
// decision.
func (a *Aggregate) Public() PublicUser {
	u := PublicUser{
		Handle:   a.Handle,
		Avatar:   a.Avatar,
		Status:   a.Status,
		Activity: string(a.Activity),
		Project:  a.Project,
		Language: a.Language,
	}
	if !a.Prefs.ShareProject {
		u.Project = ""
	}
	if !a.Prefs.ShareLanguage {
		u.Language = ""
	}
	if !a.Prefs.ShareActivity {
		u.Activity = string(ActivityHidden)
	}
	return u
}
