package models

// VisibilityMode determines which contacts may see a user's presence.
type VisibilityMode string

const (
	// VisibilityEveryone makes the user visible to all viewers.
	VisibilityEveryone VisibilityMode = "everyone"
	// VisibilityFollowers restricts visibility to the user's followers.
	VisibilityFollowers VisibilityMode = "followers"
	// VisibilityFollowing restricts visibility to users the target follows.
	VisibilityFollowing VisibilityMode = "following"
	// VisibilityCloseFriends restricts visibility to the close-friends set.
	VisibilityCloseFriends VisibilityMode = "close-friends"
	// VisibilityInvisible hides the user from everyone except manual connections.
	VisibilityInvisible VisibilityMode = "invisible"
)

// Valid reports whether m is one of the recognized modes.
func (m VisibilityMode) Valid() bool {
	switch m {
	case VisibilityEveryone, VisibilityFollowers, VisibilityFollowing,
		VisibilityCloseFriends, VisibilityInvisible:
		return true
	}
	return false
}

// Preference holds a user's visibility policy and field-sharing switches.
// Rows are created lazily with permissive defaults. The defaults live in
// DefaultPreference, not in schema default tags: GORM drops zero-valued
// fields that carry a schema default from the insert, which would make an
// explicit false unwritable.
type Preference struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	UserID        uint           `gorm:"unique;not null" json:"user_id"`
	Visibility    VisibilityMode `gorm:"type:varchar(16)" json:"visibility"`
	ShareProject  bool           `gorm:"not null" json:"share_project"`
	ShareLanguage bool           `gorm:"not null" json:"share_language"`
	ShareActivity bool           `gorm:"not null" json:"share_activity"`
}

// TableName specifies the table name for GORM
func (Preference) TableName() string {
	return "preferences"
}

// DefaultPreference returns the permissive defaults applied when a user has
// never stored preferences.
func DefaultPreference(userID uint) Preference {
	return Preference{
		UserID:        userID,
		Visibility:    VisibilityEveryone,
		ShareProject:  true,
		ShareLanguage: true,
		ShareActivity: true,
	}
}
