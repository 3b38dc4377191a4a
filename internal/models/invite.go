package models

import "time"

// Invite is a single-use code for establishing a manual connection out of
// band. Lifecycle is linear: fresh, then redeemed or expired, both terminal.
type Invite struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Code      string     `gorm:"unique;not null" json:"code"`
	Creator   string     `gorm:"not null;index:idx_invites_creator" json:"creator"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `gorm:"not null" json:"expires_at"`
	UsedBy    *string    `json:"used_by,omitempty"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// TableName specifies the table name for GORM
func (Invite) TableName() string {
	return "invites"
}

// Redeemed reports whether the code has already been used.
func (i *Invite) Redeemed() bool {
	return i.UsedBy != nil
}

// Expired reports whether the code's TTL has elapsed at t.
func (i *Invite) Expired(t time.Time) bool {
	return !t.Before(i.ExpiresAt)
}
