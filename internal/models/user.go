// Package models contains data structures for the broker's domain entities.
package models

import (
	"time"
)

// User is one presence-broker account. A user is created on first successful
// admission, either as a guest (Handle only) or via the identity provider
// (IdentityID and Avatar populated). Users are never implicitly deleted.
type User struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Handle     string    `gorm:"unique;not null" json:"handle"`
	IdentityID *int64    `gorm:"index" json:"identity_id,omitempty"`
	Avatar     string    `json:"avatar"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeen   time.Time `json:"last_seen"`
}

// TableName specifies the table name for GORM
func (User) TableName() string {
	return "users"
}
