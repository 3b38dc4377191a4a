package models

import "time"

// Alias records that a guest handle upgraded to an identity-provider login.
// It is written once at upgrade time and consulted on every username
// resolution so manual connections made as a guest survive the upgrade.
type Alias struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Login       string    `gorm:"unique;not null" json:"login"`
	GuestHandle string    `gorm:"not null;index:idx_aliases_guest" json:"guest_handle"`
	IdentityID  int64     `gorm:"not null" json:"identity_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName specifies the table name for GORM
func (Alias) TableName() string {
	return "aliases"
}
