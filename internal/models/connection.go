package models

import "time"

// Connection is one directed half of a manual (invite-derived) connection.
// A manual connection between a and b is always stored as the two rows
// (a,b) and (b,a); creation and removal touch both rows in one transaction
// so the pair is symmetric at all times.
type Connection struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	User1     string    `gorm:"not null;index:idx_connections_user1;uniqueIndex:idx_connection_pair" json:"user1"`
	User2     string    `gorm:"not null;uniqueIndex:idx_connection_pair" json:"user2"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for GORM
func (Connection) TableName() string {
	return "connections"
}
