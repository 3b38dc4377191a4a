package models

import "time"

// CloseFriend is a unilateral pin: the owner adds a friend's identity id to
// their close-friends set, one possible visibility scope.
type CloseFriend struct {
	ID       uint      `gorm:"primaryKey" json:"id"`
	UserID   uint      `gorm:"not null;uniqueIndex:idx_close_friend_pair" json:"user_id"`
	FriendID int64     `gorm:"not null;uniqueIndex:idx_close_friend_pair" json:"friend_id"`
	AddedAt  time.Time `json:"added_at"`
}

// TableName specifies the table name for GORM
func (CloseFriend) TableName() string {
	return "close_friends"
}
