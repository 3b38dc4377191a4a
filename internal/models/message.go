package models

import "time"

// MaxMessageBytes caps the body of a single chat message.
const MaxMessageBytes = 500

// Message is one 1:1 chat message. The autoincrement ID doubles as the
// monotonic message id exposed to clients. ReadAt is stamped when the
// recipient marks the conversation read.
type Message struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	FromHandle string     `gorm:"not null;index:idx_messages_pair" json:"from"`
	ToHandle   string     `gorm:"not null;index:idx_messages_pair;index:idx_messages_unread" json:"to"`
	Body       string     `gorm:"not null" json:"body"`
	CreatedAt  time.Time  `gorm:"index:idx_messages_pair" json:"created_at"`
	ReadAt     *time.Time `gorm:"index:idx_messages_unread" json:"read_at"`
}

// TableName specifies the table name for GORM
func (Message) TableName() string {
	return "messages"
}
