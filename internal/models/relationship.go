package models

// RelationshipKind distinguishes the two directions of the identity-provider
// contact graph.
type RelationshipKind string

const (
	// RelationshipFollower marks someone who follows the user.
	RelationshipFollower RelationshipKind = "follower"
	// RelationshipFollowing marks someone the user follows.
	RelationshipFollowing RelationshipKind = "following"
)

// Relationship is one directed edge of the identity-provider contact graph.
// The full edge set for a user is replaced transactionally on every
// authenticated admission, so rows carry no timestamps.
type Relationship struct {
	ID        uint             `gorm:"primaryKey" json:"id"`
	UserID    uint             `gorm:"not null;index:idx_relationships_user_kind" json:"user_id"`
	RelatedID int64            `gorm:"not null" json:"related_id"`
	Kind      RelationshipKind `gorm:"type:varchar(12);not null;index:idx_relationships_user_kind" json:"kind"`
}

// TableName specifies the table name for GORM
func (Relationship) TableName() string {
	return "relationships"
}
