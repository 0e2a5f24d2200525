package posts

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidPostID indicates that a post identifier is empty or exceeds storage bounds.
	ErrInvalidPostID = errors.New("posts: invalid post id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("posts: invalid user id")
	// ErrPostNotFound indicates that no post exists for the identifier.
	ErrPostNotFound = errors.New("posts: post not found")
)

// PostID represents a validated post identifier. It doubles as the room name
// for collaborative editing sessions.
type PostID string

// NewPostID validates raw input and returns a PostID.
func NewPostID(rawInput string) (PostID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPostID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPostID, maxIdentifierLength)
	}
	return PostID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PostID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Post models a persisted document row. The HTML rendering is always present
// and is written by the non-collaborative save path; the collaboration
// snapshot is nullable and written only by the room persistence path.
type Post struct {
	PostID             string `gorm:"column:post_id;primaryKey;size:190;not null"`
	AuthorID           string `gorm:"column:author_id;size:190;not null;index:idx_posts_author_updated,priority:1"`
	Title              string `gorm:"column:title;size:512;not null;default:''"`
	ContentHTML        string `gorm:"column:content_html;type:text;not null;default:''"`
	CollabSnapshot     []byte `gorm:"column:collab_snapshot;type:blob"`
	AllowCollaboration bool   `gorm:"column:allow_collaboration;not null;default:false"`
	CreatedAtSeconds   int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds   int64  `gorm:"column:updated_at_s;not null;index:idx_posts_author_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Post) TableName() string {
	return "posts"
}

// CollabState bundles the fields a room reads in its single row fetch: the
// snapshot (nil means the post has never been collaboratively edited) and the
// HTML rendering used for seeding. Access policy is deliberately excluded —
// it is read per handshake, not per room lifetime.
type CollabState struct {
	Snapshot    []byte
	ContentHTML string
}
