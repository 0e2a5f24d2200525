package posts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// StoreError carries an operation.reason code alongside the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew         = "posts.store.new"
	opLoadCollabState  = "posts.load_collab_state"
	opSaveSnapshot     = "posts.save_snapshot"
	opCreatePost       = "posts.create_post"
	opGetPost          = "posts.get_post"
	opListPosts        = "posts.list_posts"
	fieldPostID        = "post_id"
	queryPostID        = fieldPostID + " = ?"
	reasonNotFound     = "post_not_found"
	reasonQueryFailed  = "query_failed"
	reasonUpdateFailed = "update_failed"
	reasonInsertFailed = "insert_failed"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// StoreConfig describes the dependencies required by the post store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// IDProvider issues identifiers for newly created posts.
type IDProvider interface {
	NewID() (string, error)
}

// Store is the durable adapter for post rows: one snapshot blob and one HTML
// rendering per post identifier.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// LoadCollabState fetches the snapshot and HTML rendering for one post in a
// single row read.
func (store *Store) LoadCollabState(ctx context.Context, postID PostID) (CollabState, error) {
	var post Post
	err := store.db.WithContext(ctx).
		Where(queryPostID, postID.String()).
		Take(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CollabState{}, newStoreError(opLoadCollabState, reasonNotFound, fmt.Errorf("%w: %s", ErrPostNotFound, postID))
	}
	if err != nil {
		store.logError(opLoadCollabState, reasonQueryFailed, err, zap.String(fieldPostID, postID.String()))
		return CollabState{}, newStoreError(opLoadCollabState, reasonQueryFailed, err)
	}

	return CollabState{
		Snapshot:    post.CollabSnapshot,
		ContentHTML: post.ContentHTML,
	}, nil
}

// SaveSnapshot atomically replaces the stored snapshot for one post. The HTML
// column is never touched here; it is owned by the non-collaborative save
// path.
func (store *Store) SaveSnapshot(ctx context.Context, postID PostID, state []byte) error {
	result := store.db.WithContext(ctx).
		Model(&Post{}).
		Where(queryPostID, postID.String()).
		Updates(map[string]interface{}{
			"collab_snapshot": state,
			"updated_at_s":    store.clock().UTC().Unix(),
		})
	if result.Error != nil {
		store.logError(opSaveSnapshot, reasonUpdateFailed, result.Error, zap.String(fieldPostID, postID.String()))
		return newStoreError(opSaveSnapshot, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newStoreError(opSaveSnapshot, reasonNotFound, fmt.Errorf("%w: %s", ErrPostNotFound, postID))
	}
	return nil
}

// CreatePostRequest describes the inputs for creating a post row.
type CreatePostRequest struct {
	AuthorID           UserID
	Title              string
	ContentHTML        string
	AllowCollaboration bool
}

// CreatePost inserts a new post row and returns it.
func (store *Store) CreatePost(ctx context.Context, request CreatePostRequest) (Post, error) {
	postID, err := store.idProvider.NewID()
	if err != nil {
		store.logError(opCreatePost, "id_generation_failed", err)
		return Post{}, newStoreError(opCreatePost, "id_generation_failed", err)
	}

	now := store.clock().UTC().Unix()
	post := Post{
		PostID:             postID,
		AuthorID:           request.AuthorID.String(),
		Title:              request.Title,
		ContentHTML:        request.ContentHTML,
		AllowCollaboration: request.AllowCollaboration,
		CreatedAtSeconds:   now,
		UpdatedAtSeconds:   now,
	}
	if err := store.db.WithContext(ctx).Create(&post).Error; err != nil {
		store.logError(opCreatePost, reasonInsertFailed, err, zap.String(fieldPostID, postID))
		return Post{}, newStoreError(opCreatePost, reasonInsertFailed, err)
	}
	return post, nil
}

// GetPost returns the post row for the identifier.
func (store *Store) GetPost(ctx context.Context, postID PostID) (Post, error) {
	var post Post
	err := store.db.WithContext(ctx).
		Where(queryPostID, postID.String()).
		Take(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Post{}, newStoreError(opGetPost, reasonNotFound, fmt.Errorf("%w: %s", ErrPostNotFound, postID))
	}
	if err != nil {
		store.logError(opGetPost, reasonQueryFailed, err, zap.String(fieldPostID, postID.String()))
		return Post{}, newStoreError(opGetPost, reasonQueryFailed, err)
	}
	return post, nil
}

// ListPosts returns all posts for the author, most recently updated first.
func (store *Store) ListPosts(ctx context.Context, authorID UserID) ([]Post, error) {
	var results []Post
	if err := store.db.WithContext(ctx).
		Where("author_id = ?", authorID.String()).
		Order("updated_at_s DESC").
		Find(&results).Error; err != nil {
		store.logError(opListPosts, reasonQueryFailed, err)
		return nil, newStoreError(opListPosts, reasonQueryFailed, err)
	}
	return results, nil
}

func (store *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	store.logger.Error("post store error", attrs...)
}
