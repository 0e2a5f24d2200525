package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/penleaflabs/coscribe/backend/internal/collab"
	"github.com/penleaflabs/coscribe/backend/internal/posts"
)

const userIDContextKey = "coscribe_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingPostStore     = errors.New("post store dependency required")
	errMissingRegistry      = errors.New("room registry dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager mints and validates the bearer tokens carrying user identity.
type TokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface to the collaboration core.
type Dependencies struct {
	TokenManager       TokenManager
	PostStore          *posts.Store
	Registry           *collab.Registry
	SessionIdleTimeout time.Duration
	Logger             *zap.Logger
}

// NewHTTPHandler builds the gin router serving the token mint endpoint, the
// post endpoints, the collab bootstrap read, and the websocket upgrade.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.PostStore == nil {
		return nil, errMissingPostStore
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenManager,
		postStore:   deps.PostStore,
		registry:    deps.Registry,
		idleTimeout: deps.SessionIdleTimeout,
		logger:      logger,
	}

	router.POST("/auth/token", handler.handleTokenMint)
	router.GET("/ws/:id", handler.handleCollabSocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/posts", handler.handleCreatePost)
	protected.GET("/posts", handler.handleListPosts)
	protected.GET("/posts/:id/collab", handler.handleCollabBootstrap)

	return router, nil
}

type httpHandler struct {
	tokens      TokenManager
	postStore   *posts.Store
	registry    *collab.Registry
	idleTimeout time.Duration
	logger      *zap.Logger
}

var socketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

type tokenRequestPayload struct {
	UserID string `json:"user_id"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleTokenMint(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), strings.TrimSpace(request.UserID))
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type createPostPayload struct {
	Title              string `json:"title"`
	ContentHTML        string `json:"content_html"`
	AllowCollaboration bool   `json:"allow_collaboration"`
}

type postResponsePayload struct {
	PostID             string `json:"post_id"`
	AuthorID           string `json:"author_id"`
	Title              string `json:"title"`
	ContentHTML        string `json:"content_html"`
	AllowCollaboration bool   `json:"allow_collaboration"`
	CreatedAtSeconds   int64  `json:"created_at_s"`
	UpdatedAtSeconds   int64  `json:"updated_at_s"`
}

func postResponse(post posts.Post) postResponsePayload {
	return postResponsePayload{
		PostID:             post.PostID,
		AuthorID:           post.AuthorID,
		Title:              post.Title,
		ContentHTML:        post.ContentHTML,
		AllowCollaboration: post.AllowCollaboration,
		CreatedAtSeconds:   post.CreatedAtSeconds,
		UpdatedAtSeconds:   post.UpdatedAtSeconds,
	}
}

func (h *httpHandler) handleCreatePost(c *gin.Context) {
	authorID, err := posts.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request createPostPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	post, err := h.postStore.CreatePost(c.Request.Context(), posts.CreatePostRequest{
		AuthorID:           authorID,
		Title:              request.Title,
		ContentHTML:        request.ContentHTML,
		AllowCollaboration: request.AllowCollaboration,
	})
	if err != nil {
		h.logger.Error("failed to create post", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}

	c.JSON(http.StatusCreated, postResponse(post))
}

func (h *httpHandler) handleListPosts(c *gin.Context) {
	authorID, err := posts.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	listed, err := h.postStore.ListPosts(c.Request.Context(), authorID)
	if err != nil {
		h.logger.Error("failed to list posts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	response := make([]postResponsePayload, 0, len(listed))
	for _, post := range listed {
		response = append(response, postResponse(post))
	}
	c.JSON(http.StatusOK, gin.H{"posts": response})
}

type bootstrapResponsePayload struct {
	PostID             string `json:"post_id"`
	ContentHTML        string `json:"content_html"`
	Capability         string `json:"capability"`
	AllowCollaboration bool   `json:"allow_collaboration"`
	UpdatedAtSeconds   int64  `json:"updated_at_s"`
}

// handleCollabBootstrap serves the out-of-band payload a client needs before
// dialing the socket: the HTML rendering used for document seeding and the
// capability the socket will grant, so read-only mode renders immediately.
func (h *httpHandler) handleCollabBootstrap(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	postID, err := posts.NewPostID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_post_id"})
		return
	}

	post, err := h.postStore.GetPost(c.Request.Context(), postID)
	if err != nil {
		if errors.Is(err, posts.ErrPostNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "post_not_found"})
			return
		}
		h.logger.Error("failed to load post for bootstrap", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bootstrap_failed"})
		return
	}

	observerRequested := c.Query("observer") == "true"
	capability := collab.ResolveCapability(post.AuthorID, post.AllowCollaboration, userID, observerRequested)

	c.JSON(http.StatusOK, bootstrapResponsePayload{
		PostID:             post.PostID,
		ContentHTML:        post.ContentHTML,
		Capability:         string(capability),
		AllowCollaboration: post.AllowCollaboration,
		UpdatedAtSeconds:   post.UpdatedAtSeconds,
	})
}

// handleCollabSocket authenticates the request, resolves the room, and only
// then upgrades the transport. Identity, post existence, and capacity are all
// rejectable with plain HTTP statuses before the upgrade commits.
func (h *httpHandler) handleCollabSocket(c *gin.Context) {
	userID, err := h.socketIdentity(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	postID, err := posts.NewPostID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_post_id"})
		return
	}

	// Capability comes from a fresh row read so a collaboration flag flipped
	// after the room loaded is honored by every new session, matching what
	// the bootstrap endpoint reports.
	post, err := h.postStore.GetPost(c.Request.Context(), postID)
	if err != nil {
		if errors.Is(err, posts.ErrPostNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "post_not_found"})
			return
		}
		h.logger.Error("failed to load post for socket", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room_unavailable"})
		return
	}
	observerRequested := c.Query("observer") == "true"
	capability := collab.ResolveCapability(post.AuthorID, post.AllowCollaboration, userID, observerRequested)

	room, err := h.resolveRoom(c.Request.Context(), postID)
	if err != nil {
		switch {
		case errors.Is(err, posts.ErrPostNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "post_not_found"})
		case errors.Is(err, collab.ErrRoomCapacity):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room_capacity"})
		default:
			h.logger.Error("failed to resolve room", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "room_unavailable"})
		}
		return
	}

	conn, err := socketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		h.registry.ReleaseIfIdle(room)
		return
	}

	session := collab.NewSession(collab.SessionConfig{
		Room:        room,
		Conn:        conn,
		UserID:      userID,
		DisplayName: c.Query("name"),
		CaretColor:  c.Query("color"),
		Capability:  capability,
		IdleTimeout: h.idleTimeout,
		Logger:      h.logger,
	})

	if err := h.attachWithRetry(c.Request.Context(), room, session); err != nil {
		closeCode := websocket.CloseTryAgainLater
		if errors.Is(err, collab.ErrRoomFull) {
			closeCode = websocket.ClosePolicyViolation
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode, err.Error()),
			time.Now().Add(time.Second))
		_ = conn.Close()
		h.registry.ReleaseIfIdle(room)
		return
	}

	session.Start()
}

// socketIdentity accepts the bearer token from the Authorization header or,
// because browser websocket clients cannot set headers, a token query param.
func (h *httpHandler) socketIdentity(c *gin.Context) (string, error) {
	token := ""
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		return "", errInvalidAuthorization
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		return "", err
	}
	return subject, nil
}

// resolveRoom obtains a ready room for the post. Rooms for unknown posts are
// released immediately so the registry does not accumulate dead entries.
func (h *httpHandler) resolveRoom(ctx context.Context, postID posts.PostID) (*collab.Room, error) {
	room, err := h.registry.GetOrCreateRoom(postID)
	if err != nil {
		return nil, err
	}
	if err := room.WaitReady(ctx); err != nil {
		h.registry.ReleaseIfIdle(room)
		return nil, err
	}
	if room.NotFound() {
		h.registry.ReleaseIfIdle(room)
		return nil, posts.ErrPostNotFound
	}
	return room, nil
}

// attachWithRetry handles the race where the resolved room drains and evicts
// between WaitReady and Attach: one fresh room resolution is attempted.
func (h *httpHandler) attachWithRetry(ctx context.Context, room *collab.Room, session *collab.Session) error {
	err := room.Attach(session)
	if !errors.Is(err, collab.ErrRoomEvicted) {
		return err
	}
	fresh, resolveErr := h.resolveRoom(ctx, room.PostID())
	if resolveErr != nil {
		return resolveErr
	}
	session.Rebind(fresh)
	return fresh.Attach(session)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
