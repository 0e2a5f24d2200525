package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/penleaflabs/coscribe/backend/internal/engine"
	"github.com/penleaflabs/coscribe/backend/internal/posts"
	"go.uber.org/zap"
)

// SnapshotStore is the durable adapter consumed by rooms: one snapshot fetch
// per room lifetime and atomic snapshot writes.
type SnapshotStore interface {
	LoadCollabState(ctx context.Context, postID posts.PostID) (posts.CollabState, error)
	SaveSnapshot(ctx context.Context, postID posts.PostID, state []byte) error
}

// RoomState tracks the room lifecycle.
type RoomState string

const (
	// RoomStateLoading means the snapshot fetch has not settled yet. Sessions
	// may already attach; they receive document content once the load completes.
	RoomStateLoading RoomState = "loading"
	// RoomStateActive means the document is live.
	RoomStateActive RoomState = "active"
	// RoomStateEvicted means the room has been retired after its final persist.
	RoomStateEvicted RoomState = "evicted"
)

const (
	loadTimeout    = 10 * time.Second
	persistTimeout = 10 * time.Second
)

var (
	// ErrRoomEvicted indicates an attach or apply against a retired room.
	ErrRoomEvicted = errors.New("collab: room evicted")
	// ErrRoomFull indicates the per-room session cap has been reached.
	ErrRoomFull = errors.New("collab: room session capacity reached")
	// ErrObserverMutation indicates a mutation frame from an observer session.
	ErrObserverMutation = errors.New("collab: observer sessions cannot mutate")
)

const fieldRoomPostID = "post_id"

type roomConfig struct {
	postID          posts.PostID
	store           SnapshotStore
	persistInterval time.Duration
	maxSessions     int
	clock           func() time.Time
	logger          *zap.Logger
	onIdle          func(*Room)
}

// Room is the in-memory unit of replication for one post: one document
// engine, the set of attached sessions, and the persistence scheduling. All
// engine access is serialized through the room mutex; persist calls are
// additionally serialized so the same post never has two writes in flight.
type Room struct {
	postID          posts.PostID
	store           SnapshotStore
	persistInterval time.Duration
	maxSessions     int
	clock           func() time.Time
	logger          *zap.Logger
	onIdle          func(*Room)

	loaded chan struct{}

	mu              sync.Mutex
	state           RoomState
	document        *engine.Document
	sessions        map[string]*Session
	dirty           bool
	lastPersistedAt time.Time
	contentHTML     string
	notFound        bool
	tickerStop      chan struct{}

	persistMu sync.Mutex
}

func newRoom(cfg roomConfig) *Room {
	return &Room{
		postID:          cfg.postID,
		store:           cfg.store,
		persistInterval: cfg.persistInterval,
		maxSessions:     cfg.maxSessions,
		clock:           cfg.clock,
		logger:          cfg.logger,
		onIdle:          cfg.onIdle,
		loaded:          make(chan struct{}),
		state:           RoomStateLoading,
		document:        engine.NewDocument(),
		sessions:        make(map[string]*Session),
	}
}

// load performs the room's single snapshot fetch. A fetch failure is treated
// as "no prior state": the room activates empty and the stored HTML snapshot
// reaches clients through the bootstrap path instead.
func (r *Room) load(ctx context.Context) {
	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()

	collabState, err := r.store.LoadCollabState(loadCtx, r.postID)

	r.mu.Lock()
	if r.state == RoomStateEvicted {
		r.mu.Unlock()
		close(r.loaded)
		return
	}
	if err != nil {
		if errors.Is(err, posts.ErrPostNotFound) {
			r.notFound = true
		}
		r.logger.Warn("room snapshot fetch failed, activating empty",
			zap.String(fieldRoomPostID, r.postID.String()),
			zap.Error(err))
	} else {
		r.contentHTML = collabState.ContentHTML
		if len(collabState.Snapshot) > 0 {
			if loadErr := r.document.LoadFullState(collabState.Snapshot); loadErr != nil {
				r.logger.Error("stored snapshot malformed, continuing from live updates",
					zap.String(fieldRoomPostID, r.postID.String()),
					zap.Error(loadErr))
			}
		}
	}
	r.state = RoomStateActive
	r.lastPersistedAt = r.clock()
	stateFrame := NewStateFrame(r.document.SerializeFullState())
	recipients := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		recipients = append(recipients, session)
	}
	r.startPersistLoopLocked()
	r.mu.Unlock()

	close(r.loaded)

	for _, session := range recipients {
		r.deliver(session, stateFrame)
	}
}

// WaitReady blocks until the snapshot fetch has settled.
func (r *Room) WaitReady(ctx context.Context) error {
	select {
	case <-r.loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach adds a session to the room. Sessions attaching to an active room
// immediately receive the document's full state as a catch-up frame.
func (r *Room) Attach(session *Session) error {
	r.mu.Lock()
	if r.state == RoomStateEvicted {
		r.mu.Unlock()
		return ErrRoomEvicted
	}
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return ErrRoomFull
	}
	r.sessions[session.id] = session
	sessionCount := len(r.sessions)
	var stateFrame []byte
	if r.state == RoomStateActive {
		stateFrame = NewStateFrame(r.document.SerializeFullState())
	}
	r.mu.Unlock()

	if stateFrame != nil {
		r.deliver(session, stateFrame)
	}

	r.logger.Info("session attached",
		zap.String(fieldRoomPostID, r.postID.String()),
		zap.String("session_id", session.id),
		zap.String("user_id", session.userID),
		zap.String("display_name", session.displayName),
		zap.String("caret_color", session.caretColor),
		zap.String("capability", string(session.capability)),
		zap.Int("session_count", sessionCount))
	return nil
}

// Detach removes a session. When the last session leaves, the room performs
// its final persist before eviction; eviction waits on that persist.
func (r *Room) Detach(session *Session) {
	r.mu.Lock()
	if _, attached := r.sessions[session.id]; !attached {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, session.id)
	remaining := len(r.sessions)
	drained := remaining == 0 && r.state != RoomStateEvicted
	if drained {
		r.stopPersistLoopLocked()
	}
	r.mu.Unlock()

	r.logger.Info("session detached",
		zap.String(fieldRoomPostID, r.postID.String()),
		zap.String("session_id", session.id),
		zap.Int("session_count", remaining))

	if drained {
		r.drain()
	}
}

// drain runs the idle persist and retires the room unless a session attached
// while the persist was in flight. A failed final persist is logged, not
// retried; the room is evicted regardless to bound memory.
func (r *Room) drain() {
	if err := r.persist(context.Background()); err != nil {
		r.logger.Error("final persist failed, evicting anyway",
			zap.String(fieldRoomPostID, r.postID.String()),
			zap.Error(err))
	}

	r.mu.Lock()
	if len(r.sessions) > 0 {
		r.startPersistLoopLocked()
		r.mu.Unlock()
		return
	}
	r.state = RoomStateEvicted
	r.mu.Unlock()

	if r.onIdle != nil {
		r.onIdle(r)
	}
}

// releaseIfIdle retires the room when no sessions are attached. Covers rooms
// a connection resolved but never attached to (unknown post, rejected
// handshake).
func (r *Room) releaseIfIdle() {
	r.mu.Lock()
	if len(r.sessions) > 0 || r.state == RoomStateEvicted {
		r.mu.Unlock()
		return
	}
	r.stopPersistLoopLocked()
	r.mu.Unlock()
	r.drain()
}

// ApplyUpdate applies one update to the document and fans it out to every
// other attached session. Updates from one session are applied and broadcast
// in the order they arrive on that session's transport.
func (r *Room) ApplyUpdate(senderID string, update []byte) error {
	r.mu.Lock()
	if r.state == RoomStateEvicted {
		r.mu.Unlock()
		return ErrRoomEvicted
	}
	if err := r.document.ApplyRemoteUpdate(update); err != nil {
		r.mu.Unlock()
		return err
	}
	r.dirty = true
	recipients := r.recipientsLocked(senderID)
	r.mu.Unlock()

	frame := NewUpdateFrame(update)
	for _, session := range recipients {
		r.deliver(session, frame)
	}
	return nil
}

// BroadcastPresence relays an awareness frame to every other session.
// Presence is best-effort and never persisted.
func (r *Room) BroadcastPresence(senderID string, frame []byte) {
	r.mu.Lock()
	recipients := r.recipientsLocked(senderID)
	r.mu.Unlock()

	for _, session := range recipients {
		r.deliver(session, frame)
	}
}

func (r *Room) recipientsLocked(senderID string) []*Session {
	recipients := make([]*Session, 0, len(r.sessions))
	for id, session := range r.sessions {
		if id == senderID {
			continue
		}
		recipients = append(recipients, session)
	}
	return recipients
}

// deliver enqueues a frame without blocking the room. A session that cannot
// keep up is disconnected rather than allowed to stall everyone else.
func (r *Room) deliver(session *Session, frame []byte) {
	if session.enqueue(frame) {
		return
	}
	r.logger.Warn("disconnecting slow session",
		zap.String(fieldRoomPostID, r.postID.String()),
		zap.String("session_id", session.id))
	go session.Close()
}

// persist serializes the document and writes it through the store. Calls are
// serialized per room; the dirty flag is cleared only when no update landed
// between serialization and the store acknowledging the write.
func (r *Room) persist(ctx context.Context) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	updateCount := r.document.UpdateCount()
	state := r.document.SerializeFullState()
	r.mu.Unlock()

	saveCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := r.store.SaveSnapshot(saveCtx, r.postID, state); err != nil {
		r.logger.Warn("snapshot persist failed, will retry",
			zap.String(fieldRoomPostID, r.postID.String()),
			zap.Error(err))
		return err
	}

	r.mu.Lock()
	if r.document.UpdateCount() == updateCount {
		r.dirty = false
	}
	r.lastPersistedAt = r.clock()
	r.mu.Unlock()
	return nil
}

func (r *Room) startPersistLoopLocked() {
	if r.tickerStop != nil || r.persistInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	r.tickerStop = stop
	go r.persistLoop(stop)
}

func (r *Room) stopPersistLoopLocked() {
	if r.tickerStop == nil {
		return
	}
	close(r.tickerStop)
	r.tickerStop = nil
}

// persistLoop is the periodic crash-safety net while sessions are attached.
func (r *Room) persistLoop(stop chan struct{}) {
	ticker := time.NewTicker(r.persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = r.persist(context.Background())
		}
	}
}

// Shutdown stops scheduling, persists outstanding state, and retires the
// room. Used for process shutdown.
func (r *Room) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.stopPersistLoopLocked()
	alreadyEvicted := r.state == RoomStateEvicted
	r.state = RoomStateEvicted
	r.mu.Unlock()

	if alreadyEvicted {
		return nil
	}
	return r.persist(ctx)
}

// PostID returns the room's document identifier.
func (r *Room) PostID() posts.PostID {
	return r.postID
}

// State returns the room's lifecycle state.
func (r *Room) State() RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SessionCount returns the number of attached sessions.
func (r *Room) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// DocumentEmpty reports whether the document has no collaborative history.
func (r *Room) DocumentEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.document.IsEmpty()
}

// FullState returns the document's current serialized state.
func (r *Room) FullState() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.document.SerializeFullState()
}

// Dirty reports whether updates have been applied since the last persist.
func (r *Room) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// LastPersistedAt returns the time of the last settled persist.
func (r *Room) LastPersistedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPersistedAt
}

// ContentHTML returns the HTML rendering fetched alongside the snapshot.
func (r *Room) ContentHTML() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contentHTML
}

// NotFound reports whether the room's fetch found no post row.
func (r *Room) NotFound() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notFound
}
