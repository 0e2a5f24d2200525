package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/penleaflabs/coscribe/backend/internal/posts"
	"go.uber.org/zap"
)

const (
	defaultPersistInterval = 5 * time.Second
	defaultMaxRooms        = 1024
	defaultMaxSessions     = 64
)

var (
	errMissingStore = errors.New("snapshot store is required")
	// ErrRoomCapacity indicates the process-wide room cap has been reached.
	// Existing rooms are never evicted to make space; new connections are
	// rejected instead.
	ErrRoomCapacity = errors.New("collab: room capacity reached")
)

// RegistryConfig describes the dependencies and limits for the room registry.
type RegistryConfig struct {
	Store              SnapshotStore
	PersistInterval    time.Duration
	MaxRooms           int
	MaxSessionsPerRoom int
	Clock              func() time.Time
	Logger             *zap.Logger
}

// Registry is the process-wide map from post identifier to room. A room is
// created on first reference, its snapshot fetch runs exactly once per room
// lifetime, and it is removed only after its final persist settles.
type Registry struct {
	store              SnapshotStore
	persistInterval    time.Duration
	maxRooms           int
	maxSessionsPerRoom int
	clock              func() time.Time
	logger             *zap.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry validates the configuration and returns a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}

	persistInterval := cfg.PersistInterval
	if persistInterval <= 0 {
		persistInterval = defaultPersistInterval
	}
	maxRooms := cfg.MaxRooms
	if maxRooms <= 0 {
		maxRooms = defaultMaxRooms
	}
	maxSessions := cfg.MaxSessionsPerRoom
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		store:              cfg.Store,
		persistInterval:    persistInterval,
		maxRooms:           maxRooms,
		maxSessionsPerRoom: maxSessions,
		clock:              clock,
		logger:             logger,
		rooms:              make(map[string]*Room),
	}, nil
}

// GetOrCreateRoom resolves the room for a post identifier, constructing it
// and starting its snapshot fetch on first reference. Subsequent references
// return the in-memory room without touching the store.
func (reg *Registry) GetOrCreateRoom(postID posts.PostID) (*Room, error) {
	key := postID.String()

	reg.mu.Lock()
	if room, exists := reg.rooms[key]; exists && room.State() != RoomStateEvicted {
		reg.mu.Unlock()
		return room, nil
	}
	if len(reg.rooms) >= reg.maxRooms {
		if _, replacing := reg.rooms[key]; !replacing {
			reg.mu.Unlock()
			return nil, ErrRoomCapacity
		}
	}

	room := newRoom(roomConfig{
		postID:          postID,
		store:           reg.store,
		persistInterval: reg.persistInterval,
		maxSessions:     reg.maxSessionsPerRoom,
		clock:           reg.clock,
		logger:          reg.logger,
		onIdle:          reg.removeRoom,
	})
	reg.rooms[key] = room
	reg.mu.Unlock()

	reg.logger.Info("room created", zap.String(fieldRoomPostID, key))
	go room.load(context.Background())

	return room, nil
}

// ReleaseIfIdle retires a room that never received a session.
func (reg *Registry) ReleaseIfIdle(room *Room) {
	room.releaseIfIdle()
}

// RoomCount returns the number of live rooms.
func (reg *Registry) RoomCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// Shutdown persists every live room and retires it. Used at process exit so
// the loss window does not depend on the periodic persist interval.
func (reg *Registry) Shutdown(ctx context.Context) error {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.rooms = make(map[string]*Room)
	reg.mu.Unlock()

	var firstErr error
	for _, room := range rooms {
		if err := room.Shutdown(ctx); err != nil {
			reg.logger.Error("room shutdown persist failed",
				zap.String(fieldRoomPostID, room.PostID().String()),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// removeRoom drops a room from the registry once it has been evicted. The
// identity check keeps a replacement room created in the meantime intact.
func (reg *Registry) removeRoom(room *Room) {
	key := room.PostID().String()
	reg.mu.Lock()
	if current, exists := reg.rooms[key]; exists && current == room {
		delete(reg.rooms, key)
	}
	reg.mu.Unlock()
	reg.logger.Info("room evicted", zap.String(fieldRoomPostID, key))
}
