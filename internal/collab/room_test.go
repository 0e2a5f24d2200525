package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/penleaflabs/coscribe/backend/internal/engine"
	"github.com/penleaflabs/coscribe/backend/internal/posts"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu        sync.Mutex
	states    map[string]posts.CollabState
	loadCalls map[string]int
	saveCalls map[string]int
	loadErr   error
	saveErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states:    make(map[string]posts.CollabState),
		loadCalls: make(map[string]int),
		saveCalls: make(map[string]int),
	}
}

func (f *fakeStore) setState(postID string, state posts.CollabState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[postID] = state
}

func (f *fakeStore) LoadCollabState(_ context.Context, postID posts.PostID) (posts.CollabState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls[postID.String()]++
	if f.loadErr != nil {
		return posts.CollabState{}, f.loadErr
	}
	state, exists := f.states[postID.String()]
	if !exists {
		return posts.CollabState{}, fmt.Errorf("%w: %s", posts.ErrPostNotFound, postID)
	}
	return state, nil
}

func (f *fakeStore) SaveSnapshot(_ context.Context, postID posts.PostID, state []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls[postID.String()]++
	if f.saveErr != nil {
		return f.saveErr
	}
	stored, exists := f.states[postID.String()]
	if !exists {
		return fmt.Errorf("%w: %s", posts.ErrPostNotFound, postID)
	}
	snapshot := make([]byte, len(state))
	copy(snapshot, state)
	stored.Snapshot = snapshot
	f.states[postID.String()] = stored
	return nil
}

func (f *fakeStore) loadCount(postID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadCalls[postID]
}

func (f *fakeStore) saveCount(postID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveCalls[postID]
}

func (f *fakeStore) snapshot(postID string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[postID].Snapshot
}

func waitFor(testContext *testing.T, condition func() bool, message string) {
	testContext.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	testContext.Fatalf("timed out waiting for %s", message)
}

func mustTestPostID(testContext *testing.T, rawValue string) posts.PostID {
	testContext.Helper()
	postID, err := posts.NewPostID(rawValue)
	if err != nil {
		testContext.Fatalf("invalid post id: %v", err)
	}
	return postID
}

func newTestRoom(testContext *testing.T, store *fakeStore, postID string, onIdle func(*Room)) *Room {
	testContext.Helper()
	return newRoom(roomConfig{
		postID:          mustTestPostID(testContext, postID),
		store:           store,
		persistInterval: time.Hour,
		maxSessions:     16,
		clock:           time.Now,
		logger:          zap.NewNop(),
		onIdle:          onIdle,
	})
}

func newTestSession(room *Room, capability Capability, userID string) *Session {
	return NewSession(SessionConfig{
		Room:       room,
		UserID:     userID,
		Capability: capability,
	})
}

func drainFrames(session *Session) [][]byte {
	frames := make([][]byte, 0)
	for {
		select {
		case frame := <-session.send:
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

func mustUpdateCount(testContext *testing.T, state []byte) int {
	testContext.Helper()
	document := engine.NewDocument()
	if err := document.LoadFullState(state); err != nil {
		testContext.Fatalf("state did not decode: %v", err)
	}
	return document.UpdateCount()
}

func TestRoomLoadSeedsDocumentFromSnapshot(testContext *testing.T) {
	persisted := engine.NewDocument()
	if err := persisted.ApplyRemoteUpdate([]byte("stored-update")); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}

	store := newFakeStore()
	store.setState("post-1", posts.CollabState{
		Snapshot:    persisted.SerializeFullState(),
		ContentHTML: "<p>hello</p>",
	})

	room := newTestRoom(testContext, store, "post-1", nil)
	room.load(context.Background())

	if room.State() != RoomStateActive {
		testContext.Fatalf("expected active room, got %s", room.State())
	}
	if room.DocumentEmpty() {
		testContext.Fatalf("expected document seeded from snapshot")
	}
	if room.ContentHTML() != "<p>hello</p>" {
		testContext.Fatalf("unexpected html: %q", room.ContentHTML())
	}
}

func TestRoomLoadFailureActivatesEmpty(testContext *testing.T) {
	store := newFakeStore()
	store.loadErr = errors.New("connection refused")

	room := newTestRoom(testContext, store, "post-2", nil)
	room.load(context.Background())

	if room.State() != RoomStateActive {
		testContext.Fatalf("expected active room after fetch failure, got %s", room.State())
	}
	if !room.DocumentEmpty() {
		testContext.Fatalf("expected empty document after fetch failure")
	}
	if room.NotFound() {
		testContext.Fatalf("transient failure must not mark the post missing")
	}
}

func TestRoomLoadUnknownPost(testContext *testing.T) {
	store := newFakeStore()

	room := newTestRoom(testContext, store, "post-3", nil)
	room.load(context.Background())

	if !room.NotFound() {
		testContext.Fatalf("expected not-found room")
	}
}

func TestRoomUpdatesAppliedWhileLoadingSurviveTheLoad(testContext *testing.T) {
	persisted := engine.NewDocument()
	if err := persisted.ApplyRemoteUpdate([]byte("stored-update")); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}

	store := newFakeStore()
	store.setState("post-4", posts.CollabState{Snapshot: persisted.SerializeFullState()})

	room := newTestRoom(testContext, store, "post-4", nil)
	session := newTestSession(room, CapabilityEditable, "user-1")
	if err := room.Attach(session); err != nil {
		testContext.Fatalf("attach failed: %v", err)
	}

	if err := room.ApplyUpdate(session.id, []byte("live-update")); err != nil {
		testContext.Fatalf("apply during load failed: %v", err)
	}

	room.load(context.Background())

	if got := mustUpdateCount(testContext, room.FullState()); got != 2 {
		testContext.Fatalf("expected stored and live updates to merge, got %d", got)
	}

	frames := drainFrames(session)
	if len(frames) != 1 {
		testContext.Fatalf("expected one catch-up frame after load, got %d", len(frames))
	}
	if ParseFrameType(frames[0]) != FrameTypeSync || ParseSyncStep(frames[0]) != SyncStepState {
		testContext.Fatalf("expected a state frame, got %v", frames[0][:2])
	}
	if got := mustUpdateCount(testContext, FramePayload(frames[0])); got != 2 {
		testContext.Fatalf("expected catch-up with both updates, got %d", got)
	}
}

func TestRoomAttachAfterLoadDeliversCatchUp(testContext *testing.T) {
	store := newFakeStore()
	store.setState("post-5", posts.CollabState{})

	room := newTestRoom(testContext, store, "post-5", nil)
	room.load(context.Background())

	first := newTestSession(room, CapabilityEditable, "user-1")
	if err := room.Attach(first); err != nil {
		testContext.Fatalf("attach failed: %v", err)
	}
	if err := room.ApplyUpdate(first.id, []byte("edit-1")); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}

	second := newTestSession(room, CapabilityObserver, "user-2")
	if err := room.Attach(second); err != nil {
		testContext.Fatalf("attach failed: %v", err)
	}

	frames := drainFrames(second)
	if len(frames) != 1 {
		testContext.Fatalf("expected exactly one catch-up frame, got %d", len(frames))
	}
	if got := mustUpdateCount(testContext, FramePayload(frames[0])); got != 1 {
		testContext.Fatalf("expected catch-up with one update, got %d", got)
	}
}

func TestRoomBroadcastSkipsSender(testContext *testing.T) {
	store := newFakeStore()
	store.setState("post-6", posts.CollabState{})

	room := newTestRoom(testContext, store, "post-6", nil)
	room.load(context.Background())

	sender := newTestSession(room, CapabilityEditable, "user-1")
	receiver := newTestSession(room, CapabilityEditable, "user-2")
	for _, session := range []*Session{sender, receiver} {
		if err := room.Attach(session); err != nil {
			testContext.Fatalf("attach failed: %v", err)
		}
	}
	drainFrames(sender)
	drainFrames(receiver)

	if err := room.ApplyUpdate(sender.id, []byte("edit-1")); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}

	if frames := drainFrames(sender); len(frames) != 0 {
		testContext.Fatalf("expected no echo to the sender, got %d frames", len(frames))
	}
	frames := drainFrames(receiver)
	if len(frames) != 1 {
		testContext.Fatalf("expected one broadcast frame, got %d", len(frames))
	}
	if ParseSyncStep(frames[0]) != SyncStepUpdate {
		testContext.Fatalf("expected an update frame")
	}
	if string(FramePayload(frames[0])) != "edit-1" {
		testContext.Fatalf("unexpected payload: %q", FramePayload(frames[0]))
	}
}

func TestRoomPresenceRelayedNotPersisted(testContext *testing.T) {
	store := newFakeStore()
	store.setState("post-7", posts.CollabState{})

	room := newTestRoom(testContext, store, "post-7", nil)
	room.load(context.Background())

	sender := newTestSession(room, CapabilityObserver, "user-1")
	receiver := newTestSession(room, CapabilityEditable, "user-2")
	for _, session := range []*Session{sender, receiver} {
		if err := room.Attach(session); err != nil {
			testContext.Fatalf("attach failed: %v", err)
		}
	}
	drainFrames(sender)
	drainFrames(receiver)

	presence := []byte{byte(FrameTypeAwareness), 0x00, 'c', 'u', 'r', 's', 'o', 'r'}
	room.BroadcastPresence(sender.id, presence)

	frames := drainFrames(receiver)
	if len(frames) != 1 {
		testContext.Fatalf("expected one presence frame, got %d", len(frames))
	}
	if room.Dirty() {
		testContext.Fatalf("presence must not dirty the room")
	}
	if !room.DocumentEmpty() {
		testContext.Fatalf("presence must not touch the document")
	}
}

func TestRoomPeriodicPersistClearsDirty(testContext *testing.T) {
	store := newFakeStore()
	store.setState("post-8", posts.CollabState{})

	room := newRoom(roomConfig{
		postID:          mustTestPostID(testContext, "post-8"),
		store:           store,
		persistInterval: 10 * time.Millisecond,
		maxSessions:     16,
		clock:           time.Now,
		logger:          zap.NewNop(),
	})
	room.load(context.Background())

	session := newTestSession(room, CapabilityEditable, "user-1")
	if err := room.Attach(session); err != nil {
		testContext.Fatalf("attach failed: %v", err)
	}
	if err := room.ApplyUpdate(session.id, []byte("edit-1")); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}
	if !room.Dirty() {
		testContext.Fatalf("expected dirty room after update")
	}

	waitFor(testContext, func() bool { return store.saveCount("post-8") >= 1 }, "periodic persist")
	waitFor(testContext, func() bool { return !room.Dirty() }, "dirty flag clear")

	if got := mustUpdateCount(testContext, store.snapshot("post-8")); got != 1 {
		testContext.Fatalf("expected persisted snapshot with one update, got %d", got)
	}

	room.Detach(session)
}

func TestRoomIdlePersistBeforeEviction(testContext *testing.T) {
	store := newFakeStore()
	store.setState("post-9", posts.CollabState{})

	var evicted *Room
	room := newTestRoom(testContext, store, "post-9", func(r *Room) { evicted = r })
	room.load(context.Background())

	session := newTestSession(room, CapabilityEditable, "user-1")
	if err := room.Attach(session); err != nil {
		testContext.Fatalf("attach failed: %v", err)
	}
	if err := room.ApplyUpdate(session.id, []byte("edit-1")); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}

	room.Detach(session)

	if store.saveCount("post-9") != 1 {
		testContext.Fatalf("expected exactly one idle persist, got %d", store.saveCount("post-9"))
	}
	if room.State() != RoomStateEvicted {
		testContext.Fatalf("expected evicted room, got %s", room.State())
	}
	if evicted != room {
		testContext.Fatalf("expected idle callback with the drained room")
	}
	if got := mustUpdateCount(testContext, store.snapshot("post-9")); got != 1 {
		testContext.Fatalf("expected final state persisted, got %d updates", got)
	}
}

func TestRoomFinalPersistFailureStillEvicts(testContext *testing.T) {
	store := newFakeStore()
	store.setState("post-10", posts.CollabState{})
	store.saveErr = errors.New("disk full")

	room := newTestRoom(testContext, store, "post-10", nil)
	room.load(context.Background())

	session := newTestSession(room, CapabilityEditable, "user-1")
	if err := room.Attach(session); err != nil {
		testContext.Fatalf("attach failed: %v", err)
	}
	if err := room.ApplyUpdate(session.id, []byte("edit-1")); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}

	room.Detach(session)

	if room.State() != RoomStateEvicted {
		testContext.Fatalf("expected eviction despite persist failure, got %s", room.State())
	}
}

func TestRoomSessionCapacity(testContext *testing.T) {
	store := newFakeStore()
	store.setState("post-11", posts.CollabState{})

	room := newRoom(roomConfig{
		postID:          mustTestPostID(testContext, "post-11"),
		store:           store,
		persistInterval: time.Hour,
		maxSessions:     1,
		clock:           time.Now,
		logger:          zap.NewNop(),
	})
	room.load(context.Background())

	if err := room.Attach(newTestSession(room, CapabilityEditable, "user-1")); err != nil {
		testContext.Fatalf("attach failed: %v", err)
	}
	if err := room.Attach(newTestSession(room, CapabilityEditable, "user-2")); !errors.Is(err, ErrRoomFull) {
		testContext.Fatalf("expected ErrRoomFull, got %v", err)
	}
}

func TestObserverMutationRejectedWithoutSideEffects(testContext *testing.T) {
	store := newFakeStore()
	store.setState("post-12", posts.CollabState{})

	room := newTestRoom(testContext, store, "post-12", nil)
	room.load(context.Background())

	observer := newTestSession(room, CapabilityObserver, "user-1")
	control := newTestSession(room, CapabilityEditable, "user-2")
	for _, session := range []*Session{observer, control} {
		if err := room.Attach(session); err != nil {
			testContext.Fatalf("attach failed: %v", err)
		}
	}
	drainFrames(observer)
	drainFrames(control)

	frame := NewUpdateFrame([]byte("illegal-edit"))
	if err := observer.handleFrame(frame); !errors.Is(err, ErrObserverMutation) {
		testContext.Fatalf("expected ErrObserverMutation, got %v", err)
	}

	if !room.DocumentEmpty() {
		testContext.Fatalf("observer mutation must not reach the document")
	}
	if frames := drainFrames(control); len(frames) != 0 {
		testContext.Fatalf("control session observed %d unexpected frames", len(frames))
	}
}

func TestObserverStillReceivesUpdates(testContext *testing.T) {
	store := newFakeStore()
	store.setState("post-13", posts.CollabState{})

	room := newTestRoom(testContext, store, "post-13", nil)
	room.load(context.Background())

	editor := newTestSession(room, CapabilityEditable, "user-1")
	observer := newTestSession(room, CapabilityObserver, "user-2")
	for _, session := range []*Session{editor, observer} {
		if err := room.Attach(session); err != nil {
			testContext.Fatalf("attach failed: %v", err)
		}
	}
	drainFrames(observer)

	if err := editor.handleFrame(NewUpdateFrame([]byte("edit-1"))); err != nil {
		testContext.Fatalf("editor frame failed: %v", err)
	}

	frames := drainFrames(observer)
	if len(frames) != 1 {
		testContext.Fatalf("observer must converge, got %d frames", len(frames))
	}
}

func TestSessionStateRequestServed(testContext *testing.T) {
	store := newFakeStore()
	store.setState("post-14", posts.CollabState{})

	room := newTestRoom(testContext, store, "post-14", nil)
	room.load(context.Background())

	session := newTestSession(room, CapabilityEditable, "user-1")
	if err := room.Attach(session); err != nil {
		testContext.Fatalf("attach failed: %v", err)
	}
	if err := room.ApplyUpdate("someone-else", []byte("edit-1")); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}
	drainFrames(session)

	if err := session.handleFrame([]byte{byte(FrameTypeSync), byte(SyncStepRequest)}); err != nil {
		testContext.Fatalf("state request failed: %v", err)
	}

	frames := drainFrames(session)
	if len(frames) != 1 || ParseSyncStep(frames[0]) != SyncStepState {
		testContext.Fatalf("expected a state frame reply")
	}
	if got := mustUpdateCount(testContext, FramePayload(frames[0])); got != 1 {
		testContext.Fatalf("expected full state with one update, got %d", got)
	}
}

func TestSessionStateRequestDisconnectsBackloggedSession(testContext *testing.T) {
	store := newFakeStore()
	store.setState("post-15", posts.CollabState{})

	room := newTestRoom(testContext, store, "post-15", nil)
	room.load(context.Background())

	session := newTestSession(room, CapabilityEditable, "user-1")
	if err := room.Attach(session); err != nil {
		testContext.Fatalf("attach failed: %v", err)
	}
	drainFrames(session)

	for i := 0; i < sendBufferSize; i++ {
		if !session.enqueue([]byte{byte(FrameTypeAwareness), 0x00}) {
			testContext.Fatalf("buffer filled early at frame %d", i)
		}
	}

	if err := session.handleFrame([]byte{byte(FrameTypeSync), byte(SyncStepRequest)}); err != nil {
		testContext.Fatalf("state request failed: %v", err)
	}

	waitFor(testContext, func() bool {
		return room.SessionCount() == 0
	}, "backlogged session must be disconnected instead of losing its reply")
}
