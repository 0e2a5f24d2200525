package collab

import (
	"errors"
	"fmt"
)

// FrameType is the first byte of every websocket frame.
type FrameType byte

const (
	// FrameTypeSync carries document synchronization payloads.
	FrameTypeSync FrameType = 0
	// FrameTypeAwareness carries presence payloads (carets, names, colors).
	// Awareness payloads are relayed opaquely and never persisted.
	FrameTypeAwareness FrameType = 1
)

// SyncStep is the second byte of a sync frame.
type SyncStep byte

const (
	// SyncStepRequest asks the server for the document's current full state.
	SyncStepRequest SyncStep = 0
	// SyncStepState carries the full serialized document state (server to client).
	SyncStepState SyncStep = 1
	// SyncStepUpdate carries one incremental document update.
	SyncStepUpdate SyncStep = 2
)

const frameHeaderSize = 2

// ErrMalformedFrame indicates a frame that violates the wire protocol.
var ErrMalformedFrame = errors.New("collab: malformed frame")

// ValidateFrame checks the structural validity of an inbound frame.
func ValidateFrame(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}

	switch FrameType(data[0]) {
	case FrameTypeSync:
		if len(data) < frameHeaderSize {
			return fmt.Errorf("%w: sync frame too short", ErrMalformedFrame)
		}
		if SyncStep(data[1]) > SyncStepUpdate {
			return fmt.Errorf("%w: unknown sync step %d", ErrMalformedFrame, data[1])
		}
		return nil
	case FrameTypeAwareness:
		if len(data) < frameHeaderSize {
			return fmt.Errorf("%w: awareness frame too short", ErrMalformedFrame)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown frame type %d", ErrMalformedFrame, data[0])
	}
}

// ParseFrameType extracts the frame type from the first byte.
func ParseFrameType(data []byte) FrameType {
	if len(data) == 0 {
		return FrameTypeSync
	}
	return FrameType(data[0])
}

// ParseSyncStep extracts the sync step from the second byte.
func ParseSyncStep(data []byte) SyncStep {
	if len(data) < frameHeaderSize {
		return SyncStepRequest
	}
	return SyncStep(data[1])
}

// FramePayload returns the bytes following the frame header.
func FramePayload(data []byte) []byte {
	if len(data) <= frameHeaderSize {
		return nil
	}
	return data[frameHeaderSize:]
}

// NewUpdateFrame wraps an engine update in a sync frame.
func NewUpdateFrame(update []byte) []byte {
	frame := make([]byte, 0, frameHeaderSize+len(update))
	frame = append(frame, byte(FrameTypeSync), byte(SyncStepUpdate))
	return append(frame, update...)
}

// NewStateFrame wraps the full serialized document state in a sync frame.
func NewStateFrame(state []byte) []byte {
	frame := make([]byte, 0, frameHeaderSize+len(state))
	frame = append(frame, byte(FrameTypeSync), byte(SyncStepState))
	return append(frame, state...)
}
