// Package engine holds the server-side representation of one collaboratively
// edited document. The server never interprets update payloads: clients run
// the CRDT merge, the server accumulates the opaque update log and serves it
// back as the document's full state. Convergence of the logical document is
// the client library's contract; the server's only obligations are to keep
// every update, apply each one at most once, and serialize the log atomically.
package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

const lengthPrefixSize = 4

var (
	// ErrEmptyUpdate indicates an update payload with no bytes.
	ErrEmptyUpdate = errors.New("engine: empty update")
	// ErrMalformedState indicates serialized state that cannot be decoded.
	ErrMalformedState = errors.New("engine: malformed state")
)

// Document is the in-memory engine state for one room. It is not safe for
// concurrent use; the owning room serializes all access.
type Document struct {
	updates [][]byte
	seen    map[[sha256.Size]byte]struct{}
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{
		updates: make([][]byte, 0),
		seen:    make(map[[sha256.Size]byte]struct{}),
	}
}

// ApplyRemoteUpdate appends one opaque update to the log. Re-applying an
// already-applied update is a no-op.
func (d *Document) ApplyRemoteUpdate(update []byte) error {
	if len(update) == 0 {
		return ErrEmptyUpdate
	}
	digest := sha256.Sum256(update)
	if _, applied := d.seen[digest]; applied {
		return nil
	}
	stored := make([]byte, len(update))
	copy(stored, update)
	d.updates = append(d.updates, stored)
	d.seen[digest] = struct{}{}
	return nil
}

// SerializeFullState returns the full update log as one length-prefixed
// byte sequence. The result of serializing an empty document is empty.
func (d *Document) SerializeFullState() []byte {
	totalSize := 0
	for _, update := range d.updates {
		totalSize += len(update)
	}

	state := make([]byte, 0, totalSize+len(d.updates)*lengthPrefixSize)
	var prefix [lengthPrefixSize]byte
	for _, update := range d.updates {
		binary.BigEndian.PutUint32(prefix[:], uint32(len(update)))
		state = append(state, prefix[:]...)
		state = append(state, update...)
	}
	return state
}

// LoadFullState applies a previously serialized state on top of the current
// log. Loading nil or empty state is a no-op.
func (d *Document) LoadFullState(state []byte) error {
	offset := 0
	for offset < len(state) {
		if offset+lengthPrefixSize > len(state) {
			return fmt.Errorf("%w: truncated length prefix at offset %d", ErrMalformedState, offset)
		}
		length := binary.BigEndian.Uint32(state[offset : offset+lengthPrefixSize])
		offset += lengthPrefixSize

		if offset+int(length) > len(state) {
			return fmt.Errorf("%w: truncated update at offset %d", ErrMalformedState, offset)
		}
		if length == 0 {
			return fmt.Errorf("%w: zero-length update at offset %d", ErrMalformedState, offset)
		}
		if err := d.ApplyRemoteUpdate(state[offset : offset+int(length)]); err != nil {
			return err
		}
		offset += int(length)
	}
	return nil
}

// IsEmpty reports whether the document has no applied updates.
func (d *Document) IsEmpty() bool {
	return len(d.updates) == 0
}

// UpdateCount returns the number of distinct applied updates.
func (d *Document) UpdateCount() int {
	return len(d.updates)
}
