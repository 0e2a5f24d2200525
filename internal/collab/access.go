package collab

// Capability is the permission level assigned to a session at creation. It is
// immutable for the session's lifetime; policy changes take effect only for
// new sessions.
type Capability string

const (
	// CapabilityEditable allows a session to originate document mutations.
	CapabilityEditable Capability = "editable"
	// CapabilityObserver restricts a session to receiving updates. Observers
	// still converge; only the origin of edits is gated.
	CapabilityObserver Capability = "observer"
)

// ResolveCapability derives a session capability from the stored access
// policy. Rules, in priority order: an explicit observer-mode request always
// yields observer; the document's author may always edit; otherwise the
// document's collaboration flag decides.
func ResolveCapability(authorID string, allowCollaboration bool, userID string, observerRequested bool) Capability {
	if observerRequested {
		return CapabilityObserver
	}
	if userID != "" && userID == authorID {
		return CapabilityEditable
	}
	if allowCollaboration {
		return CapabilityEditable
	}
	return CapabilityObserver
}
