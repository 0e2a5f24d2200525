package collab

import "strings"

// SeedAction describes the single local mutation a client should perform to
// initialize an empty document from its stored HTML rendering.
type SeedAction struct {
	HTML string
}

// PlanSeed decides whether a freshly synced client should seed the document
// engine from the HTML snapshot delivered out-of-band at session start.
//
// The decision is made exactly once per session, immediately after the first
// successful sync round-trip: seed only when the engine is empty and a
// non-empty snapshot exists. Once collaborative history exists the engine's
// state always wins and the snapshot is ignored. Two first-openers racing can
// both observe an empty engine and both seed; the duplicated seed merges by
// the engine's convergence property and is tolerated rather than prevented.
func PlanSeed(engineEmpty bool, htmlSnapshot string) (SeedAction, bool) {
	if !engineEmpty {
		return SeedAction{}, false
	}
	trimmed := strings.TrimSpace(htmlSnapshot)
	if trimmed == "" {
		return SeedAction{}, false
	}
	return SeedAction{HTML: htmlSnapshot}, true
}
