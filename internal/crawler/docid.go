package crawler

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Document ids are pure functions of immutable natural identifiers, so
// re-ingesting the same provider record always lands on the same id.

// ChangeID returns the deterministic document id for a change. The number
// is the provider's natural change key: a PR or MR number, a Gerrit change
// number, or a Jira issue key.
func ChangeID(provider, repository, number string) string {
	return digest("change", provider, repository, number)
}

// EventID returns the deterministic document id for an event, keyed by the
// provider's natural event identifier (review submission id, note id, ...).
func EventID(provider, typ, naturalKey string) string {
	return digest("event", provider, typ, naturalKey)
}

func digest(parts ...string) string {
	// The separator keeps adjacent fields from colliding ("a","bc" vs "ab","c").
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
