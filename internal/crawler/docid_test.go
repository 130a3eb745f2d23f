package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChangeID_Deterministic(t *testing.T) {
	t.Parallel()

	first := ChangeID("github", "acme/widget", "42")
	second := ChangeID("github", "acme/widget", "42")
	require.Equal(t, first, second)
	require.Len(t, first, 64)
}

func TestChangeID_DistinguishesInputs(t *testing.T) {
	t.Parallel()

	base := ChangeID("github", "acme/widget", "42")
	require.NotEqual(t, base, ChangeID("gitlab", "acme/widget", "42"))
	require.NotEqual(t, base, ChangeID("github", "acme/other", "42"))
	require.NotEqual(t, base, ChangeID("github", "acme/widget", "43"))
}

func TestEventID_SeparatorPreventsFieldCollisions(t *testing.T) {
	t.Parallel()

	a := EventID("github", string(EventChangeReviewed), "ab")
	b := EventID("githuba", string(EventChangeReviewed), "b")
	require.NotEqual(t, a, b)
}

func TestEventID_StablePerNaturalKey(t *testing.T) {
	t.Parallel()

	// Duplicate delivery of the same review submission must map to the
	// same document id so the second write is a no-op overwrite.
	first := EventID("github", string(EventChangeReviewed), "PRR_kwDOAbc123")
	second := EventID("github", string(EventChangeReviewed), "PRR_kwDOAbc123")
	require.Equal(t, first, second)
}
