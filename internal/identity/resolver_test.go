package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolve_AliasAndGroups(t *testing.T) {
	t.Parallel()

	r := NewResolver(
		[]Alias{
			{Provider: "github", UID: "jdoe", MUID: "jane.doe"},
			{Provider: "gerrit", UID: "jane.d", MUID: "jane.doe"},
		},
		[]Group{
			{Name: "backend", Members: []string{"jane.doe"}},
			{Name: "approvers", Members: []string{"jane.doe", "bob.smith"}},
		},
	)

	ident := r.Resolve("github", "jdoe")
	require.Equal(t, "jdoe", ident.UID)
	require.Equal(t, "jane.doe", ident.MUID)
	require.Equal(t, []string{"approvers", "backend"}, ident.Groups)

	// The same person resolves to the same muid from a different provider.
	other := r.Resolve("gerrit", "jane.d")
	require.Equal(t, ident.MUID, other.MUID)
}

func TestResolve_UnknownLoginFallsBack(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil, nil)
	ident := r.Resolve("github", "drive-by-contributor")
	require.Equal(t, "drive-by-contributor", ident.UID)
	require.Empty(t, ident.MUID)
	require.Empty(t, ident.Groups)
}

func TestResolve_AliasIsProviderScoped(t *testing.T) {
	t.Parallel()

	r := NewResolver([]Alias{{Provider: "github", UID: "jdoe", MUID: "jane.doe"}}, nil)
	ident := r.Resolve("gitlab", "jdoe")
	require.Empty(t, ident.MUID)
}
