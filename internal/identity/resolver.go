// Package identity resolves provider logins to canonical identities using
// the alias and group rules supplied by configuration.
package identity

import (
	"sort"

	"github.com/repometrics/crawler/internal/crawler"
)

// Alias maps one provider login onto a canonical identity.
type Alias struct {
	Provider string
	UID      string
	MUID     string
}

// Group names a team and its canonical members.
type Group struct {
	Name    string
	Members []string
}

// Resolver is an immutable lookup built once from configuration. It owns no
// crawler state and is safe for concurrent use.
type Resolver struct {
	aliases map[aliasKey]string
	groups  map[string][]string
}

type aliasKey struct {
	provider string
	uid      string
}

// NewResolver builds a resolver snapshot from alias and group rules.
func NewResolver(aliases []Alias, groups []Group) *Resolver {
	r := &Resolver{
		aliases: make(map[aliasKey]string, len(aliases)),
		groups:  make(map[string][]string),
	}
	for _, a := range aliases {
		r.aliases[aliasKey{provider: a.Provider, uid: a.UID}] = a.MUID
	}
	for _, g := range groups {
		for _, member := range g.Members {
			r.groups[member] = append(r.groups[member], g.Name)
		}
	}
	for _, names := range r.groups {
		sort.Strings(names)
	}
	return r
}

// Resolve returns the canonical identity for a provider login. Unresolvable
// logins fall back to the raw uid with no canonical mapping.
func (r *Resolver) Resolve(provider, uid string) crawler.Ident {
	ident := crawler.Ident{UID: uid}
	muid, ok := r.aliases[aliasKey{provider: provider, uid: uid}]
	if !ok {
		return ident
	}
	ident.MUID = muid
	if groups, ok := r.groups[muid]; ok {
		ident.Groups = append([]string(nil), groups...)
	}
	return ident
}
