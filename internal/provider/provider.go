// Package provider constructs the concrete crawl adapters.
package provider

import (
	"fmt"
	"time"

	"github.com/repometrics/crawler/internal/crawler"
	"github.com/repometrics/crawler/internal/provider/gerrit"
	"github.com/repometrics/crawler/internal/provider/github"
	"github.com/repometrics/crawler/internal/provider/gitlab"
	"github.com/repometrics/crawler/internal/provider/jira"
)

// Settings is the provider-agnostic connection block from configuration.
// Each adapter picks the fields it understands.
type Settings struct {
	BaseURL   string
	Username  string
	Token     string
	Timeout   time.Duration
	UserAgent string
}

// New builds the named provider. Jira also answers to "bugzilla" since
// BugZilla deployments are crawled through their Jira-compatible bridge.
func New(name string, s Settings, idents crawler.IdentResolver) (crawler.Provider, error) {
	switch name {
	case "github":
		return github.New(github.Config{
			BaseURL: s.BaseURL, Token: s.Token, Timeout: s.Timeout, UserAgent: s.UserAgent,
		}, idents)
	case "gitlab":
		return gitlab.New(gitlab.Config{
			BaseURL: s.BaseURL, Token: s.Token, Timeout: s.Timeout, UserAgent: s.UserAgent,
		}, idents)
	case "gerrit":
		return gerrit.New(gerrit.Config{
			BaseURL: s.BaseURL, Username: s.Username, Password: s.Token, Timeout: s.Timeout, UserAgent: s.UserAgent,
		}, idents)
	case "jira", "bugzilla":
		return jira.New(jira.Config{
			BaseURL: s.BaseURL, Username: s.Username, Token: s.Token, Timeout: s.Timeout, UserAgent: s.UserAgent,
		}, idents)
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
