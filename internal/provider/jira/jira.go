// Package jira crawls issue activity through the Jira REST API. BugZilla
// style trackers expose the same shapes through their Jira bridges, so one
// adapter covers both.
package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/repometrics/crawler/internal/crawler"
	"github.com/repometrics/crawler/internal/provider/httpapi"
)

const pageSize = 50

// timeLayout is Jira's wire timestamp format.
const timeLayout = "2006-01-02T15:04:05.000-0700"

// Config holds connection settings for one Jira instance.
type Config struct {
	BaseURL   string
	Username  string
	Token     string
	Timeout   time.Duration
	UserAgent string
}

// Provider implements crawler.Provider for Jira.
type Provider struct {
	client   *httpapi.Client
	baseURL  string
	host     string
	username string
	token    string
	idents   crawler.IdentResolver
}

// New constructs a Jira provider.
func New(cfg Config, idents crawler.IdentResolver) (*Provider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("jira: base url is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse jira base url: %w", err)
	}
	return &Provider{
		client:   httpapi.New(cfg.Timeout, cfg.UserAgent),
		baseURL:  cfg.BaseURL,
		host:     u.Hostname(),
		username: cfg.Username,
		token:    cfg.Token,
		idents:   idents,
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "jira" }

// Host returns the API host keying the shared rate limiter.
func (p *Provider) Host() string { return p.host }

type searchResponse struct {
	StartAt    int               `json:"startAt"`
	MaxResults int               `json:"maxResults"`
	Total      int               `json:"total"`
	Issues     []json.RawMessage `json:"issues"`
}

// FetchPage runs a JQL search over one project ordered by update time, with
// changelog and comments expanded so each issue record is self-contained.
// The cursor is the startAt offset. Jira tracks issues, so change-kind
// entities are a configuration mistake.
func (p *Provider) FetchPage(ctx context.Context, entity crawler.CrawlerEntity, since time.Time, cursor string) (crawler.Page, error) {
	if entity.Kind != crawler.KindIssue {
		return crawler.Page{}, fmt.Errorf("%w: jira supports issue entities only, got %q", crawler.ErrSchema, entity.Kind)
	}
	startAt := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return crawler.Page{}, fmt.Errorf("%w: jira cursor %q", crawler.ErrSchema, cursor)
		}
		startAt = n
	}

	jql := fmt.Sprintf("project = %q AND updated >= %q ORDER BY updated ASC",
		entity.Name, since.UTC().Format("2006-01-02 15:04"))
	q := url.Values{}
	q.Set("jql", jql)
	q.Set("startAt", strconv.Itoa(startAt))
	q.Set("maxResults", strconv.Itoa(pageSize))
	q.Set("expand", "changelog")
	q.Set("fields", "summary,status,created,updated,resolutiondate,creator,comment")

	endpoint := fmt.Sprintf("%s/rest/api/2/search?%s", p.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("build jira request: %w", err)
	}
	if p.username != "" {
		req.SetBasicAuth(p.username, p.token)
	}

	resp, err := p.client.Do(ctx, req)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("jira fetch %s: %w", entity.Name, err)
	}
	hint := httpapi.QuotaHint(resp.Header)

	var out searchResponse
	if err := httpapi.DecodeJSON(resp, &out); err != nil {
		return crawler.Page{}, fmt.Errorf("jira fetch %s: %w", entity.Name, err)
	}

	page := crawler.Page{Hint: hint}
	for _, iss := range out.Issues {
		page.Records = append(page.Records, crawler.RawRecord{Provider: p.Name(), Repository: entity.Name, Payload: iss})
	}
	next := startAt + len(out.Issues)
	if len(out.Issues) == 0 || next >= out.Total {
		page.Done = true
	} else {
		page.NextCursor = strconv.Itoa(next)
	}
	return page, nil
}
