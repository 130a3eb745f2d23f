// Package gitlab crawls merge request and issue activity through the GitLab
// REST API.
package gitlab

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

// Config holds connection settings for one GitLab instance.
type Config struct {
	// BaseURL overrides the public endpoint for self-hosted instances.
	BaseURL   string
	Token     string
	Timeout   time.Duration
	UserAgent string
}

// Provider implements crawler.Provider for GitLab.
type Provider struct {
	client  *httpapi.Client
	baseURL string
	host    string
	token   string
	idents  crawler.IdentResolver
}

// New constructs a GitLab provider.
func New(cfg Config, idents crawler.IdentResolver) (*Provider, error) {
	base := cfg.BaseURL
	if base == "" {
		base = "https://gitlab.com"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse gitlab base url: %w", err)
	}
	return &Provider{
		client:  httpapi.New(cfg.Timeout, cfg.UserAgent),
		baseURL: base,
		host:    u.Hostname(),
		token:   cfg.Token,
		idents:  idents,
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "gitlab" }

// Host returns the API host keying the shared rate limiter.
func (p *Provider) Host() string { return p.host }

// record is the payload shape handed to Transform: one merge request or
// issue plus its discussion notes, fetched together so a record is
// self-contained.
type record struct {
	Item  json.RawMessage `json:"item"`
	Notes json.RawMessage `json:"notes"`
}

// FetchPage fetches one page of merge requests or issues ordered by update
// time, then pulls the notes for each item so the record carries its full
// discussion. The cursor is the 1-based page number.
func (p *Provider) FetchPage(ctx context.Context, entity crawler.CrawlerEntity, since time.Time, cursor string) (crawler.Page, error) {
	pageNum := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return crawler.Page{}, fmt.Errorf("%w: gitlab cursor %q", crawler.ErrSchema, cursor)
		}
		pageNum = n
	}

	resource := "merge_requests"
	if entity.Kind == crawler.KindIssue {
		resource = "issues"
	}
	q := url.Values{}
	q.Set("updated_after", since.UTC().Format(time.RFC3339))
	q.Set("order_by", "updated_at")
	q.Set("sort", "asc")
	q.Set("per_page", strconv.Itoa(pageSize))
	q.Set("page", strconv.Itoa(pageNum))

	endpoint := fmt.Sprintf("%s/api/v4/projects/%s/%s?%s",
		p.baseURL, url.PathEscape(entity.Name), resource, q.Encode())

	var items []json.RawMessage
	header, err := p.get(ctx, endpoint, &items)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("gitlab fetch %s: %w", entity.Name, err)
	}

	page := crawler.Page{Hint: httpapi.QuotaHint(header)}
	for _, item := range items {
		var probe struct {
			IID int `json:"iid"`
		}
		if err := json.Unmarshal(item, &probe); err != nil || probe.IID == 0 {
			// Keep the malformed item; Transform reports and counts it.
			page.Records = append(page.Records, p.record(entity, item, nil))
			continue
		}
		notesURL := fmt.Sprintf("%s/api/v4/projects/%s/%s/%d/notes?per_page=100&sort=asc",
			p.baseURL, url.PathEscape(entity.Name), resource, probe.IID)
		var notes json.RawMessage
		if _, err := p.get(ctx, notesURL, &notes); err != nil {
			return crawler.Page{}, fmt.Errorf("gitlab fetch %s notes for !%d: %w", entity.Name, probe.IID, err)
		}
		page.Records = append(page.Records, p.record(entity, item, notes))
	}

	// GitLab caps per_page; a short page means we drained the window.
	if len(items) < pageSize {
		page.Done = true
	} else {
		page.NextCursor = strconv.Itoa(pageNum + 1)
	}
	return page, nil
}

func (p *Provider) record(entity crawler.CrawlerEntity, item, notes json.RawMessage) crawler.RawRecord {
	payload, _ := json.Marshal(record{Item: item, Notes: notes})
	return crawler.RawRecord{Provider: p.Name(), Repository: entity.Name, Payload: payload}
}

func (p *Provider) get(ctx context.Context, endpoint string, out any) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build gitlab request: %w", err)
	}
	if p.token != "" {
		req.Header.Set("PRIVATE-TOKEN", p.token)
	}
	resp, err := p.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	header := resp.Header
	if err := httpapi.DecodeJSON(resp, out); err != nil {
		return nil, err
	}
	return header, nil
}
