// Package gerrit crawls change activity through the Gerrit REST API.
package gerrit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/repometrics/crawler/internal/crawler"
	"github.com/repometrics/crawler/internal/provider/httpapi"
)

const pageSize = 50

// timeLayout is Gerrit's wire timestamp format, always UTC.
const timeLayout = "2006-01-02 15:04:05.000000000"

// Config holds connection settings for one Gerrit instance.
type Config struct {
	BaseURL   string
	Username  string
	Password  string
	Timeout   time.Duration
	UserAgent string
}

// Provider implements crawler.Provider for Gerrit.
type Provider struct {
	client   *httpapi.Client
	baseURL  string
	host     string
	username string
	password string
	idents   crawler.IdentResolver
}

// New constructs a Gerrit provider.
func New(cfg Config, idents crawler.IdentResolver) (*Provider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gerrit: base url is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse gerrit base url: %w", err)
	}
	return &Provider{
		client:   httpapi.New(cfg.Timeout, cfg.UserAgent),
		baseURL:  cfg.BaseURL,
		host:     u.Hostname(),
		username: cfg.Username,
		password: cfg.Password,
		idents:   idents,
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "gerrit" }

// Host returns the API host keying the shared rate limiter.
func (p *Provider) Host() string { return p.host }

// FetchPage queries /changes/ for one project, ordered newest-first by
// Gerrit, using a skip offset as the cursor. Gerrit tracks reviews, so
// issue-kind entities are a configuration mistake.
func (p *Provider) FetchPage(ctx context.Context, entity crawler.CrawlerEntity, since time.Time, cursor string) (crawler.Page, error) {
	if entity.Kind != crawler.KindChange {
		return crawler.Page{}, fmt.Errorf("%w: gerrit supports change entities only, got %q", crawler.ErrSchema, entity.Kind)
	}
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return crawler.Page{}, fmt.Errorf("%w: gerrit cursor %q", crawler.ErrSchema, cursor)
		}
		offset = n
	}

	q := url.Values{}
	q.Set("q", fmt.Sprintf("project:%s after:\"%s\"", entity.Name, since.UTC().Format("2006-01-02 15:04:05")))
	q.Set("n", strconv.Itoa(pageSize))
	q.Set("S", strconv.Itoa(offset))
	q.Add("o", "DETAILED_ACCOUNTS")
	q.Add("o", "DETAILED_LABELS")
	q.Add("o", "MESSAGES")

	prefix := ""
	if p.username != "" {
		// Authenticated endpoints live under /a/.
		prefix = "/a"
	}
	endpoint := fmt.Sprintf("%s%s/changes/?%s", p.baseURL, prefix, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("build gerrit request: %w", err)
	}
	if p.username != "" {
		req.SetBasicAuth(p.username, p.password)
	}

	resp, err := p.client.Do(ctx, req)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("gerrit fetch %s: %w", entity.Name, err)
	}

	var changes []json.RawMessage
	if err := decodeBody(resp, &changes); err != nil {
		return crawler.Page{}, fmt.Errorf("gerrit fetch %s: %w", entity.Name, err)
	}

	page := crawler.Page{Hint: crawler.RateLimitHint{Remaining: -1}}
	more := false
	for _, ch := range changes {
		page.Records = append(page.Records, crawler.RawRecord{Provider: p.Name(), Repository: entity.Name, Payload: ch})
		var probe struct {
			MoreChanges bool `json:"_more_changes"`
		}
		if json.Unmarshal(ch, &probe) == nil && probe.MoreChanges {
			more = true
		}
	}
	if more {
		page.NextCursor = strconv.Itoa(offset + len(changes))
	} else {
		page.Done = true
	}
	return page, nil
}

// xssiPrefix guards Gerrit JSON responses against script inclusion and must
// be stripped before decoding.
var xssiPrefix = []byte(")]}'")

func decodeBody(resp *http.Response, v any) error {
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %w", crawler.ErrTransient, err)
	}
	body = bytes.TrimPrefix(bytes.TrimSpace(body), xssiPrefix)
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decode body: %w", crawler.ErrSchema, err)
	}
	return nil
}

// parseTime decodes Gerrit's timestamp format, tolerating missing
// sub-second digits.
func parseTime(raw string) (time.Time, error) {
	if t, err := time.ParseInLocation(timeLayout, raw, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05", raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: gerrit timestamp %q: %v", crawler.ErrSchema, raw, err)
	}
	return t, nil
}
