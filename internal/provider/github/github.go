// Package github crawls pull request and issue activity through the GitHub
// GraphQL API.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/repometrics/crawler/internal/crawler"
	"github.com/repometrics/crawler/internal/provider/httpapi"
)

const pageSize = 25

// Config holds connection settings for one GitHub instance.
type Config struct {
	// BaseURL overrides the public endpoint for GitHub Enterprise.
	BaseURL   string
	Token     string
	Timeout   time.Duration
	UserAgent string
}

// Provider implements crawler.Provider for GitHub.
type Provider struct {
	client  *httpapi.Client
	baseURL string
	host    string
	token   string
	idents  crawler.IdentResolver
}

// New constructs a GitHub provider.
func New(cfg Config, idents crawler.IdentResolver) (*Provider, error) {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.github.com"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse github base url: %w", err)
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
func (p *Provider) Name() string { return "github" }

// Host returns the API host keying the shared rate limiter.
func (p *Provider) Host() string { return p.host }

// prQuery pages through PRs or issues of one repository by update time.
// Reviews and comments ride along on each node so one search page yields a
// complete activity slice without follow-up calls.
const prQuery = `
query($search: String!, $first: Int!, $after: String) {
  rateLimit { remaining resetAt }
  search(query: $search, type: ISSUE, first: $first, after: $after) {
    pageInfo { hasNextPage endCursor }
    nodes {
      __typename
      ... on PullRequest {
        number title state url createdAt updatedAt mergedAt closedAt
        additions deletions changedFiles
        commits { totalCount }
        author { login }
        mergedBy { login }
        reviews(first: 100) { nodes { id state submittedAt author { login } } }
        comments(first: 100) { nodes { id createdAt author { login } } }
        timelineItems(itemTypes: [CLOSED_EVENT], last: 1) {
          nodes { ... on ClosedEvent { actor { login } } }
        }
      }
      ... on Issue {
        number title state createdAt updatedAt closedAt
        author { login }
        comments(first: 100) { nodes { id createdAt author { login } } }
      }
    }
  }
}`

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlResponse struct {
	Data struct {
		RateLimit struct {
			Remaining int       `json:"remaining"`
			ResetAt   time.Time `json:"resetAt"`
		} `json:"rateLimit"`
		Search struct {
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
			Nodes []json.RawMessage `json:"nodes"`
		} `json:"search"`
	} `json:"data"`
	Errors []struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"errors"`
}

// FetchPage returns one search page of raw pull request or issue nodes.
func (p *Provider) FetchPage(ctx context.Context, entity crawler.CrawlerEntity, since time.Time, cursor string) (crawler.Page, error) {
	search := fmt.Sprintf("repo:%s is:pr updated:>=%s sort:updated-asc", entity.Name, since.UTC().Format(time.RFC3339))
	if entity.Kind == crawler.KindIssue {
		search = fmt.Sprintf("repo:%s is:issue updated:>=%s sort:updated-asc", entity.Name, since.UTC().Format(time.RFC3339))
	}
	vars := map[string]any{"search": search, "first": pageSize}
	if cursor != "" {
		vars["after"] = cursor
	}
	body, err := json.Marshal(graphqlRequest{Query: prQuery, Variables: vars})
	if err != nil {
		return crawler.Page{}, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := newRequest(ctx, p.baseURL+"/graphql", body, p.token)
	if err != nil {
		return crawler.Page{}, err
	}
	resp, err := p.client.Do(ctx, req)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("github fetch %s: %w", entity.Name, err)
	}
	hint := httpapi.QuotaHint(resp.Header)

	var out graphqlResponse
	if err := httpapi.DecodeJSON(resp, &out); err != nil {
		return crawler.Page{}, fmt.Errorf("github fetch %s: %w", entity.Name, err)
	}
	if err := classifyGraphQLErrors(out); err != nil {
		return crawler.Page{}, fmt.Errorf("github fetch %s: %w", entity.Name, err)
	}
	if !out.Data.RateLimit.ResetAt.IsZero() {
		hint.Remaining = out.Data.RateLimit.Remaining
		hint.ResetAt = out.Data.RateLimit.ResetAt
	}

	page := crawler.Page{
		NextCursor: out.Data.Search.PageInfo.EndCursor,
		Done:       !out.Data.Search.PageInfo.HasNextPage,
		Hint:       hint,
	}
	for _, node := range out.Data.Search.Nodes {
		page.Records = append(page.Records, crawler.RawRecord{Provider: p.Name(), Repository: entity.Name, Payload: node})
	}
	return page, nil
}

func classifyGraphQLErrors(out graphqlResponse) error {
	if len(out.Errors) == 0 {
		return nil
	}
	first := out.Errors[0]
	switch first.Type {
	case "RATE_LIMITED":
		return &crawler.RateLimitedError{Hint: crawler.RateLimitHint{
			Remaining: out.Data.RateLimit.Remaining,
			ResetAt:   out.Data.RateLimit.ResetAt,
		}}
	case "FORBIDDEN":
		return fmt.Errorf("%w: %s", crawler.ErrAuth, first.Message)
	default:
		return fmt.Errorf("%w: graphql: %s", crawler.ErrSchema, first.Message)
	}
}

func newRequest(ctx context.Context, endpoint string, body []byte, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build github request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}
