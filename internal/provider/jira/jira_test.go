package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repometrics/crawler/internal/crawler"
)

type passthroughIdents struct{}

func (passthroughIdents) Resolve(provider, uid string) crawler.Ident {
	return crawler.Ident{UID: uid, MUID: uid}
}

func newTestProvider(t *testing.T, baseURL string) *Provider {
	t.Helper()
	p, err := New(Config{BaseURL: baseURL, Username: "crawler", Token: "secret"}, passthroughIdents{})
	require.NoError(t, err)
	return p
}

const issueJSON = `{
  "key": "WID-42",
  "fields": {
    "summary": "Cache never evicts",
    "status": {"name": "Done", "statusCategory": {"key": "done"}},
    "created": "2026-02-01T09:00:00.000+0000",
    "updated": "2026-02-03T15:00:00.000+0000",
    "resolutiondate": "2026-02-03T15:00:00.000+0000",
    "creator": {"name": "alice"},
    "comment": {"comments": [
      {"id": "9001", "author": {"name": "carol"}, "created": "2026-02-02T12:00:00.000+0000"}
    ]}
  },
  "changelog": {"histories": [
    {"id": "h1", "author": {"name": "bob"}, "created": "2026-02-03T15:00:00.000+0000",
     "items": [{"field": "status", "toString": "Done"}]}
  ]}
}`

func TestFetchPagePaginates(t *testing.T) {
	var gotJQL, gotStartAt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotJQL = r.URL.Query().Get("jql")
		gotStartAt = r.URL.Query().Get("startAt")
		fmt.Fprintf(w, `{"startAt": 50, "maxResults": 50, "total": 120, "issues": [%s]}`, issueJSON)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	entity := crawler.CrawlerEntity{Workspace: "acme", Provider: "jira", Kind: crawler.KindIssue, Name: "WID"}
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	page, err := p.FetchPage(context.Background(), entity, since, "50")
	require.NoError(t, err)
	require.Equal(t, "50", gotStartAt)
	require.Contains(t, gotJQL, `project = "WID"`)
	require.Contains(t, gotJQL, `updated >= "2026-02-01 00:00"`)
	require.Contains(t, gotJQL, "ORDER BY updated ASC")

	require.Len(t, page.Records, 1)
	require.False(t, page.Done)
	require.Equal(t, "51", page.NextCursor)
}

func TestFetchPageLastPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"startAt": 0, "maxResults": 50, "total": 1, "issues": [%s]}`, issueJSON)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	page, err := p.FetchPage(context.Background(), crawler.CrawlerEntity{Kind: crawler.KindIssue, Name: "WID"}, time.Now(), "")
	require.NoError(t, err)
	require.True(t, page.Done)
	require.Empty(t, page.NextCursor)
}

func TestFetchPageRejectsChangeKind(t *testing.T) {
	p := newTestProvider(t, "http://jira.example.com")
	_, err := p.FetchPage(context.Background(), crawler.CrawlerEntity{Kind: crawler.KindChange, Name: "WID"}, time.Now(), "")
	require.ErrorIs(t, err, crawler.ErrSchema)
}

func TestTransformResolvedIssue(t *testing.T) {
	p := newTestProvider(t, "http://jira.example.com")
	docs, err := p.Transform(crawler.RawRecord{Provider: "jira", Repository: "WID", Payload: json.RawMessage(issueJSON)})
	require.NoError(t, err)

	require.Equal(t, crawler.ChangeClosed, docs.Change.State)
	require.Equal(t, "Cache never evicts", docs.Change.Title)
	require.Equal(t, "alice", docs.Change.Author.UID)
	require.NotNil(t, docs.Change.ClosedAt)
	require.Equal(t, time.Date(2026, 2, 3, 15, 0, 0, 0, time.UTC), docs.UpdatedAt)

	byType := map[crawler.EventType]*crawler.Event{}
	for i := range docs.Events {
		byType[docs.Events[i].Type] = &docs.Events[i]
	}
	require.NotNil(t, byType[crawler.EventChangeCreated])
	require.NotNil(t, byType[crawler.EventChangeCommented])
	require.NotNil(t, byType[crawler.EventChangeAbandoned])
	require.Equal(t, "bob", byType[crawler.EventChangeAbandoned].Author.UID, "changelog names the resolver")
	require.Equal(t, "carol", byType[crawler.EventChangeCommented].Author.UID)
}

func TestTransformOpenIssue(t *testing.T) {
	open := `{
	  "key": "WID-7",
	  "fields": {
	    "summary": "Flaky test",
	    "status": {"name": "In Progress", "statusCategory": {"key": "indeterminate"}},
	    "created": "2026-02-01T09:00:00.000+0000",
	    "updated": "2026-02-02T09:00:00.000+0000",
	    "creator": {"name": "alice"},
	    "comment": {"comments": []}
	  }
	}`
	p := newTestProvider(t, "http://jira.example.com")
	docs, err := p.Transform(crawler.RawRecord{Repository: "WID", Payload: json.RawMessage(open)})
	require.NoError(t, err)
	require.Equal(t, crawler.ChangeOpen, docs.Change.State)
	require.Nil(t, docs.Change.ClosedAt)
	require.Len(t, docs.Events, 1)
}

func TestTransformBadTimestamp(t *testing.T) {
	bad := `{"key": "WID-1", "fields": {"created": "last tuesday", "updated": "2026-02-02T09:00:00.000+0000"}}`
	p := newTestProvider(t, "http://jira.example.com")
	_, err := p.Transform(crawler.RawRecord{Payload: json.RawMessage(bad)})
	require.ErrorIs(t, err, crawler.ErrSchema)
}
