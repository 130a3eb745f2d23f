package gerrit

import (
	"context"
	"encoding/json"
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
	p, err := New(Config{BaseURL: baseURL, Username: "crawler", Password: "secret"}, passthroughIdents{})
	require.NoError(t, err)
	return p
}

const changeJSON = `{
  "_number": 4711, "project": "platform/widget", "subject": "Rework cache eviction",
  "status": "MERGED",
  "created": "2026-02-01 09:00:00.000000000",
  "updated": "2026-02-03 15:30:00.000000000",
  "submitted": "2026-02-03 15:30:00.000000000",
  "owner": {"_account_id": 1000, "username": "alice"},
  "submitter": {"_account_id": 1001, "username": "bob"},
  "insertions": 200, "deletions": 40,
  "labels": {
    "Code-Review": {"all": [
      {"_account_id": 1001, "username": "bob", "value": 2, "date": "2026-02-03 14:00:00.000000000"},
      {"_account_id": 1002, "username": "carol", "value": 0}
    ]}
  },
  "messages": [
    {"id": "m1", "author": {"username": "bob"}, "date": "2026-02-02 10:00:00.000000000",
     "message": "Patch Set 1: nice cleanup"},
    {"id": "m2", "author": {"username": "zuul"}, "date": "2026-02-02 10:05:00.000000000",
     "message": "Build succeeded", "tag": "autogenerated:ci"}
  ]
}`

func TestFetchPageStripsXSSIPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/a/changes/", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "crawler", user)
		require.Equal(t, "secret", pass)
		require.Contains(t, r.URL.Query().Get("q"), "project:platform/widget")
		_, _ = w.Write([]byte(")]}'\n[" + changeJSON + "]"))
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	entity := crawler.CrawlerEntity{Workspace: "acme", Provider: "gerrit", Kind: crawler.KindChange, Name: "platform/widget"}

	page, err := p.FetchPage(context.Background(), entity, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), "")
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.True(t, page.Done)
}

func TestFetchPageOffsetCursor(t *testing.T) {
	withMore := `{"_number": 1, "updated": "2026-02-01 00:00:00.000000000", "created": "2026-02-01 00:00:00.000000000", "_more_changes": true}`
	var gotSkip string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSkip = r.URL.Query().Get("S")
		_, _ = w.Write([]byte(")]}'\n[" + withMore + "]"))
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	entity := crawler.CrawlerEntity{Kind: crawler.KindChange, Name: "platform/widget"}

	page, err := p.FetchPage(context.Background(), entity, time.Now(), "50")
	require.NoError(t, err)
	require.Equal(t, "50", gotSkip)
	require.False(t, page.Done)
	require.Equal(t, "51", page.NextCursor)
}

func TestFetchPageRejectsIssueKind(t *testing.T) {
	p := newTestProvider(t, "http://gerrit.example.com")
	_, err := p.FetchPage(context.Background(), crawler.CrawlerEntity{Kind: crawler.KindIssue, Name: "x"}, time.Now(), "")
	require.ErrorIs(t, err, crawler.ErrSchema)
}

func TestTransformMergedChange(t *testing.T) {
	p := newTestProvider(t, "http://gerrit.example.com")
	docs, err := p.Transform(crawler.RawRecord{Provider: "gerrit", Repository: "platform/widget", Payload: json.RawMessage(changeJSON)})
	require.NoError(t, err)

	require.Equal(t, crawler.ChangeMerged, docs.Change.State)
	require.Equal(t, 4711, docs.Change.Number)
	require.Equal(t, "alice", docs.Change.Author.UID)
	require.Equal(t, "bob", docs.Change.MergedBy.UID)
	require.Equal(t, []string{"Code-Review+2"}, docs.Change.Approvals)
	require.Equal(t, time.Date(2026, 2, 3, 15, 30, 0, 0, time.UTC), docs.UpdatedAt)

	byType := map[crawler.EventType]int{}
	for _, ev := range docs.Events {
		byType[ev.Type]++
	}
	require.Equal(t, 1, byType[crawler.EventChangeCreated])
	require.Equal(t, 1, byType[crawler.EventChangeMerged])
	require.Equal(t, 1, byType[crawler.EventChangeReviewed], "zero votes carry no review signal")
	require.Equal(t, 1, byType[crawler.EventChangeCommented], "autogenerated messages are dropped")
}

func TestTransformAbandonedChange(t *testing.T) {
	abandoned := `{
	  "_number": 99, "subject": "Dead end", "status": "ABANDONED",
	  "created": "2026-01-01 00:00:00.000000000",
	  "updated": "2026-01-02 00:00:00.000000000",
	  "owner": {"username": "alice"},
	  "messages": [{"id": "m1", "author": {"username": "maintainer"},
	    "date": "2026-01-02 00:00:00.000000000", "message": "Abandoned\n\nsuperseded"}]
	}`
	p := newTestProvider(t, "http://gerrit.example.com")
	docs, err := p.Transform(crawler.RawRecord{Repository: "platform/widget", Payload: json.RawMessage(abandoned)})
	require.NoError(t, err)
	require.Equal(t, crawler.ChangeClosed, docs.Change.State)

	var abandon *crawler.Event
	for i := range docs.Events {
		if docs.Events[i].Type == crawler.EventChangeAbandoned {
			abandon = &docs.Events[i]
		}
	}
	require.NotNil(t, abandon)
	require.Equal(t, "maintainer", abandon.Author.UID)
}

func TestTransformBadTimestamp(t *testing.T) {
	bad := `{"_number": 5, "created": "yesterday", "updated": "2026-01-02 00:00:00.000000000"}`
	p := newTestProvider(t, "http://gerrit.example.com")
	_, err := p.Transform(crawler.RawRecord{Payload: json.RawMessage(bad)})
	require.ErrorIs(t, err, crawler.ErrSchema)
}

func TestParseTimeToleratesMissingNanos(t *testing.T) {
	got, err := parseTime("2026-02-03 15:30:00")
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 2, 3, 15, 30, 0, 0, time.UTC), got)
}
