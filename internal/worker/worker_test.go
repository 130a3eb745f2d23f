package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/repometrics/crawler/internal/crawler"
	queuemem "github.com/repometrics/crawler/internal/queue/memory"
	"github.com/repometrics/crawler/internal/store"
	"github.com/repometrics/crawler/internal/store/memory"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type noopLimiter struct {
	mu       sync.Mutex
	observed []crawler.RateLimitHint
}

func (l *noopLimiter) Acquire(ctx context.Context, host string) error { return ctx.Err() }

func (l *noopLimiter) Observe(host string, hint crawler.RateLimitHint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observed = append(l.observed, hint)
}

// fakeProvider serves scripted pages keyed by cursor and transforms each
// record into one change and one created event.
type fakeProvider struct {
	mu        sync.Mutex
	pages     map[string]crawler.Page
	fetchErrs []error
	badIDs    map[string]bool
	sinces    []time.Time
	cursors   []string
}

func (p *fakeProvider) Name() string { return "fake" }
func (p *fakeProvider) Host() string { return "fake.example.com" }

func (p *fakeProvider) FetchPage(ctx context.Context, entity crawler.CrawlerEntity, since time.Time, cursor string) (crawler.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinces = append(p.sinces, since)
	p.cursors = append(p.cursors, cursor)
	if len(p.fetchErrs) > 0 {
		err := p.fetchErrs[0]
		p.fetchErrs = p.fetchErrs[1:]
		if err != nil {
			return crawler.Page{}, err
		}
	}
	page, ok := p.pages[cursor]
	if !ok {
		return crawler.Page{Done: true}, nil
	}
	return page, nil
}

type fakeRecord struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *fakeProvider) Transform(rec crawler.RawRecord) (crawler.Docs, error) {
	var fr fakeRecord
	if err := json.Unmarshal(rec.Payload, &fr); err != nil || fr.ID == "" || p.badIDs[fr.ID] {
		return crawler.Docs{}, fmt.Errorf("%w: unusable record", crawler.ErrSchema)
	}
	change := &crawler.Change{
		ID:         crawler.ChangeID("fake", "acme/widget", fr.ID),
		Provider:   "fake",
		Repository: "acme/widget",
		UpdatedAt:  fr.UpdatedAt,
	}
	ev := crawler.Event{
		ID:         crawler.EventID("fake", string(crawler.EventChangeCreated), fr.ID),
		Type:       crawler.EventChangeCreated,
		OnChangeID: change.ID,
	}
	return crawler.Docs{Change: change, Events: []crawler.Event{ev}, UpdatedAt: fr.UpdatedAt}, nil
}

func record(id string, updated time.Time) crawler.RawRecord {
	payload, _ := json.Marshal(fakeRecord{ID: id, UpdatedAt: updated})
	return crawler.RawRecord{Provider: "fake", Repository: "acme/widget", Payload: payload}
}

type fixture struct {
	worker      *Worker
	provider    *fakeProvider
	checkpoints *memory.CheckpointStore
	docs        *memory.DocumentStore
	limiter     *noopLimiter
	entity      crawler.CrawlerEntity
}

func newFixture(t *testing.T, provider *fakeProvider) *fixture {
	t.Helper()
	checkpoints := memory.NewCheckpointStore()
	docs := memory.NewDocumentStore()
	limiter := &noopLimiter{}
	policy := crawler.NewExponentialRetryPolicy(3, time.Millisecond, 5*time.Millisecond)
	writer := store.NewWriter(docs, policy, store.WriterConfig{BatchSize: 100}, zap.NewNop())
	entity := crawler.CrawlerEntity{Workspace: "acme", Provider: "fake", Kind: crawler.KindChange, Name: "acme/widget"}
	require.NoError(t, checkpoints.Register(context.Background(), entity))

	w := New(
		queuemem.NewQueue(1),
		map[string]crawler.Provider{"fake": provider},
		checkpoints,
		writer,
		limiter,
		policy,
		&fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		Config{OverlapMargin: 30 * time.Minute},
		zap.NewNop(),
	)
	return &fixture{worker: w, provider: provider, checkpoints: checkpoints, docs: docs, limiter: limiter, entity: entity}
}

func (f *fixture) run(t *testing.T) crawler.CrawlState {
	t.Helper()
	f.worker.processTask(context.Background(), crawler.Task{RunID: "run-1", Entity: f.entity})
	state, err := f.checkpoints.Load(context.Background(), f.entity)
	require.NoError(t, err)
	return state
}

func TestProcessTaskCrawlsAllPages(t *testing.T) {
	t1 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	t3 := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	provider := &fakeProvider{pages: map[string]crawler.Page{
		"":   {Records: []crawler.RawRecord{record("1", t1), record("2", t2)}, NextCursor: "p2"},
		"p2": {Records: []crawler.RawRecord{record("3", t3)}, Done: true},
	}}
	f := newFixture(t, provider)

	state := f.run(t)
	require.Equal(t, crawler.StatusIdle, state.Status)
	require.Equal(t, t3, state.LastCommitAt)
	require.Empty(t, state.Cursor, "finished crawl clears the cursor")
	require.Equal(t, 6, f.docs.Len(), "three changes and three events")
}

func TestProcessTaskAppliesOverlapMargin(t *testing.T) {
	last := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	provider := &fakeProvider{pages: map[string]crawler.Page{"": {Done: true}}}
	f := newFixture(t, provider)
	require.NoError(t, f.checkpoints.Advance(context.Background(), f.entity, last, ""))

	f.run(t)
	require.Len(t, provider.sinces, 1)
	require.Equal(t, last.Add(-30*time.Minute), provider.sinces[0])
}

func TestProcessTaskFirstRunFetchesEverything(t *testing.T) {
	provider := &fakeProvider{pages: map[string]crawler.Page{"": {Done: true}}}
	f := newFixture(t, provider)

	f.run(t)
	require.Len(t, provider.sinces, 1)
	require.True(t, provider.sinces[0].IsZero(), "no checkpoint means an unbounded window")
}

func TestProcessTaskResumesFromPersistedCursor(t *testing.T) {
	provider := &fakeProvider{pages: map[string]crawler.Page{
		"p2": {Records: []crawler.RawRecord{record("9", time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC))}, Done: true},
	}}
	f := newFixture(t, provider)
	require.NoError(t, f.checkpoints.Advance(context.Background(), f.entity, time.Date(2026, 2, 4, 0, 0, 0, 0, time.UTC), "p2"))

	state := f.run(t)
	require.Equal(t, []string{"p2"}, provider.cursors, "crawl resumes mid-window")
	require.Equal(t, crawler.StatusIdle, state.Status)
}

func TestProcessTaskSkipsBadRecords(t *testing.T) {
	good := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	page := crawler.Page{Done: true}
	for i := 1; i <= 9; i++ {
		page.Records = append(page.Records, record(fmt.Sprintf("%d", i), good))
	}
	page.Records = append(page.Records, record("bad", good))
	provider := &fakeProvider{
		pages:  map[string]crawler.Page{"": page},
		badIDs: map[string]bool{"bad": true},
	}
	f := newFixture(t, provider)

	state := f.run(t)
	require.Equal(t, crawler.StatusIdle, state.Status, "one bad record does not fail the run")
	require.Equal(t, 18, f.docs.Len(), "nine good records committed")
}

func TestProcessTaskRetriesTransientFetch(t *testing.T) {
	provider := &fakeProvider{
		pages:     map[string]crawler.Page{"": {Done: true}},
		fetchErrs: []error{fmt.Errorf("%w: flaky upstream", crawler.ErrTransient), nil},
	}
	f := newFixture(t, provider)

	state := f.run(t)
	require.Equal(t, crawler.StatusIdle, state.Status)
	require.Len(t, provider.cursors, 2, "first attempt failed, second succeeded")
}

func TestProcessTaskRateLimitFeedsLimiter(t *testing.T) {
	provider := &fakeProvider{
		pages:     map[string]crawler.Page{"": {Done: true}},
		fetchErrs: []error{crawler.RateLimited(2 * time.Millisecond), nil},
	}
	f := newFixture(t, provider)

	state := f.run(t)
	require.Equal(t, crawler.StatusIdle, state.Status)
	f.limiter.mu.Lock()
	defer f.limiter.mu.Unlock()
	require.NotEmpty(t, f.limiter.observed)
	require.Equal(t, 2*time.Millisecond, f.limiter.observed[0].RetryAfter)
}

func TestProcessTaskAuthErrorIsFatal(t *testing.T) {
	provider := &fakeProvider{
		fetchErrs: []error{fmt.Errorf("%w: bad token", crawler.ErrAuth)},
	}
	f := newFixture(t, provider)

	state := f.run(t)
	require.Equal(t, crawler.StatusErrored, state.Status)
	require.Contains(t, state.ErrorText, "bad token")
	require.Equal(t, 1, state.ConsecutiveFailures)
	require.Len(t, provider.cursors, 1, "auth failures are not retried")
}

func TestProcessTaskCheckpointAdvancesPerPage(t *testing.T) {
	t1 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	provider := &fakeProvider{
		pages: map[string]crawler.Page{
			"": {Records: []crawler.RawRecord{record("1", t1)}, NextCursor: "p2"},
		},
		fetchErrs: []error{nil, fmt.Errorf("%w: boom", crawler.ErrAuth)},
	}
	f := newFixture(t, provider)

	state := f.run(t)
	require.Equal(t, crawler.StatusErrored, state.Status)
	require.Equal(t, t1, state.LastCommitAt, "page one was committed before the failure")
	require.Equal(t, "p2", state.Cursor, "cursor points at the unfetched page")
	require.Equal(t, 2, f.docs.Len(), "page one documents survived")
}

func TestProcessTaskMalformedPageEndsRunIdle(t *testing.T) {
	t1 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	provider := &fakeProvider{
		pages: map[string]crawler.Page{
			"": {Records: []crawler.RawRecord{record("1", t1)}, NextCursor: "p2"},
		},
		fetchErrs: []error{nil, fmt.Errorf("%w: undecodable page body", crawler.ErrSchema)},
	}
	f := newFixture(t, provider)

	state := f.run(t)
	require.Equal(t, crawler.StatusIdle, state.Status, "a malformed page is skipped, not a crawl failure")
	require.Zero(t, state.ConsecutiveFailures)
	require.Equal(t, t1, state.LastCommitAt, "page one stays committed")
	require.Equal(t, 2, f.docs.Len())
}

func TestProcessTaskHeartbeatsBetweenPages(t *testing.T) {
	t1 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	provider := &fakeProvider{pages: map[string]crawler.Page{
		"":   {Records: []crawler.RawRecord{record("1", t1)}, NextCursor: "p2"},
		"p2": {Done: true},
	}}
	f := newFixture(t, provider)
	stale := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.checkpoints.MarkRunning(context.Background(), f.entity, stale))

	state := f.run(t)
	require.Equal(t, crawler.StatusIdle, state.Status)
	require.True(t, state.LastAttemptAt.After(stale),
		"a multi-page crawl refreshes last_attempt_at so it never looks orphaned")
}

func TestProcessTaskUnknownProvider(t *testing.T) {
	f := newFixture(t, &fakeProvider{})
	other := crawler.CrawlerEntity{Workspace: "acme", Provider: "nosuch", Kind: crawler.KindChange, Name: "x"}
	require.NoError(t, f.checkpoints.Register(context.Background(), other))

	f.worker.processTask(context.Background(), crawler.Task{RunID: "run-2", Entity: other})
	state, err := f.checkpoints.Load(context.Background(), other)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusErrored, state.Status)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t, &fakeProvider{pages: map[string]crawler.Page{"": {Done: true}}})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.worker.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
