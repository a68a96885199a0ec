package service

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"siteops/internal/common"
	"siteops/internal/domain/model"
	"siteops/internal/platform/logging"
)

type fakeCacheRepo struct {
	mu       sync.Mutex
	entries  []model.CacheEntry
	findErr  error
	upserted []model.CacheEntry
}

func (r *fakeCacheRepo) FindCandidates(ctx context.Context, hash string, tokens []string, now time.Time, limit int) ([]model.CacheEntry, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]model.CacheEntry(nil), r.entries...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeCacheRepo) Upsert(ctx context.Context, entry *model.CacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserted = append(r.upserted, *entry)
	return nil
}

type fakeGenerator struct {
	result model.GeneratedResearch
	err    error
	calls  int
}

func (g *fakeGenerator) Research(ctx context.Context, prompt string) (model.GeneratedResearch, error) {
	g.calls++
	return g.result, g.err
}

type fakeEnqueuer struct {
	jobs []*model.QueueJob
	err  error
}

func (e *fakeEnqueuer) Enqueue(ctx context.Context, job *model.QueueJob) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	e.jobs = append(e.jobs, job)
	return "refresh-1", nil
}

func newTestCache(repo *fakeCacheRepo, gen ResearchGenerator, enq JobEnqueuer, now time.Time) *ResearchCache {
	c := NewResearchCache(repo, gen, enq, ResearchOptions{
		StalenessWindow: 10 * 24 * time.Hour,
		TTL:             48 * time.Hour,
	}, logging.Discard())
	c.now = func() time.Time { return now }
	return c
}

func TestNormalizeQueryAndHash(t *testing.T) {
	t.Parallel()
	if got := NormalizeQuery("  Best   Keyword\tTools \n"); got != "best keyword tools" {
		t.Errorf("NormalizeQuery = %q", got)
	}
	if QueryHash("Best keyword tools") != QueryHash("  best   KEYWORD tools") {
		t.Error("equivalent queries should hash identically")
	}
	if len(QueryHash("x")) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(QueryHash("x")))
	}
}

func TestSignificantTokens(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"short tokens dropped", "go is ok at seo", []string{"seo"}},
		{"common words of length three kept", "how to grow", []string{"how", "grow"}},
		{"punctuation splits", "keyword-research, tools!", []string{"keyword", "research", "tools"}},
		{"deduplicated", "seo seo SEO audit", []string{"seo", "audit"}},
		{"capped at eight", "aaa bbb ccc ddd eee fff ggg hhh iii jjj", []string{"aaa", "bbb", "ccc", "ddd", "eee", "fff", "ggg", "hhh"}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := SignificantTokens(tc.query); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("SignificantTokens(%q) = %v, want %v", tc.query, got, tc.want)
			}
		})
	}
}

func TestMergeResults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		docs []string
		want string
	}{
		{"arrays union in first-seen order", []string{`["a","b"]`, `["b","c"]`}, `["a","b","c"]`},
		{"array of objects deep-equal dedup", []string{`[{"k":1}]`, `[{"k":1},{"k":2}]`}, `[{"k":1},{"k":2}]`},
		{"objects merge per key", []string{`{"kw":["a"],"score":1}`, `{"kw":["b"],"extra":true}`}, `{"extra":true,"kw":["a","b"],"score":1}`},
		{"null sources skipped", []string{`{"kw":null}`, `{"kw":["x"]}`}, `{"kw":["x"]}`},
		{"mismatched shapes keep first", []string{`["a"]`, `{"a":1}`}, `["a"]`},
		{"scalars keep first", []string{`"first"`, `"second"`}, `"first"`},
		{"single document unmodified", []string{`{ "b": 1, "a": 2 }`}, `{ "b": 1, "a": 2 }`},
		{"large integers keep precision", []string{`{"ids":[9007199254740993],"volume":12345678901234567}`, `{"ids":[1]}`}, `{"ids":[9007199254740993,1],"volume":12345678901234567}`},
		{"distinct large ids not collapsed", []string{`[9007199254740993]`, `[9007199254740992]`}, `[9007199254740993,9007199254740992]`},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			docs := make([]json.RawMessage, len(tc.docs))
			for i, d := range tc.docs {
				docs[i] = json.RawMessage(d)
			}
			got, err := MergeResults(docs)
			if err != nil {
				t.Fatalf("MergeResults returned error: %v", err)
			}
			if string(got) != tc.want {
				t.Errorf("MergeResults = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRankEntriesScoringAndTies(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	staleness := 10 * 24 * time.Hour
	hash := QueryHash("keyword tools")
	tokens := SignificantTokens("keyword tools")

	entries := []model.CacheEntry{
		{ID: "partial", QueryHash: "other", QueryText: "keyword planner", FetchedAt: now, ExpiresAt: now.Add(time.Hour)},
		{ID: "exact-old", QueryHash: hash, QueryText: "keyword tools", FetchedAt: now.Add(-5 * 24 * time.Hour), ExpiresAt: now.Add(time.Hour)},
		{ID: "expired", QueryHash: hash, QueryText: "keyword tools", FetchedAt: now, ExpiresAt: now.Add(-time.Minute)},
		{ID: "stale", QueryHash: hash, QueryText: "keyword tools", FetchedAt: now.Add(-11 * 24 * time.Hour), ExpiresAt: now.Add(time.Hour)},
		{ID: "tie-b", QueryHash: "x", QueryText: "tools", FetchedAt: now, ExpiresAt: now.Add(time.Hour)},
		{ID: "tie-a", QueryHash: "y", QueryText: "tools", FetchedAt: now, ExpiresAt: now.Add(time.Hour)},
	}

	ranked := rankEntries(entries, hash, tokens, 0, now, staleness, 5)
	var ids []string
	for _, r := range ranked {
		ids = append(ids, r.entry.ID)
	}
	// exact-old: 0.6 + 0.15 + 0.1; partial and ties: 0.3 + 0.3 + 0.1.
	want := []string{"exact-old", "partial", "tie-a", "tie-b"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("ranked ids = %v, want %v", ids, want)
	}
}

func TestRankEntriesPriorityFallback(t *testing.T) {
	t.Parallel()
	now := time.Now()
	hash := QueryHash("seo audit")
	entries := []model.CacheEntry{
		{ID: "low", QueryHash: hash, QueryText: "seo audit", DomainPriority: 1, FetchedAt: now, ExpiresAt: now.Add(time.Hour)},
		{ID: "high", QueryHash: "other", QueryText: "seo", DomainPriority: 5, FetchedAt: now, ExpiresAt: now.Add(time.Hour)},
	}

	ranked := rankEntries(entries, hash, SignificantTokens("seo audit"), 3, now, time.Hour*24, 5)
	if len(ranked) != 1 || ranked[0].entry.ID != "high" {
		t.Fatalf("expected only the preferred high-priority row, got %+v", ranked)
	}

	ranked = rankEntries(entries, hash, SignificantTokens("seo audit"), 9, now, time.Hour*24, 5)
	if len(ranked) != 2 {
		t.Fatalf("expected fallback to all fresh rows, got %d", len(ranked))
	}
}

func TestLookupServesMergedCacheHit(t *testing.T) {
	t.Parallel()
	now := time.Now()
	hash := QueryHash("keyword tools")
	repo := &fakeCacheRepo{entries: []model.CacheEntry{
		{ID: "1", QueryHash: hash, QueryText: "keyword tools", ResultJSON: json.RawMessage(`["a","b"]`), SourceModel: "m1", FetchedAt: now, ExpiresAt: now.Add(time.Hour)},
		{ID: "2", QueryHash: "other", QueryText: "keyword tools list", ResultJSON: json.RawMessage(`["b","c"]`), FetchedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour)},
	}}
	gen := &fakeGenerator{}
	c := newTestCache(repo, gen, nil, now)

	res, err := c.Lookup(context.Background(), ResearchRequest{QueryText: "Keyword Tools"})
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if res.Source != ResultSourceCache || string(res.Result) != `["a","b","c"]` {
		t.Fatalf("unexpected result: %+v (%s)", res, res.Result)
	}
	if !reflect.DeepEqual(res.EntryIDs, []string{"1", "2"}) || res.SourceModel != "m1" {
		t.Errorf("unexpected entry metadata: %+v", res)
	}
	if gen.calls != 0 {
		t.Error("generator must not be called on a cache hit")
	}
}

func TestLookupMissCallsGeneratorAndStores(t *testing.T) {
	t.Parallel()
	now := time.Now()
	repo := &fakeCacheRepo{}
	gen := &fakeGenerator{result: model.GeneratedResearch{Result: json.RawMessage(`{"keywords":["x"]}`), SourceModel: "m2"}}
	c := newTestCache(repo, gen, nil, now)

	res, err := c.Lookup(context.Background(), ResearchRequest{QueryText: "  New   Query ", DomainPriority: 2})
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if res.Source != ResultSourceLive || string(res.Result) != `{"keywords":["x"]}` {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(repo.upserted) != 1 {
		t.Fatalf("upserts = %d, want 1", len(repo.upserted))
	}
	e := repo.upserted[0]
	if e.QueryText != "new query" || e.QueryHash != QueryHash("new query") || e.DomainPriority != 2 {
		t.Errorf("unexpected stored entry: %+v", e)
	}
	if !e.ExpiresAt.Equal(e.FetchedAt.Add(48 * time.Hour)) {
		t.Errorf("ExpiresAt = %v, want FetchedAt+48h", e.ExpiresAt)
	}
}

func TestLookupFailureEnqueuesRefreshAndReturnsDefault(t *testing.T) {
	t.Parallel()
	repo := &fakeCacheRepo{findErr: errors.New("relation does not exist")}
	gen := &fakeGenerator{err: errors.New("HTTP 429: too many requests")}
	enq := &fakeEnqueuer{}
	c := newTestCache(repo, gen, enq, time.Now())

	res, err := c.Lookup(context.Background(), ResearchRequest{
		QueryText: "Content Gaps",
		Prompt:    "find content gaps",
		Default:   json.RawMessage(`[]`),
	})
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if res.Source != ResultSourceDefault || string(res.Result) != `[]` || res.RefreshJobID != "refresh-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(enq.jobs) != 1 || enq.jobs[0].JobType != model.JobTypeRefreshResearchCache {
		t.Fatalf("expected one refresh job, got %+v", enq.jobs)
	}
	var p model.RefreshResearchCachePayload
	if err := json.Unmarshal(enq.jobs[0].Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.QueryText != "content gaps" || p.Prompt != "find content gaps" || p.TTLHours != 48 {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestLookupSurvivesEnqueueFailure(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{err: errors.New("boom")}
	c := newTestCache(&fakeCacheRepo{}, gen, &fakeEnqueuer{err: errors.New("db down")}, time.Now())

	res, err := c.Lookup(context.Background(), ResearchRequest{QueryText: "anything"})
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if string(res.Result) != `{}` || res.RefreshJobID != "" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestLookupRejectsEmptyQuery(t *testing.T) {
	t.Parallel()
	c := newTestCache(&fakeCacheRepo{}, nil, nil, time.Now())
	if _, err := c.Lookup(context.Background(), ResearchRequest{QueryText: "   "}); !errors.Is(err, common.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
}

func TestRefreshPropagatesGeneratorError(t *testing.T) {
	t.Parallel()
	repo := &fakeCacheRepo{}
	gen := &fakeGenerator{err: errors.New("request timeout")}
	c := newTestCache(repo, gen, nil, time.Now())

	err := c.Refresh(context.Background(), model.RefreshResearchCachePayload{QueryText: "q one"})
	if err == nil {
		t.Fatal("expected generator error")
	}

	gen.err = nil
	gen.result = model.GeneratedResearch{Result: json.RawMessage(`{"ok":true}`), SourceModel: "m"}
	if err := c.Refresh(context.Background(), model.RefreshResearchCachePayload{QueryText: "q one", TTLHours: 1}); err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if len(repo.upserted) != 1 || !repo.upserted[0].ExpiresAt.Equal(repo.upserted[0].FetchedAt.Add(time.Hour)) {
		t.Errorf("unexpected upsert: %+v", repo.upserted)
	}
}
