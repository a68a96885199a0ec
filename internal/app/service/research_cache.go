package service

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"
	"unicode"

	"siteops/internal/common"
	"siteops/internal/domain/model"
	"siteops/internal/domain/repository"
	"siteops/internal/platform/config"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

const (
	maxQueryTokens       = 8
	minTokenLength       = 3
	defaultTopN          = 5
	defaultCandidateRows = 50

	ResultSourceCache   = "cache"
	ResultSourceLive    = "live"
	ResultSourceDefault = "default"
)

// ResearchGenerator performs the expensive live research call.
type ResearchGenerator interface {
	Research(ctx context.Context, prompt string) (model.GeneratedResearch, error)
}

// JobEnqueuer is the slice of ContentQueue the cache needs for refresh jobs.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job *model.QueueJob) (string, error)
}

type ResearchOptions struct {
	StalenessWindow time.Duration
	TTL             time.Duration
	TopN            int
	CandidateLimit  int
}

func ResearchOptionsFromConfig(cfg config.ResearchConfig) ResearchOptions {
	return ResearchOptions{
		StalenessWindow: time.Duration(cfg.StalenessHours) * time.Hour,
		TTL:             time.Duration(cfg.TTLHours) * time.Hour,
		TopN:            cfg.TopN,
		CandidateLimit:  defaultCandidateRows,
	}
}

type ResearchRequest struct {
	QueryText string `json:"queryText"`
	// Prompt sent to the generator; defaults to QueryText.
	Prompt            string `json:"prompt,omitempty"`
	MinDomainPriority int    `json:"minDomainPriority,omitempty"`
	// DomainPriority is stored on entries written by this lookup.
	DomainPriority int             `json:"domainPriority,omitempty"`
	Default        json.RawMessage `json:"default,omitempty"`
	SkipRefresh    bool            `json:"skipRefresh,omitempty"`
}

type ResearchResult struct {
	Result       json.RawMessage `json:"result"`
	Source       string          `json:"source"`
	EntryIDs     []string        `json:"entryIds,omitempty"`
	SourceModel  string          `json:"sourceModel,omitempty"`
	RefreshJobID string          `json:"refreshJobId,omitempty"`
}

type ResearchCache struct {
	repo      repository.ResearchCacheRepository
	generator ResearchGenerator
	enqueuer  JobEnqueuer
	opts      ResearchOptions
	logger    *slog.Logger
	now       func() time.Time
}

func NewResearchCache(repo repository.ResearchCacheRepository, generator ResearchGenerator, enqueuer JobEnqueuer, opts ResearchOptions, logger *slog.Logger) *ResearchCache {
	if opts.StalenessWindow <= 0 {
		opts.StalenessWindow = 14 * 24 * time.Hour
	}
	if opts.TTL <= 0 {
		opts.TTL = 7 * 24 * time.Hour
	}
	if opts.TopN <= 0 {
		opts.TopN = defaultTopN
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = defaultCandidateRows
	}
	return &ResearchCache{
		repo:      repo,
		generator: generator,
		enqueuer:  enqueuer,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// NormalizeQuery trims, lowercases and collapses internal whitespace.
func NormalizeQuery(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// QueryHash is the hex blake2b-256 digest of the normalized query.
func QueryHash(text string) string {
	sum := blake2b.Sum256([]byte(NormalizeQuery(text)))
	return hex.EncodeToString(sum[:])
}

// SignificantTokens returns up to 8 distinct alphanumeric tokens of at least
// three characters, in query order.
func SignificantTokens(text string) []string {
	fields := strings.FieldsFunc(NormalizeQuery(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := map[string]struct{}{}
	tokens := make([]string, 0, maxQueryTokens)
	for _, f := range fields {
		if len([]rune(f)) < minTokenLength {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
		if len(tokens) == maxQueryTokens {
			break
		}
	}
	return tokens
}

type scoredEntry struct {
	entry model.CacheEntry
	score float64
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// rankEntries filters candidates for freshness and priority, scores them and
// returns at most topN in descending score order.
func rankEntries(candidates []model.CacheEntry, hash string, tokens []string, minPriority int, now time.Time, staleness time.Duration, topN int) []scoredEntry {
	fresh := make([]model.CacheEntry, 0, len(candidates))
	for _, c := range candidates {
		if !c.ExpiresAt.After(now) || now.Sub(c.FetchedAt) > staleness {
			continue
		}
		fresh = append(fresh, c)
	}

	pool := fresh
	if minPriority > 0 {
		preferred := make([]model.CacheEntry, 0, len(fresh))
		for _, c := range fresh {
			if c.DomainPriority >= minPriority {
				preferred = append(preferred, c)
			}
		}
		if len(preferred) > 0 {
			pool = preferred
		}
	}

	scored := make([]scoredEntry, 0, len(pool))
	for _, c := range pool {
		relevance := 1.0
		if c.QueryHash != hash {
			relevance = 0
			if len(tokens) > 0 {
				text := NormalizeQuery(c.QueryText)
				found := 0
				for _, tok := range tokens {
					if strings.Contains(text, tok) {
						found++
					}
				}
				relevance = float64(found) / float64(len(tokens))
			}
		}
		recency := clamp01(1 - float64(now.Sub(c.FetchedAt))/float64(staleness))
		priorityFit := 1.0
		if minPriority > 0 {
			priorityFit = clamp01(float64(c.DomainPriority) / float64(minPriority))
		}
		scored = append(scored, scoredEntry{
			entry: c,
			score: 0.6*relevance + 0.3*recency + 0.1*priorityFit,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.entry.FetchedAt.Equal(b.entry.FetchedAt) {
			return a.entry.FetchedAt.After(b.entry.FetchedAt)
		}
		return a.entry.ID < b.entry.ID
	})
	if len(scored) > topN {
		scored = scored[:topN]
	}
	return scored
}

// MergeResults combines JSON documents given in score order. Arrays are
// unioned with deep-equality de-duplication, objects are merged per key, and
// any other or mismatched shape resolves to the first document's value. A
// single document is returned unchanged.
func MergeResults(docs []json.RawMessage) (json.RawMessage, error) {
	switch len(docs) {
	case 0:
		return nil, nil
	case 1:
		return docs[0], nil
	}
	values := make([]any, 0, len(docs))
	for _, d := range docs {
		v, err := decodeValue(d)
		if err != nil {
			return nil, common.Errorf("failed to decode cached result: %w", err)
		}
		values = append(values, v)
	}
	merged, err := json.Marshal(mergeValues(values))
	if err != nil {
		return nil, common.Errorf("failed to encode merged result: %w", err)
	}
	return merged, nil
}

// decodeValue keeps numbers as json.Number so large integer ids survive the
// merge unchanged.
func decodeValue(doc json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after JSON value")
	}
	return v, nil
}

func mergeValues(values []any) any {
	present := make([]any, 0, len(values))
	for _, v := range values {
		if v != nil {
			present = append(present, v)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if len(present) == 1 {
		return present[0]
	}

	if arrays, ok := allOf[[]any](present); ok {
		out := make([]any, 0)
		for _, arr := range arrays {
			for _, item := range arr {
				if !containsDeep(out, item) {
					out = append(out, item)
				}
			}
		}
		return out
	}

	if objects, ok := allOf[map[string]any](present); ok {
		var keys []string
		byKey := map[string][]any{}
		for _, obj := range objects {
			for k, v := range obj {
				if _, seen := byKey[k]; !seen {
					keys = append(keys, k)
				}
				byKey[k] = append(byKey[k], v)
			}
		}
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			out[k] = mergeValues(byKey[k])
		}
		return out
	}

	return present[0]
}

func allOf[T any](values []any) ([]T, bool) {
	out := make([]T, 0, len(values))
	for _, v := range values {
		t, ok := v.(T)
		if !ok {
			return nil, false
		}
		out = append(out, t)
	}
	return out, true
}

func containsDeep(items []any, v any) bool {
	for _, it := range items {
		if reflect.DeepEqual(it, v) {
			return true
		}
	}
	return false
}

// Lookup serves a research query from the cache, falling back to a live
// generator call. It only returns an error for an invalid request; every
// downstream failure degrades to the request's default result.
func (c *ResearchCache) Lookup(ctx context.Context, req ResearchRequest) (ResearchResult, error) {
	normalized := NormalizeQuery(req.QueryText)
	if normalized == "" {
		return ResearchResult{}, common.Errorf("research query is empty: %w", common.ErrValidation)
	}
	hash := QueryHash(normalized)
	tokens := SignificantTokens(normalized)
	now := c.now().UTC()

	candidates, err := c.repo.FindCandidates(ctx, hash, tokens, now, c.opts.CandidateLimit)
	if err != nil {
		c.logger.Warn("research cache read failed, treating as miss", "query_hash", hash, "error", err)
		candidates = nil
	}

	if ranked := rankEntries(candidates, hash, tokens, req.MinDomainPriority, now, c.opts.StalenessWindow, c.opts.TopN); len(ranked) > 0 {
		docs := make([]json.RawMessage, len(ranked))
		ids := make([]string, len(ranked))
		for i, r := range ranked {
			docs[i] = r.entry.ResultJSON
			ids[i] = r.entry.ID
		}
		merged, err := MergeResults(docs)
		if err == nil {
			return ResearchResult{
				Result:      merged,
				Source:      ResultSourceCache,
				EntryIDs:    ids,
				SourceModel: ranked[0].entry.SourceModel,
			}, nil
		}
		c.logger.Warn("research cache merge failed, treating as miss", "query_hash", hash, "error", err)
	}

	prompt := req.Prompt
	if prompt == "" {
		prompt = req.QueryText
	}
	generated, err := c.generate(ctx, prompt)
	if err == nil {
		if err := c.store(ctx, normalized, hash, generated, req.DomainPriority, c.opts.TTL); err != nil {
			c.logger.Error("failed to store research result", "query_hash", hash, "error", err)
		}
		return ResearchResult{
			Result:      generated.Result,
			Source:      ResultSourceLive,
			SourceModel: generated.SourceModel,
		}, nil
	}

	c.logger.Warn("live research failed, returning default", "query_hash", hash, "error", err)
	result := ResearchResult{Result: req.Default, Source: ResultSourceDefault}
	if len(result.Result) == 0 {
		result.Result = json.RawMessage(`{}`)
	}
	if !req.SkipRefresh {
		result.RefreshJobID = c.scheduleRefresh(ctx, normalized, prompt, req.DomainPriority)
	}
	return result, nil
}

func (c *ResearchCache) generate(ctx context.Context, prompt string) (model.GeneratedResearch, error) {
	if c.generator == nil {
		return model.GeneratedResearch{}, common.Errorf("no research generator configured: %w", common.ErrServiceUnavailable)
	}
	generated, err := c.generator.Research(ctx, prompt)
	if err != nil {
		return model.GeneratedResearch{}, err
	}
	if !json.Valid(generated.Result) {
		return model.GeneratedResearch{}, common.Errorf("research generator returned invalid JSON")
	}
	return generated, nil
}

// scheduleRefresh is best-effort; an enqueue failure is only logged.
func (c *ResearchCache) scheduleRefresh(ctx context.Context, queryText, prompt string, domainPriority int) string {
	if c.enqueuer == nil {
		return ""
	}
	payload, err := json.Marshal(model.RefreshResearchCachePayload{
		QueryText:      queryText,
		Prompt:         prompt,
		DomainPriority: domainPriority,
		TTLHours:       int(c.opts.TTL / time.Hour),
	})
	if err != nil {
		c.logger.Error("failed to encode refresh payload", "error", err)
		return ""
	}
	id, err := c.enqueuer.Enqueue(ctx, &model.QueueJob{
		JobType: model.JobTypeRefreshResearchCache,
		Payload: payload,
	})
	if err != nil {
		c.logger.Error("failed to enqueue research refresh", "query", queryText, "error", err)
		return ""
	}
	return id
}

// Refresh regenerates and stores the entry for a refresh_research_cache job.
// Unlike Lookup it returns generator errors so the worker can retry.
func (c *ResearchCache) Refresh(ctx context.Context, p model.RefreshResearchCachePayload) error {
	normalized := NormalizeQuery(p.QueryText)
	if normalized == "" {
		return common.Errorf("refresh payload has no query: %w", common.ErrValidation)
	}
	prompt := p.Prompt
	if prompt == "" {
		prompt = p.QueryText
	}
	ttl := c.opts.TTL
	if p.TTLHours > 0 {
		ttl = time.Duration(p.TTLHours) * time.Hour
	}

	generated, err := c.generate(ctx, prompt)
	if err != nil {
		return err
	}
	return c.store(ctx, normalized, QueryHash(normalized), generated, p.DomainPriority, ttl)
}

func (c *ResearchCache) store(ctx context.Context, normalized, hash string, g model.GeneratedResearch, domainPriority int, ttl time.Duration) error {
	now := c.now().UTC()
	return c.repo.Upsert(ctx, &model.CacheEntry{
		ID:             uuid.NewString(),
		QueryHash:      hash,
		QueryText:      normalized,
		ResultJSON:     g.Result,
		SourceModel:    g.SourceModel,
		FetchedAt:      now,
		ExpiresAt:      now.Add(ttl),
		DomainPriority: max(domainPriority, 0),
	})
}
