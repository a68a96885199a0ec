package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"siteops/internal/domain/model"

	sq "github.com/Masterminds/squirrel"
)

type ResearchCacheRepository interface {
	// FindCandidates returns unexpired rows matching hash exactly or whose
	// query_text contains any token, newest first, at most limit rows.
	FindCandidates(ctx context.Context, hash string, tokens []string, now time.Time, limit int) ([]model.CacheEntry, error)
	// Upsert inserts or refreshes the row keyed by QueryHash.
	Upsert(ctx context.Context, entry *model.CacheEntry) error
}

type pgResearchCacheRepository struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

func NewPgResearchCacheRepository(db *sql.DB) ResearchCacheRepository {
	return &pgResearchCacheRepository{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

var researchCacheColumns = []string{
	"id", "query_hash", "query_text", "result_json", "source_model", "fetched_at", "expires_at", "domain_priority",
}

func (r *pgResearchCacheRepository) FindCandidates(ctx context.Context, hash string, tokens []string, now time.Time, limit int) ([]model.CacheEntry, error) {
	match := sq.Or{sq.Eq{"query_hash": hash}}
	for _, tok := range tokens {
		match = append(match, sq.Like{"query_text": "%" + tok + "%"})
	}

	query, args, err := r.builder.
		Select(researchCacheColumns...).
		From("research_cache").
		Where(match).
		Where(sq.Gt{"expires_at": now}).
		// The exact-hash row must survive the limit whatever the token matches.
		OrderByClause("query_hash = ? DESC", hash).
		OrderBy("fetched_at DESC", "id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("pgResearchCacheRepository.FindCandidates build: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgResearchCacheRepository.FindCandidates: %w", err)
	}
	defer rows.Close()

	var entries []model.CacheEntry
	for rows.Next() {
		var e model.CacheEntry
		var result []byte
		if err := rows.Scan(&e.ID, &e.QueryHash, &e.QueryText, &result, &e.SourceModel, &e.FetchedAt, &e.ExpiresAt, &e.DomainPriority); err != nil {
			return nil, fmt.Errorf("pgResearchCacheRepository.FindCandidates scan: %w", err)
		}
		e.ResultJSON = result
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgResearchCacheRepository.FindCandidates rows: %w", err)
	}
	return entries, nil
}

func (r *pgResearchCacheRepository) Upsert(ctx context.Context, e *model.CacheEntry) error {
	query, args, err := r.builder.
		Insert("research_cache").
		Columns(researchCacheColumns...).
		Values(e.ID, e.QueryHash, e.QueryText, []byte(e.ResultJSON), e.SourceModel, e.FetchedAt, e.ExpiresAt, e.DomainPriority).
		Suffix(`ON CONFLICT (query_hash) DO UPDATE
              SET query_text = EXCLUDED.query_text,
                  result_json = EXCLUDED.result_json,
                  source_model = EXCLUDED.source_model,
                  fetched_at = EXCLUDED.fetched_at,
                  expires_at = EXCLUDED.expires_at,
                  domain_priority = EXCLUDED.domain_priority`).
		ToSql()
	if err != nil {
		return fmt.Errorf("pgResearchCacheRepository.Upsert build: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("pgResearchCacheRepository.Upsert: %w", err)
	}
	return nil
}
