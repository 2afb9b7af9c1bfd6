package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// Postgres implements Searcher with case-insensitive substring matching on
// icon names and tags. It is the fallback when Meilisearch is unavailable.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Healthy always returns true: without Postgres nothing else works either.
func (p *Postgres) Healthy() bool {
	return true
}

func (p *Postgres) Search(q Query) ([]Result, int, error) {
	return p.SearchContext(context.Background(), q)
}

func (p *Postgres) SearchContext(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return []Result{}, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	pattern := "%" + escapeLike(text) + "%"

	var total int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM icon i
		WHERE i.name ILIKE $1
			OR EXISTS (
				SELECT 1 FROM icon_to_tags it JOIN tag t ON t.id = it.tag_id
				WHERE it.icon_id = i.id AND t.text ILIKE $1
			)
	`, pattern).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count search results: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT i.name,
			COALESCE((SELECT json_agg(t.text ORDER BY t.text)
				FROM icon_to_tags it JOIN tag t ON t.id = it.tag_id
				WHERE it.icon_id = i.id), '[]'::json),
			COALESCE((SELECT json_agg(DISTINCT f.file_format)
				FROM icon_file f WHERE f.icon_id = i.id), '[]'::json)
		FROM icon i
		WHERE i.name ILIKE $1
			OR EXISTS (
				SELECT 1 FROM icon_to_tags it JOIN tag t ON t.id = it.tag_id
				WHERE it.icon_id = i.id AND t.text ILIKE $1
			)
		ORDER BY i.name
		LIMIT $2 OFFSET $3
	`, pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search icons: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var (
			r             Result
			tags, formats []byte
		)
		if err := rows.Scan(&r.Name, &tags, &formats); err != nil {
			return nil, 0, fmt.Errorf("scan search result: %w", err)
		}
		if err := json.Unmarshal(tags, &r.Tags); err != nil {
			return nil, 0, fmt.Errorf("decode tags: %w", err)
		}
		if err := json.Unmarshal(formats, &r.Formats); err != nil {
			return nil, 0, fmt.Errorf("decode formats: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate search results: %w", err)
	}
	return results, total, nil
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}
