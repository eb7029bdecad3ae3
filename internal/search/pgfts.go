package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries the generated fts column on requests using plainto_tsquery
// and ts_rank, with ts_headline for snippets. Only public postings still open
// for proposals are searchable.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	where := fmt.Sprintf("r.visibility = 'public' AND r.status = 'marketplace_posted' AND r.fts @@ %s", tsQuery)
	if q.DepartmentID != "" {
		where += fmt.Sprintf(" AND r.department_id = $%d", argN)
		args = append(args, q.DepartmentID)
		argN++
	}
	if q.Priority != "" {
		where += fmt.Sprintf(" AND r.priority = $%d", argN)
		args = append(args, q.Priority)
		argN++
	}

	ctx := context.Background()

	countSQL := fmt.Sprintf("SELECT count(*) FROM requests r WHERE %s", where)
	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT r.id, r.number, r.title,
			ts_headline('english', coalesce(r.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			r.department_id, r.priority,
			ts_rank(r.fts, %s) AS rank
		FROM requests r
		WHERE %s
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, tsQuery, tsQuery, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Number, &r.Title, &r.Snippet, &r.DepartmentID, &r.Priority, &r.Score); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all open public postings for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PostingRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, number, title, description, department_id, priority, status
		FROM requests
		WHERE visibility = 'public' AND status = 'marketplace_posted'
	`)
	if err != nil {
		return nil, fmt.Errorf("load postings: %w", err)
	}
	defer rows.Close()

	postings := make([]PostingRecord, 0)
	for rows.Next() {
		var rec PostingRecord
		if err := rows.Scan(&rec.ID, &rec.Number, &rec.Title, &rec.Description, &rec.DepartmentID, &rec.Priority, &rec.Status); err != nil {
			return nil, fmt.Errorf("scan posting: %w", err)
		}
		postings = append(postings, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate postings: %w", err)
	}
	return postings, nil
}
