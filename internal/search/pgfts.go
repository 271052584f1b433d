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

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches against the same expression the GIN index on diagrams
// covers, ranking with ts_rank and producing snippets with ts_headline.
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

	const tsVector = "to_tsvector('simple', d.name || ' ' || d.code)"
	const tsQuery = "plainto_tsquery('simple', $1)"

	where := tsVector + " @@ " + tsQuery + " AND d.owner_id = $2"
	args := []any{q.Text, q.OwnerID}
	if q.FilterProjectID != "" {
		where += " AND d.project_id = $3"
		args = append(args, q.FilterProjectID)
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM diagrams d WHERE %s", where)

	dataSQL := fmt.Sprintf(`
		SELECT d.id, d.name,
			ts_headline('simple', d.code, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			d.project_id, d.owner_id
		FROM diagrams d
		WHERE %s
		ORDER BY ts_rank(%s, %s) DESC
		LIMIT %d OFFSET %d`,
		tsQuery, where, tsVector, tsQuery, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Name, &r.Snippet, &r.ProjectID, &r.OwnerID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every diagram for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DiagramRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, code, project_id, owner_id
		FROM diagrams
	`)
	if err != nil {
		return nil, fmt.Errorf("load diagrams: %w", err)
	}
	defer rows.Close()

	records := make([]DiagramRecord, 0)
	for rows.Next() {
		var d DiagramRecord
		if err := rows.Scan(&d.ID, &d.Name, &d.Code, &d.ProjectID, &d.OwnerID); err != nil {
			return nil, fmt.Errorf("scan diagram: %w", err)
		}
		records = append(records, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diagrams: %w", err)
	}
	return records, nil
}
