package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"attacklens/internal/match"
	"attacklens/internal/report"
)

// ReportQuery drives the paginated report listing.
type ReportQuery struct {
	Page       int
	Limit      int
	DateFrom   time.Time
	DateTo     time.Time
	URL        string
	MinMatches int
	Techniques []string
	Tactics    []string
	SortBy     string // timestamp | url | matchCount
	SortOrder  string // asc | desc
}

// ReportListItem is one row of the report listing, without the match bodies.
type ReportListItem struct {
	ID           string         `json:"id"`
	WorkflowID   string         `json:"workflowId"`
	Source       report.Source  `json:"source"`
	CreatedAt    time.Time      `json:"createdAt"`
	MitreVersion string         `json:"mitreVersion"`
	MatchCount   int            `json:"matchCount"`
	Summary      report.Summary `json:"summary"`
}

// SaveReport writes the report row and all of its match rows in one
// transaction; a failure leaves no partial report behind.
func (s *Store) SaveReport(ctx context.Context, r *report.Report) error {
	summary, err := json.Marshal(r.Summary)
	if err != nil {
		return fmt.Errorf("serialize report summary: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reports (id, workflow_id, url, filename, created_at, mitre_version, summary_data)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.WorkflowID, nullable(r.Source.URL), nullable(r.Source.Filename),
			r.CreatedAt, r.MitreVersion, string(summary)); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO matches (report_id, technique_id, technique_name, confidence_score,
				matched_text, context_text, match_data)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i := range r.Matches {
			m := &r.Matches[i]
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("serialize match %s: %w", m.TechniqueID, err)
			}
			if _, err := stmt.ExecContext(ctx, r.ID, m.TechniqueID, m.TechniqueName,
				m.Confidence, m.Matched, m.Context, string(data)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetReport loads a full report with its matches, or nil when unknown.
func (s *Store) GetReport(ctx context.Context, id string) (*report.Report, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, url, filename, created_at, mitre_version, summary_data
		FROM reports WHERE id = ?`, id)

	r, err := scanReport(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT match_data FROM matches WHERE report_id = ?
		ORDER BY confidence_score DESC, technique_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m match.EvalMatch
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("report %s has corrupt match data: %w", id, err)
		}
		r.Matches = append(r.Matches, m)
	}
	return r, rows.Err()
}

// DeleteReport removes a report and its matches atomically. Returns true
// when a report was deleted.
func (s *Store) DeleteReport(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM matches WHERE report_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM reports WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	return deleted, err
}

// ListReports returns one page of reports plus the total count matching the
// filters.
func (s *Store) ListReports(ctx context.Context, q ReportQuery) ([]*ReportListItem, int, error) {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if q.Page <= 0 {
		q.Page = 1
	}

	var where []string
	var args []any
	if !q.DateFrom.IsZero() {
		where = append(where, "r.created_at >= ?")
		args = append(args, q.DateFrom)
	}
	if !q.DateTo.IsZero() {
		where = append(where, "r.created_at <= ?")
		args = append(args, q.DateTo)
	}
	if q.URL != "" {
		where = append(where, "r.url LIKE ?")
		args = append(args, "%"+q.URL+"%")
	}
	if q.MinMatches > 0 {
		where = append(where, "(SELECT COUNT(*) FROM matches m WHERE m.report_id = r.id) >= ?")
		args = append(args, q.MinMatches)
	}
	if len(q.Techniques) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(q.Techniques)), ",")
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM matches m WHERE m.report_id = r.id AND m.technique_id IN (%s))", placeholders))
		for _, t := range q.Techniques {
			args = append(args, t)
		}
	}
	// Tactic names are only present inside the serialized summary; a keyed
	// JSON probe keeps the filter index-free but correct for short-name
	// keys.
	for _, tactic := range q.Tactics {
		where = append(where, "r.summary_data LIKE ?")
		args = append(args, `%"`+tactic+`"%`)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM reports r"+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	orderCol := "r.created_at"
	switch q.SortBy {
	case "url":
		orderCol = "r.url"
	case "matchCount":
		orderCol = "match_count"
	}
	direction := "DESC"
	if strings.EqualFold(q.SortOrder, "asc") {
		direction = "ASC"
	}

	query := fmt.Sprintf(`
		SELECT r.id, r.workflow_id, r.url, r.filename, r.created_at, r.mitre_version, r.summary_data,
			(SELECT COUNT(*) FROM matches m WHERE m.report_id = r.id) AS match_count
		FROM reports r%s
		ORDER BY %s %s
		LIMIT ? OFFSET ?`, clause, orderCol, direction)
	args = append(args, q.Limit, (q.Page-1)*q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*ReportListItem
	for rows.Next() {
		var (
			item     ReportListItem
			url      sql.NullString
			filename sql.NullString
			summary  string
		)
		if err := rows.Scan(&item.ID, &item.WorkflowID, &url, &filename,
			&item.CreatedAt, &item.MitreVersion, &summary, &item.MatchCount); err != nil {
			return nil, 0, err
		}
		item.Source = report.Source{URL: url.String, Filename: filename.String}
		if err := json.Unmarshal([]byte(summary), &item.Summary); err != nil {
			return nil, 0, fmt.Errorf("report %s has corrupt summary data: %w", item.ID, err)
		}
		out = append(out, &item)
	}
	return out, total, rows.Err()
}

func scanReport(row rowScanner) (*report.Report, error) {
	var (
		r        report.Report
		url      sql.NullString
		filename sql.NullString
		summary  string
	)
	if err := row.Scan(&r.ID, &r.WorkflowID, &url, &filename, &r.CreatedAt,
		&r.MitreVersion, &summary); err != nil {
		return nil, err
	}
	r.Source = report.Source{URL: url.String, Filename: filename.String}
	if err := json.Unmarshal([]byte(summary), &r.Summary); err != nil {
		return nil, fmt.Errorf("report %s has corrupt summary data: %w", r.ID, err)
	}
	return &r, nil
}
