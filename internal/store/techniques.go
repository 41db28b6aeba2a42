package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"attacklens/internal/mitre"
)

// SaveTechniques replaces the persisted catalog with the given version in one
// transaction. Sub-technique links are rebuilt from parent ids on load, so
// only flat rows are stored.
func (s *Store) SaveTechniques(ctx context.Context, version string, techniques []*mitre.Technique) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM mitre_techniques`); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO mitre_techniques (id, name, description, tactics, data_sources,
				platforms, detection, mitigations, url, keywords, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, t := range techniques {
			tactics, err := json.Marshal(t.Tactics)
			if err != nil {
				return err
			}
			dataSources, _ := json.Marshal(t.DataSources)
			platforms, _ := json.Marshal(t.Platforms)
			mitigations, _ := json.Marshal(t.Mitigations)
			keywords, _ := json.Marshal(t.Keywords)

			if _, err := stmt.ExecContext(ctx, t.ID, t.Name, t.Description,
				string(tactics), string(dataSources), string(platforms),
				t.Detection, string(mitigations), t.URL, string(keywords),
				version, now); err != nil {
				return fmt.Errorf("insert technique %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

// LoadTechniques rebuilds a TechniqueIndex from the persisted catalog.
// Returns nil without error when no catalog has been persisted yet.
func (s *Store) LoadTechniques(ctx context.Context) (*mitre.TechniqueIndex, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, tactics, data_sources, platforms,
			detection, mitigations, url, keywords, version
		FROM mitre_techniques ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		version    string
		techniques []*mitre.Technique
	)
	for rows.Next() {
		var (
			t           mitre.Technique
			tactics     string
			dataSources sql.NullString
			platforms   sql.NullString
			mitigations sql.NullString
			keywords    sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &tactics, &dataSources,
			&platforms, &t.Detection, &mitigations, &t.URL, &keywords, &version); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tactics), &t.Tactics); err != nil {
			return nil, fmt.Errorf("technique %s has corrupt tactics: %w", t.ID, err)
		}
		unmarshalNullable(dataSources, &t.DataSources)
		unmarshalNullable(platforms, &t.Platforms)
		unmarshalNullable(keywords, &t.Keywords)
		if mitigations.Valid && mitigations.String != "" {
			_ = json.Unmarshal([]byte(mitigations.String), &t.Mitigations)
		}

		if dot := strings.IndexByte(t.ID, '.'); dot > 0 {
			t.ParentID = t.ID[:dot]
		}
		techniques = append(techniques, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(techniques) == 0 {
		return nil, nil
	}

	byID := make(map[string]*mitre.Technique, len(techniques))
	for _, t := range techniques {
		byID[t.ID] = t
	}
	for _, t := range techniques {
		if t.ParentID != "" {
			if parent, ok := byID[t.ParentID]; ok {
				parent.SubTechniques = append(parent.SubTechniques, t)
			}
		}
	}
	return mitre.NewIndex(version, techniques), nil
}

func unmarshalNullable(s sql.NullString, dst *[]string) {
	if s.Valid && s.String != "" {
		_ = json.Unmarshal([]byte(s.String), dst)
	}
}
