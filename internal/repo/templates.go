package repo

import (
	"context"
	"database/sql"
	"strings"
)

// --- journey templates ---

func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, id string, version int, journeyType, status, definitionJSON, publishedAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO journey_templates(id,version,journey_type,status,definition_json,published_at) VALUES (?,?,?,?,?,?)`,
		id, version, journeyType, status, definitionJSON, publishedAt)
	return err
}

// LatestTemplateVersion returns the highest stored version for a template ID,
// zero when the ID is unknown.
func (r Repo) LatestTemplateVersion(ctx context.Context, id string) (int, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM journey_templates WHERE id=?`, id)
	var v int
	err := row.Scan(&v)
	return v, err
}

type TemplateRow struct {
	ID             string
	Version        int
	JourneyType    string
	Status         string
	DefinitionJSON string
	PublishedAt    string
}

func scanTemplate(scan func(dest ...any) error) (TemplateRow, error) {
	var t TemplateRow
	err := scan(&t.ID, &t.Version, &t.JourneyType, &t.Status, &t.DefinitionJSON, &t.PublishedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) GetTemplate(ctx context.Context, id string, version int) (TemplateRow, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,version,journey_type,status,definition_json,published_at FROM journey_templates WHERE id=? AND version=?`, id, version)
	return scanTemplate(row.Scan)
}

// GetLatestTemplate returns the newest version for the ID regardless of status.
func (r Repo) GetLatestTemplate(ctx context.Context, id string) (TemplateRow, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,version,journey_type,status,definition_json,published_at FROM journey_templates WHERE id=? ORDER BY version DESC LIMIT 1`, id)
	return scanTemplate(row.Scan)
}

type TemplateFilters struct {
	JourneyType string
	Status      string
}

func (r Repo) ListTemplates(ctx context.Context, f TemplateFilters) ([]TemplateRow, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.JourneyType != "" {
		clauses = append(clauses, "journey_type=?")
		args = append(args, f.JourneyType)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT id,version,journey_type,status,definition_json,published_at FROM journey_templates WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC, version DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []TemplateRow
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListPublishedTemplates returns only the highest published version per ID.
func (r Repo) ListPublishedTemplates(ctx context.Context) ([]TemplateRow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT t.id,t.version,t.journey_type,t.status,t.definition_json,t.published_at
FROM journey_templates t
JOIN (SELECT id, MAX(version) AS version FROM journey_templates WHERE status='published' GROUP BY id) latest
  ON t.id=latest.id AND t.version=latest.version
ORDER BY t.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []TemplateRow
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// SetTemplateStatus flips a specific version between published and retired.
func (r Repo) SetTemplateStatus(ctx context.Context, tx *sql.Tx, id string, version int, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE journey_templates SET status=? WHERE id=? AND version=?`, status, id, version)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
