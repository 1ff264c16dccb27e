package repo

import (
	"context"
	"database/sql"

	"waypoint/internal/domain"
)

// --- channel profiles ---

func (r Repo) GetChannelProfiles(ctx context.Context, subjectID string) ([]domain.ChannelProfile, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT subject_id,channel,sent_count,opened_count,clicked_count,avg_time_to_open_ms,updated_at
FROM channel_profiles WHERE subject_id=? ORDER BY channel ASC`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChannelProfile
	for rows.Next() {
		var p domain.ChannelProfile
		if err := rows.Scan(&p.SubjectID, &p.Channel, &p.SentCount, &p.OpenedCount, &p.ClickedCount, &p.AvgTimeToOpenMS, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// RecordSent upserts a profile row and bumps its sent counter.
func (r Repo) RecordSent(ctx context.Context, tx *sql.Tx, subjectID, channel, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO channel_profiles(subject_id,channel,sent_count,updated_at) VALUES (?,?,1,?)
ON CONFLICT(subject_id,channel) DO UPDATE SET sent_count=sent_count+1, updated_at=excluded.updated_at`,
		subjectID, channel, now)
	return err
}

// RecordOpened bumps the opened counter and folds the new time-to-open sample
// into the running average.
func (r Repo) RecordOpened(ctx context.Context, tx *sql.Tx, subjectID, channel string, timeToOpenMS int64, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO channel_profiles(subject_id,channel,opened_count,avg_time_to_open_ms,updated_at) VALUES (?,?,1,?,?)
ON CONFLICT(subject_id,channel) DO UPDATE SET
  avg_time_to_open_ms=(avg_time_to_open_ms*opened_count+?)/(opened_count+1),
  opened_count=opened_count+1,
  updated_at=excluded.updated_at`,
		subjectID, channel, timeToOpenMS, now, timeToOpenMS)
	return err
}

func (r Repo) RecordClicked(ctx context.Context, tx *sql.Tx, subjectID, channel, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO channel_profiles(subject_id,channel,clicked_count,updated_at) VALUES (?,?,1,?)
ON CONFLICT(subject_id,channel) DO UPDATE SET clicked_count=clicked_count+1, updated_at=excluded.updated_at`,
		subjectID, channel, now)
	return err
}

// --- variant stats ---

func (r Repo) BumpVariantExposure(ctx context.Context, tx *sql.Tx, templateID, variantID string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO variant_stats(template_id,variant_id,exposures) VALUES (?,?,1)
ON CONFLICT(template_id,variant_id) DO UPDATE SET exposures=exposures+1`,
		templateID, variantID)
	return err
}

func (r Repo) BumpVariantConversion(ctx context.Context, tx *sql.Tx, templateID, variantID string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO variant_stats(template_id,variant_id,conversions) VALUES (?,?,1)
ON CONFLICT(template_id,variant_id) DO UPDATE SET conversions=conversions+1`,
		templateID, variantID)
	return err
}

func (r Repo) VariantStats(ctx context.Context, templateID string) ([]domain.VariantStats, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT template_id,variant_id,exposures,conversions FROM variant_stats WHERE template_id=? ORDER BY variant_id ASC`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VariantStats
	for rows.Next() {
		var s domain.VariantStats
		if err := rows.Scan(&s.TemplateID, &s.VariantID, &s.Exposures, &s.Conversions); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- subject features (local feature store) ---

func (r Repo) UpsertSubjectFeature(ctx context.Context, subjectID, name string, value float64, observedAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO subject_features(subject_id,name,value,observed_at) VALUES (?,?,?,?)
ON CONFLICT(subject_id,name) DO UPDATE SET value=excluded.value, observed_at=excluded.observed_at`,
		subjectID, name, value, observedAt)
	return err
}

func (r Repo) SubjectFeatures(ctx context.Context, subjectID string) (map[string]float64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,value FROM subject_features WHERE subject_id=?`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]float64{}
	for rows.Next() {
		var name string
		var value float64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		res[name] = value
	}
	return res, rows.Err()
}

// SubjectsWhereFeature returns subject IDs whose named feature compares true
// against the threshold. op is one of <, <=, >, >=, ==.
func (r Repo) SubjectsWhereFeature(ctx context.Context, name, op string, threshold float64) ([]string, error) {
	var cmp string
	switch op {
	case "<", "<=", ">", ">=":
		cmp = op
	case "==":
		cmp = "="
	default:
		return nil, ErrNotFound
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT subject_id FROM subject_features WHERE name=? AND value `+cmp+` ? ORDER BY subject_id ASC`, name, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}
