package repo

import (
	"context"
	"database/sql"

	"waypoint/internal/domain"
)

// --- decision records ---

const recordCols = `id,instance_id,point_index,fired_at,features_json,scores_json,tier,selected_action,channel,message_id,outcome_status,degraded,degraded_reason`

func (r Repo) InsertDecisionRecord(ctx context.Context, tx *sql.Tx, rec domain.DecisionRecord) error {
	degraded := 0
	if rec.Degraded {
		degraded = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO decision_records(`+recordCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.InstanceID, rec.PointIndex, rec.FiredAt,
		nullableStringPtr(rec.FeaturesJSON), nullableStringPtr(rec.ScoresJSON),
		nullable(rec.Tier), nullable(rec.SelectedAction), nullable(rec.Channel), nullable(rec.MessageID),
		rec.OutcomeStatus, degraded, nullable(rec.DegradedReason))
	return err
}

func scanRecord(scan func(dest ...any) error) (domain.DecisionRecord, error) {
	var rec domain.DecisionRecord
	var features, scores, tier, action, channel, messageID, degradedReason sql.NullString
	var degraded int
	err := scan(&rec.ID, &rec.InstanceID, &rec.PointIndex, &rec.FiredAt, &features, &scores,
		&tier, &action, &channel, &messageID, &rec.OutcomeStatus, &degraded, &degradedReason)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if features.Valid {
		rec.FeaturesJSON = &features.String
	}
	if scores.Valid {
		rec.ScoresJSON = &scores.String
	}
	rec.Tier = tier.String
	rec.SelectedAction = action.String
	rec.Channel = channel.String
	rec.MessageID = messageID.String
	rec.DegradedReason = degradedReason.String
	rec.Degraded = degraded != 0
	return rec, nil
}

// DecisionRecordExists reports whether a record already covers the cursor
// position, the firing dedup check. tx may be nil.
func (r Repo) DecisionRecordExists(ctx context.Context, tx *sql.Tx, instanceID string, pointIndex int) (bool, error) {
	query := func(q string, args ...any) *sql.Row {
		if tx != nil {
			return tx.QueryRowContext(ctx, q, args...)
		}
		return r.DB.QueryRowContext(ctx, q, args...)
	}
	row := query(`SELECT 1 FROM decision_records WHERE instance_id=? AND point_index=? LIMIT 1`, instanceID, pointIndex)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListDecisionRecords(ctx context.Context, instanceID string) ([]domain.DecisionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+recordCols+` FROM decision_records WHERE instance_id=? ORDER BY point_index ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DecisionRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// GetRecordByMessageID looks up a decision record by its dispatch message ID.
func (r Repo) GetRecordByMessageID(ctx context.Context, tx *sql.Tx, messageID string) (domain.DecisionRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+recordCols+` FROM decision_records WHERE message_id=?`, messageID)
	return scanRecord(row.Scan)
}

// SetRecordDispatch writes the delivery result onto an already-committed
// record.
func (r Repo) SetRecordDispatch(ctx context.Context, tx *sql.Tx, recordID, channel, messageID, outcomeStatus string) error {
	_, err := tx.ExecContext(ctx, `UPDATE decision_records SET channel=?, message_id=?, outcome_status=? WHERE id=?`,
		nullable(channel), nullable(messageID), outcomeStatus, recordID)
	return err
}

func (r Repo) SetRecordOutcome(ctx context.Context, tx *sql.Tx, recordID, outcomeStatus string) error {
	_, err := tx.ExecContext(ctx, `UPDATE decision_records SET outcome_status=? WHERE id=?`, outcomeStatus, recordID)
	return err
}

func (r Repo) CountRecordsSince(ctx context.Context, since string) (int, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM decision_records WHERE fired_at >= ?`, since)
	var n int
	err := row.Scan(&n)
	return n, err
}

func (r Repo) CountDegradedSince(ctx context.Context, since string) (int, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM decision_records WHERE degraded=1 AND fired_at >= ?`, since)
	var n int
	err := row.Scan(&n)
	return n, err
}
