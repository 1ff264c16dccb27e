package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"waypoint/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrVersionConflict indicates an optimistic-concurrency write lost the race.
var ErrVersionConflict = errors.New("instance version conflict")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// --- journey instances ---

const instanceCols = `id,subject_id,template_id,template_version,journey_type,variant_id,parent_instance_id,entry_at,status,cursor,version,last_processed_at,fail_streak,exit_reason`

func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, inst domain.JourneyInstance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO journey_instances(`+instanceCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		inst.ID, inst.SubjectID, inst.TemplateID, inst.TemplateVersion, inst.JourneyType, nullable(inst.VariantID),
		nullableStringPtr(inst.ParentInstanceID), inst.EntryAt, inst.Status, inst.Cursor, inst.Version,
		nullableStringPtr(inst.LastProcessedAt), inst.FailStreak, nullable(inst.ExitReason))
	return err
}

func scanInstance(scan func(dest ...any) error) (domain.JourneyInstance, error) {
	var inst domain.JourneyInstance
	var variantID, parentID, lastProcessed, exitReason sql.NullString
	err := scan(&inst.ID, &inst.SubjectID, &inst.TemplateID, &inst.TemplateVersion, &inst.JourneyType,
		&variantID, &parentID, &inst.EntryAt, &inst.Status, &inst.Cursor, &inst.Version,
		&lastProcessed, &inst.FailStreak, &exitReason)
	if err == sql.ErrNoRows {
		return inst, ErrNotFound
	}
	if err != nil {
		return inst, err
	}
	if variantID.Valid {
		inst.VariantID = variantID.String
	}
	if parentID.Valid {
		inst.ParentInstanceID = &parentID.String
	}
	if lastProcessed.Valid {
		inst.LastProcessedAt = &lastProcessed.String
	}
	if exitReason.Valid {
		inst.ExitReason = exitReason.String
	}
	return inst, nil
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.JourneyInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM journey_instances WHERE id=?`, id)
	return scanInstance(row.Scan)
}

func (r Repo) GetInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.JourneyInstance, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM journey_instances WHERE id=?`, id)
	return scanInstance(row.Scan)
}

type InstanceFilters struct {
	SubjectID   string
	TemplateID  string
	JourneyType string
	Status      string
	Limit       int
}

func (r Repo) ListInstances(ctx context.Context, f InstanceFilters) ([]domain.JourneyInstance, error) {
	var clauses []string
	var args []any
	if f.SubjectID != "" {
		clauses = append(clauses, "subject_id=?")
		args = append(args, f.SubjectID)
	}
	if f.TemplateID != "" {
		clauses = append(clauses, "template_id=?")
		args = append(args, f.TemplateID)
	}
	if f.JourneyType != "" {
		clauses = append(clauses, "journey_type=?")
		args = append(args, f.JourneyType)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + instanceCols + ` FROM journey_instances ` + where + ` ORDER BY entry_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JourneyInstance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	return res, rows.Err()
}

// ListActiveInstances returns every instance eligible for scheduling.
func (r Repo) ListActiveInstances(ctx context.Context) ([]domain.JourneyInstance, error) {
	return r.ListInstances(ctx, InstanceFilters{Status: domain.StatusActive})
}

// ActiveInstanceExists reports whether the subject already holds an active
// instance of the journey type.
func (r Repo) ActiveInstanceExists(ctx context.Context, subjectID, journeyType string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM journey_instances WHERE subject_id=? AND journey_type=? AND status=? LIMIT 1`,
		subjectID, journeyType, domain.StatusActive)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// LatestEndedAt returns the most recent non-active end time (last_processed_at)
// for the subject's instances of the journey type, or "" when none exist.
func (r Repo) LatestEndedAt(ctx context.Context, subjectID, journeyType string) (string, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(last_processed_at, entry_at) FROM journey_instances
WHERE subject_id=? AND journey_type=? AND status != ?
ORDER BY COALESCE(last_processed_at, entry_at) DESC LIMIT 1`, subjectID, journeyType, domain.StatusActive)
	var ended string
	err := row.Scan(&ended)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return ended, err
}

// UpdateInstanceCAS writes the instance back only if the stored version still
// matches expectedVersion, bumping version by one. Returns
// ErrVersionConflict when a concurrent writer got there first.
func (r Repo) UpdateInstanceCAS(ctx context.Context, tx *sql.Tx, inst domain.JourneyInstance, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE journey_instances
SET status=?, cursor=?, version=version+1, last_processed_at=?, fail_streak=?, exit_reason=?
WHERE id=? AND version=?`,
		inst.Status, inst.Cursor, nullableStringPtr(inst.LastProcessedAt), inst.FailStreak, nullable(inst.ExitReason),
		inst.ID, expectedVersion)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// CountInstancesByStatus aggregates instance counts per status.
func (r Repo) CountInstancesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM journey_instances GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// CountEndedSince counts instances that left active status in the window,
// split into entered/dropped for drop-off computation.
func (r Repo) CountEnteredSince(ctx context.Context, since string) (int, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM journey_instances WHERE entry_at >= ?`, since)
	var n int
	err := row.Scan(&n)
	return n, err
}

func (r Repo) CountDroppedSince(ctx context.Context, since string) (int, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM journey_instances
WHERE status IN (?,?) AND COALESCE(last_processed_at, entry_at) >= ?`,
		domain.StatusExited, domain.StatusFailed, since)
	var n int
	err := row.Scan(&n)
	return n, err
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, journeyID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if journeyID != "" {
		clauses = append(clauses, "journey_id=?")
		args = append(args, journeyID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(journey_id,''),entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(payload_json,'') FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.JourneyID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(journey_id,''),entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(payload_json,'') FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.JourneyID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// CountEventsSince counts events of a type at or after the RFC3339 timestamp.
func (r Repo) CountEventsSince(ctx context.Context, evtType, since string) (int, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM events WHERE type=? AND ts >= ?`, evtType, since)
	var n int
	err := row.Scan(&n)
	return n, err
}
