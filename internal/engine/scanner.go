package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"waypoint/internal/domain"
	"waypoint/internal/events"
)

// ScanReport summarizes one entry scan over the published templates.
type ScanReport struct {
	Templates       int      `json:"templates"`
	Candidates      int      `json:"candidates"`
	Entered         int      `json:"entered"`
	SkippedActive   int      `json:"skipped_active"`
	SkippedCooldown int      `json:"skipped_cooldown"`
	Errors          []string `json:"errors,omitempty"`
}

// Scan evaluates every published template's entry predicate and creates
// instances for qualifying subjects. A failing template is reported and
// skipped; the rest of the scan proceeds.
func (e Engine) Scan(ctx context.Context, actorID string) (ScanReport, error) {
	templates, err := e.Registry.Active(ctx)
	if err != nil {
		return ScanReport{}, err
	}
	report := ScanReport{Templates: len(templates)}
	for _, tpl := range templates {
		if err := e.scanTemplate(ctx, actorID, tpl, &report); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", tpl.ID, err))
			e.appendEvent(ctx, "scan.error", tpl.ID, "template", tpl.ID, actorID, events.EventPayload{"error": err.Error()})
		}
	}
	return report, nil
}

func (e Engine) scanTemplate(ctx context.Context, actorID string, tpl domain.JourneyTemplate, report *ScanReport) error {
	subjects, err := e.Features.QualifyingSubjects(ctx, tpl.EntryPredicate)
	if err != nil {
		return err
	}
	report.Candidates += len(subjects)
	for _, subjectID := range subjects {
		entered, skippedActive, skippedCooldown, err := e.tryEnter(ctx, actorID, tpl, subjectID, nil)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s/%s: %v", tpl.ID, subjectID, err))
			continue
		}
		if entered {
			report.Entered++
		}
		if skippedActive {
			report.SkippedActive++
		}
		if skippedCooldown {
			report.SkippedCooldown++
		}
	}
	return nil
}

// tryEnter applies the dedup and cooldown gates, then creates an instance.
// parentID is set when the entry is a cross-journey transition rather than a
// scan hit.
func (e Engine) tryEnter(ctx context.Context, actorID string, tpl domain.JourneyTemplate, subjectID string, parentID *string) (entered, skippedActive, skippedCooldown bool, err error) {
	active, err := e.Repo.ActiveInstanceExists(ctx, subjectID, tpl.JourneyType)
	if err != nil {
		return false, false, false, err
	}
	if active {
		return false, true, false, nil
	}

	cooldown := tpl.CoolDownDays
	if cooldown == 0 {
		cooldown = e.Config.Engine.CoolDownDays
	}
	if cooldown > 0 {
		endedAt, err := e.Repo.LatestEndedAt(ctx, subjectID, tpl.JourneyType)
		if err != nil {
			return false, false, false, err
		}
		if endedAt != "" {
			ended, err := time.Parse(time.RFC3339, endedAt)
			if err == nil && e.now().UTC().Before(ended.Add(time.Duration(cooldown)*24*time.Hour)) {
				return false, false, true, nil
			}
		}
	}

	inst := domain.JourneyInstance{
		ID:               uuid.NewString(),
		SubjectID:        subjectID,
		TemplateID:       tpl.ID,
		TemplateVersion:  tpl.Version,
		JourneyType:      tpl.JourneyType,
		VariantID:        AssignVariant(tpl.ID, subjectID, tpl.Variants),
		ParentInstanceID: parentID,
		EntryAt:          e.now().UTC().Format(time.RFC3339),
		Status:           domain.StatusActive,
		Cursor:           0,
		Version:          1,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, false, false, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertInstance(ctx, tx, inst); err != nil {
		return false, false, false, err
	}
	if inst.VariantID != "" {
		if err := e.Repo.BumpVariantExposure(ctx, tx, tpl.ID, inst.VariantID); err != nil {
			return false, false, false, err
		}
	}
	payload := events.EventPayload{
		"subject_id":       subjectID,
		"template_version": tpl.Version,
	}
	if inst.VariantID != "" {
		payload["variant_id"] = inst.VariantID
	}
	if parentID != nil {
		payload["parent_instance_id"] = *parentID
	}
	if err := e.Events.Append(ctx, tx, "instance.entered", tpl.ID, "instance", inst.ID, actorID, payload); err != nil {
		return false, false, false, err
	}
	if err := tx.Commit(); err != nil {
		return false, false, false, err
	}
	return true, false, false, nil
}

// appendEvent writes a standalone event in its own transaction. Failures are
// swallowed so reporting never blocks the main path.
func (e Engine) appendEvent(ctx context.Context, evtType, journeyID, entityKind, entityID, actorID string, payload events.EventPayload) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, journeyID, entityKind, entityID, actorID, payload); err != nil {
		return
	}
	_ = tx.Commit()
}
