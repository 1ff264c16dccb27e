package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"waypoint/internal/domain"
	"waypoint/internal/events"
	"waypoint/internal/repo"
)

// outcomeRank orders delivery outcomes so a late "delivered" never
// overwrites an earlier "clicked".
var outcomeRank = map[string]int{
	"none":      0,
	"sent":      1,
	"failed":    1,
	"delivered": 2,
	"opened":    3,
	"clicked":   4,
	"converted": 5,
	"skipped":   0,
}

// IngestOutcome folds a delivery signal into the subject's channel profile,
// the originating decision record and, for conversions, the variant stats.
func (e Engine) IngestOutcome(ctx context.Context, actorID string, ev domain.OutcomeEvent) error {
	switch ev.Kind {
	case "delivered", "opened", "clicked", "converted", "failed":
	default:
		return fmt.Errorf("unknown outcome kind %q", ev.Kind)
	}
	if ev.SubjectID == "" {
		return errors.New("subject_id is required")
	}
	if ev.Channel == "" {
		return errors.New("channel is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	if ev.At == "" {
		ev.At = now
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	switch ev.Kind {
	case "opened":
		if err := e.Repo.RecordOpened(ctx, tx, ev.SubjectID, ev.Channel, ev.TimeToOpenMS, now); err != nil {
			return err
		}
	case "clicked":
		if err := e.Repo.RecordClicked(ctx, tx, ev.SubjectID, ev.Channel, now); err != nil {
			return err
		}
	}

	journeyID := ""
	if ev.MessageID != "" {
		rec, err := e.Repo.GetRecordByMessageID(ctx, tx, ev.MessageID)
		switch {
		case err == nil:
			if outcomeRank[ev.Kind] > outcomeRank[rec.OutcomeStatus] {
				if err := e.Repo.SetRecordOutcome(ctx, tx, rec.ID, ev.Kind); err != nil {
					return err
				}
			}
			inst, err := e.Repo.GetInstanceTx(ctx, tx, rec.InstanceID)
			if err != nil {
				return err
			}
			journeyID = inst.TemplateID
			if ev.Kind == "converted" && inst.VariantID != "" {
				if err := e.Repo.BumpVariantConversion(ctx, tx, inst.TemplateID, inst.VariantID); err != nil {
					return err
				}
			}
		case errors.Is(err, repo.ErrNotFound):
			// Outcome for a message this engine never sent; keep the
			// profile update, drop the record linkage.
		default:
			return err
		}
	}

	payload := events.EventPayload{
		"subject_id": ev.SubjectID,
		"channel":    ev.Channel,
		"kind":       ev.Kind,
	}
	if ev.MessageID != "" {
		payload["message_id"] = ev.MessageID
	}
	if err := e.Events.Append(ctx, tx, "outcome."+ev.Kind, journeyID, "subject", ev.SubjectID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}
