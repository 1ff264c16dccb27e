package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"waypoint/internal/dispatch"
	"waypoint/internal/domain"
	"waypoint/internal/events"
	"waypoint/internal/features"
	"waypoint/internal/repo"
)

// failStreakAlertAt is the consecutive feature-store failure count that
// raises a critical alert for an instance.
const failStreakAlertAt = 3

// TickReport summarizes one scheduler pass over the active instances.
type TickReport struct {
	Processed int      `json:"processed"`
	Fired     int      `json:"fired"`
	NotDue    int      `json:"not_due"`
	Skipped   int      `json:"skipped"`
	Conflicts int      `json:"conflicts"`
	Completed int      `json:"completed"`
	Errors    []string `json:"errors,omitempty"`
	Alerts    []string `json:"alerts,omitempty"`
}

// Tick walks every active instance once, firing any decision point whose
// offset has elapsed. Instance failures are isolated: one bad instance never
// stops the pass.
func (e Engine) Tick(ctx context.Context, actorID string) (TickReport, error) {
	instances, err := e.Repo.ListActiveInstances(ctx)
	if err != nil {
		return TickReport{}, err
	}
	report := TickReport{}
	for _, inst := range instances {
		report.Processed++
		if err := e.processInstance(ctx, actorID, inst, false, &report); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", inst.ID, err))
		}
	}
	if alert, err := e.checkDropoff(ctx, actorID); err == nil && alert != "" {
		report.Alerts = append(report.Alerts, alert)
	}
	return report, nil
}

// ForceFire fires the instance's current decision point immediately,
// ignoring its offset.
func (e Engine) ForceFire(ctx context.Context, actorID, instanceID string) (TickReport, error) {
	inst, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return TickReport{}, err
	}
	if inst.Status != domain.StatusActive {
		return TickReport{}, fmt.Errorf("instance %s is %s, not active", instanceID, inst.Status)
	}
	report := TickReport{Processed: 1}
	if err := e.processInstance(ctx, actorID, inst, true, &report); err != nil {
		return report, err
	}
	return report, nil
}

// Cancel exits an active instance with a reason.
func (e Engine) Cancel(ctx context.Context, actorID, instanceID, reason string) (domain.JourneyInstance, error) {
	inst, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return domain.JourneyInstance{}, err
	}
	if inst.Status != domain.StatusActive {
		return domain.JourneyInstance{}, fmt.Errorf("instance %s is %s, not active", instanceID, inst.Status)
	}
	now := e.now().UTC().Format(time.RFC3339)
	inst.Status = domain.StatusExited
	inst.ExitReason = reason
	inst.LastProcessedAt = &now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.JourneyInstance{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInstanceCAS(ctx, tx, inst, inst.Version); err != nil {
		return domain.JourneyInstance{}, err
	}
	if err := e.Events.Append(ctx, tx, "instance.cancelled", inst.TemplateID, "instance", inst.ID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return domain.JourneyInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.JourneyInstance{}, err
	}
	inst.Version++
	return inst, nil
}

func (e Engine) processInstance(ctx context.Context, actorID string, inst domain.JourneyInstance, force bool, report *TickReport) error {
	tpl, err := e.Registry.Get(ctx, inst.TemplateID, inst.TemplateVersion)
	if err != nil {
		return fmt.Errorf("template %s@%d: %w", inst.TemplateID, inst.TemplateVersion, err)
	}
	if inst.Cursor >= len(tpl.DecisionPoints) {
		return e.finishInstance(ctx, actorID, inst, domain.StatusCompleted, "end of journey", report)
	}
	pt := tpl.DecisionPoints[inst.Cursor]

	if !force {
		entry, err := time.Parse(time.RFC3339, inst.EntryAt)
		if err != nil {
			return fmt.Errorf("entry_at: %w", err)
		}
		due := entry.Add(time.Duration(pt.OffsetDays) * 24 * time.Hour)
		if e.now().UTC().Before(due) {
			report.NotDue++
			return nil
		}
	}

	err = e.fire(ctx, actorID, inst, tpl, pt, report)
	if errors.Is(err, repo.ErrVersionConflict) {
		// Another worker moved the instance; re-read and retry once.
		report.Conflicts++
		fresh, rerr := e.Repo.GetInstance(ctx, inst.ID)
		if rerr != nil {
			return rerr
		}
		if fresh.Status != domain.StatusActive || fresh.Cursor != inst.Cursor {
			return nil
		}
		if err = e.fire(ctx, actorID, fresh, tpl, pt, report); errors.Is(err, repo.ErrVersionConflict) {
			return nil
		}
	}
	return err
}

// fire evaluates one decision point, claims it by committing its record and
// cursor move atomically, and only then delivers. Claiming first keeps
// dispatch at-most-once even when concurrent workers race on the same point.
func (e Engine) fire(ctx context.Context, actorID string, inst domain.JourneyInstance, tpl domain.JourneyTemplate, pt domain.DecisionPoint, report *TickReport) error {
	// A prior firing may have committed its record without moving the
	// cursor. Never re-evaluate or re-dispatch such a point; just move on.
	if exists, err := e.Repo.DecisionRecordExists(ctx, nil, inst.ID, inst.Cursor); err != nil {
		return err
	} else if exists {
		return e.advancePastRecord(ctx, inst, len(tpl.DecisionPoints), report)
	}

	feats, err := e.Features.SubjectFeatures(ctx, inst.SubjectID, e.Config.Features.EngagementLookbackDays)
	if err != nil {
		var qerr *features.QueryError
		if errors.As(err, &qerr) {
			report.Skipped++
			return e.recordFeatureFailure(ctx, actorID, inst, err)
		}
		return err
	}

	now := e.now().UTC().Format(time.RFC3339)
	rec := domain.DecisionRecord{
		ID:            uuid.NewString(),
		InstanceID:    inst.ID,
		PointIndex:    inst.Cursor,
		FiredAt:       now,
		OutcomeStatus: "none",
	}
	if data, err := json.Marshal(feats); err == nil {
		s := string(data)
		rec.FeaturesJSON = &s
	}

	transition := domain.Transition{Kind: domain.TransitionNext}
	payload := events.EventPayload{"point_index": inst.Cursor, "kind": pt.Kind}
	dispatchTemplate := ""
	dispatchParams := map[string]string{}
	var forcedOffer *domain.CandidateOffer

	switch pt.Kind {
	case domain.KindScoreAndBranch:
		set := e.collectScores(ctx, pt, feats)
		tier, degraded := resolveTier(pt, set)
		rec.Tier = tier
		rec.Degraded = degraded
		if degraded {
			rec.DegradedReason = set.DegradedReason
			if rec.DegradedReason == "" {
				rec.DegradedReason = "primary score unavailable"
			}
		}
		if data, err := json.Marshal(set.Scores); err == nil {
			s := string(data)
			rec.ScoresJSON = &s
		}
		rule := ruleForTier(pt, tier)
		transition = rule.Transition
		dispatchTemplate = rule.ActionTemplateID
		payload["tier"] = tier
		if score, ok := set.Scores[ChurnScoreName]; ok {
			payload["risk"] = RiskLabel(score.Value)
		}
		if degraded {
			payload["degraded"] = true
		}
	case domain.KindRetentionOffer:
		decision := e.SelectOffer(ctx, pt, feats)
		rec.SelectedAction = decision.Offer.Type
		rec.Degraded = decision.Degraded
		if data, err := json.Marshal(decision); err == nil {
			s := string(data)
			rec.ScoresJSON = &s
		}
		payload["offer_type"] = decision.Offer.Type
		if decision.Offer.Type != domain.OfferNone {
			dispatchTemplate = pt.ActionTemplateID
			dispatchParams["offer_type"] = decision.Offer.Type
		}
		if decision.Forced {
			payload["forced"] = true
			forced := decision.Offer
			forcedOffer = &forced
		}
	case domain.KindChannelDispatch:
		dispatchTemplate = pt.ActionTemplateID
	case domain.KindExit:
		transition = domain.Transition{Kind: domain.TransitionTerminal, TerminalStatus: domain.StatusExited}
	default:
		return fmt.Errorf("unknown decision point kind %q", pt.Kind)
	}

	var choice domain.ChannelChoice
	if dispatchTemplate != "" {
		choice, err = e.SelectChannel(ctx, inst.SubjectID, tpl.Channels, pt.Urgency)
		if err != nil {
			return err
		}
		if rec.SelectedAction == "" {
			rec.SelectedAction = dispatchTemplate
		}
		rec.Channel = choice.Channel
		payload["channel"] = choice.Channel
	}

	// Apply the transition to a working copy.
	next := inst
	next.FailStreak = 0
	next.LastProcessedAt = &now
	switch transition.Kind {
	case domain.TransitionNext:
		next.Cursor++
		if next.Cursor >= len(tpl.DecisionPoints) {
			next.Status = domain.StatusCompleted
		}
	case domain.TransitionGoto:
		if transition.GotoIndex != nil {
			next.Cursor = *transition.GotoIndex
		} else {
			next.Cursor++
		}
	case domain.TransitionTerminal:
		next.Cursor++
		next.Status = transition.TerminalStatus
		if next.Status == domain.StatusExited {
			next.ExitReason = "exit point"
		}
	case domain.TransitionExitJourney:
		next.Cursor++
		next.Status = domain.StatusTransitioned
		next.ExitReason = "transition to " + transition.ExitJourneyID
	}

	// Claim the point before anything leaves the building: the cursor CAS and
	// the record's UNIQUE(instance_id, point_index) key make exactly one
	// worker the owner of this firing. A losing worker conflicts here and
	// never reaches the dispatcher.
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateInstanceCAS(ctx, tx, next, inst.Version); err != nil {
		return err
	}
	if err := e.Repo.InsertDecisionRecord(ctx, tx, rec); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "decision.fired", inst.TemplateID, "instance", inst.ID, actorID, payload); err != nil {
		return err
	}
	if next.Status != domain.StatusActive {
		if err := e.Events.Append(ctx, tx, "instance."+next.Status, inst.TemplateID, "instance", inst.ID, actorID, events.EventPayload{"reason": next.ExitReason}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	report.Fired++
	if next.Status == domain.StatusCompleted || next.Status == domain.StatusExited {
		report.Completed++
	}

	if forcedOffer != nil {
		e.appendEvent(ctx, "offer.forced", inst.TemplateID, "instance", inst.ID, actorID, events.EventPayload{
			"offer_type":     forcedOffer.Type,
			"expected_value": forcedOffer.ExpectedValue,
		})
	}
	if dispatchTemplate != "" {
		result := e.dispatchWithRetry(ctx, dispatch.Request{
			SubjectID:  inst.SubjectID,
			Channel:    choice.Channel,
			TemplateID: dispatchTemplate,
			Params:     dispatchParams,
		})
		if err := e.finalizeDispatch(ctx, actorID, inst, rec.ID, dispatchTemplate, result); err != nil {
			return err
		}
	}
	if transition.Kind == domain.TransitionExitJourney {
		e.enterChildJourney(ctx, actorID, inst, transition.ExitJourneyID, report)
	}
	return nil
}

// finalizeDispatch writes the delivery result back onto the claimed record
// and bumps the subject's channel profile on success.
func (e Engine) finalizeDispatch(ctx context.Context, actorID string, inst domain.JourneyInstance, recordID, templateID string, result domain.DeliveryResult) error {
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	status := "failed"
	if result.Status == "sent" {
		status = "sent"
		if err := e.Repo.RecordSent(ctx, tx, inst.SubjectID, result.Channel, now); err != nil {
			return err
		}
	}
	if err := e.Repo.SetRecordDispatch(ctx, tx, recordID, result.Channel, result.MessageID, status); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if status == "failed" {
		e.appendEvent(ctx, "dispatch.failed", inst.TemplateID, "instance", inst.ID, actorID, events.EventPayload{
			"template": templateID,
			"error":    result.Error,
		})
	}
	return nil
}

// advancePastRecord moves the cursor over a point that already has a
// decision record, closing the instance when that was the last point.
func (e Engine) advancePastRecord(ctx context.Context, inst domain.JourneyInstance, numPoints int, report *TickReport) error {
	now := e.now().UTC().Format(time.RFC3339)
	next := inst
	next.Cursor++
	next.LastProcessedAt = &now
	if next.Cursor >= numPoints {
		next.Status = domain.StatusCompleted
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInstanceCAS(ctx, tx, next, inst.Version); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	report.Skipped++
	return nil
}

// enterChildJourney starts the target journey for the subject with lineage
// back to the parent instance. Failures are reported, not fatal: the parent
// has already transitioned.
func (e Engine) enterChildJourney(ctx context.Context, actorID string, parent domain.JourneyInstance, targetID string, report *TickReport) {
	target, err := e.Registry.Latest(ctx, targetID)
	if err != nil || target.Status != "published" {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: transition target %s unavailable", parent.ID, targetID))
		e.appendEvent(ctx, "transition.failed", parent.TemplateID, "instance", parent.ID, actorID, events.EventPayload{"target": targetID})
		return
	}
	parentID := parent.ID
	entered, _, _, err := e.tryEnter(ctx, actorID, target, parent.SubjectID, &parentID)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: enter %s: %v", parent.ID, targetID, err))
		return
	}
	if !entered {
		e.appendEvent(ctx, "transition.blocked", parent.TemplateID, "instance", parent.ID, actorID, events.EventPayload{"target": targetID})
	}
}

// recordFeatureFailure bumps the instance's consecutive failure streak and
// raises a critical alert on the third strike. The cursor never moves.
func (e Engine) recordFeatureFailure(ctx context.Context, actorID string, inst domain.JourneyInstance, cause error) error {
	next := inst
	next.FailStreak++

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInstanceCAS(ctx, tx, next, inst.Version); err != nil {
		if errors.Is(err, repo.ErrVersionConflict) {
			return nil
		}
		return err
	}
	if err := e.Events.Append(ctx, tx, "tick.skipped", inst.TemplateID, "instance", inst.ID, actorID, events.EventPayload{
		"error":       cause.Error(),
		"fail_streak": next.FailStreak,
	}); err != nil {
		return err
	}
	if next.FailStreak >= failStreakAlertAt {
		if err := e.Events.Append(ctx, tx, "alert.critical", inst.TemplateID, "instance", inst.ID, actorID, events.EventPayload{
			"reason":      "feature store failures",
			"fail_streak": next.FailStreak,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// finishInstance closes out an instance whose cursor ran past the template.
func (e Engine) finishInstance(ctx context.Context, actorID string, inst domain.JourneyInstance, status, reason string, report *TickReport) error {
	now := e.now().UTC().Format(time.RFC3339)
	next := inst
	next.Status = status
	next.LastProcessedAt = &now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInstanceCAS(ctx, tx, next, inst.Version); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "instance."+status, inst.TemplateID, "instance", inst.ID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	report.Completed++
	return nil
}

// dispatchWithRetry tries the chosen channel twice, then once on the
// configured fallback channel.
func (e Engine) dispatchWithRetry(ctx context.Context, req dispatch.Request) domain.DeliveryResult {
	attempt := func(channel string) (dispatch.Result, error) {
		r := req
		r.Channel = channel
		return e.Dispatch.Dispatch(ctx, r)
	}

	res, err := attempt(req.Channel)
	if err != nil {
		res, err = attempt(req.Channel)
	}
	channel := req.Channel
	if err != nil {
		if fb := e.Config.FallbackChannel(); fb != "" && fb != req.Channel {
			channel = fb
			res, err = attempt(fb)
		}
	}
	if err != nil {
		return domain.DeliveryResult{Status: "failed", Channel: req.Channel, Error: err.Error()}
	}
	return domain.DeliveryResult{
		Status:      "sent",
		MessageID:   res.MessageID,
		Channel:     channel,
		DeliveredAt: e.now().UTC().Format(time.RFC3339),
	}
}
