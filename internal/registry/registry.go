package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"waypoint/internal/config"
	"waypoint/internal/domain"
	"waypoint/internal/events"
	"waypoint/internal/repo"
)

// ValidationError carries every problem found in a template definition so a
// publisher can fix them in one pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid template: " + strings.Join(e.Problems, "; ")
}

// IsValidation reports whether err is a template validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Registry is the versioned journey template store. Published versions are
// immutable; a re-publish of the same ID creates the next version.
type Registry struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) *Registry {
	now := time.Now
	return &Registry{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db, Now: now},
		Config: cfg,
		Now:    now,
	}
}

// ParseYAML decodes a template definition without touching the store.
func ParseYAML(data []byte) (domain.JourneyTemplate, error) {
	var tpl domain.JourneyTemplate
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return tpl, fmt.Errorf("parse template yaml: %w", err)
	}
	return tpl, nil
}

// Publish validates the definition and stores it as the next version of its
// ID. Invalid templates are rejected before anything is written.
func (r *Registry) Publish(ctx context.Context, actorID string, tpl domain.JourneyTemplate) (domain.JourneyTemplate, error) {
	if err := r.Validate(tpl); err != nil {
		return domain.JourneyTemplate{}, err
	}
	latest, err := r.Repo.LatestTemplateVersion(ctx, tpl.ID)
	if err != nil {
		return domain.JourneyTemplate{}, err
	}
	tpl.Version = latest + 1
	tpl.Status = "published"
	tpl.PublishedAt = r.Now().UTC().Format(time.RFC3339)

	def, err := json.Marshal(tpl)
	if err != nil {
		return domain.JourneyTemplate{}, fmt.Errorf("marshal template: %w", err)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.JourneyTemplate{}, err
	}
	defer tx.Rollback()

	if err := r.Repo.InsertTemplate(ctx, tx, tpl.ID, tpl.Version, tpl.JourneyType, tpl.Status, string(def), tpl.PublishedAt); err != nil {
		return domain.JourneyTemplate{}, err
	}
	if err := r.Events.Append(ctx, tx, "template.published", tpl.ID, "template", fmt.Sprintf("%s@%d", tpl.ID, tpl.Version), actorID, events.EventPayload{
		"version":      tpl.Version,
		"journey_type": tpl.JourneyType,
	}); err != nil {
		return domain.JourneyTemplate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.JourneyTemplate{}, err
	}
	return tpl, nil
}

// Unpublish retires a specific version. Running instances keep the version
// they entered with.
func (r *Registry) Unpublish(ctx context.Context, actorID, id string, version int) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.Repo.SetTemplateStatus(ctx, tx, id, version, "unpublished"); err != nil {
		return err
	}
	if err := r.Events.Append(ctx, tx, "template.unpublished", id, "template", fmt.Sprintf("%s@%d", id, version), actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Get returns a specific template version.
func (r *Registry) Get(ctx context.Context, id string, version int) (domain.JourneyTemplate, error) {
	row, err := r.Repo.GetTemplate(ctx, id, version)
	if err != nil {
		return domain.JourneyTemplate{}, err
	}
	return decodeRow(row)
}

// Latest returns the newest stored version of the ID.
func (r *Registry) Latest(ctx context.Context, id string) (domain.JourneyTemplate, error) {
	row, err := r.Repo.GetLatestTemplate(ctx, id)
	if err != nil {
		return domain.JourneyTemplate{}, err
	}
	return decodeRow(row)
}

// Active returns the highest published version of every template, the set
// the entry scanner walks.
func (r *Registry) Active(ctx context.Context) ([]domain.JourneyTemplate, error) {
	rows, err := r.Repo.ListPublishedTemplates(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]domain.JourneyTemplate, 0, len(rows))
	for _, row := range rows {
		tpl, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		res = append(res, tpl)
	}
	return res, nil
}

// List returns all stored versions matching the filters.
func (r *Registry) List(ctx context.Context, f repo.TemplateFilters) ([]domain.JourneyTemplate, error) {
	rows, err := r.Repo.ListTemplates(ctx, f)
	if err != nil {
		return nil, err
	}
	res := make([]domain.JourneyTemplate, 0, len(rows))
	for _, row := range rows {
		tpl, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		res = append(res, tpl)
	}
	return res, nil
}

func decodeRow(row repo.TemplateRow) (domain.JourneyTemplate, error) {
	var tpl domain.JourneyTemplate
	if err := json.Unmarshal([]byte(row.DefinitionJSON), &tpl); err != nil {
		return tpl, fmt.Errorf("decode template %s@%d: %w", row.ID, row.Version, err)
	}
	tpl.Version = row.Version
	tpl.Status = row.Status
	tpl.PublishedAt = row.PublishedAt
	return tpl, nil
}

// Validate checks a template definition for structural problems. All problems
// are collected and returned together.
func (r *Registry) Validate(tpl domain.JourneyTemplate) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(tpl.ID) == "" {
		add("journey_id is required")
	}
	if strings.TrimSpace(tpl.Name) == "" {
		add("journey_name is required")
	}
	if strings.TrimSpace(tpl.JourneyType) == "" {
		add("journey_type is required")
	}
	if tpl.CoolDownDays < 0 {
		add("cool_down_days must be >= 0")
	}
	if len(tpl.DecisionPoints) == 0 {
		add("at least one decision point is required")
	}
	if len(tpl.Channels) == 0 {
		add("at least one channel is required")
	}
	for _, ch := range tpl.Channels {
		if r.Config != nil && !r.Config.KnownChannel(ch) {
			add("channel %s is not configured", ch)
		}
	}

	prevOffset := -1
	for i, pt := range tpl.DecisionPoints {
		if pt.OffsetDays < 0 {
			add("point %d: offset_days must be >= 0", i)
		}
		if pt.OffsetDays < prevOffset {
			add("point %d: offset_days must not decrease", i)
		}
		prevOffset = pt.OffsetDays

		switch pt.Kind {
		case domain.KindScoreAndBranch:
			if strings.TrimSpace(pt.ScoreName) == "" {
				add("point %d: score_name is required", i)
			}
			if pt.Thresholds.High < pt.Thresholds.Medium {
				add("point %d: thresholds.high must be >= thresholds.medium", i)
			}
			if !validTier(pt.DefaultTier) {
				add("point %d: default_tier must be high, medium or low", i)
			}
			if len(pt.BranchRules) == 0 {
				add("point %d: branch_rules are required", i)
			}
			seen := map[string]bool{}
			for j, rule := range pt.BranchRules {
				if !validTier(rule.Tier) {
					add("point %d rule %d: unknown tier %q", i, j, rule.Tier)
				}
				if seen[rule.Tier] {
					add("point %d rule %d: duplicate tier %s", i, j, rule.Tier)
				}
				seen[rule.Tier] = true
				problems = append(problems, validateTransition(i, j, len(tpl.DecisionPoints), rule.Transition)...)
			}
			for _, tier := range []string{domain.TierHigh, domain.TierMedium, domain.TierLow} {
				if !seen[tier] {
					add("point %d: no branch rule for tier %s", i, tier)
				}
			}
		case domain.KindRetentionOffer:
			if len(pt.Offers) == 0 {
				add("point %d: retention_offer needs at least one offer", i)
			}
			for j, offer := range pt.Offers {
				if strings.TrimSpace(offer.Type) == "" {
					add("point %d offer %d: type is required", i, j)
				}
				if offer.Cost < 0 {
					add("point %d offer %d: cost must be >= 0", i, j)
				}
			}
		case domain.KindChannelDispatch:
			if strings.TrimSpace(pt.ActionTemplateID) == "" {
				add("point %d: channel_dispatch requires action_template_id", i)
			}
			// urgency optional, defaults normal
			if pt.Urgency != "" && pt.Urgency != "normal" && pt.Urgency != "high" {
				add("point %d: urgency must be normal or high", i)
			}
		case domain.KindExit:
			// nothing beyond offset ordering
		default:
			add("point %d: unknown kind %q", i, pt.Kind)
		}
	}

	if len(tpl.Variants) == 1 {
		add("variants must list at least two entries or none")
	}
	totalWeight := 0
	seenVariant := map[string]bool{}
	for i, v := range tpl.Variants {
		if strings.TrimSpace(v.ID) == "" {
			add("variant %d: id is required", i)
		}
		if seenVariant[v.ID] {
			add("variant %d: duplicate id %s", i, v.ID)
		}
		seenVariant[v.ID] = true
		if v.Weight <= 0 {
			add("variant %d: weight must be > 0", i)
		}
		totalWeight += v.Weight
	}
	if len(tpl.Variants) > 1 && totalWeight <= 0 {
		add("variant weights must sum to a positive value")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validTier(t string) bool {
	return t == domain.TierHigh || t == domain.TierMedium || t == domain.TierLow
}

func validateTransition(pointIdx, ruleIdx, numPoints int, tr domain.Transition) []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	switch tr.Kind {
	case domain.TransitionNext:
	case domain.TransitionGoto:
		if tr.GotoIndex == nil {
			add("point %d rule %d: goto requires goto_index", pointIdx, ruleIdx)
		} else if *tr.GotoIndex <= pointIdx || *tr.GotoIndex >= numPoints {
			add("point %d rule %d: goto_index %d must point at a later decision point", pointIdx, ruleIdx, *tr.GotoIndex)
		}
	case domain.TransitionExitJourney:
		if strings.TrimSpace(tr.ExitJourneyID) == "" {
			add("point %d rule %d: exit_journey requires exit_journey_id", pointIdx, ruleIdx)
		}
	case domain.TransitionTerminal:
		if tr.TerminalStatus != domain.StatusCompleted && tr.TerminalStatus != domain.StatusExited {
			add("point %d rule %d: terminal_status must be completed or exited", pointIdx, ruleIdx)
		}
	default:
		add("point %d rule %d: unknown transition kind %q", pointIdx, ruleIdx, tr.Kind)
	}
	return problems
}
