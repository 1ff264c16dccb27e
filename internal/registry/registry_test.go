package registry_test

import (
	"context"
	"strings"
	"testing"

	"waypoint/internal/config"
	"waypoint/internal/db"
	"waypoint/internal/domain"
	"waypoint/internal/migrate"
	"waypoint/internal/registry"
)

func newRegistry(t *testing.T) (*registry.Registry, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return registry.New(conn, config.Default("engine-1")), context.Background()
}

func validTemplate() domain.JourneyTemplate {
	return domain.JourneyTemplate{
		ID:             "onboarding-v1",
		Name:           "Onboarding",
		JourneyType:    "onboarding",
		EntryPredicate: "days_since_login >= 7",
		Channels:       []string{"email"},
		DecisionPoints: []domain.DecisionPoint{
			{
				Kind:        domain.KindScoreAndBranch,
				ScoreName:   "engagement",
				Thresholds:  domain.TierThresholds{High: 70, Medium: 40},
				DefaultTier: domain.TierMedium,
				BranchRules: []domain.BranchRule{
					{Tier: domain.TierHigh, Transition: domain.Transition{Kind: domain.TransitionNext}},
					{Tier: domain.TierMedium, Transition: domain.Transition{Kind: domain.TransitionNext}},
					{Tier: domain.TierLow, Transition: domain.Transition{Kind: domain.TransitionNext}},
				},
			},
		},
	}
}

func TestPublishAssignsVersions(t *testing.T) {
	reg, ctx := newRegistry(t)
	tpl, err := reg.Publish(ctx, "tester", validTemplate())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if tpl.Version != 1 {
		t.Fatalf("version = %d, want 1", tpl.Version)
	}
	tpl, err = reg.Publish(ctx, "tester", validTemplate())
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if tpl.Version != 2 {
		t.Fatalf("version = %d, want 2", tpl.Version)
	}
	// The old version stays readable for running instances.
	old, err := reg.Get(ctx, "onboarding-v1", 1)
	if err != nil || old.Version != 1 {
		t.Fatalf("get v1: %v (%+v)", err, old)
	}
	// Active() surfaces only the latest published version.
	active, err := reg.Active(ctx)
	if err != nil || len(active) != 1 || active[0].Version != 2 {
		t.Fatalf("active = %+v (%v)", active, err)
	}
}

func TestPublishRejectsInvalidTemplates(t *testing.T) {
	reg, ctx := newRegistry(t)

	cases := []struct {
		name   string
		mutate func(*domain.JourneyTemplate)
		want   string
	}{
		{"missing id", func(tpl *domain.JourneyTemplate) { tpl.ID = "" }, "journey_id"},
		{"no points", func(tpl *domain.JourneyTemplate) { tpl.DecisionPoints = nil }, "decision point"},
		{"unknown channel", func(tpl *domain.JourneyTemplate) { tpl.Channels = []string{"fax"} }, "fax"},
		{"decreasing offsets", func(tpl *domain.JourneyTemplate) {
			tpl.DecisionPoints = append(tpl.DecisionPoints, tpl.DecisionPoints[0])
			tpl.DecisionPoints[0].OffsetDays = 5
			tpl.DecisionPoints[1].OffsetDays = 2
		}, "must not decrease"},
		{"missing tier rule", func(tpl *domain.JourneyTemplate) {
			tpl.DecisionPoints[0].BranchRules = tpl.DecisionPoints[0].BranchRules[:2]
		}, "no branch rule for tier low"},
		{"backward goto", func(tpl *domain.JourneyTemplate) {
			zero := 0
			tpl.DecisionPoints[0].BranchRules[0].Transition = domain.Transition{Kind: domain.TransitionGoto, GotoIndex: &zero}
		}, "goto_index"},
		{"single variant", func(tpl *domain.JourneyTemplate) {
			tpl.Variants = []domain.Variant{{ID: "only", Weight: 100}}
		}, "at least two"},
		{"zero weight", func(tpl *domain.JourneyTemplate) {
			tpl.Variants = []domain.Variant{{ID: "a", Weight: 0}, {ID: "b", Weight: 1}}
		}, "weight"},
	}
	for _, c := range cases {
		tpl := validTemplate()
		c.mutate(&tpl)
		_, err := reg.Publish(ctx, "tester", tpl)
		if err == nil {
			t.Errorf("%s: publish accepted invalid template", c.name)
			continue
		}
		if !registry.IsValidation(err) {
			t.Errorf("%s: error is not a validation error: %v", c.name, err)
		}
		if !strings.Contains(err.Error(), c.want) {
			t.Errorf("%s: error %q does not mention %q", c.name, err, c.want)
		}
	}
}

func TestUnpublishRetiresVersion(t *testing.T) {
	reg, ctx := newRegistry(t)
	tpl, err := reg.Publish(ctx, "tester", validTemplate())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := reg.Unpublish(ctx, "tester", tpl.ID, tpl.Version); err != nil {
		t.Fatalf("unpublish: %v", err)
	}
	active, err := reg.Active(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active = %+v, want empty", active)
	}
	// The version itself is still retrievable.
	got, err := reg.Get(ctx, tpl.ID, tpl.Version)
	if err != nil || got.Status != "unpublished" {
		t.Fatalf("get after unpublish: %v (%+v)", err, got)
	}
}
