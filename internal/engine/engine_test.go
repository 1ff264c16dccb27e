package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"waypoint/internal/config"
	"waypoint/internal/db"
	"waypoint/internal/dispatch"
	"waypoint/internal/domain"
	"waypoint/internal/engine"
	"waypoint/internal/features"
	"waypoint/internal/migrate"
	"waypoint/internal/repo"
	"waypoint/internal/scoring"
)

func repoFilter(subjectID string) repo.InstanceFilters {
	return repo.InstanceFilters{SubjectID: subjectID}
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("engine-1")
	eng := engine.New(conn, cfg)
	fixed := func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	eng.Now = fixed
	eng.Events.Now = fixed
	eng.Registry.Now = fixed
	return &testEnv{Engine: eng, Ctx: context.Background()}
}

type fakeScorer struct {
	fn func(model string, features map[string]float64) (scoring.Score, error)
}

func (s fakeScorer) Score(ctx context.Context, model string, features map[string]float64) (scoring.Score, error) {
	return s.fn(model, features)
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatch.Request
	// failures maps channel to remaining failures; -1 fails forever.
	failures map[string]int
	nextID   int
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, req)
	if n, ok := d.failures[req.Channel]; ok && n != 0 {
		if n > 0 {
			d.failures[req.Channel] = n - 1
		}
		return dispatch.Result{}, fmt.Errorf("%w: provider down", dispatch.ErrFailed)
	}
	d.nextID++
	return dispatch.Result{Status: "sent", MessageID: fmt.Sprintf("msg-%d", d.nextID)}, nil
}

// slowDispatcher holds every delivery open long enough for a racing worker
// to reach the same decision point.
type slowDispatcher struct {
	fakeDispatcher
	delay time.Duration
}

func (d *slowDispatcher) Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	time.Sleep(d.delay)
	return d.fakeDispatcher.Dispatch(ctx, req)
}

func nextRule(tier string) domain.BranchRule {
	return domain.BranchRule{Tier: tier, Transition: domain.Transition{Kind: domain.TransitionNext}}
}

func scoreTemplate(id string) domain.JourneyTemplate {
	return domain.JourneyTemplate{
		ID:             id,
		Name:           "Onboarding nurture",
		JourneyType:    "onboarding",
		EntryPredicate: "days_since_login >= 7",
		CoolDownDays:   30,
		Channels:       []string{"email", "push"},
		DecisionPoints: []domain.DecisionPoint{
			{
				OffsetDays:  0,
				Kind:        domain.KindScoreAndBranch,
				ScoreName:   engine.EngagementScoreName,
				Thresholds:  domain.TierThresholds{High: 70, Medium: 40},
				DefaultTier: domain.TierMedium,
				BranchRules: []domain.BranchRule{
					nextRule(domain.TierHigh),
					{Tier: domain.TierMedium, ActionTemplateID: "nudge-email", Transition: domain.Transition{Kind: domain.TransitionNext}},
					nextRule(domain.TierLow),
				},
			},
			{OffsetDays: 0, Kind: domain.KindExit},
		},
	}
}

func (env *testEnv) publish(t *testing.T, tpl domain.JourneyTemplate) domain.JourneyTemplate {
	t.Helper()
	out, err := env.Engine.Registry.Publish(env.Ctx, "tester", tpl)
	if err != nil {
		t.Fatalf("publish %s: %v", tpl.ID, err)
	}
	return out
}

func (env *testEnv) seedFeature(t *testing.T, subjectID, name string, value float64) {
	t.Helper()
	now := env.Engine.Now().UTC().Format(time.RFC3339)
	if err := env.Engine.Repo.UpsertSubjectFeature(env.Ctx, subjectID, name, value, now); err != nil {
		t.Fatalf("seed feature: %v", err)
	}
}

func (env *testEnv) enter(t *testing.T, tpl domain.JourneyTemplate, subjectID string) domain.JourneyInstance {
	t.Helper()
	env.seedFeature(t, subjectID, "days_since_login", 10)
	report, err := env.Engine.Scan(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Entered == 0 {
		t.Fatalf("scan entered nothing: %+v", report)
	}
	instances, err := env.Engine.Repo.ListInstances(env.Ctx, repoFilter(subjectID))
	if err != nil || len(instances) == 0 {
		t.Fatalf("list instances: %v", err)
	}
	return instances[0]
}

func TestEngagementScoreFormula(t *testing.T) {
	feats := map[string]float64{
		"login_days":          3,
		"features_used":       2,
		"workflows_completed": 1,
		"max_session_minutes": 45,
	}
	// 30 + 10 + 20 + min(45,30) = 90
	if got := engine.EngagementScore(feats); got != 90 {
		t.Fatalf("score = %v, want 90", got)
	}
	// clamp at 100
	feats["workflows_completed"] = 10
	if got := engine.EngagementScore(feats); got != 100 {
		t.Fatalf("score = %v, want 100", got)
	}
	if got := engine.EngagementScore(map[string]float64{}); got != 0 {
		t.Fatalf("empty score = %v, want 0", got)
	}

	// A freshly activated subject: 50 + 20 + 20 + min(40,30) clamps to 100,
	// landing in the high tier.
	active := map[string]float64{
		"login_days":          5,
		"features_used":       4,
		"workflows_completed": 1,
		"max_session_minutes": 40,
	}
	got := engine.EngagementScore(active)
	if got != 100 {
		t.Fatalf("score = %v, want 100", got)
	}
	if tier := engine.BucketTier(got, domain.TierThresholds{High: 70, Medium: 40}); tier != domain.TierHigh {
		t.Fatalf("tier = %s, want high", tier)
	}
}

func TestTierBucketingTiesLandLower(t *testing.T) {
	th := domain.TierThresholds{High: 70, Medium: 40}
	cases := []struct {
		score float64
		want  string
	}{
		{71, domain.TierHigh},
		{70, domain.TierMedium}, // exactly on the boundary
		{41, domain.TierMedium},
		{40, domain.TierLow},
		{0, domain.TierLow},
	}
	for _, c := range cases {
		if got := engine.BucketTier(c.score, th); got != c.want {
			t.Errorf("BucketTier(%v) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestScanEntryAndDedup(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, scoreTemplate("onboarding-v1"))
	env.seedFeature(t, "sub-1", "days_since_login", 10)
	env.seedFeature(t, "sub-2", "days_since_login", 3) // below predicate

	report, err := env.Engine.Scan(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Entered != 1 {
		t.Fatalf("entered = %d, want 1: %+v", report.Entered, report)
	}

	// Second scan must not create a duplicate while the instance is active.
	report, err = env.Engine.Scan(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if report.Entered != 0 || report.SkippedActive != 1 {
		t.Fatalf("rescan entered=%d skippedActive=%d, want 0/1", report.Entered, report.SkippedActive)
	}
}

func TestScanCooldownBlocksReentry(t *testing.T) {
	env := newTestEnv(t)
	tpl := env.publish(t, scoreTemplate("onboarding-v1"))
	inst := env.enter(t, tpl, "sub-1")

	if _, err := env.Engine.Cancel(env.Ctx, "tester", inst.ID, "test"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	report, err := env.Engine.Scan(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.SkippedCooldown != 1 || report.Entered != 0 {
		t.Fatalf("cooldown not applied: %+v", report)
	}

	// Past the cooldown window the subject is eligible again.
	env.Engine.Now = func() time.Time { return time.Date(2024, 4, 15, 12, 0, 0, 0, time.UTC) }
	report, err = env.Engine.Scan(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("late scan: %v", err)
	}
	if report.Entered != 1 {
		t.Fatalf("expected re-entry after cooldown: %+v", report)
	}
}

func TestTickFiresDuePointOnce(t *testing.T) {
	env := newTestEnv(t)
	tpl := env.publish(t, scoreTemplate("onboarding-v1"))
	inst := env.enter(t, tpl, "sub-1")
	// engagement: 2*10 + 1*5 + 0 + 10 = 35 -> low tier, no dispatch
	env.seedFeature(t, "sub-1", "login_days", 2)
	env.seedFeature(t, "sub-1", "features_used", 1)
	env.seedFeature(t, "sub-1", "max_session_minutes", 10)

	report, err := env.Engine.Tick(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Fired != 1 {
		t.Fatalf("fired = %d, want 1: %+v", report.Fired, report)
	}
	records, err := env.Engine.Repo.ListDecisionRecords(env.Ctx, inst.ID)
	if err != nil || len(records) != 1 {
		t.Fatalf("records = %d (%v), want 1", len(records), err)
	}
	if records[0].Tier != domain.TierLow {
		t.Fatalf("tier = %s, want low", records[0].Tier)
	}
	fresh, err := env.Engine.Repo.GetInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if fresh.Cursor != 1 || fresh.Version != inst.Version+1 {
		t.Fatalf("cursor=%d version=%d, want 1/%d", fresh.Cursor, fresh.Version, inst.Version+1)
	}

	// The second point is an exit; the instance ends there.
	if _, err := env.Engine.Tick(env.Ctx, "tester"); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	fresh, _ = env.Engine.Repo.GetInstance(env.Ctx, inst.ID)
	if fresh.Status != domain.StatusExited {
		t.Fatalf("status = %s, want exited", fresh.Status)
	}
}

func TestAtMostOncePerCursor(t *testing.T) {
	env := newTestEnv(t)
	tpl := env.publish(t, scoreTemplate("onboarding-v1"))
	inst := env.enter(t, tpl, "sub-1")

	// Simulate a crashed firing that committed its record but never moved
	// the cursor.
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = env.Engine.Repo.InsertDecisionRecord(env.Ctx, tx, domain.DecisionRecord{
		ID:            "rec-ghost",
		InstanceID:    inst.ID,
		PointIndex:    0,
		FiredAt:       "2024-03-01T11:59:00Z",
		OutcomeStatus: "sent",
	})
	if err != nil {
		t.Fatalf("insert record: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	report, err := env.Engine.Tick(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Fired != 0 || report.Skipped != 1 {
		t.Fatalf("fired=%d skipped=%d, want 0/1", report.Fired, report.Skipped)
	}
	records, _ := env.Engine.Repo.ListDecisionRecords(env.Ctx, inst.ID)
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1 (no re-fire)", len(records))
	}
	fresh, _ := env.Engine.Repo.GetInstance(env.Ctx, inst.ID)
	if fresh.Cursor != 1 {
		t.Fatalf("cursor = %d, want 1", fresh.Cursor)
	}
}

func TestDegradedScoringFallsBackToDefaultTier(t *testing.T) {
	env := newTestEnv(t)
	tpl := scoreTemplate("churn-watch")
	tpl.DecisionPoints[0].ScoreName = "churn_risk"
	tpl.DecisionPoints[0].DefaultTier = domain.TierMedium
	tpl = env.publish(t, tpl)
	inst := env.enter(t, tpl, "sub-1")

	env.Engine.Scoring = fakeScorer{fn: func(model string, features map[string]float64) (scoring.Score, error) {
		return scoring.Score{}, fmt.Errorf("%w: timeout", scoring.ErrUnavailable)
	}}

	report, err := env.Engine.Tick(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Fired != 1 {
		t.Fatalf("fired = %d, want 1: %+v", report.Fired, report)
	}
	records, _ := env.Engine.Repo.ListDecisionRecords(env.Ctx, inst.ID)
	if len(records) != 1 || !records[0].Degraded {
		t.Fatalf("expected one degraded record, got %+v", records)
	}
	if records[0].Tier != domain.TierMedium {
		t.Fatalf("tier = %s, want default medium", records[0].Tier)
	}
	fresh, _ := env.Engine.Repo.GetInstance(env.Ctx, inst.ID)
	if fresh.Cursor != 1 {
		t.Fatalf("degraded firing must still advance: cursor = %d", fresh.Cursor)
	}
}

func TestOfferSelectionMaxExpectedValue(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Scoring = fakeScorer{fn: func(model string, features map[string]float64) (scoring.Score, error) {
		switch model {
		case "retention_lift:discount":
			return scoring.Score{Value: 0.40, Confidence: 0.9}, nil
		case "retention_lift:concierge":
			return scoring.Score{Value: 0.10, Confidence: 0.9}, nil
		}
		return scoring.Score{}, fmt.Errorf("unknown model %s", model)
	}}
	pt := domain.DecisionPoint{
		Kind: domain.KindRetentionOffer,
		Offers: []domain.CandidateOffer{
			{Type: "discount", Cost: 10},
			{Type: "concierge", Cost: 2},
		},
	}
	features := map[string]float64{"subject_value": 100}

	// discount: 0.40*100-10 = 30; concierge: 0.10*100-2 = 8
	decision := env.Engine.SelectOffer(env.Ctx, pt, features)
	if decision.Offer.Type != "discount" {
		t.Fatalf("offer = %s, want discount", decision.Offer.Type)
	}
	if decision.Offer.ExpectedValue != 30 {
		t.Fatalf("EV = %v, want 30", decision.Offer.ExpectedValue)
	}
}

func TestOfferNeverNegativeUnlessForced(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Scoring = fakeScorer{fn: func(model string, features map[string]float64) (scoring.Score, error) {
		return scoring.Score{Value: 0.01, Confidence: 0.9}, nil
	}}
	pt := domain.DecisionPoint{
		Kind:   domain.KindRetentionOffer,
		Offers: []domain.CandidateOffer{{Type: "discount", Cost: 50}},
	}
	features := map[string]float64{"subject_value": 100}

	// best EV is 0.01*100-50 = -49
	decision := env.Engine.SelectOffer(env.Ctx, pt, features)
	if decision.Offer.Type != domain.OfferNone {
		t.Fatalf("offer = %s, want none", decision.Offer.Type)
	}

	pt.AlwaysOffer = true
	decision = env.Engine.SelectOffer(env.Ctx, pt, features)
	if decision.Offer.Type != "discount" || !decision.Forced {
		t.Fatalf("forced offer expected, got %+v", decision)
	}
}

func TestOfferAllNonPositiveReturnsNone(t *testing.T) {
	env := newTestEnv(t)
	lifts := map[string]float64{
		"retention_lift:discount": 0.10,
		"retention_lift:upgrade":  0.04,
		"retention_lift:none":     0,
	}
	env.Engine.Scoring = fakeScorer{fn: func(model string, features map[string]float64) (scoring.Score, error) {
		return scoring.Score{Value: lifts[model], Confidence: 0.9}, nil
	}}
	pt := domain.DecisionPoint{
		Kind: domain.KindRetentionOffer,
		Offers: []domain.CandidateOffer{
			{Type: "discount", Cost: 300},
			{Type: "upgrade", Cost: 150},
			{Type: "none", Cost: 0},
		},
	}

	// EVs at subject_value 2000: -100, -70 and 0. The best is the zero, and
	// zero is still no offer.
	decision := env.Engine.SelectOffer(env.Ctx, pt, map[string]float64{"subject_value": 2000})
	if decision.Offer.Type != domain.OfferNone {
		t.Fatalf("offer = %s, want none", decision.Offer.Type)
	}
	if decision.Forced {
		t.Fatalf("nothing forced this selection: %+v", decision)
	}
}

func TestChannelSelection(t *testing.T) {
	env := newTestEnv(t)

	// No history: default channel, zero confidence.
	choice, err := env.Engine.SelectChannel(env.Ctx, "sub-new", []string{"email", "push"}, "normal")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if choice.Channel != "email" || choice.Confidence != 0 {
		t.Fatalf("cold start choice = %+v, want email/0", choice)
	}
	// Urgency weights only scale observed rates; with zero history the
	// default still wins at confidence 0.
	choice, err = env.Engine.SelectChannel(env.Ctx, "sub-new", []string{"email", "push"}, "high")
	if err != nil {
		t.Fatalf("select urgent: %v", err)
	}
	if choice.Channel != "email" || choice.Confidence != 0 {
		t.Fatalf("urgent cold start choice = %+v, want email/0", choice)
	}

	// Seed history: push clicks better than email.
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	now := "2024-03-01T12:00:00Z"
	for i := 0; i < 10; i++ {
		if err := env.Engine.Repo.RecordSent(env.Ctx, tx, "sub-1", "email", now); err != nil {
			t.Fatal(err)
		}
		if err := env.Engine.Repo.RecordSent(env.Ctx, tx, "sub-1", "push", now); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.Engine.Repo.RecordClicked(env.Ctx, tx, "sub-1", "email", now); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := env.Engine.Repo.RecordClicked(env.Ctx, tx, "sub-1", "push", now); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	choice, err = env.Engine.SelectChannel(env.Ctx, "sub-1", []string{"email", "push"}, "normal")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if choice.Channel != "push" {
		t.Fatalf("channel = %s, want push", choice.Channel)
	}
	if choice.Confidence != 0.5 { // 10 sends / 20
		t.Fatalf("confidence = %v, want 0.5", choice.Confidence)
	}

	// High urgency boosts push further (1.5x by default config).
	choice, err = env.Engine.SelectChannel(env.Ctx, "sub-1", []string{"email", "push"}, "high")
	if err != nil || choice.Channel != "push" {
		t.Fatalf("urgent choice = %+v (%v), want push", choice, err)
	}
	if choice.EngagementRate != 0.3*1.5 {
		t.Fatalf("rate = %v, want 0.45", choice.EngagementRate)
	}
}

func TestVariantAssignmentDeterministic(t *testing.T) {
	variants := []domain.Variant{{ID: "control", Weight: 50}, {ID: "treatment", Weight: 50}}
	first := engine.AssignVariant("tpl-1", "sub-1", variants)
	for i := 0; i < 20; i++ {
		if got := engine.AssignVariant("tpl-1", "sub-1", variants); got != first {
			t.Fatalf("assignment not deterministic: %s vs %s", got, first)
		}
	}
	// Across many subjects both variants should appear.
	seen := map[string]int{}
	for i := 0; i < 200; i++ {
		seen[engine.AssignVariant("tpl-1", fmt.Sprintf("sub-%d", i), variants)]++
	}
	if seen["control"] == 0 || seen["treatment"] == 0 {
		t.Fatalf("lopsided split: %+v", seen)
	}
}

func TestVariantReportSignificance(t *testing.T) {
	env := newTestEnv(t)
	seed := func(variant string, exposures, conversions int) {
		tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < exposures; i++ {
			if err := env.Engine.Repo.BumpVariantExposure(env.Ctx, tx, "tpl-1", variant); err != nil {
				t.Fatal(err)
			}
		}
		for i := 0; i < conversions; i++ {
			if err := env.Engine.Repo.BumpVariantConversion(env.Ctx, tx, "tpl-1", variant); err != nil {
				t.Fatal(err)
			}
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	seed("control", 600, 60)
	seed("treatment", 400, 80)

	// treatment is under the 500 minimum: no winner yet.
	report, err := env.Engine.VariantReport(env.Ctx, "tpl-1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Significant || report.Winner != "" {
		t.Fatalf("under-sampled report must not declare a winner: %+v", report)
	}

	seed("treatment", 200, 40) // now 600 exposures, 120 conversions (20%)
	report, err = env.Engine.VariantReport(env.Ctx, "tpl-1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	// 20% vs 10% at n=600 each is far beyond the 1.96 threshold.
	if !report.Significant || report.Winner != "treatment" {
		t.Fatalf("expected treatment to win: %+v", report)
	}
}

func TestCrossJourneyTransitionCreatesChild(t *testing.T) {
	env := newTestEnv(t)
	// The child journey's predicate never matches at scan time; it is
	// reachable only through the transition.
	child := scoreTemplate("winback-v1")
	child.JourneyType = "winback"
	child.EntryPredicate = "inactive_days >= 9999"
	env.publish(t, child)

	parent := scoreTemplate("onboarding-v1")
	parent.DecisionPoints[0].BranchRules = []domain.BranchRule{
		{Tier: domain.TierHigh, Transition: domain.Transition{Kind: domain.TransitionNext}},
		{Tier: domain.TierMedium, Transition: domain.Transition{Kind: domain.TransitionNext}},
		{Tier: domain.TierLow, Transition: domain.Transition{Kind: domain.TransitionExitJourney, ExitJourneyID: "winback-v1"}},
	}
	env.publish(t, parent)

	env.seedFeature(t, "sub-1", "days_since_login", 10)
	if _, err := env.Engine.Scan(env.Ctx, "tester"); err != nil {
		t.Fatalf("scan: %v", err)
	}
	instances, _ := env.Engine.Repo.ListInstances(env.Ctx, repoFilter("sub-1"))
	var parentInst domain.JourneyInstance
	for _, inst := range instances {
		if inst.TemplateID == "onboarding-v1" {
			parentInst = inst
		}
	}
	if parentInst.ID == "" {
		t.Fatalf("parent instance not found in %+v", instances)
	}

	// Low engagement fires the exit_journey branch.
	if _, err := env.Engine.Tick(env.Ctx, "tester"); err != nil {
		t.Fatalf("tick: %v", err)
	}

	fresh, _ := env.Engine.Repo.GetInstance(env.Ctx, parentInst.ID)
	if fresh.Status != domain.StatusTransitioned {
		t.Fatalf("parent status = %s, want transitioned", fresh.Status)
	}
	instances, _ = env.Engine.Repo.ListInstances(env.Ctx, repoFilter("sub-1"))
	var childInst *domain.JourneyInstance
	for i, inst := range instances {
		if inst.JourneyType == "winback" && inst.Status == domain.StatusActive {
			childInst = &instances[i]
		}
	}
	if childInst == nil {
		t.Fatalf("child instance not created: %+v", instances)
	}
	if childInst.ParentInstanceID == nil || *childInst.ParentInstanceID != parentInst.ID {
		t.Fatalf("child lineage missing: %+v", childInst)
	}
}

type failingFeatures struct{}

func (failingFeatures) SubjectFeatures(ctx context.Context, subjectID string, lookbackDays int) (map[string]float64, error) {
	return nil, &features.QueryError{Op: "subject features", Err: errors.New("store down")}
}

func (failingFeatures) QualifyingSubjects(ctx context.Context, predicate string) ([]string, error) {
	return nil, &features.QueryError{Op: "qualifying subjects", Err: errors.New("store down")}
}

func TestFeatureStoreFailureSkipsTickAndAlerts(t *testing.T) {
	env := newTestEnv(t)
	tpl := env.publish(t, scoreTemplate("onboarding-v1"))
	inst := env.enter(t, tpl, "sub-1")

	env.Engine.Features = failingFeatures{}
	for i := 0; i < 3; i++ {
		report, err := env.Engine.Tick(env.Ctx, "tester")
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if report.Skipped != 1 || report.Fired != 0 {
			t.Fatalf("tick %d: skipped=%d fired=%d, want 1/0", i, report.Skipped, report.Fired)
		}
	}
	fresh, _ := env.Engine.Repo.GetInstance(env.Ctx, inst.ID)
	if fresh.Cursor != 0 {
		t.Fatalf("cursor moved on failed tick: %d", fresh.Cursor)
	}
	if fresh.FailStreak != 3 {
		t.Fatalf("fail_streak = %d, want 3", fresh.FailStreak)
	}
	alerts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "alert.critical", "", "")
	if err != nil || len(alerts) != 1 {
		t.Fatalf("critical alerts = %d (%v), want 1", len(alerts), err)
	}

	// Recovery resets the streak.
	env.Engine.Features = features.LocalSource{Repo: env.Engine.Repo}
	if _, err := env.Engine.Tick(env.Ctx, "tester"); err != nil {
		t.Fatalf("recovery tick: %v", err)
	}
	fresh, _ = env.Engine.Repo.GetInstance(env.Ctx, inst.ID)
	if fresh.FailStreak != 0 || fresh.Cursor != 1 {
		t.Fatalf("streak=%d cursor=%d, want 0/1", fresh.FailStreak, fresh.Cursor)
	}
}

func TestDispatchRetryThenFallbackChannel(t *testing.T) {
	env := newTestEnv(t)
	tpl := scoreTemplate("onboarding-v1")
	// medium tier dispatches nudge-email; push is preferred via history below
	tpl.DecisionPoints[0].BranchRules[1].ActionTemplateID = "nudge-email"
	tpl = env.publish(t, tpl)
	inst := env.enter(t, tpl, "sub-1")
	// engagement 50 -> medium
	env.seedFeature(t, "sub-1", "login_days", 3)
	env.seedFeature(t, "sub-1", "features_used", 2)
	env.seedFeature(t, "sub-1", "max_session_minutes", 10)

	// email (the default, chosen with no history) fails twice, then the
	// fallback channel (also email here) would fail too; configure the
	// fallback to push instead.
	env.Engine.Config.Channels.Fallback = "push"
	fd := &fakeDispatcher{failures: map[string]int{"email": -1}}
	env.Engine.Dispatch = fd

	report, err := env.Engine.Tick(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Fired != 1 {
		t.Fatalf("fired = %d: %+v", report.Fired, report)
	}
	records, _ := env.Engine.Repo.ListDecisionRecords(env.Ctx, inst.ID)
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].Channel != "push" || records[0].OutcomeStatus != "sent" {
		t.Fatalf("record = %+v, want sent via push", records[0])
	}
	// two failed attempts on email, one success on push
	if len(fd.calls) != 3 {
		t.Fatalf("dispatch attempts = %d, want 3", len(fd.calls))
	}
}

func TestDispatchTotalFailureStillAdvances(t *testing.T) {
	env := newTestEnv(t)
	tpl := scoreTemplate("onboarding-v1")
	tpl.DecisionPoints[0].BranchRules[1].ActionTemplateID = "nudge-email"
	tpl = env.publish(t, tpl)
	inst := env.enter(t, tpl, "sub-1")
	env.seedFeature(t, "sub-1", "login_days", 3)
	env.seedFeature(t, "sub-1", "features_used", 2)
	env.seedFeature(t, "sub-1", "max_session_minutes", 10)

	env.Engine.Dispatch = &fakeDispatcher{failures: map[string]int{"email": -1, "push": -1}}
	if _, err := env.Engine.Tick(env.Ctx, "tester"); err != nil {
		t.Fatalf("tick: %v", err)
	}
	records, _ := env.Engine.Repo.ListDecisionRecords(env.Ctx, inst.ID)
	if len(records) != 1 || records[0].OutcomeStatus != "failed" {
		t.Fatalf("expected failed record, got %+v", records)
	}
	fresh, _ := env.Engine.Repo.GetInstance(env.Ctx, inst.ID)
	if fresh.Cursor != 1 {
		t.Fatalf("cursor = %d, want 1 (failure must not wedge the journey)", fresh.Cursor)
	}
	failEvents, _ := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "dispatch.failed", "", "")
	if len(failEvents) != 1 {
		t.Fatalf("dispatch.failed events = %d, want 1", len(failEvents))
	}
}

func TestConcurrentTicksDispatchOnce(t *testing.T) {
	env := newTestEnv(t)
	tpl := scoreTemplate("onboarding-v1")
	tpl.DecisionPoints[0].BranchRules[1].ActionTemplateID = "nudge-email"
	tpl = env.publish(t, tpl)
	inst := env.enter(t, tpl, "sub-1")
	// engagement 50 -> medium -> dispatch
	env.seedFeature(t, "sub-1", "login_days", 3)
	env.seedFeature(t, "sub-1", "features_used", 2)
	env.seedFeature(t, "sub-1", "max_session_minutes", 10)

	sd := &slowDispatcher{delay: 50 * time.Millisecond}
	env.Engine.Dispatch = sd

	// Two workers race on the same due point. The loser conflicts on the
	// claim and must never reach the dispatcher.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.Engine.Tick(env.Ctx, "worker")
		}()
	}
	wg.Wait()

	records, err := env.Engine.Repo.ListDecisionRecords(env.Ctx, inst.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	firstPoint := 0
	for _, rec := range records {
		if rec.PointIndex == 0 {
			firstPoint++
		}
	}
	if firstPoint != 1 {
		t.Fatalf("records for point 0 = %d, want 1", firstPoint)
	}
	sd.mu.Lock()
	calls := len(sd.calls)
	sd.mu.Unlock()
	if calls != 1 {
		t.Fatalf("dispatch calls = %d, want exactly one delivery", calls)
	}
}

func TestIngestOutcomeUpdatesProfilesRecordsAndVariants(t *testing.T) {
	env := newTestEnv(t)
	tpl := scoreTemplate("onboarding-v1")
	tpl.Variants = []domain.Variant{{ID: "control", Weight: 50}, {ID: "treatment", Weight: 50}}
	tpl.DecisionPoints[0].BranchRules[1].ActionTemplateID = "nudge-email"
	tpl = env.publish(t, tpl)
	inst := env.enter(t, tpl, "sub-1")
	env.seedFeature(t, "sub-1", "login_days", 3)
	env.seedFeature(t, "sub-1", "features_used", 2)
	env.seedFeature(t, "sub-1", "max_session_minutes", 10)

	if _, err := env.Engine.Tick(env.Ctx, "tester"); err != nil {
		t.Fatalf("tick: %v", err)
	}
	records, _ := env.Engine.Repo.ListDecisionRecords(env.Ctx, inst.ID)
	if len(records) != 1 || records[0].MessageID == "" {
		t.Fatalf("expected dispatched record, got %+v", records)
	}
	msgID := records[0].MessageID
	channel := records[0].Channel

	err := env.Engine.IngestOutcome(env.Ctx, "webhook", domain.OutcomeEvent{
		SubjectID: "sub-1", Channel: channel, MessageID: msgID, Kind: "clicked",
	})
	if err != nil {
		t.Fatalf("ingest clicked: %v", err)
	}
	err = env.Engine.IngestOutcome(env.Ctx, "webhook", domain.OutcomeEvent{
		SubjectID: "sub-1", Channel: channel, MessageID: msgID, Kind: "converted",
	})
	if err != nil {
		t.Fatalf("ingest converted: %v", err)
	}
	// A late low-rank signal must not regress the record.
	err = env.Engine.IngestOutcome(env.Ctx, "webhook", domain.OutcomeEvent{
		SubjectID: "sub-1", Channel: channel, MessageID: msgID, Kind: "delivered",
	})
	if err != nil {
		t.Fatalf("ingest delivered: %v", err)
	}

	profiles, _ := env.Engine.Repo.GetChannelProfiles(env.Ctx, "sub-1")
	var prof *domain.ChannelProfile
	for i := range profiles {
		if profiles[i].Channel == channel {
			prof = &profiles[i]
		}
	}
	if prof == nil || prof.SentCount != 1 || prof.ClickedCount != 1 {
		t.Fatalf("profile = %+v, want sent=1 clicked=1", prof)
	}
	records, _ = env.Engine.Repo.ListDecisionRecords(env.Ctx, inst.ID)
	if records[0].OutcomeStatus != "converted" {
		t.Fatalf("outcome = %s, want converted", records[0].OutcomeStatus)
	}
	stats, _ := env.Engine.Repo.VariantStats(env.Ctx, tpl.ID)
	total := 0
	for _, s := range stats {
		total += s.Conversions
	}
	if total != 1 {
		t.Fatalf("variant conversions = %d, want 1", total)
	}
}

func TestCancelInstance(t *testing.T) {
	env := newTestEnv(t)
	tpl := env.publish(t, scoreTemplate("onboarding-v1"))
	inst := env.enter(t, tpl, "sub-1")

	out, err := env.Engine.Cancel(env.Ctx, "tester", inst.ID, "subject opt-out")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.Status != domain.StatusExited || out.ExitReason != "subject opt-out" {
		t.Fatalf("cancelled = %+v", out)
	}
	if _, err := env.Engine.Cancel(env.Ctx, "tester", inst.ID, "again"); err == nil {
		t.Fatalf("cancelling a non-active instance must fail")
	}
}
