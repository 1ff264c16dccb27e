package engine

import (
	"context"
	"math"
	"sync"

	"waypoint/internal/domain"
	"waypoint/internal/scoring"
)

// EngagementScoreName is computed locally from the feature vector instead of
// calling the scoring service.
const EngagementScoreName = "engagement"

// ChurnScoreName is the scoring-service model whose value reads as a churn
// probability and carries a risk label in firing events.
const ChurnScoreName = "churn_risk"

// Churn risk labels derived from churn_risk scores.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// EngagementScore folds recent activity into a 0-100 composite: logins and
// feature breadth weigh lightly, completed workflows heavily, and session
// length is capped so a single marathon session cannot dominate.
func EngagementScore(features map[string]float64) float64 {
	score := features["login_days"]*10 +
		features["features_used"]*5 +
		features["workflows_completed"]*20 +
		math.Min(features["max_session_minutes"], 30)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// BucketTier maps a score onto a tier. The score must be strictly above a
// threshold to reach its tier; a score exactly on a boundary lands below it.
func BucketTier(score float64, t domain.TierThresholds) string {
	switch {
	case score > t.High:
		return domain.TierHigh
	case score > t.Medium:
		return domain.TierMedium
	default:
		return domain.TierLow
	}
}

// RiskLabel maps a churn probability onto an operator-facing label.
func RiskLabel(churn float64) string {
	switch {
	case churn >= 0.7:
		return RiskHigh
	case churn >= 0.4:
		return RiskMedium
	default:
		return RiskLow
	}
}

// scoreSet is the outcome of collecting every score a decision point needs.
type scoreSet struct {
	Scores map[string]scoring.Score
	// Degraded is set when at least one scoring call exhausted its retries.
	Degraded       bool
	DegradedReason string
}

// collectScores fetches the primary and extra scores for a decision point.
// The engagement score is computed locally; everything else hits the scoring
// service concurrently. A scoring outage degrades the set instead of failing
// the decision.
func (e Engine) collectScores(ctx context.Context, pt domain.DecisionPoint, features map[string]float64) scoreSet {
	names := make([]string, 0, 1+len(pt.ExtraScores))
	if pt.ScoreName != "" {
		names = append(names, pt.ScoreName)
	}
	names = append(names, pt.ExtraScores...)

	set := scoreSet{Scores: make(map[string]scoring.Score, len(names))}
	var remote []string
	for _, name := range names {
		if name == EngagementScoreName {
			set.Scores[name] = scoring.Score{Value: EngagementScore(features), Confidence: 1}
			continue
		}
		remote = append(remote, name)
	}
	if len(remote) == 0 {
		return set
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range remote {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			score, err := e.Scoring.Score(ctx, name, features)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				set.Degraded = true
				set.DegradedReason = err.Error()
				return
			}
			set.Scores[name] = score
		}(name)
	}
	wg.Wait()
	return set
}

// resolveTier buckets the primary score, falling back to the point's default
// tier when the score never arrived.
func resolveTier(pt domain.DecisionPoint, set scoreSet) (tier string, degraded bool) {
	score, ok := set.Scores[pt.ScoreName]
	if !ok {
		return pt.DefaultTier, true
	}
	return BucketTier(score.Value, pt.Thresholds), set.Degraded
}

// ruleForTier returns the branch rule covering the tier. Validation
// guarantees full coverage for published templates; the terminal fallback
// only protects records published before that check existed.
func ruleForTier(pt domain.DecisionPoint, tier string) domain.BranchRule {
	for _, rule := range pt.BranchRules {
		if rule.Tier == tier {
			return rule
		}
	}
	return domain.BranchRule{Tier: tier, Transition: domain.Transition{Kind: domain.TransitionNext}}
}
