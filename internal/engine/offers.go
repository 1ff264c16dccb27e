package engine

import (
	"context"

	"waypoint/internal/domain"
)

// liftModelPrefix namespaces per-offer lift models on the scoring service.
const liftModelPrefix = "retention_lift:"

// defaultSubjectValue is assumed when the feature vector carries no
// subject_value.
const defaultSubjectValue = 100.0

// OfferDecision is the outcome of evaluating a retention_offer point.
type OfferDecision struct {
	Offer domain.CandidateOffer `json:"offer"`
	// Forced is set when a non-positive expected value was overridden by
	// the template's always_offer flag.
	Forced     bool                    `json:"forced,omitempty"`
	Candidates []domain.CandidateOffer `json:"candidates,omitempty"`
	Degraded   bool                    `json:"degraded,omitempty"`
}

// SelectOffer scores each candidate's predicted retention lift and picks the
// highest expected value: lift times subject value minus offer cost. A
// non-positive best EV yields no offer unless the point forces one.
func (e Engine) SelectOffer(ctx context.Context, pt domain.DecisionPoint, features map[string]float64) OfferDecision {
	subjectValue := features["subject_value"]
	if subjectValue <= 0 {
		subjectValue = defaultSubjectValue
	}

	decision := OfferDecision{Offer: domain.CandidateOffer{Type: domain.OfferNone}}
	var best *domain.CandidateOffer
	for _, offer := range pt.Offers {
		score, err := e.Scoring.Score(ctx, liftModelPrefix+offer.Type, features)
		if err != nil {
			decision.Degraded = true
			continue
		}
		offer.PredictedLift = score.Value
		offer.ExpectedValue = score.Value*subjectValue - offer.Cost
		decision.Candidates = append(decision.Candidates, offer)
		if best == nil || offer.ExpectedValue > best.ExpectedValue {
			o := offer
			best = &o
		}
	}
	if best == nil {
		return decision
	}
	if best.ExpectedValue <= 0 && !pt.AlwaysOffer {
		return decision
	}
	decision.Offer = *best
	decision.Forced = best.ExpectedValue <= 0
	return decision
}
