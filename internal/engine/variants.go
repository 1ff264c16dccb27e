package engine

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/google/uuid"

	"waypoint/internal/domain"
)

var variantNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("waypoint://variants"))

// AssignVariant picks a variant for the subject deterministically: the same
// subject and template always land on the same variant, with long-run splits
// proportional to the configured weights. Returns "" when the template has
// no variants.
func AssignVariant(templateID, subjectID string, variants []domain.Variant) string {
	if len(variants) == 0 {
		return ""
	}
	total := 0
	for _, v := range variants {
		total += v.Weight
	}
	if total <= 0 {
		return variants[0].ID
	}
	id := uuid.NewSHA1(variantNamespace, []byte(templateID+"|"+subjectID))
	bucket := int(binary.BigEndian.Uint32(id[:4]) % uint32(total))
	for _, v := range variants {
		bucket -= v.Weight
		if bucket < 0 {
			return v.ID
		}
	}
	return variants[len(variants)-1].ID
}

// VariantReport compares conversion rates across a template's variants.
type VariantReport struct {
	TemplateID  string              `json:"template_id"`
	Variants    []VariantReportRow  `json:"variants"`
	Winner      string              `json:"winner,omitempty"`
	ZScore      float64             `json:"z_score,omitempty"`
	Significant bool                `json:"significant"`
	// UnderSampled lists variants still below the minimum sample size;
	// significance is never declared while any variant is listed.
	UnderSampled []string `json:"under_sampled,omitempty"`
}

type VariantReportRow struct {
	VariantID      string  `json:"variant_id"`
	Exposures      int     `json:"exposures"`
	Conversions    int     `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
}

// zCritical is the two-sided 95% threshold.
const zCritical = 1.96

// VariantReport runs a two-proportion z-test between the best and
// second-best variants of the template. A winner is declared only when every
// variant has reached the configured minimum sample size and |z| crosses the
// 95% threshold.
func (e Engine) VariantReport(ctx context.Context, templateID string) (VariantReport, error) {
	stats, err := e.Repo.VariantStats(ctx, templateID)
	if err != nil {
		return VariantReport{}, err
	}
	report := VariantReport{TemplateID: templateID}
	minSample := e.Config.Variants.MinSampleSize
	for _, s := range stats {
		rate := 0.0
		if s.Exposures > 0 {
			rate = float64(s.Conversions) / float64(s.Exposures)
		}
		report.Variants = append(report.Variants, VariantReportRow{
			VariantID:      s.VariantID,
			Exposures:      s.Exposures,
			Conversions:    s.Conversions,
			ConversionRate: rate,
		})
		if s.Exposures < minSample {
			report.UnderSampled = append(report.UnderSampled, s.VariantID)
		}
	}
	if len(report.Variants) < 2 || len(report.UnderSampled) > 0 {
		return report, nil
	}

	best, second := report.Variants[0], report.Variants[1]
	if second.ConversionRate > best.ConversionRate {
		best, second = second, best
	}
	for _, row := range report.Variants[2:] {
		if row.ConversionRate > best.ConversionRate {
			second = best
			best = row
		} else if row.ConversionRate > second.ConversionRate {
			second = row
		}
	}

	z := twoProportionZ(best.Conversions, best.Exposures, second.Conversions, second.Exposures)
	report.ZScore = z
	if math.Abs(z) >= zCritical {
		report.Significant = true
		report.Winner = best.VariantID
	}
	return report, nil
}

// twoProportionZ computes the pooled two-proportion z statistic.
func twoProportionZ(x1, n1, x2, n2 int) float64 {
	if n1 == 0 || n2 == 0 {
		return 0
	}
	p1 := float64(x1) / float64(n1)
	p2 := float64(x2) / float64(n2)
	pooled := float64(x1+x2) / float64(n1+n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 {
		return 0
	}
	return (p1 - p2) / se
}
