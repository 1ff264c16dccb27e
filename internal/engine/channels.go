package engine

import (
	"context"
	"math"

	"waypoint/internal/domain"
)

// confidenceSaturation is the sent count at which channel confidence
// reaches 1.0.
const confidenceSaturation = 20.0

// SelectChannel ranks the template's channels by the subject's historical
// click-through rate, weighted for urgency. Subjects with no delivery
// history land on the default channel with zero confidence.
func (e Engine) SelectChannel(ctx context.Context, subjectID string, candidates []string, urgency string) (domain.ChannelChoice, error) {
	if len(candidates) == 0 {
		candidates = []string{e.Config.Channels.Default}
	}
	profiles, err := e.Repo.GetChannelProfiles(ctx, subjectID)
	if err != nil {
		return domain.ChannelChoice{}, err
	}
	byChannel := make(map[string]domain.ChannelProfile, len(profiles))
	for _, p := range profiles {
		byChannel[p.Channel] = p
	}

	choice := domain.ChannelChoice{}
	for _, ch := range candidates {
		p, ok := byChannel[ch]
		if !ok || p.SentCount == 0 {
			continue
		}
		rate := float64(p.ClickedCount) / float64(p.SentCount) * e.Config.UrgencyWeight(urgency, ch)
		if choice.Channel == "" || rate > choice.EngagementRate {
			choice = domain.ChannelChoice{
				Channel:        ch,
				EngagementRate: rate,
				Confidence:     math.Min(float64(p.SentCount)/confidenceSaturation, 1),
			}
		}
	}
	if choice.Channel != "" {
		return choice, nil
	}

	// No history on any candidate channel.
	fallback := e.Config.Channels.Default
	if !contains(candidates, fallback) {
		fallback = candidates[0]
	}
	return domain.ChannelChoice{Channel: fallback, Confidence: 0}, nil
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
