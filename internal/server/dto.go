package server

import (
	"waypoint/internal/domain"
)

type okResponse struct {
	OK bool `json:"ok"`
}

type validationResult struct {
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems,omitempty"`
}

type templatesResponse struct {
	Templates []domain.JourneyTemplate `json:"templates"`
}

type instancesResponse struct {
	Instances []domain.JourneyInstance `json:"instances"`
}

type instanceDetail struct {
	Instance domain.JourneyInstance  `json:"instance"`
	Records  []domain.DecisionRecord `json:"records"`
}

type profilesResponse struct {
	Profiles []domain.ChannelProfile `json:"profiles"`
}

type eventsResponse struct {
	Events []domain.Event `json:"events"`
}
