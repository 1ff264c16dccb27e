package domain

// Decision point kinds.
const (
	KindScoreAndBranch  = "score_and_branch"
	KindRetentionOffer  = "retention_offer"
	KindChannelDispatch = "channel_dispatch"
	KindExit            = "exit"
)

// Instance statuses.
const (
	StatusActive       = "active"
	StatusCompleted    = "completed"
	StatusExited       = "exited"
	StatusFailed       = "failed"
	StatusTransitioned = "transitioned"
)

// Transition kinds.
const (
	TransitionNext        = "next"
	TransitionGoto        = "goto"
	TransitionExitJourney = "exit_journey"
	TransitionTerminal    = "terminal"
)

// Tiers derived from continuous scores.
const (
	TierHigh   = "high"
	TierMedium = "medium"
	TierLow    = "low"
)

// OfferNone is the sentinel offer type for "take no action".
const OfferNone = "none"

type JourneyTemplate struct {
	ID             string          `json:"id" yaml:"journey_id"`
	Name           string          `json:"name" yaml:"journey_name"`
	JourneyType    string          `json:"journey_type" yaml:"journey_type"`
	Version        int             `json:"version" yaml:"-"`
	EntryPredicate string          `json:"entry_predicate" yaml:"entry_predicate"`
	CoolDownDays   int             `json:"cool_down_days" yaml:"cool_down_days"`
	DecisionPoints []DecisionPoint `json:"decision_points" yaml:"decision_points"`
	Channels       []string        `json:"channels" yaml:"channels"`
	Variants       []Variant       `json:"variants,omitempty" yaml:"variants"`
	Status         string          `json:"status" yaml:"-" enum:"published,unpublished"`
	PublishedAt    string          `json:"published_at,omitempty" yaml:"-" format:"date-time"`
}

type DecisionPoint struct {
	OffsetDays int    `json:"offset_days" yaml:"offset_days"`
	Kind       string `json:"kind" yaml:"kind" enum:"score_and_branch,retention_offer,channel_dispatch,exit"`
	// ScoreName is the primary score driving tier bucketing. "engagement"
	// is computed locally from features; anything else is a scoring-service
	// model name.
	ScoreName   string   `json:"score_name,omitempty" yaml:"score_name"`
	ExtraScores []string `json:"extra_scores,omitempty" yaml:"extra_scores"`
	// ActionTemplateID is the message template dispatched by
	// channel_dispatch and retention_offer points.
	ActionTemplateID string           `json:"action_template_id,omitempty" yaml:"action_template_id"`
	Thresholds       TierThresholds   `json:"thresholds,omitempty" yaml:"thresholds"`
	DefaultTier      string           `json:"default_tier,omitempty" yaml:"default_tier" enum:"high,medium,low"`
	BranchRules      []BranchRule     `json:"branch_rules,omitempty" yaml:"branch_rules"`
	Urgency          string           `json:"urgency,omitempty" yaml:"urgency" enum:"normal,high"`
	Offers           []CandidateOffer `json:"offers,omitempty" yaml:"offers"`
	// AlwaysOffer forces a retention offer even at non-positive expected
	// value. Every use is logged as an anomaly.
	AlwaysOffer bool `json:"always_offer,omitempty" yaml:"always_offer"`
}

// TierThresholds bucket a continuous score: strictly above High is "high",
// strictly above Medium is "medium", everything else "low". Ties land on
// the lower tier.
type TierThresholds struct {
	High   float64 `json:"high" yaml:"high"`
	Medium float64 `json:"medium" yaml:"medium"`
}

type BranchRule struct {
	Tier             string     `json:"tier" yaml:"tier" enum:"high,medium,low"`
	ActionTemplateID string     `json:"action_template_id,omitempty" yaml:"action_template_id"`
	Transition       Transition `json:"transition" yaml:"transition"`
}

type Transition struct {
	Kind          string `json:"kind" yaml:"kind" enum:"next,goto,exit_journey,terminal"`
	GotoIndex     *int   `json:"goto_index,omitempty" yaml:"goto_index"`
	ExitJourneyID string `json:"exit_journey_id,omitempty" yaml:"exit_journey_id"`
	// TerminalStatus is "completed" or "exited" for terminal transitions.
	TerminalStatus string `json:"terminal_status,omitempty" yaml:"terminal_status" enum:"completed,exited"`
}

type Variant struct {
	ID     string `json:"id" yaml:"id"`
	Weight int    `json:"weight" yaml:"weight"`
}

type JourneyInstance struct {
	ID               string  `json:"id"`
	SubjectID        string  `json:"subject_id"`
	TemplateID       string  `json:"template_id"`
	TemplateVersion  int     `json:"template_version"`
	JourneyType      string  `json:"journey_type"`
	VariantID        string  `json:"variant_id,omitempty"`
	ParentInstanceID *string `json:"parent_instance_id,omitempty"`
	EntryAt          string  `json:"entry_at" format:"date-time"`
	Status           string  `json:"status" enum:"active,completed,exited,failed,transitioned"`
	Cursor           int     `json:"cursor"`
	Version          int64   `json:"version"`
	LastProcessedAt  *string `json:"last_processed_at,omitempty" format:"date-time"`
	FailStreak       int     `json:"fail_streak,omitempty"`
	ExitReason       string  `json:"exit_reason,omitempty"`
}

type DecisionRecord struct {
	ID             string  `json:"id"`
	InstanceID     string  `json:"instance_id"`
	PointIndex     int     `json:"point_index"`
	FiredAt        string  `json:"fired_at" format:"date-time"`
	FeaturesJSON   *string `json:"features_json,omitempty"`
	ScoresJSON     *string `json:"scores_json,omitempty"`
	Tier           string  `json:"tier,omitempty"`
	SelectedAction string  `json:"selected_action,omitempty"`
	Channel        string  `json:"channel,omitempty"`
	MessageID      string  `json:"message_id,omitempty"`
	OutcomeStatus  string  `json:"outcome_status" enum:"none,sent,delivered,opened,clicked,converted,failed,skipped"`
	Degraded       bool    `json:"degraded,omitempty"`
	DegradedReason string  `json:"degraded_reason,omitempty"`
}

type CandidateOffer struct {
	Type          string  `json:"type" yaml:"type"`
	Cost          float64 `json:"cost" yaml:"cost"`
	PredictedLift float64 `json:"predicted_lift,omitempty" yaml:"-"`
	ExpectedValue float64 `json:"expected_value,omitempty" yaml:"-"`
}

type ChannelProfile struct {
	SubjectID       string `json:"subject_id"`
	Channel         string `json:"channel"`
	SentCount       int    `json:"sent_count"`
	OpenedCount     int    `json:"opened_count"`
	ClickedCount    int    `json:"clicked_count"`
	AvgTimeToOpenMS int64  `json:"avg_time_to_open_ms,omitempty"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

type ChannelChoice struct {
	Channel        string  `json:"channel"`
	EngagementRate float64 `json:"expected_engagement_rate"`
	Confidence     float64 `json:"confidence"`
}

type DeliveryResult struct {
	Status      string `json:"status" enum:"sent,failed"`
	MessageID   string `json:"message_id,omitempty"`
	Channel     string `json:"channel,omitempty"`
	DeliveredAt string `json:"delivered_at,omitempty" format:"date-time"`
	Error       string `json:"error,omitempty"`
}

// OutcomeEvent is a downstream delivery/open/click signal pushed into the
// engine as it occurs.
type OutcomeEvent struct {
	SubjectID    string `json:"subject_id"`
	Channel      string `json:"channel"`
	MessageID    string `json:"message_id,omitempty"`
	Kind         string `json:"kind" enum:"delivered,opened,clicked,converted,failed"`
	At           string `json:"at,omitempty" format:"date-time"`
	TimeToOpenMS int64  `json:"time_to_open_ms,omitempty"`
}

type VariantStats struct {
	TemplateID  string `json:"template_id"`
	VariantID   string `json:"variant_id"`
	Exposures   int    `json:"exposures"`
	Conversions int    `json:"conversions"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	JourneyID  string `json:"journey_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
