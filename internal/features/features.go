package features

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"waypoint/internal/repo"
)

// QueryError wraps a feature-store failure. Callers treat it as transient:
// the affected instance is skipped for the tick and retried on the next one.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("feature store %s: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Source supplies subject features and entry-predicate qualification.
type Source interface {
	// SubjectFeatures returns the feature vector for a subject over the
	// lookback window in days.
	SubjectFeatures(ctx context.Context, subjectID string, lookbackDays int) (map[string]float64, error)
	// QualifyingSubjects evaluates an entry predicate and returns matching
	// subject IDs.
	QualifyingSubjects(ctx context.Context, predicate string) ([]string, error)
}

// Predicate is a single comparison of the form "name op threshold", e.g.
// "days_since_login >= 7".
type Predicate struct {
	Name      string
	Op        string
	Threshold float64
}

// ParsePredicate splits an entry predicate into its parts.
func ParsePredicate(s string) (Predicate, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) != 3 {
		return Predicate{}, fmt.Errorf("predicate %q must be \"name op threshold\"", s)
	}
	switch fields[1] {
	case "<", "<=", ">", ">=", "==":
	default:
		return Predicate{}, fmt.Errorf("predicate %q has unsupported operator %s", s, fields[1])
	}
	threshold, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return Predicate{}, fmt.Errorf("predicate %q threshold: %w", s, err)
	}
	return Predicate{Name: fields[0], Op: fields[1], Threshold: threshold}, nil
}

// LocalSource reads features from the engine's own subject_features table.
// It is the default source when no external feature service is configured.
type LocalSource struct {
	Repo repo.Repo
}

func (s LocalSource) SubjectFeatures(ctx context.Context, subjectID string, lookbackDays int) (map[string]float64, error) {
	feats, err := s.Repo.SubjectFeatures(ctx, subjectID)
	if err != nil {
		return nil, &QueryError{Op: "subject features", Err: err}
	}
	return feats, nil
}

func (s LocalSource) QualifyingSubjects(ctx context.Context, predicate string) ([]string, error) {
	p, err := ParsePredicate(predicate)
	if err != nil {
		return nil, err
	}
	ids, err := s.Repo.SubjectsWhereFeature(ctx, p.Name, p.Op, p.Threshold)
	if err != nil {
		return nil, &QueryError{Op: "qualifying subjects", Err: err}
	}
	return ids, nil
}
