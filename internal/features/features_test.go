package features_test

import (
	"context"
	"testing"

	"waypoint/internal/db"
	"waypoint/internal/features"
	"waypoint/internal/migrate"
	"waypoint/internal/repo"
)

func TestParsePredicate(t *testing.T) {
	p, err := features.ParsePredicate("days_since_login >= 7")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Name != "days_since_login" || p.Op != ">=" || p.Threshold != 7 {
		t.Fatalf("predicate = %+v", p)
	}
	for _, bad := range []string{"", "days_since_login", "x ~ 3", "x >= seven"} {
		if _, err := features.ParsePredicate(bad); err == nil {
			t.Errorf("ParsePredicate(%q) accepted", bad)
		}
	}
}

func TestLocalSourceQualifyingSubjects(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	seed := map[string]float64{"sub-1": 10, "sub-2": 3, "sub-3": 7}
	for id, v := range seed {
		if err := r.UpsertSubjectFeature(ctx, id, "days_since_login", v, "2024-03-01T00:00:00Z"); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	src := features.LocalSource{Repo: r}
	ids, err := src.QualifyingSubjects(ctx, "days_since_login >= 7")
	if err != nil {
		t.Fatalf("qualify: %v", err)
	}
	if len(ids) != 2 || ids[0] != "sub-1" || ids[1] != "sub-3" {
		t.Fatalf("ids = %v, want [sub-1 sub-3]", ids)
	}

	feats, err := src.SubjectFeatures(ctx, "sub-1", 3)
	if err != nil || feats["days_since_login"] != 10 {
		t.Fatalf("features = %v (%v)", feats, err)
	}
}
