package engine

import (
	"database/sql"
	"time"

	"waypoint/internal/config"
	"waypoint/internal/dispatch"
	"waypoint/internal/events"
	"waypoint/internal/features"
	"waypoint/internal/registry"
	"waypoint/internal/repo"
	"waypoint/internal/scoring"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Registry *registry.Registry
	Config   *config.Config
	Features features.Source
	Scoring  scoring.Scorer
	Dispatch dispatch.Dispatcher
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Registry: registry.New(db, cfg),
		Config:   cfg,
		Now:      time.Now,
	}
	if cfg.Features.URL != "" {
		e.Features = features.NewClient(cfg.Features.URL, 5*time.Second)
	} else {
		e.Features = features.LocalSource{Repo: e.Repo}
	}
	if cfg.Scoring.URL != "" {
		e.Scoring = scoring.NewClient(cfg.Scoring.URL,
			time.Duration(cfg.Scoring.TimeoutSeconds)*time.Second,
			cfg.Scoring.MaxRetries,
			time.Duration(cfg.Scoring.BackoffBaseMS)*time.Millisecond)
	} else {
		e.Scoring = scoring.Stub{Value: 0.5, Confidence: 0.1}
	}
	if cfg.Dispatch.URL != "" {
		e.Dispatch = dispatch.NewClient(cfg.Dispatch.URL, time.Duration(cfg.Dispatch.TimeoutSeconds)*time.Second)
	} else {
		e.Dispatch = dispatch.Loopback{}
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
