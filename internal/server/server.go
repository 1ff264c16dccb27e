package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"waypoint/internal/domain"
	"waypoint/internal/engine"
	"waypoint/internal/registry"
	"waypoint/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_template"`
	Message string         `json:"message" example:"invalid template: journey_id is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Waypoint API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Waypoint API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTemplates(group, cfg.Engine)
	registerInstances(group, cfg.Engine)
	registerOps(group, cfg.Engine)
	registerOutcomes(group, cfg.Engine)
	registerSubjects(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if registry.IsValidation(err) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_template", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrVersionConflict) {
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "not active"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Waypoint API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "publish-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Publish a journey template",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body domain.JourneyTemplate
	}) (*struct {
		Body domain.JourneyTemplate
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tpl, err := e.Registry.Publish(ctx, actorID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JourneyTemplate
		}{Body: tpl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-template",
		Method:      http.MethodPost,
		Path:        "/templates/validate",
		Summary:     "Validate a template without publishing",
	}, func(ctx context.Context, input *struct {
		Body domain.JourneyTemplate
	}) (*struct {
		Body validationResult
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		res := validationResult{Valid: true}
		if err := e.Registry.Validate(input.Body); err != nil {
			var ve *registry.ValidationError
			res.Valid = false
			if errors.As(err, &ve) {
				res.Problems = ve.Problems
			} else {
				res.Problems = []string{err.Error()}
			}
		}
		return &struct {
			Body validationResult
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List journey templates",
	}, func(ctx context.Context, input *struct {
		JourneyType string `query:"journey_type"`
		Status      string `query:"status" enum:"published,unpublished,"`
	}) (*struct {
		Body templatesResponse
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		templates, err := e.Registry.List(ctx, repo.TemplateFilters{JourneyType: input.JourneyType, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body templatesResponse
		}{Body: templatesResponse{Templates: templates}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{template_id}",
		Summary:     "Get the latest version of a template",
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
	}) (*struct {
		Body domain.JourneyTemplate
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		tpl, err := e.Registry.Latest(ctx, input.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JourneyTemplate
		}{Body: tpl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template-version",
		Method:      http.MethodGet,
		Path:        "/templates/{template_id}/versions/{version}",
		Summary:     "Get a specific template version",
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
		Version    int    `path:"version"`
	}) (*struct {
		Body domain.JourneyTemplate
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		tpl, err := e.Registry.Get(ctx, input.TemplateID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JourneyTemplate
		}{Body: tpl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unpublish-template",
		Method:      http.MethodDelete,
		Path:        "/templates/{template_id}/versions/{version}",
		Summary:     "Unpublish a template version",
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
		Version    int    `path:"version"`
	}) (*struct {
		Body okResponse
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Registry.Unpublish(ctx, actorID, input.TemplateID, input.Version); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body okResponse
		}{Body: okResponse{OK: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "variant-report",
		Method:      http.MethodGet,
		Path:        "/templates/{template_id}/variants/report",
		Summary:     "Variant conversion report with significance test",
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
	}) (*struct {
		Body engine.VariantReport
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		report, err := e.VariantReport(ctx, input.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.VariantReport
		}{Body: report}, nil
	})
}

func registerInstances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/instances",
		Summary:     "List journey instances",
	}, func(ctx context.Context, input *struct {
		SubjectID   string `query:"subject_id"`
		TemplateID  string `query:"template_id"`
		JourneyType string `query:"journey_type"`
		Status      string `query:"status" enum:"active,completed,exited,failed,transitioned,"`
		Limit       int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body instancesResponse
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		instances, err := e.Repo.ListInstances(ctx, repo.InstanceFilters{
			SubjectID:   input.SubjectID,
			TemplateID:  input.TemplateID,
			JourneyType: input.JourneyType,
			Status:      input.Status,
			Limit:       input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body instancesResponse
		}{Body: instancesResponse{Instances: instances}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}",
		Summary:     "Get an instance with its decision records",
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body instanceDetail
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		inst, err := e.Repo.GetInstance(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		records, err := e.Repo.ListDecisionRecords(ctx, inst.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body instanceDetail
		}{Body: instanceDetail{Instance: inst, Records: records}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-instance",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/cancel",
		Summary:     "Cancel an active instance",
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
		Body       struct {
			Reason string `json:"reason,omitempty"`
		}
	}) (*struct {
		Body domain.JourneyInstance
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := input.Body.Reason
		if reason == "" {
			reason = "cancelled"
		}
		inst, err := e.Cancel(ctx, actorID, input.InstanceID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JourneyInstance
		}{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fire-instance",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/fire",
		Summary:     "Fire the instance's current decision point immediately",
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body engine.TickReport
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, err := e.ForceFire(ctx, actorID, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TickReport
		}{Body: report}, nil
	})
}

func registerOps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "scan",
		Method:      http.MethodPost,
		Path:        "/scan",
		Summary:     "Run an entry scan over the published templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.ScanReport
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, err := e.Scan(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ScanReport
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tick",
		Method:      http.MethodPost,
		Path:        "/tick",
		Summary:     "Run one scheduler pass over the active instances",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.TickReport
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, err := e.Tick(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TickReport
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "metrics",
		Method:      http.MethodGet,
		Path:        "/metrics",
		Summary:     "Operational metrics snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Metrics
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		m, err := e.MetricsSummary(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Metrics
		}{Body: m}, nil
	})
}

func registerOutcomes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-outcome",
		Method:        http.MethodPost,
		Path:          "/outcomes",
		Summary:       "Ingest a delivery outcome event",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *struct {
		Body domain.OutcomeEvent
	}) (*struct {
		Body okResponse
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.IngestOutcome(ctx, actorID, input.Body); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body okResponse
		}{Body: okResponse{OK: true}}, nil
	})
}

func registerSubjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-channel-profiles",
		Method:      http.MethodGet,
		Path:        "/subjects/{subject_id}/profiles",
		Summary:     "Channel engagement profiles for a subject",
	}, func(ctx context.Context, input *struct {
		SubjectID string `path:"subject_id"`
	}) (*struct {
		Body profilesResponse
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		profiles, err := e.Repo.GetChannelProfiles(ctx, input.SubjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body profilesResponse
		}{Body: profilesResponse{Profiles: profiles}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-subject-features",
		Method:      http.MethodPut,
		Path:        "/subjects/{subject_id}/features",
		Summary:     "Upsert features in the embedded feature store",
	}, func(ctx context.Context, input *struct {
		SubjectID string `path:"subject_id"`
		Body      struct {
			Features map[string]float64 `json:"features"`
		}
	}) (*struct {
		Body okResponse
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if len(input.Body.Features) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "features are required", nil)
		}
		now := e.Now().UTC().Format(time.RFC3339)
		for name, value := range input.Body.Features {
			if err := e.Repo.UpsertSubjectFeature(ctx, input.SubjectID, name, value, now); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body okResponse
		}{Body: okResponse{OK: true}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest engine events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" minimum:"0" maximum:"1000"`
		JourneyID  string `query:"journey_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body eventsResponse
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		events, err := e.Repo.LatestEvents(ctx, limit, input.JourneyID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body eventsResponse
		}{Body: eventsResponse{Events: events}}, nil
	})
}
