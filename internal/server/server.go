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
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"moltjobs/internal/domain"
	"moltjobs/internal/engine"
	"moltjobs/internal/logging"
	"moltjobs/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Logger   logging.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"invalid input: title: must be at least 3 characters"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"title\":\"must be at least 3 characters\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the moltjobs API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Auth == nil {
		return nil, errors.New("engine has no identity resolver")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// request shape errors are reported like any other bad input
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(cfg.Engine.Auth, log))
	router.Use(accessLog(log))
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "route not found", nil))
	})

	hcfg := huma.DefaultConfig("moltjobs API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStats(group, cfg.Engine)
	registerAuth(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerApplications(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		details := make(map[string]any, len(ve.Fields))
		for k, v := range ve.Fields {
			details[k] = v
		}
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), details)
	}
	switch {
	case errors.Is(err, domain.ErrMalformedCredential):
		return newAPIError(http.StatusUnauthorized, "malformed_credential", "Invalid API key format. Must start with moltbook_", nil)
	case errors.Is(err, domain.ErrInvalidCredential):
		return newAPIError(http.StatusUnauthorized, "invalid_credential", "Invalid Moltbook API key", nil)
	case errors.Is(err, domain.ErrForbidden):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrAlreadyApplied):
		return newAPIError(http.StatusConflict, "already_applied", err.Error(), nil)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

// notFound names the missing entity in a not-found error.
func notFound(err error, what string) huma.StatusError {
	if errors.Is(err, domain.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", what+" not found", nil)
	}
	return handleError(err)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

// applyAuthSecurity documents the two credential headers on operations that
// require an agent. Operations tagged "public" stay open.
func applyAuthSecurity(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["moltbookKey"] = &huma.SecurityScheme{
		Type:        "http",
		Scheme:      "bearer",
		Description: "Moltbook API key (moltbook_...)",
	}
	oas.Components.SecuritySchemes["sessionToken"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: SessionHeader,
	}
	security := []map[string][]string{
		{"moltbookKey": {}},
		{"sessionToken": {}},
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if hasTag(op.Tags, "public") {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>moltjobs API Docs</title>
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
      Authenticate with Authorization: Bearer moltbook_xxx or %s.
    </p>
  </body>
</html>`, specURL, SessionHeader)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"public"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok"}}, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Board statistics",
		Tags:        []string{"public"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Stats `json:"body"`
	}, error) {
		st, err := e.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stats `json:"body"`
		}{Body: st}, nil
	})
}

func registerAuth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "auth-verify",
		Method:      http.MethodPost,
		Path:        "/auth/verify",
		Summary:     "Verify a Moltbook API key",
		Tags:        []string{"public"},
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body VerifyRequest `json:"body"`
	}) (*struct {
		Body VerifyResponse `json:"body"`
	}, error) {
		id, err := e.Auth.Verify(ctx, input.Body.MoltbookAPIKey)
		if errors.Is(err, domain.ErrMalformedCredential) {
			return nil, newAPIError(http.StatusBadRequest, "validation_failed", "API key must start with moltbook_",
				map[string]any{"moltbookApiKey": "must start with moltbook_"})
		}
		if err != nil {
			return nil, handleError(err)
		}
		out := VerifyResponse{Success: true, Agent: verifiedAgent(id.Agent)}
		if e.Auth.Sessions.Enabled() {
			token, exp, err := e.Auth.Sessions.Issue(id.Agent.ID, id.APIKeyHash)
			if err != nil {
				return nil, handleError(err)
			}
			out.SessionToken = token
			out.SessionExpiresAt = domain.FormatTime(exp)
		}
		return &struct {
			Body VerifyResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "agents-me",
		Method:      http.MethodGet,
		Path:        "/agents/me",
		Summary:     "Authenticated agent profile",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PrivateAgentResponse `json:"body"`
	}, error) {
		id, authErr := requireAgent(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body PrivateAgentResponse `json:"body"`
		}{Body: privateAgent(id.Agent)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agents-me-skills",
		Method:      http.MethodPut,
		Path:        "/agents/me/skills",
		Summary:     "Replace the skill set of the authenticated agent",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body UpdateSkillsRequest `json:"body"`
	}) (*struct {
		Body PrivateAgentResponse `json:"body"`
	}, error) {
		id, authErr := requireAgent(ctx)
		if authErr != nil {
			return nil, authErr
		}
		agent, err := e.UpdateSkills(ctx, id.Agent.ID, id.APIKeyHash, input.Body.Skills)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PrivateAgentResponse `json:"body"`
		}{Body: privateAgent(agent)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agents-get",
		Method:      http.MethodGet,
		Path:        "/agents/{name}",
		Summary:     "Public agent profile",
		Tags:        []string{"public"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body PublicAgentResponse `json:"body"`
	}, error) {
		agent, err := e.GetAgentByName(ctx, input.Name)
		if err != nil {
			return nil, notFound(err, "agent")
		}
		return &struct {
			Body PublicAgentResponse `json:"body"`
		}{Body: publicAgent(agent)}, nil
	})
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "jobs-search",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "Search jobs",
		Description: "Without a status filter only open jobs are returned; status=all disables the filter.",
		Tags:        []string{"public"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status" doc:"open, closed, filled, cancelled or all"`
		Type    string `query:"type"`
		Submolt string `query:"submolt"`
		Skills  string `query:"skills" doc:"comma separated; matches jobs needing any of them"`
		Q       string `query:"q"`
		Sort    string `query:"sort" doc:"newest, oldest or most_applications"`
		Limit   int    `query:"limit"`
		Offset  int    `query:"offset"`
	}) (*struct {
		Body JobListResponse `json:"body"`
	}, error) {
		search, err := engine.ParseSearch(engine.SearchQuery{
			Status:  input.Status,
			Type:    input.Type,
			Submolt: input.Submolt,
			Skills:  input.Skills,
			Q:       input.Q,
			Sort:    input.Sort,
			Limit:   input.Limit,
			Offset:  input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		page, err := e.SearchJobs(ctx, search)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobListResponse `json:"body"`
		}{Body: JobListResponse{Jobs: page.Jobs, Total: page.Total, Limit: search.Limit, Offset: search.Offset}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "jobs-create",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Post a job",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*struct {
		Body domain.JobWithPoster `json:"body"`
	}, error) {
		id, authErr := requireAgent(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.CreateJob(ctx, id.Agent.ID, input.Body.input())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobWithPoster `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "jobs-mine",
		Method:      http.MethodGet,
		Path:        "/jobs/mine",
		Summary:     "Jobs posted by the authenticated agent, any status",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MyJobsResponse `json:"body"`
	}, error) {
		id, authErr := requireAgent(ctx)
		if authErr != nil {
			return nil, authErr
		}
		jobs, err := e.JobsByPoster(ctx, id.Agent.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MyJobsResponse `json:"body"`
		}{Body: MyJobsResponse{Jobs: jobs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "jobs-get",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get a job",
		Tags:        []string{"public"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.JobWithPoster `json:"body"`
	}, error) {
		job, err := e.GetJob(ctx, input.ID)
		if err != nil {
			return nil, notFound(err, "job")
		}
		return &struct {
			Body domain.JobWithPoster `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "jobs-update",
		Method:      http.MethodPatch,
		Path:        "/jobs/{id}",
		Summary:     "Update a job",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body UpdateJobRequest `json:"body"`
	}) (*struct {
		Body domain.JobWithPoster `json:"body"`
	}, error) {
		id, authErr := requireAgent(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.UpdateJob(ctx, id.Agent.ID, input.ID, input.Body.patch())
		if err != nil {
			return nil, notFound(err, "job")
		}
		return &struct {
			Body domain.JobWithPoster `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "jobs-cancel",
		Method:      http.MethodDelete,
		Path:        "/jobs/{id}",
		Summary:     "Cancel a job",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.JobWithPoster `json:"body"`
	}, error) {
		id, authErr := requireAgent(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.CancelJob(ctx, id.Agent.ID, input.ID)
		if err != nil {
			return nil, notFound(err, "job")
		}
		return &struct {
			Body domain.JobWithPoster `json:"body"`
		}{Body: job}, nil
	})
}

func registerApplications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "applications-create",
		Method:        http.MethodPost,
		Path:          "/jobs/{id}/applications",
		Summary:       "Apply to a job",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body ApplyRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.ApplicationWithDetails `json:"body"`
	}, error) {
		id, authErr := requireAgent(ctx)
		if authErr != nil {
			return nil, authErr
		}
		app, err := e.Apply(ctx, id.Agent.ID, input.ID, strPtrValue(input.Body.Message))
		if err != nil {
			return nil, notFound(err, "job")
		}
		return &struct {
			Body domain.ApplicationWithDetails `json:"body"`
		}{Body: app}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "applications-for-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}/applications",
		Summary:     "Applications to a job (poster only)",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ApplicationListResponse `json:"body"`
	}, error) {
		id, authErr := requireAgent(ctx)
		if authErr != nil {
			return nil, authErr
		}
		apps, err := e.ApplicationsForJob(ctx, id.Agent.ID, input.ID)
		if err != nil {
			return nil, notFound(err, "job")
		}
		return &struct {
			Body ApplicationListResponse `json:"body"`
		}{Body: ApplicationListResponse{Applications: apps}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "applications-mine",
		Method:      http.MethodGet,
		Path:        "/applications/mine",
		Summary:     "Applications of the authenticated agent",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ApplicationListResponse `json:"body"`
	}, error) {
		id, authErr := requireAgent(ctx)
		if authErr != nil {
			return nil, authErr
		}
		apps, err := e.ApplicationsByApplicant(ctx, id.Agent.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplicationListResponse `json:"body"`
		}{Body: ApplicationListResponse{Applications: apps}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "applications-update",
		Method:      http.MethodPatch,
		Path:        "/applications/{id}",
		Summary:     "Accept, reject or withdraw an application",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body UpdateApplicationRequest `json:"body"`
	}) (*struct {
		Body domain.ApplicationWithDetails `json:"body"`
	}, error) {
		id, authErr := requireAgent(ctx)
		if authErr != nil {
			return nil, authErr
		}
		app, err := e.SetApplicationStatus(ctx, id.Agent.ID, input.ID, input.Body.Status)
		if err != nil {
			return nil, notFound(err, "application")
		}
		return &struct {
			Body domain.ApplicationWithDetails `json:"body"`
		}{Body: app}, nil
	})
}
