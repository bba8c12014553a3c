package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"missioncontrol/internal/app"
	"missioncontrol/internal/approvals"
	"missioncontrol/internal/authz"
	"missioncontrol/internal/domain"
	"missioncontrol/internal/events"
	"missioncontrol/internal/policy"
	"missioncontrol/internal/repo"
)

const (
	msgApprovalNotFound   = "Approval item not found"
	msgForbiddenApprovals = "Forbidden: insufficient role for approval writes"
	msgForbiddenTasks     = "Forbidden: insufficient role for task writes"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"version_conflict"`
	Message string         `json:"message" example:"Version conflict"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"expectedVersion\":1}"`
}

// apiError models the error envelope. Version conflicts also carry the latest
// approval so clients can reconcile without another read.
type apiError struct {
	status   int
	Body     apiErrorBody     `json:"error"`
	Approval *domain.Approval `json:"approval,omitempty"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the mission control API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
	router.Use(correlationMiddleware)
	router.Use(newObserveMiddleware(cfg.App, logger))
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", cfg.App.Metrics.Handler())

	hcfg := huma.DefaultConfig("Mission Control API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerApprovals(group, cfg.App)
	registerEvents(group, cfg.App)
	registerAgents(group, cfg.App)
	registerTasks(group, cfg.App)
	registerSnapshot(group, cfg.App)
	registerUnits(group, cfg.App)
	registerPolicy(group, cfg.App)
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
	var conflict *approvals.VersionConflictError
	if errors.As(err, &conflict) {
		latest := conflict.Approval
		return &apiError{
			status: http.StatusConflict,
			Body: apiErrorBody{
				Code:    approvals.OutcomeVersionConflict,
				Message: "Version conflict",
				Details: map[string]any{"expectedVersion": conflict.Expected},
			},
			Approval: &latest,
		}
	}
	var invalid *approvals.ValidationError
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusBadRequest, "bad_request", invalid.Message, map[string]any{"field": invalid.Field})
	}
	var fe authz.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	case errors.Is(err, approvals.ErrAlreadyExists):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, events.ErrInvalidEvent), errors.Is(err, app.ErrInvalidTask):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", "request cancelled", nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
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

// newObserveMiddleware records every request under its route pattern and logs
// server errors.
func newObserveMiddleware(a *app.App, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			a.Metrics.ObserveRequest(r.Method, route, status, time.Since(start))
			attrs := []any{"method", r.Method, "route", route, "status", status, "request_id", middleware.GetReqID(r.Context()), "elapsed", time.Since(start)}
			if status >= http.StatusInternalServerError {
				logger.Error("request failed", attrs...)
				return
			}
			logger.Debug("request", attrs...)
		})
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

// registerOpenAPI serves the document built from the registered operations.
// It is rendered once, after every route exists.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
		err  error
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			documentErrors(oas)
			documentSecurity(oas, path.Join("/", basePath, "health"))
			doc, err = json.Marshal(oas)
		})
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "openapi render failed", nil))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func eachOperation(oas *huma.OpenAPI, fn func(route string, op *huma.Operation)) {
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op != nil {
				fn(route, op)
			}
		}
	}
}

// documentErrors points every operation's default response at the error
// envelope, including the approval carried by version conflicts.
func documentErrors(oas *huma.OpenAPI) {
	if oas == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	envelope := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	eachOperation(oas, func(_ string, op *huma.Operation) {
		if op.Responses == nil {
			op.Responses = map[string]*huma.Response{}
		}
		op.Responses["default"] = &huma.Response{
			Description: "Error envelope",
			Content:     map[string]*huma.MediaType{"application/json": {Schema: envelope}},
		}
	})
}

// documentSecurity declares JWT and header identity for every route except
// the public health check.
func documentSecurity(oas *huma.OpenAPI, publicRoute string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["roleHeader"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-MC-Role"}
	required := []map[string][]string{{"bearerAuth": {}}, {"roleHeader": {}}}
	oas.Security = required
	eachOperation(oas, func(route string, op *huma.Operation) {
		if route == publicRoute {
			op.Security = []map[string][]string{}
			return
		}
		op.Security = required
	})
}

func swaggerHTML(basePath string) string {
	docURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Mission Control API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or the X-MC-Role and X-MC-Actor headers.
    </p>
  </body>
</html>`, docURL)
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

func registerApprovals(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approvals, newest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ApprovalList `json:"body"`
	}, error) {
		items, err := a.Approvals.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalList `json:"body"`
		}{Body: ApprovalList{Approvals: nonNilApprovals(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-approval",
		Method:        http.MethodPost,
		Path:          "/approvals",
		Summary:       "Request a new approval",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateApprovalRequest `json:"body"`
	}) (*struct {
		Body ApprovalEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, a.Policy, authz.PermApprovalsWrite, msgForbiddenApprovals); err != nil {
			return nil, err
		}
		agent := input.Body.Agent
		if agent == "" {
			if p, ok := principalFromContext(ctx); ok && p.Actor != authz.UnknownActor {
				agent = p.Actor
			}
		}
		created, err := a.Approvals.Create(ctx, approvals.CreateInput{
			ID:     input.Body.ID,
			Item:   input.Body.Item,
			Reason: input.Body.Reason,
			Level:  input.Body.Level,
			Agent:  agent,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalEnvelope `json:"body"`
		}{Body: ApprovalEnvelope{Approval: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{id}",
		Summary:     "Get one approval",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ApprovalEnvelope `json:"body"`
	}, error) {
		item, err := a.Approvals.Get(ctx, input.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "not_found", msgApprovalNotFound, map[string]any{"id": input.ID})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalEnvelope `json:"body"`
		}{Body: ApprovalEnvelope{Approval: item}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-approval",
		Method:      http.MethodPatch,
		Path:        "/approvals/{id}",
		Summary:     "Approve or reject a pending approval",
		Description: "Body is {status: approved|rejected, version?: integer}. A stale version returns 409 with the latest approval.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		RawBody []byte
	}) (*struct {
		Body ApprovalEnvelope `json:"body"`
	}, error) {
		if err := requirePermission(ctx, a.Policy, authz.PermApprovalsWrite, msgForbiddenApprovals); err != nil {
			return nil, err
		}
		status, version, perr := parseResolveBody(input.RawBody)
		if perr != nil {
			return nil, perr
		}
		principal, _ := principalFromContext(ctx)
		corr := correlationFromContext(ctx)
		updated, err := a.Approvals.Resolve(ctx, approvals.ResolveInput{
			ID:              input.ID,
			Status:          status,
			ExpectedVersion: version,
			Meta: approvals.Meta{
				DecidedBy: principal.Actor,
				RequestID: corr.RequestID,
				TraceID:   corr.TraceID,
			},
		})
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "not_found", msgApprovalNotFound, map[string]any{"id": input.ID})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalEnvelope `json:"body"`
		}{Body: ApprovalEnvelope{Approval: updated}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approval-decisions",
		Method:      http.MethodGet,
		Path:        "/approvals/{id}/decisions",
		Summary:     "Audit trail of one approval",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		if _, err := a.Approvals.Get(ctx, input.ID); errors.Is(err, repo.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "not_found", msgApprovalNotFound, map[string]any{"id": input.ID})
		} else if err != nil {
			return nil, handleError(err)
		}
		items, err := a.Approvals.Decisions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: EventList{Events: mapEvents(items)}}, nil
	})
}

// parseResolveBody checks the PATCH body before the store is touched.
func parseResolveBody(raw []byte) (string, *int, huma.StatusError) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		return "", nil, newAPIError(http.StatusBadRequest, "bad_request", "Invalid status", nil)
	}
	var status string
	if err := json.Unmarshal(body["status"], &status); err != nil ||
		(status != domain.StatusApproved && status != domain.StatusRejected) {
		return "", nil, newAPIError(http.StatusBadRequest, "bad_request", "Invalid status", map[string]any{"field": "status"})
	}
	rawVersion, ok := body["version"]
	if !ok {
		return status, nil, nil
	}
	var f float64
	if err := json.Unmarshal(rawVersion, &f); err != nil || string(rawVersion) == "null" ||
		f != math.Trunc(f) || f < 1 || f > math.MaxInt32 {
		return "", nil, newAPIError(http.StatusBadRequest, "bad_request", "Invalid version", map[string]any{"field": "version"})
	}
	v := int(f)
	return status, &v, nil
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" doc:"Newest events to return; defaults to the retention size"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		items, err := a.Events.List(ctx, normalizeLimit(input.Limit, a.Events.Retention))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: EventList{Events: mapEvents(items)}}, nil
	})
}

func registerAgents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List registered agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AgentList `json:"body"`
	}, error) {
		items, err := a.Repo.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentList `json:"body"`
		}{Body: AgentList{Agents: nonNilAgents(items)}}, nil
	})
}

func registerTasks(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TaskList `json:"body"`
	}, error) {
		items, err := a.Repo.ListTasks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskList `json:"body"`
		}{Body: TaskList{Tasks: nonNilTasks(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replace-tasks",
		Method:      http.MethodPut,
		Path:        "/tasks",
		Summary:     "Replace the task board",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body ReplaceTasksRequest `json:"body"`
	}) (*struct {
		Body TaskList `json:"body"`
	}, error) {
		if err := requirePermission(ctx, a.Policy, authz.PermTasksWrite, msgForbiddenTasks); err != nil {
			return nil, err
		}
		items, err := a.ReplaceTasks(ctx, input.Body.Tasks)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskList `json:"body"`
		}{Body: TaskList{Tasks: nonNilTasks(items)}}, nil
	})
}

func registerSnapshot(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "get-snapshot",
		Method:      http.MethodGet,
		Path:        "/snapshot",
		Summary:     "Cached live-ops snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		snap, err := a.Snapshots.Get(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: SnapshotResponse{ID: snap.ID, GeneratedAt: snap.GeneratedAt, Payload: snap.Payload}}, nil
	})
}

func registerUnits(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-units",
		Method:      http.MethodGet,
		Path:        "/units",
		Summary:     "List the unit roster",
	}, func(ctx context.Context, input *struct {
		All bool `query:"all" doc:"Include inactive units"`
	}) (*struct {
		Body UnitList `json:"body"`
	}, error) {
		items, err := a.Units.List(ctx, input.All)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Unit{}
		}
		return &struct {
			Body UnitList `json:"body"`
		}{Body: UnitList{Units: items}}, nil
	})
}

func registerPolicy(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "check-policy",
		Method:      http.MethodPost,
		Path:        "/policy/check",
		Summary:     "Check whether an action needs human approval",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body PolicyCheckRequest `json:"body"`
	}) (*struct {
		Body PolicyCheckResponse `json:"body"`
	}, error) {
		d, err := a.Gate.Check(ctx, policy.Request{
			Action:          input.Body.Action,
			ApprovedByHuman: input.Body.ApprovedByHuman,
			ApprovalID:      input.Body.ApprovalID,
		})
		switch {
		case errors.Is(err, policy.ErrMissingAction):
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "Missing action", nil)
		case errors.Is(err, repo.ErrNotFound):
			return nil, newAPIError(http.StatusNotFound, "not_found", msgApprovalNotFound, map[string]any{"approvalId": input.Body.ApprovalID})
		case err != nil:
			return nil, handleError(err)
		}
		return &struct {
			Body PolicyCheckResponse `json:"body"`
		}{Body: PolicyCheckResponse{Decision: d}}, nil
	})
}

func normalizeLimit(in, ceiling int) int {
	if ceiling <= 0 {
		ceiling = events.DefaultRetention
	}
	if in <= 0 || in > ceiling {
		return ceiling
	}
	return in
}
