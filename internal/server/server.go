// Package server exposes the HTTP API. Every success response is wrapped in
// {"success":true,"data":...} and every failure in
// {"success":false,"error":{"code","message"}}.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"loanos/internal/deal"
	"loanos/internal/domain"
	"loanos/internal/engine"
	"loanos/internal/migrate"
	"loanos/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"INVALID_TRANSITION"`
	Message string         `json:"message" example:"Cannot transition from 'closed' to 'active'"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status  int
	Success bool         `json:"success"`
	Body    apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the LoanOS API.
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
		if status == http.StatusUnprocessableEntity {
			// Schema validation failures surface as 400 VALIDATION_ERROR.
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
	hcfg := huma.DefaultConfig("LoanOS API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerMe(group)
	registerDeals(group, cfg.Engine)
	registerParticipants(group, cfg.Engine)
	registerDocuments(group, cfg.Engine)
	registerCovenants(group, cfg.Engine)
	registerKPIs(group, cfg.Engine)
	registerActivity(group, cfg.Engine)
	registerDashboard(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
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

// handleError maps engine and repo errors to the error taxonomy. Unknown
// errors never leak their message to clients at 500.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ite deal.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusBadRequest, "INVALID_TRANSITION", err.Error(), map[string]any{
			"from": string(ite.From),
			"to":   string(ite.To),
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
	}
	if errors.Is(err, engine.ErrConflict) {
		return newAPIError(http.StatusConflict, "CONFLICT", "deal was modified concurrently, retry", nil)
	}
	var stErr *engine.StorageError
	if errors.As(err, &stErr) {
		return newAPIError(http.StatusInternalServerError, "DB_ERROR", stErr.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "unknown") || strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return "VALIDATION_ERROR"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusInternalServerError:
		return "INTERNAL_ERROR"
	default:
		return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
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
    <title>LoanOS API Docs</title>
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

func registerHealth(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body Envelope[map[string]string] `json:"body"`
	}, error) {
		data := map[string]string{"status": "ok"}
		if v, err := migrate.Version(e.DB); err == nil {
			data["schema_version"] = strconv.Itoa(v)
		}
		return &struct {
			Body Envelope[map[string]string] `json:"body"`
		}{Body: env(data)}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body Envelope[MeData] `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.UserID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		}
		return &struct {
			Body Envelope[MeData] `json:"body"`
		}{Body: env(MeData{UserID: p.UserID, Roles: p.Roles, Source: p.Source})}, nil
	})
}

func registerDeals(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-deal",
		Method:        http.MethodPost,
		Path:          "/deals",
		Summary:       "Create deal",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDealRequest `json:"body"`
	}) (*struct {
		Body Envelope[domain.Deal] `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "name is required", nil)
		}
		if strings.TrimSpace(input.Body.Borrower) == "" {
			return nil, newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "borrower is required", nil)
		}
		d, err := e.CreateDeal(ctx, engine.CreateDealOptions{
			Name:        input.Body.Name,
			Borrower:    input.Body.Borrower,
			AmountCents: input.Body.AmountCents,
			Currency:    input.Body.Currency,
			MarginBps:   input.Body.MarginBps,
			Description: stringOrEmpty(input.Body.Description),
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[domain.Deal] `json:"body"`
		}{Body: env(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deals",
		Method:      http.MethodGet,
		Path:        "/deals",
		Summary:     "List deals",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		Borrower string `query:"borrower"`
		Limit    int    `query:"limit"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body Envelope[DealListData] `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Status != "" && !deal.Status(input.Status).Valid() {
			return nil, newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", fmt.Sprintf("unknown status %q", input.Status), nil)
		}
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		filters := repo.DealFilters{
			OrgID:    e.Config.Org.ID,
			Status:   input.Status,
			Borrower: input.Borrower,
			Limit:    limit + 1,
		}
		if createdAt, id, ok := decodeDealCursor(input.Cursor); ok {
			filters.CursorCreatedAt = createdAt
			filters.CursorID = id
		} else if input.Cursor != "" {
			return nil, newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "invalid cursor", nil)
		}
		items, err := e.Repo.ListDeals(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		data := DealListData{Items: items}
		if len(items) > limit {
			data.Items = items[:limit]
			last := data.Items[len(data.Items)-1]
			data.NextCursor = encodeDealCursor(last.CreatedAt, last.ID)
		}
		if data.Items == nil {
			data.Items = []domain.Deal{}
		}
		return &struct {
			Body Envelope[DealListData] `json:"body"`
		}{Body: env(data)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deal",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}",
		Summary:     "Get deal",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
	}) (*struct {
		Body Envelope[domain.Deal] `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		d, err := e.Repo.GetDeal(ctx, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[domain.Deal] `json:"body"`
		}{Body: env(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-deal",
		Method:      http.MethodPatch,
		Path:        "/deals/{deal_id}",
		Summary:     "Update deal fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		DealID string            `path:"deal_id"`
		Body   UpdateDealRequest `json:"body"`
	}) (*struct {
		Body Envelope[domain.Deal] `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.UpdateDealMeta(ctx, engine.UpdateDealOptions{
			DealID:      input.DealID,
			Name:        input.Body.Name,
			Borrower:    input.Body.Borrower,
			Description: input.Body.Description,
			AmountCents: input.Body.AmountCents,
			MarginBps:   input.Body.MarginBps,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[domain.Deal] `json:"body"`
		}{Body: env(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-deal-status",
		Method:      http.MethodPut,
		Path:        "/deals/{deal_id}/status",
		Summary:     "Update deal status",
		Description: "Moves a deal through its lifecycle. Illegal transitions are rejected with INVALID_TRANSITION.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		DealID string              `path:"deal_id"`
		Body   StatusUpdateRequest `json:"body"`
	}) (*struct {
		Body Envelope[domain.Deal] `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		requested := deal.Status(strings.TrimSpace(input.Body.Status))
		if requested == "" {
			return nil, newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "status is required", map[string]any{"field": "status", "reason": "required"})
		}
		if !requested.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", fmt.Sprintf("unknown status %q", requested), map[string]any{"field": "status", "reason": "not a valid status"})
		}
		d, err := e.UpdateDealStatus(ctx, engine.StatusUpdateOptions{
			DealID:  input.DealID,
			Status:  requested,
			Reason:  stringOrEmpty(input.Body.Reason),
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[domain.Deal] `json:"body"`
		}{Body: env(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deal-transitions",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}/transitions",
		Summary:     "Allowed status transitions",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
	}) (*struct {
		Body Envelope[TransitionsData] `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		current, allowed, err := e.AllowedTransitions(ctx, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]string, len(allowed))
		for i, s := range allowed {
			out[i] = string(s)
		}
		return &struct {
			Body Envelope[TransitionsData] `json:"body"`
		}{Body: env(TransitionsData{
			DealID:        input.DealID,
			CurrentStatus: string(current),
			Allowed:       out,
		})}, nil
	})
}

func registerParticipants(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-participant",
		Method:        http.MethodPost,
		Path:          "/deals/{deal_id}/participants",
		Summary:       "Add participant",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		DealID string                `path:"deal_id"`
		Body   AddParticipantRequest `json:"body"`
	}) (*struct {
		Body Envelope[domain.Participant] `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.UserID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "user_id is required", nil)
		}
		p, err := e.AddParticipant(ctx, engine.AddParticipantOptions{
			DealID:      input.DealID,
			UserID:      input.Body.UserID,
			DisplayName: stringOrEmpty(input.Body.DisplayName),
			Role:        stringOrEmpty(input.Body.Role),
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[domain.Participant] `json:"body"`
		}{Body: env(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-participants",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}/participants",
		Summary:     "List participants",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
	}) (*struct {
		Body Envelope[[]domain.Participant] `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetDeal(ctx, input.DealID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListParticipants(ctx, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Participant{}
		}
		return &struct {
			Body Envelope[[]domain.Participant] `json:"body"`
		}{Body: env(items)}, nil
	})
}

func registerDocuments(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-folder",
		Method:        http.MethodPost,
		Path:          "/deals/{deal_id}/folders",
		Summary:       "Create folder",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		DealID string              `path:"deal_id"`
		Body   CreateFolderRequest `json:"body"`
	}) (*struct {
		Body Envelope[domain.Folder] `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "name is required", nil)
		}
		f, err := e.CreateFolder(ctx, input.DealID, stringOrEmpty(input.Body.ParentID), input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[domain.Folder] `json:"body"`
		}{Body: env(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-folders",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}/folders",
		Summary:     "List folders",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
	}) (*struct {
		Body Envelope[[]domain.Folder] `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetDeal(ctx, input.DealID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListFolders(ctx, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Folder{}
		}
		return &struct {
			Body Envelope[[]domain.Folder] `json:"body"`
		}{Body: env(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-document",
		Method:        http.MethodPost,
		Path:          "/deals/{deal_id}/documents",
		Summary:       "Register document",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		DealID string             `path:"deal_id"`
		Body   AddDocumentRequest `json:"body"`
	}) (*struct {
		Body Envelope[domain.Document] `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "name is required", nil)
		}
		d, err := e.AddDocument(ctx, engine.AddDocumentOptions{
			DealID:    input.DealID,
			FolderID:  stringOrEmpty(input.Body.FolderID),
			Name:      input.Body.Name,
			MimeType:  stringOrEmpty(input.Body.MimeType),
			SizeBytes: input.Body.SizeBytes,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[domain.Document] `json:"body"`
		}{Body: env(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}/documents",
		Summary:     "List documents",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID   string `path:"deal_id"`
		FolderID string `query:"folder_id"`
	}) (*struct {
		Body Envelope[[]domain.Document] `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetDeal(ctx, input.DealID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListDocuments(ctx, input.DealID, input.FolderID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Document{}
		}
		return &struct {
			Body Envelope[[]domain.Document] `json:"body"`
		}{Body: env(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-document",
		Method:      http.MethodDelete,
		Path:        "/documents/{document_id}",
		Summary:     "Delete document",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocumentID string `path:"document_id"`
	}) (*struct {
		Body Envelope[map[string]string] `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteDocument(ctx, input.DocumentID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[map[string]string] `json:"body"`
		}{Body: env(map[string]string{"deleted": input.DocumentID})}, nil
	})
}

func registerCovenants(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-covenant",
		Method:        http.MethodPost,
		Path:          "/deals/{deal_id}/covenants",
		Summary:       "Create covenant",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		DealID string                `path:"deal_id"`
		Body   CreateCovenantRequest `json:"body"`
	}) (*struct {
		Body Envelope[domain.Covenant] `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Kind) == "" {
			return nil, newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "kind is required", nil)
		}
		c, err := e.CreateCovenant(ctx, engine.CreateCovenantOptions{
			DealID:     input.DealID,
			Kind:       input.Body.Kind,
			Threshold:  input.Body.Threshold,
			Direction:  input.Body.Direction,
			Frequency:  input.Body.Frequency,
			NextTestAt: stringOrEmpty(input.Body.NextTestAt),
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[domain.Covenant] `json:"body"`
		}{Body: env(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-covenants",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}/covenants",
		Summary:     "List covenants",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
	}) (*struct {
		Body Envelope[[]domain.Covenant] `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetDeal(ctx, input.DealID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListCovenants(ctx, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Covenant{}
		}
		return &struct {
			Body Envelope[[]domain.Covenant] `json:"body"`
		}{Body: env(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-covenant-test",
		Method:        http.MethodPost,
		Path:          "/covenants/{covenant_id}/tests",
		Summary:       "Record covenant test",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CovenantID string                    `path:"covenant_id"`
		Body       RecordCovenantTestRequest `json:"body"`
	}) (*struct {
		Body Envelope[domain.CovenantTest] `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RecordCovenantTest(ctx, engine.RecordCovenantTestOptions{
			CovenantID: input.CovenantID,
			Value:      input.Body.Value,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[domain.CovenantTest] `json:"body"`
		}{Body: env(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-covenant-tests",
		Method:      http.MethodGet,
		Path:        "/covenants/{covenant_id}/tests",
		Summary:     "List covenant tests",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CovenantID string `path:"covenant_id"`
	}) (*struct {
		Body Envelope[[]domain.CovenantTest] `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetCovenant(ctx, input.CovenantID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListCovenantTests(ctx, input.CovenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.CovenantTest{}
		}
		return &struct {
			Body Envelope[[]domain.CovenantTest] `json:"body"`
		}{Body: env(items)}, nil
	})
}

func registerKPIs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-kpi",
		Method:        http.MethodPost,
		Path:          "/deals/{deal_id}/kpis",
		Summary:       "Create ESG KPI",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		DealID string           `path:"deal_id"`
		Body   CreateKPIRequest `json:"body"`
	}) (*struct {
		Body Envelope[domain.KPI] `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Kind) == "" {
			return nil, newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "kind is required", nil)
		}
		k, err := e.CreateKPI(ctx, engine.CreateKPIOptions{
			DealID:  input.DealID,
			Kind:    input.Body.Kind,
			Unit:    stringOrEmpty(input.Body.Unit),
			Target:  input.Body.Target,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[domain.KPI] `json:"body"`
		}{Body: env(k)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-kpis",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}/kpis",
		Summary:     "List ESG KPIs",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
	}) (*struct {
		Body Envelope[[]domain.KPI] `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetDeal(ctx, input.DealID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListKPIs(ctx, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.KPI{}
		}
		return &struct {
			Body Envelope[[]domain.KPI] `json:"body"`
		}{Body: env(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-kpi-observation",
		Method:        http.MethodPost,
		Path:          "/kpis/{kpi_id}/observations",
		Summary:       "Record KPI observation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		KPIID string                   `path:"kpi_id"`
		Body  RecordObservationRequest `json:"body"`
	}) (*struct {
		Body Envelope[domain.KPIObservation] `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Period) == "" {
			return nil, newAPIError(http.StatusBadRequest, "VALIDATION_ERROR", "period is required", nil)
		}
		o, err := e.RecordKPIObservation(ctx, engine.RecordObservationOptions{
			KPIID:   input.KPIID,
			Period:  input.Body.Period,
			Value:   input.Body.Value,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[domain.KPIObservation] `json:"body"`
		}{Body: env(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-kpi-observations",
		Method:      http.MethodGet,
		Path:        "/kpis/{kpi_id}/observations",
		Summary:     "List KPI observations",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KPIID string `path:"kpi_id"`
	}) (*struct {
		Body Envelope[[]domain.KPIObservation] `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetKPI(ctx, input.KPIID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListKPIObservations(ctx, input.KPIID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.KPIObservation{}
		}
		return &struct {
			Body Envelope[[]domain.KPIObservation] `json:"body"`
		}{Body: env(items)}, nil
	})
}

func registerActivity(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "deal-activity",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}/activity",
		Summary:     "Deal activity log",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
		Limit  int    `query:"limit"`
		Cursor int64  `query:"cursor"`
	}) (*struct {
		Body Envelope[ActivityListData] `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetDeal(ctx, input.DealID); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		items, err := e.Repo.ListActivity(ctx, input.DealID, limit+1, input.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		data := ActivityListData{Items: items}
		if len(items) > limit {
			data.Items = items[:limit]
			data.NextCursor = data.Items[len(data.Items)-1].ID
		}
		if data.Items == nil {
			data.Items = []domain.ActivityEntry{}
		}
		return &struct {
			Body Envelope[ActivityListData] `json:"body"`
		}{Body: env(data)}, nil
	})
}

func registerDashboard(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Portfolio summary",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body Envelope[engine.Dashboard] `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		d, err := e.DashboardSummary(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[engine.Dashboard] `json:"body"`
		}{Body: env(d)}, nil
	})
}

func registerAPIKeys(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		Description:   "The plaintext key is returned once and only its hash is stored.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body Envelope[APIKeyCreatedData] `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plaintext := "lk_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
		key := domain.APIKey{
			ID:      uuid.NewString(),
			UserID:  actorID,
			Name:    stringOrEmpty(input.Body.Name),
			KeyHash: repo.HashAPIKey(plaintext),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		stored, err := e.Repo.GetAPIKeyByHash(ctx, key.KeyHash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[APIKeyCreatedData] `json:"body"`
		}{Body: env(APIKeyCreatedData{
			ID:        stored.ID,
			Name:      stored.Name,
			Key:       plaintext,
			CreatedAt: stored.CreatedAt,
		})}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body Envelope[[]APIKeySummary] `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeySummary, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeySummary{
				ID:        k.ID,
				UserID:    k.UserID,
				Name:      k.Name,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body Envelope[[]APIKeySummary] `json:"body"`
		}{Body: env(out)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Revoke API key",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct {
		Body Envelope[map[string]string] `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[map[string]string] `json:"body"`
		}{Body: env(map[string]string{"revoked": input.KeyID})}, nil
	})
}
