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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"sunmeter/internal/engine"
	"sunmeter/internal/lock"
	"sunmeter/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"client 42 has no devices"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Sunmeter API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(cfg.Auth))
	hcfg := huma.DefaultConfig("Sunmeter API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCO2(group, cfg.Engine)
	registerStats(group, cfg.Engine)
	registerMeters(group, cfg.Engine)
	registerDevices(group, cfg.Engine)
	registerAuth(group, cfg.Auth)
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
	if errors.Is(err, lock.ErrHeld) {
		return newAPIError(http.StatusConflict, "calculation_in_progress", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnauthorized:
		return "unauthorized"
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Sunmeter API Docs</title>
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

func registerCO2(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-monthly-co2-calculation",
		Method:        http.MethodPost,
		Path:          "/co2/start-monthly-co2-calculation",
		Summary:       "Start a monthly CO2 calculation batch",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body StartCalculationRequest `json:"body"`
	}) (*struct {
		Body StartCalculationResponse `json:"body"`
	}, error) {
		if input.Body.ClientID <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "client_id is required", nil)
		}
		if input.Body.Year < 2000 || input.Body.Year > 2100 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "year out of range", nil)
		}
		if input.Body.Month < 1 || input.Body.Month > 12 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "month must be 1..12", nil)
		}
		actorID := actorFromContext(ctx)
		groupID, total, err := e.StartMonthlyCalculation(ctx, input.Body.ClientID, input.Body.Year, input.Body.Month, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartCalculationResponse `json:"body"`
		}{Body: StartCalculationResponse{
			GroupID:    groupID,
			TotalTasks: total,
			Message:    fmt.Sprintf("calculation started for client %d, %d-%02d", input.Body.ClientID, input.Body.Year, input.Body.Month),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-group-progress",
		Method:      http.MethodGet,
		Path:        "/co2/task-group-progress/{group_id}",
		Summary:     "Progress of a calculation batch",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID string `path:"group_id"`
	}) (*struct {
		Body ProgressResponse `json:"body"`
	}, error) {
		progress, err := e.Progress(ctx, input.GroupID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgressResponse `json:"body"`
		}{Body: ProgressResponse{
			GroupID:   progress.GroupID,
			Total:     progress.Total,
			Completed: progress.Completed,
			Status:    progress.Status,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "client-monthly-co2",
		Method:      http.MethodGet,
		Path:        "/co2/client-monthly-co2",
		Summary:     "Per-day energy and CO2 for a client month",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ClientID int64 `query:"client_id" required:"true"`
		Year     int   `query:"year" required:"true"`
		Month    int   `query:"month" required:"true"`
	}) (*struct {
		Body MonthlyCO2Response `json:"body"`
	}, error) {
		if input.Month < 1 || input.Month > 12 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "month must be 1..12", nil)
		}
		results, err := e.MonthlyResults(ctx, input.ClientID, input.Year, input.Month)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MonthlyCO2Response `json:"body"`
		}{Body: MonthlyCO2Response{
			ClientID: input.ClientID,
			Year:     input.Year,
			Month:    input.Month,
			Days:     results,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clients-annual-co2",
		Method:      http.MethodGet,
		Path:        "/co2/clients-annual-co2",
		Summary:     "Annual energy and CO2 totals for every client",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AnnualCO2Response `json:"body"`
	}, error) {
		rows, err := e.AnnualCO2(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnnualCO2Response `json:"body"`
		}{Body: AnnualCO2Response{Clients: rows}}, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "all-clients-stats",
		Method:      http.MethodGet,
		Path:        "/stats/all-clients-stats",
		Summary:     "Device counts and online/offline split per client",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ClientStatsResponse `json:"body"`
	}, error) {
		stats, online, offline, err := e.ClientStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClientStatsResponse `json:"body"`
		}{Body: ClientStatsResponse{
			Clients:      stats,
			TotalOnline:  online,
			TotalOffline: offline,
		}}, nil
	})
}

func registerMeters(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-meter",
		Method:      http.MethodGet,
		Path:        "/meters/{meter_id}",
		Summary:     "Get meter",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MeterID int64 `path:"meter_id"`
	}) (*struct {
		Body MeterResponse `json:"body"`
	}, error) {
		device, err := e.Repo.GetDevice(ctx, input.MeterID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeterResponse `json:"body"`
		}{Body: meterResponse(device)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "meter-readings",
		Method:      http.MethodGet,
		Path:        "/meters/{meter_id}/readings",
		Summary:     "Latest raw readings for a meter",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MeterID int64 `path:"meter_id"`
		Limit   int   `query:"limit" default:"50"`
	}) (*struct {
		Body ReadingsResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		device, err := e.Repo.GetDevice(ctx, input.MeterID)
		if err != nil {
			return nil, handleError(err)
		}
		samples, err := e.Repo.LatestReadings(ctx, device.ID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReadingsResponse `json:"body"`
		}{Body: ReadingsResponse{
			Serial:   device.Serial,
			Readings: samples,
		}}, nil
	})
}

func registerDevices(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "device-door-openings",
		Method:      http.MethodGet,
		Path:        "/devices/{serial}/door-openings",
		Summary:     "Door opening segments for a device-day",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Serial string `path:"serial"`
		Date   string `query:"date" required:"true" format:"date"`
	}) (*struct {
		Body DoorOpeningsResponse `json:"body"`
	}, error) {
		stats, err := e.DoorOpenings(ctx, input.Serial, input.Date)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DoorOpeningsResponse `json:"body"`
		}{Body: DoorOpeningsResponse{
			SerialNumber:    stats.SerialNumber,
			Date:            stats.Date,
			TotalOpenings:   stats.TotalOpenings,
			AverageDuration: stats.AverageDuration,
			Openings:        stats.Openings,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "device-status-lookup",
		Method:      http.MethodPost,
		Path:        "/devices/status-lookup",
		Summary:     "Bulk status lookup by serial or SIM number",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body StatusLookupRequest `json:"body"`
	}) (*struct {
		Body StatusLookupResponse `json:"body"`
	}, error) {
		if len(input.Body.Identifiers) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "identifiers is required", nil)
		}
		registered, test, err := e.DeviceStatusLookup(ctx, input.Body.Identifiers)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusLookupResponse `json:"body"`
		}{Body: StatusLookupResponse{
			Registered: registered,
			Test:       test,
		}}, nil
	})
}
