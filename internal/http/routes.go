package httpx

import (
	"log/slog"
	"net/http"

	"github.com/peopleflow/importd/internal/service"
)

// RouterServices holds the services needed by the HTTP router.
type RouterServices struct {
	Imports *service.ImportService
	Logger  *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))

	h := &ImportHandlers{Svc: services.Imports}
	mux.HandleFunc("POST /api/imports", h.Register)
	mux.HandleFunc("GET /api/imports", h.List)
	mux.HandleFunc("GET /api/imports/{id}", h.Get)
	mux.HandleFunc("GET /api/imports/{id}/details", h.Details)
	mux.HandleFunc("GET /api/imports/{id}/rows", h.Rows)
	mux.HandleFunc("GET /api/imports/{id}/errors", h.Errors)
	mux.HandleFunc("POST /api/imports/{id}/cancel", h.Cancel)
	mux.HandleFunc("POST /api/imports/{id}/retry", h.Retry)
	mux.HandleFunc("POST /api/imports/{id}/retry-failed-rows", h.RetryFailedRows)

	var handler http.Handler = mux
	handler = Logging(logger)(handler)
	handler = Recover(logger)(handler)
	return handler
}
