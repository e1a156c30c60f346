package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sqlpilot/internal/core"
	"sqlpilot/internal/metrics"
	"sqlpilot/internal/ratelimit"
	"sqlpilot/internal/service"
)

const maxBodyBytes = 1 << 20

type Deps struct {
	Pipeline    *service.Pipeline
	Targets     *service.TargetService
	Auth        *AuthHandler
	LoginGate   ratelimit.Gate
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	CORSOrigins []string
	Logger      *zap.Logger

	// TrustProxyHeaders keys pre-login rate limits by CF-Connecting-IP or
	// X-Forwarded-For instead of the connection address.
	TrustProxyHeaders bool
}

type Handler struct {
	pipeline *service.Pipeline
	targets  *service.TargetService
	auth     *AuthHandler
	deps     Deps
	logger   *zap.Logger
}

func NewHandler(deps Deps) *Handler {
	return &Handler{
		pipeline: deps.Pipeline,
		targets:  deps.Targets,
		auth:     deps.Auth,
		deps:     deps,
		logger:   deps.Logger.Named("api"),
	}
}

// Routes builds the JSON API router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(h.deps.Logger))
	if len(h.deps.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.deps.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			ExposedHeaders:   []string{"Retry-After", "Content-Disposition"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if h.deps.LoginGate.Limiter != nil {
				r.Use(RateLimit(h.deps.LoginGate, h.deps.TrustProxyHeaders, h.deps.Metrics, h.logger))
			}
			r.Post("/signup", h.auth.Signup)
			r.Post("/login", h.auth.Login)
		})
		r.Post("/logout", h.auth.Logout)
		r.With(h.auth.RequireUser).Get("/me", h.auth.Me)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.auth.RequireUser)

		r.Route("/api/databases", func(r chi.Router) {
			r.Get("/", h.ListDatabases)
			r.Post("/", h.CreateDatabase)
			r.Post("/test-connection", h.TestConnection)
			r.Post("/test-ssh", h.TestSSH)
			r.Get("/{id}", h.GetDatabase)
			r.Delete("/{id}", h.DeleteDatabase)
			r.Post("/{id}/ask", h.Ask)
		})

		r.Route("/api/queries", func(r chi.Router) {
			r.Get("/", h.History)
			r.Get("/{id}", h.GetQuery)
			r.Get("/{id}/export", h.ExportQuery)
		})
	})

	return r
}

func (h *Handler) ListDatabases(w http.ResponseWriter, r *http.Request) {
	user, _ := userIDFrom(r.Context())
	targets, err := h.targets.ListTargets(r.Context(), user)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

func (h *Handler) CreateDatabase(w http.ResponseWriter, r *http.Request) {
	user, _ := userIDFrom(r.Context())
	var in service.TargetInput
	if !decodeJSON(w, r, h.logger, &in) {
		return
	}

	target, err := h.targets.RegisterTarget(r.Context(), user, in)
	if err != nil {
		var execErr *core.ExecutionError
		if errors.As(err, &execErr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"message": "Failed to connect to the database. Please check your credentials.",
				"details": execErr.Message,
			})
			return
		}
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, target)
}

func (h *Handler) GetDatabase(w http.ResponseWriter, r *http.Request) {
	user, _ := userIDFrom(r.Context())
	target, err := h.targets.GetTarget(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (h *Handler) DeleteDatabase(w http.ResponseWriter, r *http.Request) {
	user, _ := userIDFrom(r.Context())
	if err := h.targets.DeleteTarget(r.Context(), user, chi.URLParam(r, "id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	user, _ := userIDFrom(r.Context())
	var in service.TargetInput
	if !decodeJSON(w, r, h.logger, &in) {
		return
	}

	res, err := h.targets.TestConnection(r.Context(), user, in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}

func (h *Handler) TestSSH(w http.ResponseWriter, r *http.Request) {
	user, _ := userIDFrom(r.Context())
	var in service.SSHInput
	if !decodeJSON(w, r, h.logger, &in) {
		return
	}

	res, err := h.targets.TestSSH(r.Context(), user, in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}

type askBody struct {
	Question   string `json:"question"`
	SchemaHint string `json:"schema_hint,omitempty"`
}

func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	user, _ := userIDFrom(r.Context())
	var in askBody
	if !decodeJSON(w, r, h.logger, &in) {
		return
	}

	attempt, err := h.pipeline.Ask(r.Context(), service.AskRequest{
		CallerID:   user,
		TargetID:   chi.URLParam(r, "id"),
		Question:   in.Question,
		SchemaHint: in.SchemaHint,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	user, _ := userIDFrom(r.Context())
	attempts, err := h.pipeline.History(r.Context(), user, r.URL.Query().Get("database_id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (h *Handler) GetQuery(w http.ResponseWriter, r *http.Request) {
	user, _ := userIDFrom(r.Context())
	attempt, err := h.pipeline.GetAttempt(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (h *Handler) ExportQuery(w http.ResponseWriter, r *http.Request) {
	user, _ := userIDFrom(r.Context())
	attempt, err := h.pipeline.GetAttempt(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = service.FormatCSV
	}
	switch format {
	case service.FormatCSV:
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	case service.FormatJSON:
		w.Header().Set("Content-Type", "application/json")
	default:
		writeError(w, h.logger, &core.ValidationError{Field: "format", Message: "format must be csv or json"})
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="query-%s.%s"`, attempt.ID, format))

	if err := service.Export(w, attempt, format); err != nil {
		h.logger.Error("Export failed", zap.String("attempt_id", attempt.ID), zap.Error(err))
	}
}

// decodeJSON reads a bounded JSON body into dst, answering 400 itself on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, logger *zap.Logger, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		logger.Debug("Bad request body", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps pipeline errors to statuses. Messages never carry driver or model text
// beyond what the typed errors already sanitized.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var (
		rl        *core.RateLimitError
		unsafeIn  *core.UnsafeInputError
		unsafeSQL *core.UnsafeGeneratedSQLError
		validErr  *core.ValidationError
		execErr   *core.ExecutionError
		tunnelErr *core.TunnelError
		genErr    *core.GenerationError
	)

	switch {
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", retryAfterSeconds(rl))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"message": "Rate limit exceeded. Please try again later."})
	case errors.As(err, &unsafeIn):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Question rejected: " + unsafeIn.Reason})
	case errors.As(err, &unsafeSQL):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Generated SQL query is unsafe: " + unsafeSQL.Reason})
	case errors.As(err, &validErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": validErr.Message, "field": validErr.Field})
	case errors.As(err, &execErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Query execution failed: " + execErr.Message})
	case errors.As(err, &tunnelErr):
		logger.Warn("Tunnel failure", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"message": "SSH tunnel to " + tunnelErr.Host + " could not be established"})
	case errors.As(err, &genErr):
		logger.Warn("Generation failure", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"message": "Query generation failed. Please try again."})
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not found"})
	case errors.Is(err, service.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid username or password"})
	case errors.Is(err, service.ErrUsernameTaken):
		writeJSON(w, http.StatusConflict, map[string]string{"message": err.Error()})
	default:
		logger.Error("Request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "An unexpected error occurred"})
	}
}
