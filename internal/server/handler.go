package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	_ "github.com/k11v/backslash/docs"
	"github.com/k11v/backslash/internal/buildtask"
)

const (
	headerAuthorization   = "Authorization"
	headerXIdempotencyKey = "X-Idempotency-Key"
)

const healthCheckTimeout = 3 * time.Second

// BuildService is the build side of the API.
// buildtask.Service implements it.
type BuildService interface {
	Submit(ctx context.Context, params *buildtask.ServiceSubmitParams) (*buildtask.Build, error)
	GetBuild(ctx context.Context, id, userID uuid.UUID) (*buildtask.Build, error)
	OpenArtifact(ctx context.Context, projectID, userID uuid.UUID) (*buildtask.Build, io.ReadCloser, error)
}

// Runner reports the scheduler state.
// buildtask.Scheduler implements it.
type Runner interface {
	Health() *buildtask.Health
	PendingCount(ctx context.Context) (int, error)
}

// CheckFunc returns an error if a dependency is unhealthy.
type CheckFunc func(ctx context.Context) error

type Deps struct {
	Service  BuildService         // required
	Runner   Runner               // required
	Checks   map[string]CheckFunc // optional
	Gatherer prometheus.Gatherer  // optional
}

type handler struct {
	mux     *http.ServeMux
	service BuildService
	runner  Runner
	checks  map[string]CheckFunc
	log     *slog.Logger
}

func newHandler(deps *Deps, log *slog.Logger, swagger bool) *handler {
	mux := http.NewServeMux()
	h := &handler{
		mux:     mux,
		service: deps.Service,
		runner:  deps.Runner,
		checks:  deps.Checks,
		log:     log,
	}

	if swagger {
		mux.Handle("GET /swagger/", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
	}

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /health", h.GetHealth)

	mux.HandleFunc("POST /builds", h.CreateBuild)
	mux.HandleFunc("GET /builds/{id}", h.GetBuild)

	mux.HandleFunc("GET /api/projects/{id}/pdf", h.GetProjectPDF)

	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

const (
	healthStatusOK       = "ok"
	healthStatusDegraded = "degraded"
)

type Health struct {
	Status      string            `json:"status"`
	Runner      *buildtask.Health `json:"runner"`
	PendingJobs *int              `json:"pending_jobs"`
	Checks      map[string]string `json:"checks"`
}

// GetHealth godoc
//
//	@Summary	Report worker health
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	Health
//	@Failure	503	{object}	Health
//	@Router		/health [get]
func (h *handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := Health{
		Status: healthStatusOK,
		Runner: h.runner.Health(),
		Checks: make(map[string]string, len(h.checks)+1),
	}
	if !resp.Runner.Running || !resp.Runner.BrokerConnected {
		resp.Status = healthStatusDegraded
	}

	if n, err := h.runner.PendingCount(ctx); err != nil {
		resp.Status = healthStatusDegraded
		resp.Checks["queue"] = err.Error()
	} else {
		resp.PendingJobs = &n
		resp.Checks["queue"] = healthStatusOK
	}

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Status = healthStatusDegraded
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = healthStatusOK
	}

	code := http.StatusOK
	if resp.Status != healthStatusOK {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, resp)
}

// Build is the API representation of a build.
type Build struct {
	ID          uuid.UUID  `json:"id"`
	ProjectID   uuid.UUID  `json:"project_id"`
	UserID      uuid.UUID  `json:"user_id"`
	ActorID     uuid.UUID  `json:"actor_id"`
	Status      string     `json:"status"`
	Engine      string     `json:"engine"`
	MainFile    string     `json:"main_file"`
	Logs        *string    `json:"logs"`
	DurationMs  *int64     `json:"duration_ms"`
	ExitCode    *int       `json:"exit_code"`
	PDFPath     *string    `json:"pdf_path"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

func newBuild(b *buildtask.Build) *Build {
	return &Build{
		ID:          b.ID,
		ProjectID:   b.ProjectID,
		UserID:      b.UserID,
		ActorID:     b.ActorID,
		Status:      string(b.Status),
		Engine:      string(b.Engine),
		MainFile:    b.MainFile,
		Logs:        b.Logs,
		DurationMs:  b.DurationMs,
		ExitCode:    b.ExitCode,
		PDFPath:     b.PDFPath,
		CreatedAt:   b.CreatedAt,
		StartedAt:   b.StartedAt,
		CompletedAt: b.CompletedAt,
	}
}

type CreateBuildRequest struct {
	ProjectID      *uuid.UUID `json:"project_id"`
	OwnerStorageID *uuid.UUID `json:"owner_storage_id"`
	Engine         string     `json:"engine"`
	MainFile       string     `json:"main_file"`
}

// CreateBuild godoc
//
//	@Summary	Queue a build
//	@Tags		builds
//	@Accept		json
//	@Produce	json
//	@Param		Authorization		header		string				true	"Bearer user ID"
//	@Param		X-Idempotency-Key	header		string				true	"Build ID"
//	@Param		request				body		CreateBuildRequest	true	"Build request"
//	@Success	202					{object}	Build
//	@Failure	401					{string}	string
//	@Failure	409					{string}	string
//	@Failure	422					{string}	string
//	@Failure	503					{string}	string
//	@Router		/builds [post]
func (h *handler) CreateBuild(w http.ResponseWriter, r *http.Request) {
	// Header Authorization
	if err := checkHeaderCountIsOne(r.Header, headerAuthorization); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	userID, err := userIDFromAuthorizationHeader(r.Header.Get(headerAuthorization))
	if err != nil {
		http.Error(w, fmt.Errorf("invalid %s request header: %w", headerAuthorization, err).Error(), http.StatusUnauthorized)
		return
	}

	// Header X-Idempotency-Key
	if err = checkHeaderCountIsOne(r.Header, headerXIdempotencyKey); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	idempotencyKey, err := uuid.Parse(r.Header.Get(headerXIdempotencyKey))
	if err != nil {
		http.Error(w, fmt.Errorf("invalid %s request header: %w", headerXIdempotencyKey, err).Error(), http.StatusUnprocessableEntity)
		return
	}

	// Body
	var req CreateBuildRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err = dec.Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusUnprocessableEntity)
		return
	}
	if dec.More() {
		http.Error(w, "invalid request body: multiple top-level values", http.StatusUnprocessableEntity)
		return
	}
	if req.ProjectID == nil {
		http.Error(w, "invalid request body: missing project_id", http.StatusUnprocessableEntity)
		return
	}

	params := &buildtask.ServiceSubmitParams{
		BuildID:   idempotencyKey,
		ProjectID: *req.ProjectID,
		ActorID:   userID,
		Engine:    buildtask.Engine(req.Engine),
		MainFile:  req.MainFile,
	}
	if req.OwnerStorageID != nil {
		params.OwnerStorageID = *req.OwnerStorageID
	}

	b, err := h.service.Submit(r.Context(), params)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, newBuild(b))
}

// GetBuild godoc
//
//	@Summary	Get a build
//	@Tags		builds
//	@Produce	json
//	@Param		Authorization	header		string	true	"Bearer user ID"
//	@Param		id				path		string	true	"Build ID"
//	@Success	200				{object}	Build
//	@Failure	401				{string}	string
//	@Failure	404				{string}	string
//	@Router		/builds/{id} [get]
func (h *handler) GetBuild(w http.ResponseWriter, r *http.Request) {
	// Path value id
	const pathValueID = "id"
	id, err := uuid.Parse(r.PathValue(pathValueID))
	if err != nil {
		http.Error(w, fmt.Errorf("invalid %q request path value: %w", pathValueID, err).Error(), http.StatusUnprocessableEntity)
		return
	}

	// Header Authorization
	if err = checkHeaderCountIsOne(r.Header, headerAuthorization); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	userID, err := userIDFromAuthorizationHeader(r.Header.Get(headerAuthorization))
	if err != nil {
		http.Error(w, fmt.Errorf("invalid %s request header: %w", headerAuthorization, err).Error(), http.StatusUnauthorized)
		return
	}

	b, err := h.service.GetBuild(r.Context(), id, userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newBuild(b))
}

// GetProjectPDF godoc
//
//	@Summary	Download the latest PDF of a project
//	@Tags		builds
//	@Produce	application/pdf
//	@Param		Authorization	header		string	true	"Bearer user ID"
//	@Param		id				path		string	true	"Project ID"
//	@Success	200				{file}		file
//	@Failure	401				{string}	string
//	@Failure	404				{string}	string
//	@Router		/api/projects/{id}/pdf [get]
func (h *handler) GetProjectPDF(w http.ResponseWriter, r *http.Request) {
	// Path value id
	const pathValueID = "id"
	projectID, err := uuid.Parse(r.PathValue(pathValueID))
	if err != nil {
		http.Error(w, fmt.Errorf("invalid %q request path value: %w", pathValueID, err).Error(), http.StatusUnprocessableEntity)
		return
	}

	// Header Authorization
	if err = checkHeaderCountIsOne(r.Header, headerAuthorization); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	userID, err := userIDFromAuthorizationHeader(r.Header.Get(headerAuthorization))
	if err != nil {
		http.Error(w, fmt.Errorf("invalid %s request header: %w", headerAuthorization, err).Error(), http.StatusUnauthorized)
		return
	}

	b, rc, err := h.service.OpenArtifact(r.Context(), projectID, userID)
	if errors.Is(err, buildtask.ErrNotFound) {
		http.Error(w, "pdf not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	defer rc.Close()

	filename := path.Base(buildtask.ArtifactName(b.MainFile))
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "inline; filename="+strconv.Quote(filename))
	w.Header().Set("X-Build-Id", b.ID.String())
	w.WriteHeader(http.StatusOK)
	if _, err = io.Copy(w, rc); err != nil {
		h.log.Error("didn't write pdf", "build_id", b.ID, "error", err)
	}
}

func (h *handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, buildtask.ErrInvalidJob):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, buildtask.ErrNotFound):
		http.Error(w, "build not found", http.StatusNotFound)
	case errors.Is(err, buildtask.ErrIdempotencyKeyAlreadyUsed):
		http.Error(w, "idempotency key already used", http.StatusConflict)
	case errors.Is(err, buildtask.ErrUnavailable):
		http.Error(w, "compilation service unavailable", http.StatusServiceUnavailable)
	default:
		h.log.Error("didn't serve request", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("didn't write response", "error", err)
	}
}

func checkHeaderCountIsOne(header http.Header, key string) error {
	if got, want := len(header.Values(key)), 1; got != want {
		if got == 0 {
			return fmt.Errorf("missing %s request header", key)
		} else {
			return fmt.Errorf("multiple %s request headers", key)
		}
	}
	return nil
}

// userIDFromAuthorizationHeader.
// It doesn't check for missing header or multiple headers.
func userIDFromAuthorizationHeader(h string) (uuid.UUID, error) {
	scheme, params, _ := strings.Cut(h, " ")

	if scheme == "" {
		return uuid.UUID{}, errors.New("no scheme")
	}

	if got, want := scheme, "Bearer"; !strings.EqualFold(got, want) {
		return uuid.UUID{}, fmt.Errorf("got unsupported scheme %q, want %q", got, want)
	}

	// TODO: Verify tokens once the API gateway forwards signed ones instead of user IDs.
	userID, err := uuid.Parse(params)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid token: %w", err)
	}

	return userID, nil
}
