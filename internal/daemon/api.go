package daemon

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/clawup/clawup/internal/db"
	"github.com/clawup/clawup/internal/models"
	"github.com/clawup/clawup/internal/progress"
	"github.com/clawup/clawup/internal/validate"
)

const (
	maxJSONBytes       = 1 << 20 // Maximum size for JSON request bodies (1MB)
	defaultEventsLimit = 200     // Default events returned per query
	maxEventsLimit     = 1000    // Maximum events allowed per query
	defaultRunsLimit   = 50      // Default runs returned per query
	maxRunsLimit       = 500     // Maximum runs allowed per query
	runIDHeader        = "X-Clawup-Run-ID"
	ndjsonContentType  = "application/x-ndjson"
)

// errorRedactor scrubs error details before they are returned to clients.
var errorRedactor = NewRedactor(nil)

// ProvisionAPI handles the wizard and run history HTTP requests.
//
// Endpoints:
//   - POST /api/install              - Provision a host, streaming NDJSON progress
//   - POST /api/test-ssh             - Check SSH credentials
//   - POST /api/test-key             - Check an AI, Telegram or Discord credential
//   - GET  /v1/runs                  - List recent runs
//   - GET  /v1/runs/{id}             - Get run details
//   - GET  /v1/runs/{id}/events      - Get recorded run events
type ProvisionAPI struct {
	runs      *RunManager
	store     *db.Store
	validator *validate.Validator
	limiter   *CheckLimiter
	metrics   *Metrics
	logger    *log.Logger
}

// NewProvisionAPI creates the API. store may be nil when history is disabled.
func NewProvisionAPI(runs *RunManager, store *db.Store, validator *validate.Validator, logger *log.Logger) *ProvisionAPI {
	if logger == nil {
		logger = log.Default()
	}
	return &ProvisionAPI{
		runs:      runs,
		store:     store,
		validator: validator,
		logger:    logger,
	}
}

// WithRateLimiter limits the credential check endpoints per remote address.
func (api *ProvisionAPI) WithRateLimiter(limiter *CheckLimiter) *ProvisionAPI {
	if api == nil {
		return api
	}
	api.limiter = limiter
	return api
}

// WithMetrics records validation outcomes.
func (api *ProvisionAPI) WithMetrics(metrics *Metrics) *ProvisionAPI {
	if api == nil {
		return api
	}
	api.metrics = metrics
	return api
}

func (api *ProvisionAPI) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/api/install", api.handleInstall)
	mux.HandleFunc("/api/test-ssh", api.handleTestSSH)
	mux.HandleFunc("/api/test-key", api.handleTestKey)
	mux.HandleFunc("/v1/runs", api.handleRuns)
	mux.HandleFunc("/v1/runs/", api.handleRunByID)
}

func (api *ProvisionAPI) handleInstall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	streaming, err := parseStreamParam(r.URL.Query().Get("stream"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid stream")
		return
	}
	var req models.ProvisioningRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if api.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "provisioning unavailable")
		return
	}
	active, err := api.runs.Start(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		api.logger.Printf("clawupd: start run: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	w.Header().Set(runIDHeader, active.ID)

	if !streaming {
		collector := &progress.Collector{}
		out := active.Execute(collector)
		writeJSON(w, http.StatusOK, V1InstallBatchResponse{
			Success: out.Success,
			RunID:   active.ID,
			Stages:  collector.Events(),
		})
		return
	}

	w.Header().Set("Content-Type", ndjsonContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	active.Execute(progress.NewNDJSONSink(w))
}

func (api *ProvisionAPI) handleTestSSH(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	if !api.allowCheck(w, r, CheckSSH) {
		return
	}
	var body V1TestSSHRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if strings.TrimSpace(body.Host) == "" {
		writeError(w, http.StatusBadRequest, "host is required")
		return
	}
	if api.validator == nil {
		writeError(w, http.StatusServiceUnavailable, "validation unavailable")
		return
	}
	res := api.validator.SSH(r.Context(), models.ProvisioningRequest{
		Host:       body.Host,
		Port:       body.Port,
		Username:   body.Username,
		AuthType:   models.AuthType(strings.ToLower(strings.TrimSpace(body.AuthType))),
		Password:   body.Password,
		PrivateKey: body.PrivateKey,
		Passphrase: body.Passphrase,
	})
	api.metrics.IncValidation("ssh", res.Success)
	writeJSON(w, http.StatusOK, validationToV1(res))
}

func (api *ProvisionAPI) handleTestKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	if !api.allowCheck(w, r, CheckKey) {
		return
	}
	var body V1TestKeyRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	kind := strings.ToLower(strings.TrimSpace(body.Type))
	if kind == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if api.validator == nil {
		writeError(w, http.StatusServiceUnavailable, "validation unavailable")
		return
	}
	var res validate.Result
	switch kind {
	case "ai":
		res = api.validator.AI(r.Context(), body.Key, body.Provider)
	case "telegram":
		res = api.validator.Telegram(r.Context(), body.Key)
	case "discord":
		res = api.validator.Discord(r.Context(), body.Key)
	default:
		writeError(w, http.StatusBadRequest, "unknown key type "+strconv.Quote(kind))
		return
	}
	api.metrics.IncValidation(kind, res.Success)
	writeJSON(w, http.StatusOK, validationToV1(res))
}

// allowCheck admits a credential check or answers 429 with the wait.
func (api *ProvisionAPI) allowCheck(w http.ResponseWriter, r *http.Request, class CheckClass) bool {
	ok, wait := api.limiter.Allow(r.RemoteAddr, class)
	if !ok {
		writeRateLimitExceeded(w, wait)
	}
	return ok
}

func (api *ProvisionAPI) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	if api.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	limit, err := parseQueryInt(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit == 0 {
		limit = defaultRunsLimit
	}
	if limit > maxRunsLimit {
		limit = maxRunsLimit
	}
	runs, err := api.store.ListRuns(r.Context(), limit)
	if err != nil {
		api.logger.Printf("clawupd: list runs: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	resp := V1RunsResponse{Runs: make([]V1Run, 0, len(runs))}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, runToV1(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *ProvisionAPI) handleRunByID(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, ErrRunNotFound.Error())
		return
	}
	runID := parts[0]
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, []string{http.MethodGet})
			return
		}
		api.handleRunGet(w, r, runID)
	case len(parts) == 2 && parts[1] == "events":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, []string{http.MethodGet})
			return
		}
		api.handleRunEvents(w, r, runID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (api *ProvisionAPI) handleRunGet(w http.ResponseWriter, r *http.Request, runID string) {
	if api.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	run, err := api.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, ErrRunNotFound.Error())
			return
		}
		api.logger.Printf("clawupd: get run %s: %v", runID, err)
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, runToV1(run))
}

func (api *ProvisionAPI) handleRunEvents(w http.ResponseWriter, r *http.Request, runID string) {
	if api.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	query := r.URL.Query()
	after, err := parseQueryInt64(query.Get("after"))
	if err != nil || after < 0 {
		writeError(w, http.StatusBadRequest, "invalid after")
		return
	}
	tail, err := parseQueryInt(query.Get("tail"))
	if err != nil || tail < 0 {
		writeError(w, http.StatusBadRequest, "invalid tail")
		return
	}
	limit, err := parseQueryInt(query.Get("limit"))
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if tail > 0 && after > 0 {
		writeError(w, http.StatusBadRequest, "tail and after are mutually exclusive")
		return
	}
	if _, err := api.store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, ErrRunNotFound.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	if limit <= 0 {
		limit = defaultEventsLimit
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}
	var events []db.Event
	if tail > 0 {
		if tail > maxEventsLimit {
			tail = maxEventsLimit
		}
		events, err = api.store.ListEventsByRunTail(r.Context(), runID, tail)
	} else {
		events, err = api.store.ListEventsByRun(r.Context(), runID, after, limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	resp := V1EventsResponse{Events: make([]V1Event, 0, len(events))}
	var lastID int64
	for _, ev := range events {
		if ev.ID > lastID {
			lastID = ev.ID
		}
		resp.Events = append(resp.Events, eventToV1(ev))
	}
	if lastID > 0 {
		resp.LastID = lastID
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError writes the JSON error envelope. Details are redacted and only
// sent for client errors.
func writeError(w http.ResponseWriter, status int, msg string, err ...error) {
	payload := V1ErrorResponse{Error: msg, Code: daemonErrorCode(status, msg)}
	if len(err) > 0 && err[0] != nil && status < http.StatusInternalServerError {
		payload.Details = errorRedactor.Redact(err[0].Error())
	}
	writeJSON(w, status, payload)
}

func writeMethodNotAllowed(w http.ResponseWriter, methods []string) {
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func parseQueryInt(value string) (int, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}

func parseQueryInt64(value string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	return strconv.ParseInt(value, 10, 64)
}

// parseStreamParam reports whether the install response should stream.
// Streaming is the default.
func parseStreamParam(value string) (bool, error) {
	if strings.TrimSpace(value) == "" {
		return true, nil
	}
	return strconv.ParseBool(value)
}

func validationToV1(res validate.Result) V1ValidationResponse {
	return V1ValidationResponse{
		Success:  res.Success,
		Message:  res.Message,
		Provider: res.Provider,
		Models:   res.Models,
		HostKey:  res.HostKey,
	}
}

func runToV1(run models.Run) V1Run {
	resp := V1Run{
		ID:          run.ID,
		Host:        run.Host,
		Port:        run.Port,
		Username:    run.Username,
		Environment: run.Environment,
		Provider:    run.Provider,
		Status:      string(run.Status),
		AccessURL:   run.AccessURL,
		TokenHash:   run.TokenHash,
		Error:       run.Error,
		CreatedAt:   run.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   run.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if strings.TrimSpace(run.WarningsJSON) != "" && json.Valid([]byte(run.WarningsJSON)) {
		resp.Warnings = json.RawMessage(run.WarningsJSON)
	}
	if run.FinishedAt != nil {
		resp.FinishedAt = run.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	return resp
}

func eventToV1(ev db.Event) V1Event {
	resp := V1Event{
		ID:        ev.ID,
		RunID:     ev.RunID,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Progress:  ev.Progress,
		Message:   strings.TrimSpace(ev.Message),
	}
	if strings.TrimSpace(ev.JSON) != "" {
		payload := []byte(ev.JSON)
		if !json.Valid(payload) {
			payload, _ = json.Marshal(ev.JSON)
		}
		resp.Extras = json.RawMessage(payload)
	}
	return resp
}
