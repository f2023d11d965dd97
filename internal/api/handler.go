package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/triage"
)

// GlobalTenantID owns triage rules; rules apply to every tenant.
const GlobalTenantID = "*"

var validate = validator.New(validator.WithRequiredStructEnabled())

// csvMediaTypes are the raw body types accepted by POST /analyze.
var csvMediaTypes = map[string]bool{
	"":                         true,
	"text/csv":                 true,
	"text/plain":               true,
	"application/csv":          true,
	"application/octet-stream": true,
	"application/vnd.ms-excel": true,
}

// Handler holds dependencies for API handlers.
type Handler struct {
	service   *analysis.Service
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	triage    *triage.Engine
	ingest    ingest.Options
	maxUpload int64
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, maxUploadMB int) *Handler {
	if maxUploadMB <= 0 {
		maxUploadMB = 32
	}
	return &Handler{
		service:   deps.Service,
		repo:      deps.Repository,
		cache:     deps.Cache,
		bus:       deps.Bus,
		triage:    deps.Triage,
		ingest:    deps.Ingest,
		maxUpload: int64(maxUploadMB) << 20,
		version:   deps.Version,
	}
}

// AcceptedResponse is returned by POST /analyze?async=true.
type AcceptedResponse struct {
	AnalysisID string `json:"analysis_id"`
	Status     string `json:"status"`
	TraceID    string `json:"trace_id"`
}

// Analyze handles POST /analyze. The CSV arrives either as the multipart
// field "file" or as the raw request body.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	body, status, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	batch, err := ingest.ParseCSV(body, h.ingest)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := analysis.Request{
		TenantID:     tenantID,
		TraceID:      traceID,
		Transactions: batch.Transactions,
		Rejected:     batch.Rejected,
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		id, err := h.service.Submit(ctx, req)
		if err != nil {
			slog.Error("failed to queue analysis", "tenant_id", tenantID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "analysis queue unavailable")
			return
		}
		writeJSON(w, http.StatusAccepted, AcceptedResponse{AnalysisID: id, Status: "queued", TraceID: traceID})
		return
	}

	rep, err := h.service.Analyze(ctx, req)
	switch {
	case errors.Is(err, analysis.ErrTimeBudgetExceeded):
		writeError(w, http.StatusServiceUnavailable, "analysis exceeded time budget")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "engine error")
		return
	}

	writeJSON(w, http.StatusOK, rep)
}

// readUpload returns the CSV stream, or an HTTP status and error.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (io.Reader, int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		file, header, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, http.StatusRequestEntityTooLarge, errors.New("upload too large")
			}
			return nil, http.StatusBadRequest, errors.New("multipart field \"file\" is required")
		}
		switch strings.ToLower(filepath.Ext(header.Filename)) {
		case "", ".csv", ".txt":
		default:
			_ = file.Close()
			return nil, http.StatusBadRequest, ingest.ErrNotCSV
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		return bytes.NewReader(data), 0, nil
	}

	if !csvMediaTypes[mediaType] {
		return nil, http.StatusBadRequest, ingest.ErrNotCSV
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge, errors.New("upload too large")
		}
		return nil, http.StatusBadRequest, err
	}
	return bytes.NewReader(data), 0, nil
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	status := "healthy"

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			return
		}
		checks[name] = "ok"
	}

	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(ctx) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(ctx) })
	}
	if h.bus != nil {
		check("event_bus", func() error { return h.bus.Ping(ctx) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// ListAnalyses handles GET /analyses?limit=n.
func (h *Handler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	reports, err := h.repo.ListReports(r.Context(), GetTenantID(r.Context()), limit)
	if err != nil {
		slog.Error("failed to list analyses", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list analyses")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"analyses": reports,
		"count":    len(reports),
	})
}

// GetAnalysis handles GET /analyses/{id}.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	analysisID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	rep, err := h.repo.GetReport(ctx, GetTenantID(ctx), analysisID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "analysis not found")
		return
	}
	if err != nil {
		slog.Error("failed to get analysis", "id", analysisID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get analysis")
		return
	}

	writeJSON(w, http.StatusOK, rep)
}

// ListRules returns the triage rules currently loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.triage.LoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loaded,
		"count":  len(loaded),
		"source": "database",
	})
}

// GetRule returns a stored triage rule, or a loaded one without a repository.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if h.repo != nil {
		rule, err := h.repo.GetTriageRule(r.Context(), GlobalTenantID, ruleID)
		if err == nil {
			writeJSON(w, http.StatusOK, rule)
			return
		}
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get rule", "id", ruleID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to get rule")
			return
		}
	} else {
		for _, rule := range h.triage.LoadedRules() {
			if rule.ID == ruleID {
				writeJSON(w, http.StatusOK, rule)
				return
			}
		}
	}

	writeError(w, http.StatusNotFound, "rule not found")
}

// CreateRuleRequest is the request body for creating a triage rule.
type CreateRuleRequest struct {
	ID          string              `json:"id" validate:"required,max=64"`
	Name        string              `json:"name" validate:"required"`
	Description string              `json:"description,omitempty"`
	Expression  string              `json:"expression" validate:"required"`
	Bands       []domain.TriageBand `json:"bands" validate:"dive"`
	Enabled     bool                `json:"enabled"`
}

// CreateRule validates and stores a triage rule. The rule takes effect after
// POST /triage/rules/reload.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	rule := &domain.TriageRule{
		ID:          req.ID,
		TenantID:    GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Bands:       req.Bands,
		Enabled:     req.Enabled,
	}

	if err := h.triage.ValidateRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid CEL expression: "+err.Error())
		return
	}

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}
	if err := h.repo.SaveTriageRule(r.Context(), GlobalTenantID, rule); err != nil {
		slog.Error("failed to save rule", "id", rule.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	slog.Info("triage rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule created. Call POST /triage/rules/reload to apply changes.",
	})
}

// DeleteRule soft-deletes a rule and reloads the engine.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	if err := h.repo.DeleteTriageRule(ctx, GlobalTenantID, ruleID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		slog.Error("failed to delete rule", "id", ruleID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}

	count, err := h.reload(r)
	if err != nil {
		slog.Error("failed to reload rules after delete", "error", err)
		h.triage.UnloadRule(ruleID)
	}

	slog.Info("triage rule deleted", "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Rule deleted and engine reloaded.",
		"count":   count,
	})
}

// ReloadRules reloads all stored rules into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	count, err := h.reload(r)
	if err != nil {
		slog.Error("failed to reload rules", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}

	slog.Info("triage rules reloaded from database", "count", count)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   count,
	})
}

func (h *Handler) reload(r *http.Request) (int, error) {
	rules, err := h.repo.ListTriageRules(r.Context(), GlobalTenantID)
	if err != nil {
		return 0, err
	}
	if err := h.triage.ReloadRules(rules); err != nil {
		return 0, err
	}
	return h.triage.RulesCount(), nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, len(verrs))
	for i, fe := range verrs {
		fields[i] = strings.ToLower(fe.Field()) + " " + fe.Tag()
	}
	return "invalid rule: " + strings.Join(fields, ", ")
}

// writeJSON encodes before writing the status so an unencodable body still
// yields a 500 instead of an empty success.
func writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		slog.Error("failed to encode response", "status", status, "error", err)
		status = http.StatusInternalServerError
		body = []byte(`{"error":"failed to encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
