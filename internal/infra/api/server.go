// Package api exposes the controller's HTTP surface: asset registration,
// analysis submission and read-only job/asset inspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/framesift/framesift/internal/app/orchestration"
	"github.com/framesift/framesift/internal/domain/analysis"
	"github.com/framesift/framesift/internal/domain/asset"
	"github.com/framesift/framesift/pkg/common/logger"
)

// Server serves the controller API. The heavy lifting happens in the app
// services; handlers only translate HTTP to service calls and domain errors
// to status codes.
type Server struct {
	assetService *orchestration.AssetService
	jobService   *orchestration.JobService

	srv    *http.Server
	logger *logger.Logger
	tracer trace.Tracer
}

// NewServer creates the API server listening on addr.
func NewServer(
	addr string,
	assetService *orchestration.AssetService,
	jobService *orchestration.JobService,
	log *logger.Logger,
	tracer trace.Tracer,
) *Server {
	s := &Server{
		assetService: assetService,
		jobService:   jobService,
		logger:       log.With("component", "api_server"),
		tracer:       tracer,
	}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorLog:     logger.NewStdLogger(log, logger.LevelError),
	}
	return s
}

// Handler returns the route table, exposed separately for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/assets", s.handleRegisterAsset)
	mux.HandleFunc("GET /v1/assets/{id}", s.handleGetAsset)
	mux.HandleFunc("POST /v1/assets/{id}/analyses", s.handleSubmitAnalysis)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	return mux
}

// ListenAndServe blocks serving the API until the listener fails or Shutdown
// is called.
func (s *Server) ListenAndServe() error { return s.srv.ListenAndServe() }

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

type registerAssetRequest struct {
	StorageLocator  string              `json:"storage_locator"`
	DurationSeconds float64             `json:"duration_seconds"`
	Metadata        asset.MediaMetadata `json:"metadata"`
}

type assetResponse struct {
	ID              string              `json:"id"`
	StorageLocator  string              `json:"storage_locator"`
	DurationSeconds float64             `json:"duration_seconds"`
	Status          string              `json:"status"`
	Metadata        asset.MediaMetadata `json:"metadata"`
}

type jobResponse struct {
	JobID            string  `json:"job_id"`
	AssetID          string  `json:"asset_id"`
	Status           string  `json:"status"`
	RetryCount       int     `json:"retry_count"`
	MaxRetries       int     `json:"max_retries"`
	ProgressFraction float64 `json:"progress_fraction"`
	FailureReason    string  `json:"failure_reason,omitempty"`
	ResultSummary    string  `json:"result_summary,omitempty"`

	Results []providerResultResponse `json:"results,omitempty"`
}

type providerResultResponse struct {
	ProviderName string          `json:"provider_name"`
	Status       string          `json:"status"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ErrorDetail  string          `json:"error_detail,omitempty"`
}

func (s *Server) handleRegisterAsset(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "api.register_asset")
	defer span.End()

	var req registerAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed request body: %w", err))
		return
	}

	a, err := s.assetService.RegisterAsset(ctx, req.StorageLocator, req.DurationSeconds, req.Metadata)
	if err != nil {
		s.writeDomainError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAssetResponse(a))
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "api.get_asset")
	defer span.End()

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed asset id: %w", err))
		return
	}

	a, err := s.assetService.GetAsset(ctx, id)
	if err != nil {
		s.writeDomainError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAssetResponse(a))
}

func (s *Server) handleSubmitAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "api.submit_analysis")
	defer span.End()

	assetID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed asset id: %w", err))
		return
	}

	var config analysis.Config
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed request body: %w", err))
		return
	}

	job, err := s.jobService.SubmitAnalysis(ctx, assetID, config)
	if err != nil {
		s.writeDomainError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "api.get_job")
	defer span.End()

	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed job id: %w", err))
		return
	}

	job, err := s.jobService.GetJob(ctx, jobID)
	if err != nil {
		s.writeDomainError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// writeDomainError maps domain errors onto HTTP status codes.
func (s *Server) writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		busy          analysis.AssetBusyError
		jobValidation analysis.ValidationError
		assetInvalid  asset.ValidationError
	)

	switch {
	case errors.Is(err, asset.ErrAssetNotFound), errors.Is(err, analysis.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.As(err, &busy):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":         busy.Error(),
			"active_job_id": busy.JobID,
		})
	case errors.As(err, &jobValidation), errors.As(err, &assetInvalid):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		s.logger.Error(ctx, "request failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func toAssetResponse(a *asset.Asset) assetResponse {
	return assetResponse{
		ID:              a.ID().String(),
		StorageLocator:  a.StorageLocator(),
		DurationSeconds: a.DurationSeconds(),
		Status:          string(a.Status()),
		Metadata:        a.Metadata(),
	}
}

func toJobResponse(j *analysis.Job) jobResponse {
	resp := jobResponse{
		JobID:            j.JobID().String(),
		AssetID:          j.AssetID().String(),
		Status:           string(j.Status()),
		RetryCount:       j.RetryCount(),
		MaxRetries:       j.MaxRetries(),
		ProgressFraction: j.ProgressFraction(),
		FailureReason:    j.FailureReason(),
		ResultSummary:    j.ResultSummary(),
	}
	for _, r := range j.MergedResults() {
		resp.Results = append(resp.Results, providerResultResponse{
			ProviderName: r.ProviderName(),
			Status:       string(r.Status()),
			Payload:      r.Payload(),
			ErrorDetail:  r.ErrorDetail(),
		})
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
