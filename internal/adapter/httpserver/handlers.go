package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-apply-gateway/internal/config"
	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
	"github.com/fairyhunter13/ai-apply-gateway/internal/service/sse"
	"github.com/fairyhunter13/ai-apply-gateway/internal/usecase"
)

// Server bundles the usecase services behind the HTTP handlers.
type Server struct {
	Cfg       config.Config
	Dispatch  usecase.DispatchService
	Callbacks usecase.CallbackService
	Views     usecase.ViewService
	Streams   *sse.Manager

	validate *validator.Validate
}

// NewServer constructs a Server.
func NewServer(cfg config.Config, dispatch usecase.DispatchService, callbacks usecase.CallbackService, views usecase.ViewService, streams *sse.Manager) *Server {
	return &Server{
		Cfg:       cfg,
		Dispatch:  dispatch,
		Callbacks: callbacks,
		Views:     views,
		Streams:   streams,
		validate:  validator.New(),
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, r, fmt.Errorf("malformed json body: %w", domain.ErrInvalidArgument))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, r, fmt.Errorf("%s: %w", err.Error(), domain.ErrInvalidArgument))
		return false
	}
	return true
}

type submitApplicationRequest struct {
	JDURL         string `json:"jdUrl" validate:"required,max=2000,url"`
	ResumeURI     string `json:"resumeUri" validate:"omitempty,uri"`
	ModelProvider string `json:"modelProvider" validate:"omitempty,max=100"`
	ModelName     string `json:"modelName" validate:"omitempty,max=100"`
}

type submitApplicationResponse struct {
	JobID          string `json:"jobId"`
	StreamEndpoint string `json:"streamEndpoint"`
}

// SubmitApplication handles POST /v1/applications.
func (s *Server) SubmitApplication(w http.ResponseWriter, r *http.Request) {
	var req submitApplicationRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.Dispatch.SubmitJob(r.Context(), OwnerFromContext(r.Context()), usecase.SubmitJobInput{
		JDURL:         req.JDURL,
		ResumeURI:     req.ResumeURI,
		ModelProvider: req.ModelProvider,
		ModelName:     req.ModelName,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitApplicationResponse{
		JobID:          res.JobID,
		StreamEndpoint: res.StreamEndpoint,
	})
}

type jobView struct {
	JobID         string     `json:"jobId"`
	Status        string     `json:"status"`
	JDURL         string     `json:"jdUrl"`
	ResumeURI     string     `json:"resumeUri,omitempty"`
	ModelProvider string     `json:"modelProvider,omitempty"`
	ModelName     string     `json:"modelName,omitempty"`
	BatchJobID    *string    `json:"batchJobId,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

func toJobView(j domain.Job) jobView {
	return jobView{
		JobID:         j.ID,
		Status:        string(j.Status),
		JDURL:         j.JDURL,
		ResumeURI:     j.ResumeURI,
		ModelProvider: j.ModelProvider,
		ModelName:     j.ModelName,
		BatchJobID:    j.BatchID,
		FailureReason: j.FailureReason,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
	}
}

// GetApplication handles GET /v1/applications/{id}.
func (s *Server) GetApplication(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := s.Views.GetJob(r.Context(), OwnerFromContext(r.Context()), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}

type artifactView struct {
	JobID           string   `json:"jobId"`
	GeneratedText   string   `json:"generatedText"`
	WordCount       int      `json:"wordCount"`
	ExtractedSkills []string `json:"extractedSkills,omitempty"`
	JobTitle        string   `json:"jobTitle,omitempty"`
	CompanyName     string   `json:"companyName,omitempty"`
}

// GetArtifact handles GET /v1/applications/{id}/artifact.
func (s *Server) GetArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	a, err := s.Views.GetArtifact(r.Context(), OwnerFromContext(r.Context()), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, artifactView{
		JobID:           a.JobID,
		GeneratedText:   a.GeneratedText,
		WordCount:       a.WordCount,
		ExtractedSkills: a.ExtractedSkills,
		JobTitle:        a.JobTitle,
		CompanyName:     a.CompanyName,
	})
}

// CancelApplication handles POST /v1/applications/{id}/cancel.
func (s *Server) CancelApplication(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := s.Dispatch.CancelJob(r.Context(), OwnerFromContext(r.Context()), jobID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": jobID, "status": string(domain.JobCancelled)})
}

type submitBatchRequest struct {
	JobURLs       []string `json:"jobUrls" validate:"required,min=1,dive,required,max=2000,url"`
	ResumeURI     string   `json:"resumeUri" validate:"omitempty,uri"`
	ModelProvider string   `json:"modelProvider" validate:"omitempty,max=100"`
	ModelName     string   `json:"modelName" validate:"omitempty,max=100"`
	AutoStart     bool     `json:"autoStart"`
}

// SubmitBatch handles POST /v1/batch-jobs.
func (s *Server) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	batchID, err := s.Dispatch.SubmitBatch(r.Context(), OwnerFromContext(r.Context()), usecase.SubmitBatchInput{
		JobURLs:       req.JobURLs,
		ResumeURI:     req.ResumeURI,
		ModelProvider: req.ModelProvider,
		ModelName:     req.ModelName,
		AutoStart:     req.AutoStart,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batchJobId": batchID})
}

type batchView struct {
	BatchJobID     string    `json:"batchJobId"`
	Status         string    `json:"status"`
	Total          int       `json:"total"`
	CompletedCount int       `json:"completedCount"`
	FailedCount    int       `json:"failedCount"`
	Progress       float64   `json:"progress"`
	CreatedAt      time.Time `json:"createdAt"`
	Jobs           []jobView `json:"jobs"`
}

// GetBatch handles GET /v1/batch-jobs/{id}.
func (s *Server) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")
	batch, children, err := s.Views.GetBatch(r.Context(), OwnerFromContext(r.Context()), batchID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	view := batchView{
		BatchJobID:     batch.ID,
		Status:         string(batch.Status),
		Total:          batch.Total,
		CompletedCount: batch.CompletedCount,
		FailedCount:    batch.FailedCount,
		Progress:       batch.Progress(),
		CreatedAt:      batch.CreatedAt,
		Jobs:           make([]jobView, 0, len(children)),
	}
	for _, child := range children {
		view.Jobs = append(view.Jobs, toJobView(child))
	}
	writeJSON(w, http.StatusOK, view)
}

// CancelBatch handles POST /v1/batch-jobs/{id}/cancel.
func (s *Server) CancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")
	if err := s.Dispatch.CancelBatch(r.Context(), OwnerFromContext(r.Context()), batchID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"batchJobId": batchID, "status": string(domain.BatchCancelled)})
}
