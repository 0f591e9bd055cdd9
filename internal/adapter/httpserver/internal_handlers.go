package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-apply-gateway/internal/usecase"
)

// callbackRequest is the worker status report body. Worker-facing fields are
// snake_case, unlike the camelCase client API.
type callbackRequest struct {
	Status   string            `json:"status" validate:"required,oneof=processing completed failed"`
	Message  string            `json:"message" validate:"omitempty,max=2000"`
	Progress *float64          `json:"progress" validate:"omitempty,gte=0,lte=1"`
	Artifact *callbackArtifact `json:"artifact"`
}

type callbackArtifact struct {
	GeneratedText   string   `json:"generated_text"`
	WordCount       int      `json:"word_count" validate:"gte=0"`
	ExtractedSkills []string `json:"extracted_skills"`
	JobTitle        string   `json:"job_title"`
	CompanyName     string   `json:"company_name"`
}

// JobCallback handles POST /internal/jobs/{id}/events. A 200 covers accepted
// transitions, deduplicated terminal repeats, and reports for cancelled jobs;
// illegal transitions return 409 without persisting anything.
func (s *Server) JobCallback(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	var req callbackRequest
	if !s.decode(w, r, &req) {
		return
	}
	in := usecase.CallbackInput{
		Status:   req.Status,
		Message:  req.Message,
		Progress: req.Progress,
	}
	if req.Artifact != nil {
		in.Artifact = &usecase.ArtifactInput{
			GeneratedText:   req.Artifact.GeneratedText,
			WordCount:       req.Artifact.WordCount,
			ExtractedSkills: req.Artifact.ExtractedSkills,
			JobTitle:        req.Artifact.JobTitle,
			CompanyName:     req.Artifact.CompanyName,
		}
	}
	if err := s.Callbacks.Ingest(r.Context(), jobID, in); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": jobID, "result": "accepted"})
}
