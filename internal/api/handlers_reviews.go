package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/auth"
	"github.com/qualys/accessreview/internal/models"
	"github.com/qualys/accessreview/internal/review"
)

func (s *Server) listReviewCycles(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	filter := models.ReviewCycleFilter{Limit: limit, Offset: offset}

	appID, err := optionalUUIDQuery(r, "application_id")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	filter.ApplicationID = appID
	if status := r.URL.Query().Get("status"); status != "" {
		st := models.ReviewStatus(status)
		filter.Status = &st
	}

	cycles, total, err := s.review.ListReviewCycles(r.Context(), filter)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSONWithMeta(w, http.StatusOK, cycles, &apiMeta{Total: total, Limit: limit, Offset: offset})
}

func (s *Server) createReviewCycle(w http.ResponseWriter, r *http.Request) {
	var in review.CreateCycleInput
	if err := s.bind(r, &in); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	rc, err := s.review.CreateReviewCycle(r.Context(), in, auth.ActorFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, rc)
}

func (s *Server) getReviewCycle(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "cycleID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	rc, err := s.review.GetReviewCycle(r.Context(), id)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"reviewCycle":  rc,
		"nextStatuses": review.NextStatuses(rc.Status),
	})
}

func (s *Server) deleteReviewCycle(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "cycleID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	removed, err := s.review.DeleteReviewCycle(r.Context(), id, auth.ActorFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	status := "archived"
	if removed {
		status = "deleted"
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": status})
}

// importAccess accepts either a bare array of records or {"records": [...]}.
func (s *Server) importAccess(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "cycleID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	var raw json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	var records []models.ImportRecord
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &records)
	} else {
		var wrapped struct {
			Records []models.ImportRecord `json:"records"`
		}
		err = json.Unmarshal(trimmed, &wrapped)
		records = wrapped.Records
	}
	if err != nil {
		respondServiceError(w, s.logger, models.NewValidationError("records", "must be a list of access records"))
		return
	}

	s.runImport(w, r, id, records)
}

func (s *Server) importAccessCSV(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "cycleID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	body, err := s.csvBody(w, r)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	defer body.Close()

	records, err := s.csv.ParseAccess(body)
	if err != nil {
		respondServiceError(w, s.logger, models.NewValidationError("file", err.Error()))
		return
	}
	s.runImport(w, r, id, records)
}

func (s *Server) runImport(w http.ResponseWriter, r *http.Request, id uuid.UUID, records []models.ImportRecord) {
	result, err := s.review.Import(r.Context(), id, records, auth.ActorFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// csvBody returns the uploaded CSV, either the "file" part of a multipart
// form or the raw request body.
func (s *Server) csvBody(w http.ResponseWriter, r *http.Request) (io.ReadCloser, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, nil
	}
	if err := r.ParseMultipartForm(s.cfg.Server.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, models.NewValidationError("file", "could not read upload: "+err.Error())
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, models.NewValidationError("file", "is required")
	}
	return file, nil
}

type collectRequest struct {
	Provider string `json:"provider" validate:"required"`
}

func (s *Server) collectAccess(w http.ResponseWriter, r *http.Request) {
	if s.sources == nil || len(s.sources.Providers()) == 0 {
		respondError(w, http.StatusServiceUnavailable, "SOURCES_DISABLED", "no cloud access sources are configured")
		return
	}
	id, err := uuidParam(r, "cycleID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	var req collectRequest
	if err := s.bind(r, &req); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	result, err := s.sources.Request(r.Context(), id, req.Provider, auth.ActorFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	status := http.StatusOK
	if result.Queued {
		status = http.StatusAccepted
	}
	respondJSON(w, status, result)
}

func (s *Server) listAccessRecords(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "cycleID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	if _, err := s.review.GetReviewCycle(r.Context(), id); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	limit, offset := pagination(r)
	q := r.URL.Query()
	filter := models.AccessRecordFilter{
		ReviewCycleID: id,
		OnlyUnmatched: q.Get("unmatched") == "true",
		OnlyFlagged:   q.Get("flagged") == "true",
		Limit:         limit,
		Offset:        offset,
	}
	if status := q.Get("review_status"); status != "" {
		st := models.AccessReviewStatus(status)
		filter.ReviewStatus = &st
	}

	records, total, err := s.review.ListAccessRecords(r.Context(), filter)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSONWithMeta(w, http.StatusOK, records, &apiMeta{Total: total, Limit: limit, Offset: offset})
}

func (s *Server) clearAccessRecords(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "cycleID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	rc, err := s.review.ClearAccessRecords(r.Context(), id, auth.ActorFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, rc)
}

type transitionRequest struct {
	Status models.ReviewStatus `json:"status" validate:"required,review_status"`
}

func (s *Server) transitionReviewCycle(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "cycleID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	var req transitionRequest
	if err := s.bind(r, &req); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	rc, err := s.review.TransitionStatus(r.Context(), id, req.Status, auth.ActorFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, rc)
}

func (s *Server) analyzeReviewCycle(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "cycleID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	result, err := s.review.Analyze(r.Context(), id, auth.ActorFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type attestRequest struct {
	Comment string `json:"comment" validate:"max=4000"`
}

func (s *Server) attestReviewCycle(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "cycleID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	var req attestRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondServiceError(w, s.logger, err)
			return
		}
	}
	if err := s.validate.Validate(&req); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	rc, err := s.review.Attest(r.Context(), id, req.Comment, auth.ActorFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, rc)
}

func (s *Server) recomputeReviewCycle(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "cycleID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	actor := auth.ActorFromContext(r.Context())
	if !actor.CanMutate() {
		respondServiceError(w, s.logger, &models.ForbiddenError{Reason: "role " + actor.Role + " cannot recompute counts"})
		return
	}
	if _, err := s.review.GetReviewCycle(r.Context(), id); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	counts, err := s.review.RecomputeCounts(r.Context(), id)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, counts)
}
