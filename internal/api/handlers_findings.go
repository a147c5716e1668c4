package api

import (
	"net/http"

	"github.com/qualys/accessreview/internal/auth"
	"github.com/qualys/accessreview/internal/models"
	"github.com/qualys/accessreview/internal/review"
)

func (s *Server) listFindings(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	filter := models.FindingFilter{Limit: limit, Offset: offset}

	cycleID, err := optionalUUIDQuery(r, "review_cycle_id")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	filter.ReviewCycleID = cycleID

	q := r.URL.Query()
	if v := q.Get("severity"); v != "" {
		sev := models.Severity(v)
		filter.Severity = &sev
	}
	if v := q.Get("status"); v != "" {
		st := models.FindingStatus(v)
		filter.Status = &st
	}
	if v := q.Get("finding_type"); v != "" {
		ft := models.FindingType(v)
		filter.FindingType = &ft
	}

	findings, total, err := s.review.ListFindings(r.Context(), filter)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSONWithMeta(w, http.StatusOK, findings, &apiMeta{Total: total, Limit: limit, Offset: offset})
}

func (s *Server) getFinding(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "findingID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	finding, err := s.review.GetFinding(r.Context(), id)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, finding)
}

func (s *Server) decideFinding(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "findingID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	var req review.DecisionRequest
	if err := s.bind(r, &req); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	finding, err := s.review.Decide(r.Context(), id, req, auth.ActorFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, finding)
}

type findingStatusRequest struct {
	Status models.FindingStatus `json:"status" validate:"required,finding_status"`
}

func (s *Server) updateFindingStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "findingID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	var req findingStatusRequest
	if err := s.bind(r, &req); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	finding, err := s.review.UpdateFindingStatus(r.Context(), id, req.Status, auth.ActorFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, finding)
}
