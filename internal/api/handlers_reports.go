package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/qualys/accessreview/internal/auth"
	"github.com/qualys/accessreview/internal/models"
	"github.com/qualys/accessreview/internal/reports"
)

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	cycleID, err := optionalUUIDQuery(r, "review_cycle_id")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	limit, _ := pagination(r)

	list, err := s.reports.List(r.Context(), cycleID, limit)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSONWithMeta(w, http.StatusOK, list, &apiMeta{Total: len(list), Limit: limit})
}

func (s *Server) generateReport(w http.ResponseWriter, r *http.Request) {
	var in reports.RequestInput
	if err := s.bind(r, &in); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	report, err := s.reports.Request(r.Context(), in, auth.ActorFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	status := http.StatusCreated
	if report.Status == models.ReportStatusPending {
		status = http.StatusAccepted
	}
	respondJSON(w, status, report)
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "reportID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	report, err := s.reports.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) downloadReport(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "reportID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	report, data, err := s.reports.Download(r.Context(), id)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	contentType := "text/csv"
	if report.Format == models.ReportFormatPDF {
		contentType = "application/pdf"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.FileName))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
