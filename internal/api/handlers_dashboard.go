package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/qualys/accessreview/internal/models"
)

type dashboardSummary struct {
	Applications     int                         `json:"applications"`
	ReviewsByStatus  map[models.ReviewStatus]int `json:"reviewsByStatus"`
	ActiveReviews    int                         `json:"activeReviews"`
	OverdueReviews   int                         `json:"overdueReviews"`
	Findings         models.FindingCounts        `json:"findings"`
	PendingDecisions int                         `json:"pendingDecisions"`
	RecentReviews    []models.ReviewCycle        `json:"recentReviews"`
}

const recentReviewCount = 5

func (s *Server) getDashboardSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	apps, err := s.catalog.ListApplications(ctx, false)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	cycles, _, err := s.review.ListReviewCycles(ctx, models.ReviewCycleFilter{})
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	summary := dashboardSummary{
		Applications:    len(apps),
		ReviewsByStatus: make(map[models.ReviewStatus]int),
		RecentReviews:   make([]models.ReviewCycle, 0, recentReviewCount),
	}
	now := time.Now()
	for _, rc := range cycles {
		summary.ReviewsByStatus[rc.Status]++
		if rc.Status == models.ReviewStatusArchived {
			continue
		}
		if rc.Status != models.ReviewStatusCompleted {
			summary.ActiveReviews++
			if rc.DueDate != nil && rc.DueDate.Before(now) {
				summary.OverdueReviews++
			}
		}
		summary.Findings.Total += rc.Total
		summary.Findings.Critical += rc.Critical
		summary.Findings.High += rc.High
		summary.Findings.Medium += rc.Medium
		summary.Findings.Low += rc.Low
		if len(summary.RecentReviews) < recentReviewCount {
			summary.RecentReviews = append(summary.RecentReviews, rc)
		}
	}

	for _, st := range []models.FindingStatus{models.FindingStatusOpen, models.FindingStatusInReview} {
		status := st
		_, total, err := s.review.ListFindings(ctx, models.FindingFilter{Status: &status, Limit: 1})
		if err != nil {
			respondServiceError(w, s.logger, err)
			return
		}
		summary.PendingDecisions += total
	}

	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) requireGraph(w http.ResponseWriter) bool {
	if s.graph == nil {
		respondError(w, http.StatusServiceUnavailable, "GRAPH_DISABLED", "access graph is not enabled")
		return false
	}
	return true
}

func (s *Server) getGraphStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireGraph(w) {
		return
	}
	stats, err := s.graph.Stats(r.Context())
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// getPrivilegedIdentities lists people holding privileged roles in at least
// min_apps applications (default 2).
func (s *Server) getPrivilegedIdentities(w http.ResponseWriter, r *http.Request) {
	if !s.requireGraph(w) {
		return
	}
	minApps, _ := strconv.Atoi(r.URL.Query().Get("min_apps"))
	if minApps <= 0 {
		minApps = 2
	}
	identities, err := s.graph.PrivilegedAcrossApplications(r.Context(), minApps)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSONWithMeta(w, http.StatusOK, identities, &apiMeta{Total: len(identities)})
}

func (s *Server) getConflictHolders(w http.ResponseWriter, r *http.Request) {
	if !s.requireGraph(w) {
		return
	}
	holders, err := s.graph.ConflictHolders(r.Context())
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSONWithMeta(w, http.StatusOK, holders, &apiMeta{Total: len(holders)})
}
