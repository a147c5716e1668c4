package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/artifacts"
	"github.com/qualys/accessreview/internal/auth"
	"github.com/qualys/accessreview/internal/models"
	"github.com/qualys/accessreview/internal/scheduler"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details []models.FieldError `json:"details,omitempty"`
}

type apiMeta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	respondJSONWithMeta(w, status, data, nil)
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	writeAPIError(w, status, &apiError{Code: code, Message: message})
}

func writeAPIError(w http.ResponseWriter, status int, e *apiError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: false, Error: e})
}

// respondServiceError maps domain errors onto HTTP statuses. Anything
// unrecognised is logged and reported as a 500 without its text.
func respondServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		validation *models.ValidationError
		notFound   *models.NotFoundError
		forbidden  *models.ForbiddenError
		state      *models.InvalidStateError
		tooLarge   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &tooLarge):
		respondError(w, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE",
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
	case errors.As(err, &validation):
		writeAPIError(w, http.StatusBadRequest, &apiError{
			Code:    "VALIDATION_ERROR",
			Message: validation.Error(),
			Details: validation.Fields,
		})
	case errors.As(err, &notFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", notFound.Error())
	case errors.Is(err, scheduler.ErrJobNotFound), errors.Is(err, artifacts.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.As(err, &forbidden):
		respondError(w, http.StatusForbidden, "FORBIDDEN", forbidden.Error())
	case errors.As(err, &state):
		respondError(w, http.StatusConflict, "INVALID_STATE", state.Error())
	case errors.Is(err, auth.ErrEmailTaken):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	default:
		logger.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return err
		case errors.Is(err, io.EOF):
			return models.NewValidationError("body", "is required")
		}
		return models.NewValidationError("body", "is not valid JSON: "+err.Error())
	}
	return nil
}

// bind decodes the JSON body into v and runs its validate tags.
func (s *Server) bind(r *http.Request, v interface{}) error {
	if err := decodeJSON(r, v); err != nil {
		return err
	}
	return s.validate.Validate(v)
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, models.NewValidationError(name, "must be a UUID")
	}
	return id, nil
}

func optionalUUIDQuery(r *http.Request, name string) (*uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, models.NewValidationError(name, "must be a UUID")
	}
	return &id, nil
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
