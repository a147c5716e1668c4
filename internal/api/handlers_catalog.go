package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/auth"
	"github.com/qualys/accessreview/internal/models"
)

func (s *Server) listApplications(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("include_inactive") == "true"
	apps, err := s.catalog.ListApplications(r.Context(), includeInactive)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSONWithMeta(w, http.StatusOK, apps, &apiMeta{Total: len(apps)})
}

func (s *Server) createApplication(w http.ResponseWriter, r *http.Request) {
	var app models.Application
	if err := decodeJSON(r, &app); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	app.ID = uuid.Nil

	if err := s.catalog.CreateApplication(r.Context(), &app, auth.ActorFromContext(r.Context())); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, app)
}

func (s *Server) getApplication(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "applicationID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	app, err := s.catalog.GetApplication(r.Context(), id)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, app)
}

func (s *Server) updateApplication(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "applicationID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	var app models.Application
	if err := decodeJSON(r, &app); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	app.ID = id

	if err := s.catalog.UpdateApplication(r.Context(), &app, auth.ActorFromContext(r.Context())); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, app)
}

func (s *Server) deleteApplication(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "applicationID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	removed, err := s.catalog.DeleteApplication(r.Context(), id, auth.ActorFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	status := "deactivated"
	if removed {
		status = "deleted"
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": status})
}

// Roles

func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	appID, err := uuidParam(r, "applicationID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	roles, err := s.catalog.ListRoles(r.Context(), appID)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSONWithMeta(w, http.StatusOK, roles, &apiMeta{Total: len(roles)})
}

func (s *Server) createRole(w http.ResponseWriter, r *http.Request) {
	appID, err := uuidParam(r, "applicationID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	var role models.ApplicationRole
	if err := decodeJSON(r, &role); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	role.ID = uuid.Nil
	role.ApplicationID = appID

	if err := s.catalog.CreateRole(r.Context(), &role, auth.ActorFromContext(r.Context())); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, role)
}

func (s *Server) updateRole(w http.ResponseWriter, r *http.Request) {
	roleID, err := uuidParam(r, "roleID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	var role models.ApplicationRole
	if err := decodeJSON(r, &role); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	role.ID = roleID

	if err := s.catalog.UpdateRole(r.Context(), &role, auth.ActorFromContext(r.Context())); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, role)
}

func (s *Server) deleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, err := uuidParam(r, "roleID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	if err := s.catalog.DeleteRole(r.Context(), roleID, auth.ActorFromContext(r.Context())); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// SoD conflicts

type sodConflictRequest struct {
	Role1ID     uuid.UUID       `json:"role1Id" validate:"required"`
	Role2ID     uuid.UUID       `json:"role2Id" validate:"required"`
	Severity    models.Severity `json:"severity" validate:"omitempty,severity"`
	Description string          `json:"description" validate:"max=2000"`
}

func (s *Server) listSodConflicts(w http.ResponseWriter, r *http.Request) {
	appID, err := uuidParam(r, "applicationID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	conflicts, err := s.catalog.ListSodConflicts(r.Context(), appID)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSONWithMeta(w, http.StatusOK, conflicts, &apiMeta{Total: len(conflicts)})
}

func (s *Server) createSodConflict(w http.ResponseWriter, r *http.Request) {
	appID, err := uuidParam(r, "applicationID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	var req sodConflictRequest
	if err := s.bind(r, &req); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	conflict := &models.SodConflict{
		ApplicationID: appID,
		Role1ID:       req.Role1ID,
		Role2ID:       req.Role2ID,
		Severity:      req.Severity,
		Description:   req.Description,
	}
	if err := s.catalog.CreateSodConflict(r.Context(), conflict, auth.ActorFromContext(r.Context())); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, conflict)
}

func (s *Server) deleteSodConflict(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "conflictID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	if err := s.catalog.DeleteSodConflict(r.Context(), id, auth.ActorFromContext(r.Context())); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Frameworks

func (s *Server) listFrameworks(w http.ResponseWriter, r *http.Request) {
	frameworks, err := s.catalog.ListFrameworks(r.Context())
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSONWithMeta(w, http.StatusOK, frameworks, &apiMeta{Total: len(frameworks)})
}

func (s *Server) createFramework(w http.ResponseWriter, r *http.Request) {
	var fw models.Framework
	if err := decodeJSON(r, &fw); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	fw.ID = uuid.Nil

	if err := s.catalog.CreateFramework(r.Context(), &fw, auth.ActorFromContext(r.Context())); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, fw)
}

func (s *Server) getFramework(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "frameworkID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	fw, err := s.catalog.GetFramework(r.Context(), id)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, fw)
}

func (s *Server) updateFramework(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "frameworkID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	var fw models.Framework
	if err := decodeJSON(r, &fw); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	fw.ID = id

	if err := s.catalog.UpdateFramework(r.Context(), &fw, auth.ActorFromContext(r.Context())); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, fw)
}

func (s *Server) setDefaultFramework(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "frameworkID")
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	fw, err := s.catalog.SetDefaultFramework(r.Context(), id, auth.ActorFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, fw)
}

// Employees

func (s *Server) listEmployees(w http.ResponseWriter, r *http.Request) {
	employees, err := s.catalog.ListEmployees(r.Context())
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSONWithMeta(w, http.StatusOK, employees, &apiMeta{Total: len(employees)})
}

func (s *Server) importEmployees(w http.ResponseWriter, r *http.Request) {
	var employees []models.Employee
	if err := decodeJSON(r, &employees); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	s.upsertEmployees(w, r, employees)
}

func (s *Server) importEmployeesCSV(w http.ResponseWriter, r *http.Request) {
	body, err := s.csvBody(w, r)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	defer body.Close()

	employees, err := s.csv.ParseEmployees(body)
	if err != nil {
		respondServiceError(w, s.logger, models.NewValidationError("file", err.Error()))
		return
	}
	s.upsertEmployees(w, r, employees)
}

func (s *Server) upsertEmployees(w http.ResponseWriter, r *http.Request, employees []models.Employee) {
	n, err := s.catalog.ImportEmployees(r.Context(), employees, auth.ActorFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"imported": n})
}
