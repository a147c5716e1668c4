package api

import (
	"errors"
	"net/http"

	"github.com/qualys/accessreview/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.bind(r, &req); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	tokens, err := s.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.logger.Warn("login failed", "email", req.Email, "error", err)
		s.respondAuthError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tokens)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := s.bind(r, &req); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	tokens, err := s.authService.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		s.respondAuthError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tokens)
}

// respondAuthError keeps credential and token failures opaque; anything
// else is a server fault.
func (s *Server) respondAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		respondError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "token expired")
	case errors.Is(err, auth.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials")
	case errors.Is(err, auth.ErrInvalidToken):
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid refresh token")
	default:
		respondServiceError(w, s.logger, err)
	}
}

// logout revokes the given refresh token, or every token of the user when
// the body carries none.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	actor := auth.ActorFromContext(r.Context())

	var req refreshRequest
	var err error
	if decodeJSON(r, &req) != nil || req.RefreshToken == "" {
		err = s.authService.LogoutAll(r.Context(), actor.UserID)
	} else {
		err = s.authService.Logout(r.Context(), actor.UserID, req.RefreshToken)
	}
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) getCurrentUser(w http.ResponseWriter, r *http.Request) {
	actor := auth.ActorFromContext(r.Context())
	user, err := s.authService.GetUser(r.Context(), actor.UserID)
	if errors.Is(err, auth.ErrUserNotFound) {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "account no longer exists")
		return
	}
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

type createUserRequest struct {
	Email    string    `json:"email" validate:"required,email"`
	Name     string    `json:"name" validate:"max=200"`
	Password string    `json:"password" validate:"required,min=8"`
	Role     auth.Role `json:"role"`
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := s.bind(r, &req); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleReviewer
	}

	user, err := s.authService.Register(r.Context(), req.Email, req.Name, req.Password, req.Role)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusCreated, user)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.userStore.ListUsers(r.Context())
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, users)
}
