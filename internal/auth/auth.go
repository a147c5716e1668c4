package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/qualys/accessreview/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already registered")
)

type User struct {
	ID          string     `json:"id" db:"id"`
	Email       string     `json:"email" db:"email"`
	Name        string     `json:"name" db:"name"`
	Password    string     `json:"-" db:"password_hash"`
	Role        Role       `json:"role" db:"role"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty" db:"last_login_at"`
}

type Role string

const (
	RoleAdministrator Role = models.RoleAdministrator
	RoleISO           Role = models.RoleISO
	RoleAnalyst       Role = models.RoleAnalyst
	RoleReviewer      Role = models.RoleReviewer
	RoleAuditor       Role = models.RoleAuditor
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdministrator, RoleISO, RoleAnalyst, RoleReviewer, RoleAuditor:
		return true
	}
	return false
}

const (
	tokenAccess  = "access"
	tokenRefresh = "refresh"
)

type Claims struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Actor converts the token claims into the caller identity used by the
// service layer.
func (c *Claims) Actor() models.Actor {
	return models.Actor{UserID: c.UserID, Email: c.Email, Role: string(c.Role)}
}

type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	TokenType    string    `json:"tokenType"`
}

type Config struct {
	JWTSecret          string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string
}

type Service struct {
	config Config
	store  UserStore
}

// UserStore persists users and their refresh tokens. Lookups of a missing
// user return ErrUserNotFound.
type UserStore interface {
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, user *User) error
	DeleteUser(ctx context.Context, id string) error
	ListUsers(ctx context.Context) ([]*User, error)
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
	StoreRefreshToken(ctx context.Context, userID, token string, expiresAt time.Time) error
	ValidateRefreshToken(ctx context.Context, userID, token string) (bool, error)
	RevokeRefreshToken(ctx context.Context, userID, token string) error
	RevokeAllRefreshTokens(ctx context.Context, userID string) error
}

func NewService(config Config, store UserStore) *Service {
	if config.AccessTokenExpiry == 0 {
		config.AccessTokenExpiry = 15 * time.Minute
	}
	if config.RefreshTokenExpiry == 0 {
		config.RefreshTokenExpiry = 7 * 24 * time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "accessreview"
	}

	return &Service{
		config: config,
		store:  store,
	}
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Register creates a user with a hashed password.
func (s *Service) Register(ctx context.Context, email, name, password string, role Role) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	switch {
	case email == "":
		return nil, models.NewValidationError("email", "is required")
	case len(password) < 8:
		return nil, models.NewValidationError("password", "must be at least 8 characters")
	case !role.Valid():
		return nil, models.NewValidationError("role", fmt.Sprintf("unknown role %q", role))
	}

	if existing, err := s.store.GetUserByEmail(ctx, email); err == nil && existing != nil {
		return nil, ErrEmailTaken
	} else if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &User{Email: email, Name: strings.TrimSpace(name), Password: hash, Role: role}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return user, nil
}

func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	return s.store.GetUserByID(ctx, id)
}

// Login exchanges credentials for a token pair. Unknown emails and wrong
// passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	switch {
	case errors.Is(err, ErrUserNotFound):
		return nil, ErrInvalidCredentials
	case err != nil:
		return nil, fmt.Errorf("looking up user: %w", err)
	case !CheckPassword(password, user.Password):
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	if err := s.store.TouchLastLogin(ctx, user.ID, now); err != nil {
		return nil, fmt.Errorf("recording login: %w", err)
	}
	user.LastLoginAt = &now
	return s.issue(ctx, user)
}

// RefreshTokens rotates a refresh token. Presenting a token that was
// already rotated or revoked revokes every session of its owner.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.ValidateToken(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenRefresh {
		return nil, ErrInvalidToken
	}

	live, err := s.store.ValidateRefreshToken(ctx, claims.UserID, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("checking refresh token: %w", err)
	}
	if !live {
		if err := s.store.RevokeAllRefreshTokens(ctx, claims.UserID); err != nil {
			return nil, fmt.Errorf("revoking sessions after token reuse: %w", err)
		}
		return nil, ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if err := s.store.RevokeRefreshToken(ctx, claims.UserID, refreshToken); err != nil {
		return nil, fmt.Errorf("revoking refresh token: %w", err)
	}
	return s.issue(ctx, user)
}

func (s *Service) Logout(ctx context.Context, userID, refreshToken string) error {
	return s.store.RevokeRefreshToken(ctx, userID, refreshToken)
}

func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	return s.store.RevokeAllRefreshTokens(ctx, userID)
}

// ValidateToken checks signature, issuer and expiry. It accepts both token
// types; callers check Claims.TokenType.
func (s *Service) ValidateToken(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (interface{}, error) { return []byte(s.config.JWTSecret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, ErrInvalidToken
	case claims.UserID == "" || claims.UserID != claims.Subject:
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) sign(user *User, tokenType string, issued time.Time, ttl time.Duration) (string, time.Time, error) {
	expiry := issued.Add(ttl)
	claims := &Claims{
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID,
			Issuer:    s.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing %s token: %w", tokenType, err)
	}
	return signed, expiry, nil
}

// issue mints an access/refresh pair and records the refresh token.
func (s *Service) issue(ctx context.Context, user *User) (*TokenPair, error) {
	now := time.Now()
	access, accessExpiry, err := s.sign(user, tokenAccess, now, s.config.AccessTokenExpiry)
	if err != nil {
		return nil, err
	}
	refresh, refreshExpiry, err := s.sign(user, tokenRefresh, now, s.config.RefreshTokenExpiry)
	if err != nil {
		return nil, err
	}
	if err := s.store.StoreRefreshToken(ctx, user.ID, refresh, refreshExpiry); err != nil {
		return nil, fmt.Errorf("storing refresh token: %w", err)
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    accessExpiry,
		TokenType:    "Bearer",
	}, nil
}

type contextKey string

const UserContextKey contextKey = "user"

func GetUserFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*Claims)
	return claims, ok
}

// WithClaims stores claims on the context the way Middleware does.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, UserContextKey, claims)
}

// ActorFromContext returns the authenticated caller. The zero Actor has no
// role and may not mutate anything.
func ActorFromContext(ctx context.Context) models.Actor {
	if claims, ok := GetUserFromContext(ctx); ok {
		return claims.Actor()
	}
	return models.Actor{}
}

// Middleware admits requests carrying a valid access token and stores its
// claims on the request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or malformed bearer token")
			return
		}

		claims, err := s.ValidateToken(raw)
		switch {
		case errors.Is(err, ErrTokenExpired):
			writeError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "token expired")
			return
		case err != nil, claims.TokenType != tokenAccess:
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireRole admits callers holding any of roles. It must run after
// Middleware.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetUserFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				writeError(w, http.StatusForbidden, "FORBIDDEN", fmt.Sprintf("role %s may not access this resource", claims.Role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
