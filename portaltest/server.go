// Package portaltest provides an in-process implementation of the portal API
// surface used by the client: login, refresh, register, logout, the current
// user, a paged list and a CSV export.
//
// It is meant to be wrapped in an httptest.Server:
//
//	srv := portaltest.New()
//	srv.AddUser("alice@example.com", "alice", "password123", false)
//	ts := httptest.NewServer(srv)
//	defer ts.Close()
//
// Access tokens can be invalidated at any time with Expire, refresh can be
// made to fail or to stall, and every interesting call is counted.
package portaltest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

// APIPrefix is the path prefix every route is mounted under
const APIPrefix = "/api/v1"

// Default token lifetimes
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// User is the account shape returned by the API
type User struct {
	ID       int64   `json:"id"`
	Username string  `json:"username"`
	Email    string  `json:"email"`
	IsAdmin  bool    `json:"is_admin"`
	Balance  float64 `json:"balance"`
	Level    int     `json:"level"`
	IsActive bool    `json:"is_active"`
}

type account struct {
	User
	passwordHash []byte
}

// Server is a fake portal API. The zero value is not usable; call New.
type Server struct {
	// AccessTTL is the lifetime of minted access tokens
	AccessTTL time.Duration
	// Cost is the bcrypt cost used by AddUser
	Cost int

	secret []byte
	router *mux.Router
	api    *mux.Router

	mu           sync.Mutex
	accounts     map[string]*account // by email
	refresh      map[string]string   // refresh jti -> email
	nextID       int64
	epoch        int
	failRefresh  bool
	refreshDelay time.Duration
	keepRefresh  bool
	lastAuth     map[string]string

	refreshCalls atomic.Int32
	loginCalls   atomic.Int32
	logoutCalls  atomic.Int32
}

type contextKey string

const userContextKey contextKey = "portaltest.user"

// New creates a server with a random signing secret and the default routes.
func New() *Server {
	s := &Server{
		AccessTTL: DefaultAccessTTL,
		Cost:      bcrypt.MinCost,
		secret:    []byte(uuid.NewString()),
		accounts:  make(map[string]*account),
		refresh:   make(map[string]string),
		lastAuth:  make(map[string]string),
	}

	s.router = mux.NewRouter()
	s.router.Use(s.record)
	s.api = s.router.PathPrefix(APIPrefix).Subrouter()

	s.api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	s.api.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	s.api.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	s.api.Handle("/auth/logout", s.RequireAuth(http.HandlerFunc(s.handleLogout))).Methods(http.MethodPost)

	s.api.Handle("/users/me", s.RequireAuth(http.HandlerFunc(s.handleMe))).Methods(http.MethodGet)
	s.api.Handle("/orders", s.RequireAuth(http.HandlerFunc(s.handleOrders))).Methods(http.MethodGet)
	s.api.Handle("/admin/users/export", s.RequireAuth(http.HandlerFunc(s.handleExport))).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, "not found")
	})
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handle registers an extra public route under the API prefix
func (s *Server) Handle(method, path string, h http.HandlerFunc) {
	s.api.Handle(path, h).Methods(method)
}

// HandleAuthed registers an extra route that requires a valid access token.
// The handler can read the caller with UserFromContext.
func (s *Server) HandleAuthed(method, path string, h http.HandlerFunc) {
	s.api.Handle(path, s.RequireAuth(h)).Methods(method)
}

// AddUser creates an account and returns it
func (s *Server) AddUser(email, username, password string, admin bool) User {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.Cost)
	if err != nil {
		panic(fmt.Sprintf("portaltest: failed to hash password: %v", err))
	}
	acc := &account{
		User: User{
			Username: username,
			Email:    email,
			IsAdmin:  admin,
			Level:    1,
			IsActive: true,
		},
		passwordHash: hash,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	acc.ID = s.nextID
	s.accounts[email] = acc
	return acc.User
}

// IssueTokens mints a token pair for an existing account without a login call
func (s *Server) IssueTokens(email string) (access, refresh string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[email]
	if !ok {
		return "", "", fmt.Errorf("portaltest: unknown account %q", email)
	}
	return s.issueLocked(acc)
}

// Expire invalidates every access token minted so far. Refresh tokens stay valid.
func (s *Server) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
}

// SetFailRefresh makes the refresh endpoint reject every request
func (s *Server) SetFailRefresh(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRefresh = fail
}

// SetRefreshDelay stalls the refresh endpoint, widening the window in which
// concurrent requests queue behind it.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// SetKeepRefreshToken disables refresh token rotation; refresh responses
// then carry only a new access token.
func (s *Server) SetKeepRefreshToken(keep bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepRefresh = keep
}

// RefreshCalls returns the number of refresh requests received
func (s *Server) RefreshCalls() int { return int(s.refreshCalls.Load()) }

// LoginCalls returns the number of login requests received
func (s *Server) LoginCalls() int { return int(s.loginCalls.Load()) }

// LogoutCalls returns the number of authenticated logout requests received
func (s *Server) LogoutCalls() int { return int(s.logoutCalls.Load()) }

// LastAuthorization returns the Authorization header of the most recent
// request to path (relative to the API prefix).
func (s *Server) LastAuthorization(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAuth[path]
}

// UserFromContext returns the authenticated caller inside a HandleAuthed handler
func UserFromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userContextKey).(User)
	return u, ok
}

// WriteEnvelope writes the portal response envelope
func WriteEnvelope(w http.ResponseWriter, status, code int, message string, data any, total *int64) {
	body := map[string]any{
		"code":    code,
		"message": message,
	}
	if data != nil {
		body["data"] = data
	}
	if total != nil {
		body["total"] = *total
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// WriteOK writes a successful envelope
func WriteOK(w http.ResponseWriter, data any) {
	WriteEnvelope(w, http.StatusOK, 0, "success", data, nil)
}

// WriteError writes an error envelope whose code mirrors the HTTP status
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteEnvelope(w, status, status, message, nil, nil)
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, APIPrefix)
		s.mu.Lock()
		s.lastAuth[path] = r.Header.Get("Authorization")
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// RequireAuth rejects requests without a valid, current access token.
func (s *Server) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			WriteError(w, http.StatusUnauthorized, "please log in first")
			return
		}
		claims, err := s.parse(strings.TrimPrefix(auth, "Bearer "), "access")
		if err != nil {
			WriteError(w, http.StatusUnauthorized, "token invalid or expired")
			return
		}

		s.mu.Lock()
		epoch, _ := claims["epoch"].(float64)
		email, _ := claims["email"].(string)
		acc, ok := s.accounts[email]
		current := int(epoch) == s.epoch
		s.mu.Unlock()

		if !current || !ok {
			WriteError(w, http.StatusUnauthorized, "token invalid or expired")
			return
		}
		if !acc.IsActive {
			WriteError(w, http.StatusForbidden, "account disabled")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, acc.User)))
	})
}

// issueLocked mints a token pair for acc. Caller must hold s.mu.
func (s *Server) issueLocked(acc *account) (string, string, error) {
	access, err := s.sign(acc, "access", s.AccessTTL)
	if err != nil {
		return "", "", err
	}
	refresh, err := s.mintRefreshLocked(acc)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (s *Server) mintRefreshLocked(acc *account) (string, error) {
	jti := uuid.NewString()
	token, err := s.signWithID(acc, "refresh", DefaultRefreshTTL, jti)
	if err != nil {
		return "", err
	}
	s.refresh[jti] = acc.Email
	return token, nil
}

func (s *Server) sign(acc *account, tokenType string, ttl time.Duration) (string, error) {
	return s.signWithID(acc, tokenType, ttl, uuid.NewString())
}

func (s *Server) signWithID(acc *account, tokenType string, ttl time.Duration, jti string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   strconv.FormatInt(acc.ID, 10),
		"email": acc.Email,
		"type":  tokenType,
		"jti":   jti,
		"epoch": s.epoch,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *Server) parse(tokenString, tokenType string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if t, _ := claims["type"].(string); t != tokenType {
		return nil, fmt.Errorf("invalid token type")
	}
	return claims, nil
}
