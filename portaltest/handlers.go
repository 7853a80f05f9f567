package portaltest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	User         *User  `json:"user,omitempty"`
}

// Order is an entry of the paged /orders listing
type Order struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Amount    float64   `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// OrderCount is the number of orders every account owns
const OrderCount = 23

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.loginCalls.Add(1)

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	acc, ok := s.accounts[req.Email]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(acc.passwordHash, []byte(req.Password)) != nil {
		WriteError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}

	s.mu.Lock()
	access, refresh, err := s.issueLocked(acc)
	s.mu.Unlock()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	user := acc.User
	WriteOK(w, tokenResponse{AccessToken: access, RefreshToken: refresh, User: &user})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || len(req.Password) < 8 {
		WriteError(w, http.StatusBadRequest, "email and a password of at least 8 characters are required")
		return
	}

	s.mu.Lock()
	_, exists := s.accounts[req.Email]
	s.mu.Unlock()
	if exists {
		WriteError(w, http.StatusConflict, "email already registered")
		return
	}

	username := req.Username
	if username == "" {
		username = strings.Split(req.Email, "@")[0]
	}
	s.AddUser(req.Email, username, req.Password, false)
	WriteEnvelope(w, http.StatusOK, 0, "registered", nil, nil)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	s.mu.Lock()
	delay, fail, keep := s.refreshDelay, s.failRefresh, s.keepRefresh
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if fail {
		WriteError(w, http.StatusUnauthorized, "refresh token invalid or expired")
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		WriteError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	claims, err := s.parse(req.RefreshToken, "refresh")
	if err != nil {
		WriteError(w, http.StatusUnauthorized, "refresh token invalid or expired")
		return
	}
	jti, _ := claims["jti"].(string)

	s.mu.Lock()
	defer s.mu.Unlock()

	email, ok := s.refresh[jti]
	acc := s.accounts[email]
	if !ok || acc == nil {
		WriteError(w, http.StatusUnauthorized, "refresh token revoked")
		return
	}

	access, err := s.sign(acc, "access", s.AccessTTL)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := tokenResponse{AccessToken: access}
	if !keep {
		// Rotate: the presented refresh token is single use
		delete(s.refresh, jti)
		resp.RefreshToken, err = s.mintRefreshLocked(acc)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	WriteOK(w, resp)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.logoutCalls.Add(1)
	user, _ := UserFromContext(r.Context())

	s.mu.Lock()
	for jti, email := range s.refresh {
		if email == user.Email {
			delete(s.refresh, jti)
		}
	}
	s.mu.Unlock()

	WriteEnvelope(w, http.StatusOK, 0, "logged out", nil, nil)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	WriteOK(w, user)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 10)
	if page < 1 || pageSize < 1 {
		WriteEnvelope(w, http.StatusOK, 400, "invalid paging parameters", nil, nil)
		return
	}

	var orders []Order
	for i := (page - 1) * pageSize; i < page*pageSize && i < OrderCount; i++ {
		orders = append(orders, Order{
			ID:        int64(i + 1),
			UserID:    user.ID,
			Amount:    float64(10 * (i + 1)),
			Status:    "paid",
			CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
		})
	}
	if orders == nil {
		orders = []Order{}
	}
	total := int64(OrderCount)
	WriteEnvelope(w, http.StatusOK, 0, "success", orders, &total)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	if !user.IsAdmin {
		WriteError(w, http.StatusForbidden, "admin only")
		return
	}

	s.mu.Lock()
	users := make([]User, 0, len(s.accounts))
	for _, acc := range s.accounts {
		users = append(users, acc.User)
	}
	s.mu.Unlock()
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="users.csv"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	cw.Write([]string{"id", "username", "email", "is_admin", "balance"})
	for _, u := range users {
		cw.Write([]string{
			strconv.FormatInt(u.ID, 10),
			u.Username,
			u.Email,
			strconv.FormatBool(u.IsAdmin),
			fmt.Sprintf("%.2f", u.Balance),
		})
	}
	cw.Flush()
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}
