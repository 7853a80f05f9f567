package client

import (
	"context"
	"net/http"
)

// User is the portal account as returned by /users/me and the login endpoint
type User struct {
	ID       int64   `json:"id"`
	Username string  `json:"username"`
	Email    string  `json:"email"`
	IsAdmin  bool    `json:"is_admin"`
	Balance  float64 `json:"balance"`
	Level    int     `json:"level"`
	IsActive bool    `json:"is_active"`
}

// RegisterRequest is the body of the registration endpoint
type RegisterRequest struct {
	Email            string `json:"email"`
	Password         string `json:"password"`
	Username         string `json:"username"`
	InviteCode       string `json:"invite_code,omitempty"`
	VerificationCode string `json:"verification_code,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login authenticates with email/password and stores the credential.
// A 401 from the login endpoint is returned as-is; it never starts a refresh.
func (c *Client) Login(ctx context.Context, email, password string) (*User, error) {
	pair, _, err := Fetch[TokenPair](ctx, c, http.MethodPost, DefaultLoginPath, loginRequest{Email: email, Password: password})
	if err != nil {
		return nil, err
	}
	if pair.AccessToken == "" {
		return nil, &Error{Kind: KindValidation, Message: "login response carried no access token", Method: http.MethodPost, Path: DefaultLoginPath}
	}

	cred := Credential{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}
	if err := c.coordinator.replace(func() error { return c.store.Set(cred) }); err != nil {
		return nil, storeError("failed to store credential", err)
	}

	// Login response includes user info, use it directly
	if pair.User != nil {
		c.setUser(pair.User)
		return pair.User, nil
	}
	return c.FetchUser(ctx)
}

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, req RegisterRequest) error {
	_, err := c.Post(ctx, DefaultRegisterPath, req)
	return err
}

// FetchUser loads the current user and caches it
func (c *Client) FetchUser(ctx context.Context) (*User, error) {
	user, _, err := Fetch[*User](ctx, c, http.MethodGet, DefaultCurrentUser, nil)
	if err != nil {
		return nil, err
	}
	c.setUser(user)
	return user, nil
}

// Logout ends the session immediately. A refresh already in flight is
// discarded rather than stored. The server is notified in the background with
// the old token; that call's outcome is ignored. Use Close to wait for it.
func (c *Client) Logout() error {
	var cred Credential
	err := c.coordinator.replace(func() error {
		cred, _ = c.store.Get()
		return c.store.Clear()
	})
	c.setUser(nil)
	if err != nil {
		return storeError("failed to clear credentials", err)
	}

	if cred.AccessToken == "" {
		return nil
	}

	c.background.Add(1)
	go func() {
		defer c.background.Done()
		cl := call{
			method:  http.MethodPost,
			path:    DefaultLogoutPath,
			timeout: c.timeout,
			token:   cred.AccessToken,
			attempt: 1,
		}
		if res, _ := c.send(context.Background(), &cl); res.err != nil {
			c.log.Debug().Err(res.err).Msg("logout notification failed")
		}
	}()
	return nil
}

// IsLoggedIn reports whether an access token is present
func (c *Client) IsLoggedIn() bool {
	cred, err := c.store.Get()
	if err != nil {
		return false
	}
	return cred.IsAuthenticated()
}

// IsAdmin reports whether the cached user is an administrator
func (c *Client) IsAdmin() bool {
	u := c.CurrentUser()
	return u != nil && u.IsAdmin
}

// CurrentUser returns the cached user, or nil before Login/FetchUser
func (c *Client) CurrentUser() *User {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	return c.user
}

// UserID returns the cached user's ID
func (c *Client) UserID() (int64, bool) {
	u := c.CurrentUser()
	if u == nil {
		return 0, false
	}
	return u.ID, true
}

func (c *Client) setUser(u *User) {
	c.userMu.Lock()
	defer c.userMu.Unlock()
	c.user = u
}
