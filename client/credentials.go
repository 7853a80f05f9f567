// Package client provides the authenticated portal API client.
// It includes credential storage, single-flight token refresh with request
// queueing, and session termination when a refresh is impossible.
package client

import (
	"sync"
)

// Credential holds the two tokens that make up a portal session.
// An empty field means the token is absent.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// IsAuthenticated returns true if an access token is present
func (c Credential) IsAuthenticated() bool {
	return c.AccessToken != ""
}

// HasRefreshToken returns true if a refresh token is available
func (c Credential) HasRefreshToken() bool {
	return c.RefreshToken != ""
}

// CredentialStore holds the current credential.
//
// Set and Clear must persist synchronously and be visible to the next Get.
// Stores do not validate tokens; validity is decided by the server.
type CredentialStore interface {
	// Get returns the current credential. A missing credential is the zero
	// value, not an error.
	Get() (Credential, error)

	// Set replaces the current credential
	Set(cred Credential) error

	// Clear removes both tokens
	Clear() error
}

// MemoryCredentialStore is a process-local CredentialStore.
type MemoryCredentialStore struct {
	mu   sync.RWMutex
	cred Credential
}

// NewMemoryCredentialStore creates a store seeded with cred.
func NewMemoryCredentialStore(cred Credential) *MemoryCredentialStore {
	return &MemoryCredentialStore{cred: cred}
}

func (m *MemoryCredentialStore) Get() (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred, nil
}

func (m *MemoryCredentialStore) Set(cred Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = cred
	return nil
}

func (m *MemoryCredentialStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = Credential{}
	return nil
}
