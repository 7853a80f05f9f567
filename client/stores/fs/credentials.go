// Package fs provides a file system-based credential store for the portal client.
package fs

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cboard/portalclient/client"
)

// CredentialStore stores credentials as a JSON file on the filesystem.
// One file can hold sessions for several portals; each store instance reads
// and writes the entry for a single server URL.
type CredentialStore struct {
	mu      sync.RWMutex
	path    string
	key     string
	servers map[string]client.Credential
}

var _ client.CredentialStore = (*CredentialStore)(nil)

// credentialFile is the JSON structure stored on disk
type credentialFile struct {
	Servers map[string]client.Credential `json:"servers"`
}

// NewCredentialStore creates a store for serverURL backed by the file at path.
// If path is empty, defaults to ~/.config/<appName>/credentials.json
func NewCredentialStore(path, appName, serverURL string) (*CredentialStore, error) {
	key, err := normalizeURL(serverURL)
	if err != nil {
		return nil, err
	}

	if path == "" {
		path, err = DefaultPath(appName)
		if err != nil {
			return nil, err
		}
	}

	store := &CredentialStore{
		path:    path,
		key:     key,
		servers: make(map[string]client.Credential),
	}

	// Load existing credentials if file exists
	if err := store.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return store, nil
}

// DefaultPath returns ~/.config/<appName>/credentials.json
func DefaultPath(appName string) (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not determine config directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	if appName == "" {
		appName = "portalctl"
	}
	return filepath.Join(configDir, appName, "credentials.json"), nil
}

// load reads credentials from disk
func (s *CredentialStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var file credentialFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse credentials file: %w", err)
	}

	if file.Servers != nil {
		s.servers = file.Servers
	}
	return nil
}

// normalizeURL normalizes a server URL for use as a key
func normalizeURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server URL: %q has no host", serverURL)
	}

	if u.Scheme == "" {
		u.Scheme = "https"
	}

	return fmt.Sprintf("%s://%s", u.Scheme, u.Host), nil
}

// Get returns the credential for this store's server
func (s *CredentialStore) Get() (client.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.servers[s.key], nil
}

// Set replaces the credential and writes the file before returning
func (s *CredentialStore) Set(cred client.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.servers[s.key]
	s.servers[s.key] = cred
	if err := s.saveLocked(); err != nil {
		if had {
			s.servers[s.key] = prev
		} else {
			delete(s.servers, s.key)
		}
		return err
	}
	return nil
}

// Clear removes this server's entry and writes the file before returning.
// The in-memory entry is dropped even if the write fails.
func (s *CredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[s.key]; !ok {
		return nil
	}
	delete(s.servers, s.key)
	return s.saveLocked()
}

// Servers returns all server URLs with stored credentials
func (s *CredentialStore) Servers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	servers := make([]string, 0, len(s.servers))
	for k := range s.servers {
		servers = append(servers, k)
	}
	sort.Strings(servers)
	return servers
}

// Path returns the path to the credentials file
func (s *CredentialStore) Path() string {
	return s.path
}

// saveLocked persists all entries. Caller must hold s.mu.
func (s *CredentialStore) saveLocked() error {
	// Ensure directory exists with restricted permissions
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file := credentialFile{Servers: s.servers}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}

	if err := writeAtomicFile(s.path, data); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return nil
}

// writeAtomicFile writes data to a temp file in the same directory, then
// renames it over path. The temp file is created owner read/write only.
func writeAtomicFile(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if err := tmpFile.Chmod(0600); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
