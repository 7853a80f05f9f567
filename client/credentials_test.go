package client

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestCredential_Predicates(t *testing.T) {
	tests := []struct {
		name        string
		cred        Credential
		wantAuth    bool
		wantRefresh bool
	}{
		{"empty", Credential{}, false, false},
		{"access only", Credential{AccessToken: "a"}, true, false},
		{"refresh only", Credential{RefreshToken: "r"}, false, true},
		{"both", Credential{AccessToken: "a", RefreshToken: "r"}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cred.IsAuthenticated(); got != tt.wantAuth {
				t.Errorf("IsAuthenticated() = %v, want %v", got, tt.wantAuth)
			}
			if got := tt.cred.HasRefreshToken(); got != tt.wantRefresh {
				t.Errorf("HasRefreshToken() = %v, want %v", got, tt.wantRefresh)
			}
		})
	}
}

func TestMemoryCredentialStore(t *testing.T) {
	store := NewMemoryCredentialStore(Credential{AccessToken: "a", RefreshToken: "r"})

	cred, err := store.Get()
	if err != nil || cred.AccessToken != "a" || cred.RefreshToken != "r" {
		t.Fatalf("Get() = %+v, %v", cred, err)
	}

	store.Set(Credential{AccessToken: "b"})
	if cred, _ := store.Get(); cred.AccessToken != "b" || cred.RefreshToken != "" {
		t.Errorf("Set() then Get() = %+v", cred)
	}

	store.Clear()
	if cred, _ := store.Get(); cred != (Credential{}) {
		t.Errorf("Clear() then Get() = %+v", cred)
	}
}

func TestMemoryCredentialStore_Concurrent(t *testing.T) {
	store := NewMemoryCredentialStore(Credential{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			store.Set(Credential{AccessToken: "a", RefreshToken: "r"})
		}()
		go func() {
			defer wg.Done()
			cred, _ := store.Get()
			// Writes are atomic: never a half-written credential
			if cred.AccessToken == "" && cred.RefreshToken != "" {
				t.Errorf("torn read: %+v", cred)
			}
		}()
	}
	wg.Wait()
}

var errDiskFull = errors.New("disk full")

// brokenStore fails every operation
type brokenStore struct{}

func (brokenStore) Get() (Credential, error) { return Credential{}, errDiskFull }
func (brokenStore) Set(Credential) error { return errDiskFull }
func (brokenStore) Clear() error { return errDiskFull }

func TestClient_StoreFailures(t *testing.T) {
	_, serverURL := newPortal(t)
	c := NewClient(serverURL, brokenStore{})

	check := func(op string, err error) {
		t.Helper()
		if !errors.Is(err, ErrStore) {
			t.Errorf("%s: expected ErrStore, got %v", op, err)
		}
		if !errors.Is(err, errDiskFull) {
			t.Errorf("%s: expected the store error to be wrapped, got %v", op, err)
		}
	}

	_, err := c.Get(context.Background(), "/users/me")
	check("Get", err)

	_, err = c.Login(context.Background(), aliceEmail, alicePassword)
	check("Login", err)

	check("Logout", c.Logout())

	_, err = c.coordinator.reauthenticate(context.Background(), "stale")
	check("Reauthenticate", err)
}
