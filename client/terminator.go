package client

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Navigator is told to move the application to its unauthenticated entry
// point when a session ends. Implementations must not issue authenticated
// calls through the Client.
type Navigator interface {
	Navigate(ctx context.Context, path string)
}

// NavigatorFunc adapts a function to the Navigator interface
type NavigatorFunc func(ctx context.Context, path string)

func (f NavigatorFunc) Navigate(ctx context.Context, path string) {
	f(ctx, path)
}

// logNavigator is the default Navigator
type logNavigator struct {
	log zerolog.Logger
}

func (n logNavigator) Navigate(ctx context.Context, path string) {
	n.log.Info().Str("entry_point", path).Msg("session ended, re-authentication required")
}

// sessionTerminator clears credentials and navigates to the entry point at
// most once per failure episode.
type sessionTerminator struct {
	store      CredentialStore
	navigator  Navigator
	entryPoint string
	log        zerolog.Logger
	onClear    func()

	mu          sync.Mutex
	terminating bool
}

// terminate reports whether this invocation performed the termination.
// Concurrent invocations during an episode return false without side effects.
func (t *sessionTerminator) terminate(ctx context.Context, reason error) bool {
	t.mu.Lock()
	if t.terminating {
		t.mu.Unlock()
		return false
	}
	t.terminating = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.terminating = false
		t.mu.Unlock()
	}()

	t.log.Warn().Err(reason).Msg("terminating session")
	if err := t.store.Clear(); err != nil {
		t.log.Error().Err(err).Msg("failed to clear credentials")
	}
	if t.onClear != nil {
		t.onClear()
	}
	t.navigator.Navigate(ctx, t.entryPoint)
	return true
}
