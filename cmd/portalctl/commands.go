package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cboard/portalclient/client"
	"github.com/cboard/portalclient/client/stores/fs"
	"github.com/cboard/portalclient/portaltest"
)

func newFlagSet(a *app, name string) *flag.FlagSet {
	fset := flag.NewFlagSet(appName+" "+name, flag.ContinueOnError)
	fset.SetOutput(a.stderr)
	return fset
}

func runLogin(ctx context.Context, a *app, args []string) error {
	fset := newFlagSet(a, "login")
	email := fset.String("email", os.Getenv("PORTALCTL_EMAIL"), "Account email")
	password := fset.String("password", os.Getenv("PORTALCTL_PASSWORD"), "Account password")
	server := fset.String("server", "", "Portal URL; saved to the config file when set")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		return errors.New("login: -email and -password are required")
	}

	if *server != "" && *server != a.cfg.Server.URL {
		a.cfg.Server.URL = *server
		if err := a.cfg.Save(); err != nil {
			return err
		}
		// rebind the store and client to the new server
		a.disconnect()
		if err := a.connect(ctx); err != nil {
			return err
		}
	}

	user, err := a.client.Login(ctx, *email, *password)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Logged in to %s as %s (%s)\n", a.client.ServerURL(), user.Username, user.Email)
	return nil
}

func runLogout(ctx context.Context, a *app, args []string) error {
	if !a.client.IsLoggedIn() {
		fmt.Fprintln(a.stdout, "Not logged in")
		return nil
	}
	if err := a.client.Logout(); err != nil {
		return err
	}
	// wait for the server-side logout to finish before the process exits
	if err := a.client.Close(); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "Logged out")
	return nil
}

func runWhoami(ctx context.Context, a *app, args []string) error {
	if !a.client.IsLoggedIn() {
		return errors.New("not logged in")
	}
	user, err := a.client.FetchUser(ctx)
	if err != nil {
		return err
	}
	role := "user"
	if user.IsAdmin {
		role = "admin"
	}
	fmt.Fprintf(a.stdout, "%s <%s>\n  id:      %d\n  role:    %s\n  level:   %d\n  balance: %.2f\n",
		user.Username, user.Email, user.ID, role, user.Level, user.Balance)
	return nil
}

// runGet fetches every path concurrently. Paths may carry a query string.
// Envelopes are printed in argument order once all calls finish.
func runGet(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return errors.New("get: at least one path is required")
	}

	paths := make([]string, len(args))
	queries := make([]url.Values, len(args))
	for i, arg := range args {
		path, query, err := splitPath(arg)
		if err != nil {
			return err
		}
		paths[i], queries[i] = path, query
	}

	results := make([]*client.Envelope, len(args))
	g, gctx := errgroup.WithContext(ctx)
	for i := range args {
		g.Go(func() error {
			env, err := a.client.Get(gctx, paths[i], client.WithQuery(queries[i]))
			if err != nil {
				return fmt.Errorf("%s: %w", args[i], err)
			}
			results[i] = env
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	for _, env := range results {
		if err := enc.Encode(env); err != nil {
			return err
		}
	}
	return nil
}

func splitPath(arg string) (string, url.Values, error) {
	u, err := url.Parse(arg)
	if err != nil {
		return "", nil, fmt.Errorf("invalid path %q: %w", arg, err)
	}
	return u.Path, u.Query(), nil
}

// runExport downloads path to file. With no file the server's filename is
// used; "-" writes to stdout.
func runExport(ctx context.Context, a *app, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("export: usage: export <path> [file]")
	}
	path, query, err := splitPath(args[0])
	if err != nil {
		return err
	}

	blob, err := a.client.Download(ctx, http.MethodGet, path, nil, client.WithQuery(query))
	if err != nil {
		return err
	}

	target := ""
	if len(args) == 2 {
		target = args[1]
	}
	if target == "" {
		target = blob.Filename
	}
	if target == "" {
		target = filepath.Base(path)
	}
	if target == "-" {
		_, err := a.stdout.Write(blob.Data)
		return err
	}

	if err := os.WriteFile(target, blob.Data, 0644); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	fmt.Fprintf(a.stdout, "Wrote %d bytes to %s\n", len(blob.Data), target)
	return nil
}

func runStatus(ctx context.Context, a *app, args []string) error {
	fmt.Fprintf(a.stdout, "config:  %s\n", a.cfg.Path())
	fmt.Fprintf(a.stdout, "server:  %s\n", a.client.ServerURL())
	fmt.Fprintf(a.stdout, "store:   %s (%s)\n", a.cfg.Store.Driver, a.cfg.StorePath())

	cred, err := a.store.Get()
	if err != nil {
		return err
	}
	switch {
	case cred.IsAuthenticated() && cred.HasRefreshToken():
		fmt.Fprintln(a.stdout, "session: logged in (refreshable)")
	case cred.IsAuthenticated():
		fmt.Fprintln(a.stdout, "session: logged in (no refresh token)")
	default:
		fmt.Fprintln(a.stdout, "session: not logged in")
	}

	if fsStore, ok := a.store.(*fs.CredentialStore); ok {
		if servers := fsStore.Servers(); len(servers) > 0 {
			fmt.Fprintln(a.stdout, "known servers:")
			for _, s := range servers {
				fmt.Fprintf(a.stdout, "  %s\n", s)
			}
		}
	}
	return nil
}

// runMock serves an in-process portal seeded with the configured account
// until ctx is cancelled.
func runMock(ctx context.Context, a *app, args []string) error {
	fset := newFlagSet(a, "mock")
	addr := fset.String("addr", a.cfg.Mock.Addr, "Listen address")
	ttl := fset.Duration("access-ttl", portaltest.DefaultAccessTTL, "Access token lifetime")
	if err := fset.Parse(args); err != nil {
		return err
	}

	portal := portaltest.New()
	portal.AccessTTL = *ttl
	user := portal.AddUser(a.cfg.Mock.Email, "demo", a.cfg.Mock.Password, true)

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", *addr, err)
	}

	srv := &http.Server{
		Handler:           portal,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	a.log.Info().
		Str("addr", ln.Addr().String()).
		Str("email", user.Email).
		Dur("access_ttl", *ttl).
		Msg("mock portal listening")
	fmt.Fprintf(a.stdout, "Mock portal at http://%s (login: %s)\n", ln.Addr(), user.Email)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.log.Info().Msg("shutting down mock portal")
	return srv.Shutdown(shutdownCtx)
}
