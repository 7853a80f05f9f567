package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cboard/portalclient/portaltest"
)

type cli struct {
	t      *testing.T
	config string
	dir    string
}

func newCLI(t *testing.T, serverURL, driver string) *cli {
	t.Helper()
	dir := t.TempDir()
	config := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("server:\n  url: %s\nstore:\n  driver: %s\nlog:\n  level: error\n", serverURL, driver)
	if err := os.WriteFile(config, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return &cli{t: t, config: config, dir: dir}
}

func (c *cli) run(args ...string) (string, string, error) {
	c.t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), append([]string{"-config", c.config}, args...), &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, errOut, err := c.run(args...)
	if err != nil {
		c.t.Fatalf("%v: %v\nstderr: %s", args, err, errOut)
	}
	return out
}

func newPortal(t *testing.T) (*portaltest.Server, string) {
	t.Helper()
	portal := portaltest.New()
	portal.AddUser("admin@example.com", "admin", "admin-password", true)
	srv := httptest.NewServer(portal)
	t.Cleanup(srv.Close)
	return portal, srv.URL
}

func TestCLI_SessionLifecycle(t *testing.T) {
	for _, driver := range []string{"fs", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			portal, url := newPortal(t)
			c := newCLI(t, url, driver)

			out := c.mustRun("login", "-email", "admin@example.com", "-password", "admin-password")
			if !strings.Contains(out, "Logged in") {
				t.Errorf("login output = %q", out)
			}

			out = c.mustRun("whoami")
			if !strings.Contains(out, "admin <admin@example.com>") || !strings.Contains(out, "role:    admin") {
				t.Errorf("whoami output = %q", out)
			}

			// a fresh process must pick up the refreshed token from the store
			portal.Expire()
			out = c.mustRun("get", "/users/me", "/orders?page=2&page_size=5")
			if strings.Count(out, `"code": 0`) != 2 {
				t.Errorf("get output = %q", out)
			}
			if portal.RefreshCalls() != 1 {
				t.Errorf("RefreshCalls() = %d, want 1", portal.RefreshCalls())
			}

			target := filepath.Join(c.dir, "export.csv")
			out = c.mustRun("export", "/admin/users/export", target)
			if !strings.Contains(out, "Wrote") {
				t.Errorf("export output = %q", out)
			}
			data, err := os.ReadFile(target)
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(string(data), "admin@example.com") {
				t.Errorf("export data = %q", data)
			}

			out = c.mustRun("status")
			if !strings.Contains(out, "session: logged in (refreshable)") {
				t.Errorf("status output = %q", out)
			}

			out = c.mustRun("logout")
			if !strings.Contains(out, "Logged out") {
				t.Errorf("logout output = %q", out)
			}
			if portal.LogoutCalls() != 1 {
				t.Errorf("LogoutCalls() = %d, want 1", portal.LogoutCalls())
			}

			out = c.mustRun("status")
			if !strings.Contains(out, "session: not logged in") {
				t.Errorf("status after logout = %q", out)
			}
		})
	}
}

func TestCLI_SessionExpiredHint(t *testing.T) {
	portal, url := newPortal(t)
	c := newCLI(t, url, "fs")
	c.mustRun("login", "-email", "admin@example.com", "-password", "admin-password")

	portal.Expire()
	portal.SetFailRefresh(true)

	_, errOut, err := c.run("whoami")
	if err == nil {
		t.Fatal("expected whoami to fail after refresh failure")
	}
	if !strings.Contains(errOut, "session expired, run `portalctl login`") {
		t.Errorf("stderr = %q", errOut)
	}

	out := c.mustRun("status")
	if !strings.Contains(out, "session: not logged in") {
		t.Errorf("status after termination = %q", out)
	}
}

func TestCLI_LoginInvalidCredentials(t *testing.T) {
	_, url := newPortal(t)
	c := newCLI(t, url, "fs")

	if _, _, err := c.run("login", "-email", "admin@example.com", "-password", "wrong"); err == nil {
		t.Error("expected login with wrong password to fail")
	}
	if _, _, err := c.run("login"); err == nil {
		t.Error("expected login without flags to fail")
	}
}

func TestCLI_LoginSavesServer(t *testing.T) {
	_, url := newPortal(t)
	c := newCLI(t, "http://127.0.0.1:1", "fs")

	c.mustRun("login", "-server", url, "-email", "admin@example.com", "-password", "admin-password")

	data, err := os.ReadFile(c.config)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), url) {
		t.Errorf("config not updated with server URL: %q", data)
	}
	out := c.mustRun("status")
	if !strings.Contains(out, url) || !strings.Contains(out, "logged in") {
		t.Errorf("status output = %q", out)
	}
}

func TestCLI_Usage(t *testing.T) {
	_, url := newPortal(t)
	c := newCLI(t, url, "memory")

	if _, errOut, err := c.run(); err == nil || !strings.Contains(errOut, "commands:") {
		t.Errorf("no command: err = %v, stderr = %q", err, errOut)
	}
	if _, _, err := c.run("frobnicate"); err == nil {
		t.Error("expected unknown command to fail")
	}
	if _, _, err := c.run("get"); err == nil {
		t.Error("expected get without paths to fail")
	}
	if _, _, err := c.run("whoami"); err == nil {
		t.Error("expected whoami without a session to fail")
	}
}
