// Command portalctl is a command-line client for the portal API.
//
// Usage:
//
//	portalctl [-config path] [-log-level level] <command> [flags] [args]
//
// Commands:
//
//	login    -email e -password p [-server url]   log in and store the session
//	logout                                        end the session
//	whoami                                        print the current user
//	get      <path>...                            fetch paths concurrently, print envelopes
//	export   <path> [file]                        download a binary/CSV export
//	status                                        print configuration and session state
//	mock     [-addr host:port]                    serve an in-process portal for local use
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/cboard/portalclient/client"
	"github.com/cboard/portalclient/client/stores/fs"
	"github.com/cboard/portalclient/client/stores/sqlite"
	"github.com/cboard/portalclient/internal/config"
	"github.com/cboard/portalclient/internal/logging"
)

const appName = "portalctl"

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"login", "-email e -password p [-server url]", runLogin},
	{"logout", "", runLogout},
	{"whoami", "", runWhoami},
	{"get", "<path>...", runGet},
	{"export", "<path> [file]", runExport},
	{"status", "", runStatus},
	{"mock", "[-addr host:port]", runMock},
}

// app holds what every command needs
type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	stdout io.Writer
	stderr io.Writer

	store  client.CredentialStore
	client *client.Client

	closers   []func() error
	logCloser io.Closer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		if errors.Is(err, client.ErrRefreshFailed) || errors.Is(err, client.ErrUnauthorized) {
			fmt.Fprintf(os.Stderr, "run `%s login` to start a new session\n", appName)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet(appName, flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", os.Getenv("PORTALCTL_CONFIG"), "Path to YAML config")
	logLevel := flags.String("log-level", "", "Logging level (debug, info, warn, error)")
	flags.Usage = func() { usage(stderr) }
	if err := flags.Parse(args); err != nil {
		return err
	}

	rest := flags.Args()
	if len(rest) == 0 {
		usage(stderr)
		return errors.New("no command given")
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == rest[0] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		usage(stderr)
		return fmt.Errorf("unknown command %q", rest[0])
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	a, err := newApp(ctx, cfg, stdout, stderr)
	if err != nil {
		return err
	}
	defer a.close()

	return cmd.run(ctx, a, rest[1:])
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: %s [-config path] [-log-level level] <command> [args]\n\ncommands:\n", appName)
	for _, c := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", c.name, c.usage)
	}
}

func newApp(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) (*app, error) {
	logger, logCloser, err := logging.New(cfg.Log, stderr)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		log:       logger,
		stdout:    stdout,
		stderr:    stderr,
		logCloser: logCloser,
	}

	if err := a.connect(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// connect opens the credential store and builds the client for cfg.Server.URL
func (a *app) connect(ctx context.Context) error {
	store, err := openStore(ctx, a.cfg)
	if err != nil {
		return err
	}
	if c, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	a.store = store

	a.client = client.NewClient(a.cfg.Server.URL, store,
		client.WithAPIPrefix(a.cfg.Server.APIPrefix),
		client.WithTimeout(a.cfg.Server.Timeout),
		client.WithDownloadTimeout(a.cfg.Server.DownloadTimeout),
		client.WithRefreshTimeout(a.cfg.Server.RefreshTimeout),
		client.WithLogger(a.log),
		client.WithNavigator(client.NavigatorFunc(func(ctx context.Context, path string) {
			fmt.Fprintf(a.stderr, "session expired, run `%s login`\n", appName)
		})),
		client.WithRefreshObserver(func(ev client.RefreshEvent) {
			if ev.Type == client.RefreshSucceeded {
				a.log.Debug().Int("replayed", ev.Queued).Dur("took", ev.Duration).Msg("session renewed")
			}
		}),
	)
	a.closers = append(a.closers, a.client.Close)
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (client.CredentialStore, error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.StorePath())
	case config.DriverMemory:
		return client.NewMemoryCredentialStore(client.Credential{}), nil
	default:
		return fs.NewCredentialStore(cfg.StorePath(), appName, cfg.Server.URL)
	}
}

// disconnect waits for the client and closes the store
func (a *app) disconnect() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Debug().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}

func (a *app) close() {
	a.disconnect()
	a.logCloser.Close()
}
