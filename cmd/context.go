package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"

	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/engine"
	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/gateway"
	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/store"
	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/syncconfig"
)

// openStore opens the local store in the configured data dir. Callers own
// the Close.
func openStore() (*store.Store, error) {
	dir, err := syncconfig.DataDir()
	if err != nil {
		return nil, err
	}
	s, err := store.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	return s, nil
}

// newGateway builds a client against the configured server.
func newGateway() (*gateway.Client, error) {
	deviceID, err := syncconfig.GetDeviceID()
	if err != nil {
		return nil, fmt.Errorf("get device id: %w", err)
	}
	return gateway.New(
		syncconfig.GetServerURL(),
		syncconfig.GetAPIToken(),
		deviceID,
	), nil
}

// newEngine wires the engine from config. Verbose routes slog debug output
// to stderr; otherwise engine logging is discarded and the CLI speaks
// through internal/output only.
func newEngine(s *store.Store, verbose bool) (*engine.Engine, error) {
	gw, err := newGateway()
	if err != nil {
		return nil, err
	}

	var handler slog.Handler
	if verbose {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewTextHandler(io.Discard, nil)
	}

	return engine.New(s, gw,
		engine.WithClaimTimeout(syncconfig.GetClaimTimeout()),
		engine.WithWorkers(syncconfig.GetWorkers()),
		engine.WithPull(syncconfig.GetPullEnabled()),
		engine.WithLogger(slog.New(handler)),
	), nil
}

// daemonLogger logs to stderr at info level for long-running operation.
func daemonLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// hostPortOf extracts a dialable host:port from a server URL. Empty on
// anything unparsable.
func hostPortOf(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		return ""
	}
	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		switch u.Scheme {
		case "https":
			host = net.JoinHostPort(host, "443")
		default:
			host = net.JoinHostPort(host, "80")
		}
	}
	return host
}

// resolveOrgUnit picks the org unit from the arg list or falls back to the
// configured default.
func resolveOrgUnit(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if ou := syncconfig.GetDefaultOrgUnit(); ou != "" {
		return ou, nil
	}
	return "", fmt.Errorf("no org unit given and none configured (set sync.default_org_unit or pass one)")
}
