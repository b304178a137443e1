// ABOUTME: Listener sources for the hub: plain TCP or a Tailscale tsnet node
// ABOUTME: The hub wraps whichever listener it gets in its own TLS config

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"
)

// TCPListen is the default ListenFunc.
func TCPListen(ctx context.Context, network, address string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, network, address)
}

// TailscaleOptions configures an embedded tailnet node.
type TailscaleOptions struct {
	Hostname  string
	AuthKey   string
	StateDir  string
	Ephemeral bool
}

// Tailscale serves the hub's listener on a tsnet node instead of the host network.
type Tailscale struct {
	opts   TailscaleOptions
	logger *slog.Logger

	once   sync.Once
	server *tsnet.Server
}

// NewTailscale resolves the state directory and auth key. The node is brought
// up lazily by Listen.
func NewTailscale(opts TailscaleOptions, logger *slog.Logger) (*Tailscale, error) {
	if opts.Hostname == "" {
		return nil, errors.New("tailscale hostname is required")
	}
	stateDir, err := resolveTailscaleStateDir(opts.StateDir)
	if err != nil {
		return nil, err
	}
	authKey, err := resolveTailscaleAuthKey(opts.AuthKey)
	if err != nil {
		return nil, err
	}
	opts.StateDir = stateDir
	opts.AuthKey = authKey

	if logger == nil {
		logger = slog.Default()
	}
	return &Tailscale{opts: opts, logger: logger.With("component", "tailscale")}, nil
}

// Listen brings the node up and listens on the tailnet. It satisfies ListenFunc.
func (t *Tailscale) Listen(ctx context.Context, network, address string) (net.Listener, error) {
	if err := os.MkdirAll(t.opts.StateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	t.once.Do(func() {
		t.server = &tsnet.Server{
			Hostname:  t.opts.Hostname,
			Dir:       t.opts.StateDir,
			Ephemeral: t.opts.Ephemeral,
			AuthKey:   t.opts.AuthKey,
		}
	})

	t.logger.Info("starting tailscale node",
		"hostname", t.opts.Hostname,
		"state_dir", t.opts.StateDir,
		"ephemeral", t.opts.Ephemeral,
	)
	status, err := t.server.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	t.logStatus(status)

	ln, err := t.server.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale %s: %w", address, err)
	}
	return ln, nil
}

func (t *Tailscale) logStatus(status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		t.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	t.logger.Info("tailscale node ready", "hostname", t.opts.Hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// Close stops the tailnet node. Call it after the hub has shut down.
func (t *Tailscale) Close() error {
	if t.server == nil {
		return nil
	}
	return t.server.Close()
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-endpoint", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}
