// ABOUTME: Tailnet listeners for running the gateway as a tsnet node
// ABOUTME: Serves HTTP on :80, :443 with tailnet certs, or publicly through funnel

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/2389/pairroom/internal/config"
)

const tailnetGRPCAddr = ":50051"

var errNoTailnetAuthKey = errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")

// tailnetStateDir defaults to ~/.local/share/pairroom/tailscale.
func tailnetStateDir(cfg config.TailscaleConfig) (string, error) {
	if cfg.StateDir != "" {
		return cfg.StateDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving tailscale state dir (set tailscale.state_dir): %w", err)
	}
	return filepath.Join(home, ".local", "share", "pairroom", "tailscale"), nil
}

// tailnetAuthKey prefers the configured key over TS_AUTHKEY.
func tailnetAuthKey(cfg config.TailscaleConfig) (string, error) {
	if cfg.AuthKey != "" {
		return cfg.AuthKey, nil
	}
	if key := os.Getenv("TS_AUTHKEY"); key != "" {
		return key, nil
	}
	return "", errNoTailnetAuthKey
}

// listenTailnet brings the node up and opens the HTTP and gRPC listeners on it.
// On failure the node is closed again.
func (g *Gateway) listenTailnet(ctx context.Context) (ls listeners, err error) {
	cfg := g.config.Tailscale

	dir, err := tailnetStateDir(cfg)
	if err != nil {
		return listeners{}, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return listeners{}, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	key, err := tailnetAuthKey(cfg)
	if err != nil {
		return listeners{}, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       dir,
		Ephemeral: cfg.Ephemeral,
		AuthKey:   key,
	}
	defer func() {
		if err != nil {
			ls.close()
			_ = g.tsnetServer.Close()
			g.tsnetServer = nil
		}
	}()

	g.logger.Info("joining tailnet", "hostname", cfg.Hostname, "state_dir", dir, "ephemeral", cfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		return listeners{}, fmt.Errorf("starting tailscale: %w", err)
	}

	var ip, dnsName string
	if len(status.TailscaleIPs) > 0 {
		ip = status.TailscaleIPs[0].String()
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailnet node up", "hostname", cfg.Hostname, "ip", ip, "dns_name", dnsName)

	ls.http, err = g.tailnetHTTPListener(cfg)
	if err != nil {
		return ls, err
	}
	ls.grpc, err = g.tsnetServer.Listen("tcp", tailnetGRPCAddr)
	if err != nil {
		return ls, fmt.Errorf("listening on tailnet gRPC port: %w", err)
	}
	return ls, nil
}

func (g *Gateway) tailnetHTTPListener(cfg config.TailscaleConfig) (net.Listener, error) {
	if cfg.Funnel {
		g.logger.Info("serving HTTPS publicly through funnel", "addr", ":443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on funnel: %w", err)
		}
		return ln, nil
	}

	if !cfg.HTTPS {
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailnet HTTP port: %w", err)
		}
		return ln, nil
	}

	g.logger.Info("serving HTTPS with tailnet certificates", "addr", ":443")
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailnet HTTPS port: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}
