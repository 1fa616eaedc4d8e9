// ABOUTME: Tailscale tsnet listener for serving the dashboard only on the tailnet
// ABOUTME: Supports plain HTTP on :80, HTTPS with tailnet certs, or public Funnel

package web

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"
)

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "cyberintel", "tailscale"), nil
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

func (s *Server) listenTailnet(ctx context.Context) (net.Listener, error) {
	cfg := s.opts.Tailnet

	stateDir, err := resolveTailscaleStateDir(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(cfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnet = &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       stateDir,
		Ephemeral: cfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", cfg.Hostname, "state_dir", stateDir, "ephemeral", cfg.Ephemeral)
	status, err := s.tsnet.Up(ctx)
	if err != nil {
		_ = s.closeTailnet()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", cfg.Hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)

	switch {
	case cfg.Funnel:
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := s.tsnet.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = s.closeTailnet()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case cfg.HTTPS:
		return s.listenTailnetTLS()
	default:
		ln, err := s.tsnet.Listen("tcp", ":80")
		if err != nil {
			_ = s.closeTailnet()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// listenTailnetTLS serves HTTPS with certificates provisioned by the tailnet.
func (s *Server) listenTailnetTLS() (net.Listener, error) {
	s.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := s.tsnet.Listen("tcp", ":443")
	if err != nil {
		_ = s.closeTailnet()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := s.tsnet.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = s.closeTailnet()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

func (s *Server) closeTailnet() error {
	if s.tsnet == nil {
		return nil
	}
	err := s.tsnet.Close()
	s.tsnet = nil
	return err
}
