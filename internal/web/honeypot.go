// ABOUTME: Honeypot routes that catch scanners probing for admin panels and secrets
// ABOUTME: Logs and audits the source address, then answers 403

package web

import (
	"net"
	"net/http"

	"github.com/2389/cyberintel/internal/audit"
)

// HoneypotPaths are trap routes; nothing legitimate lives there.
var HoneypotPaths = []string{
	"/admin",
	"/admin/",
	"/wp-login.php",
	"/.env",
	"/config.json",
}

// DeniedMessage is the body of every honeypot response.
const DeniedMessage = "⛔ ACESSO NEGADO: Sistema de Defesa Ativa acionado. Seu IP foi registrado."

func (s *Server) handleHoneypot(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if s.opts.Throttle == nil || s.opts.Throttle.Allow(ip) {
		s.logger.Warn("intrusion attempt detected",
			"ip", ip,
			"path", r.URL.Path,
			"method", r.Method,
			"user_agent", r.UserAgent(),
		)
		s.opts.Stats.Intrusion("web")
		if s.opts.Auditor != nil {
			err := s.opts.Auditor.Append(r.Context(), &audit.Entry{
				Actor:  ip,
				Action: audit.ActionIntrusion,
				Target: r.URL.Path,
				Detail: map[string]any{"method": r.Method, "user_agent": r.UserAgent()},
			})
			if err != nil {
				s.logger.Error("recording intrusion failed", "ip", ip, "error", err)
			}
		}
	} else {
		s.logger.Debug("repeated intrusion attempt", "ip", ip, "path", r.URL.Path)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(DeniedMessage))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
