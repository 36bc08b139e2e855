package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

type tunnelStatDTO struct {
	Subdomain     string `json:"subdomain"`
	CreatedAtSecs int64  `json:"created_at_secs"`
	RequestCount  int64  `json:"request_count"`
	IdleSecs      int64  `json:"idle_secs"`
}

// serveAdmin handles the /_admin/ surface: a bearer-authenticated view of
// live tunnels and a way to force one closed.
func (srv *Server) serveAdmin(w http.ResponseWriter, r *http.Request) {
	if !srv.authorizeAdmin(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/_admin/")

	switch {
	case path == "tunnels" && r.Method == http.MethodGet:
		srv.listTunnels(w)
	case strings.HasPrefix(path, "tunnels/") && r.Method == http.MethodDelete:
		srv.killTunnel(w, strings.TrimPrefix(path, "tunnels/"))
	default:
		http.NotFound(w, r)
	}
}

func (srv *Server) authorizeAdmin(r *http.Request) bool {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	token := strings.TrimPrefix(auth, prefix)
	cfg, ok := srv.cfg.Tokens[token]
	return ok && cfg.Admin
}

type tunnelListDTO struct {
	Tunnels []tunnelStatDTO `json:"tunnels"`
	Count   int             `json:"count"`
}

func (srv *Server) listTunnels(w http.ResponseWriter) {
	stats := srv.registry.Snapshot()
	out := make([]tunnelStatDTO, 0, len(stats))
	for _, s := range stats {
		out = append(out, tunnelStatDTO{
			Subdomain:     s.Subdomain,
			CreatedAtSecs: s.CreatedAtSecs,
			RequestCount:  s.RequestCount,
			IdleSecs:      s.IdleSecs,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tunnelListDTO{Tunnels: out, Count: len(out)})
}

func (srv *Server) killTunnel(w http.ResponseWriter, subdomain string) {
	if !srv.registry.Kill(subdomain) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}
