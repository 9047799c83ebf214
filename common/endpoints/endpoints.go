// Package endpoints serves the coordinator's operational HTTP surface:
// health, rendered metrics, and the admission controller's introspection
// pages.
package endpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/jbapple/impala/admission"
	"github.com/jbapple/impala/common/stats"
)

type Server struct {
	Addr       string
	Stats      stats.StatsReceiver
	Controller *admission.AdmissionController
}

func NewServer(addr string, stat stats.StatsReceiver, controller *admission.AdmissionController) *Server {
	return &Server{Addr: addr, Stats: stat, Controller: controller}
}

func (s *Server) Serve() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", helpHandler)
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/admin/metrics.json", s.statsHandler)
	mux.HandleFunc("/admission/pools.json", s.poolsHandler)
	mux.HandleFunc("/admission/backends.json", s.backendsHandler)
	mux.HandleFunc("/admission/reset_stats", s.resetHandler)
	log.Infof("Serving http & stats on %s", s.Addr)
	return http.ListenAndServe(s.Addr, mux)
}

func helpHandler(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Common paths: '/health', '/admin/metrics.json', "+
		"'/admission/pools.json', '/admission/backends.json', '/admission/reset_stats'", 501)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok")
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	pretty := r.URL.Query().Get("pretty") == "true"
	str := s.Stats.Render(pretty)
	if _, err := io.Copy(w, bytes.NewBuffer(str)); err != nil {
		http.Error(w, err.Error(), 500)
	}
}

// poolsHandler serves all pools, or one with ?pool=<name>.
func (s *Server) poolsHandler(w http.ResponseWriter, r *http.Request) {
	var out interface{}
	if pool := r.URL.Query().Get("pool"); pool != "" {
		p, ok := s.Controller.PoolToJson(pool)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown pool %q", pool), 404)
			return
		}
		out = p
	} else {
		out = s.Controller.AllPoolsToJson()
	}
	writeJson(w, out)
}

func (s *Server) backendsHandler(w http.ResponseWriter, r *http.Request) {
	writeJson(w, s.Controller.PerHostMem())
}

// resetHandler clears informational stats for one pool (?pool=<name>) or
// all pools.
func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", 405)
		return
	}
	if pool := r.URL.Query().Get("pool"); pool != "" {
		s.Controller.ResetPoolInformationalStats(pool)
	} else {
		s.Controller.ResetAllPoolInformationalStats()
	}
	fmt.Fprintf(w, "ok")
}

func writeJson(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Write(b)
}
