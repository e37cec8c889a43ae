// Package diag serves operator introspection and control over a running
// engine: liveness, a Prometheus scrape endpoint, a JSON snapshot of
// slot/farm stats, the leftovers ledger, and two write endpoints
// (trigger a trim pass, trigger a commit) that cmd/bbpctl drives instead
// of touching the engine's farm directories directly. Two processes
// opening the same farm tree would race on the exact same locks the
// core is built to avoid within one process.
//
// A pkg/health.HTTPChecker turned around: that package checks a remote
// HTTP endpoint from the client side, this package serves one from the
// engine side. Same net/http usage, opposite role.
package diag

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/colstore/bbp/pkg/engine"
	"github.com/colstore/bbp/pkg/farm"
	"github.com/colstore/bbp/pkg/ledger"
	"github.com/colstore/bbp/pkg/log"
	"github.com/colstore/bbp/pkg/metrics"
)

// FarmStat is one farm's entry in the /debug/bbp dump.
type FarmStat struct {
	ID       int       `json:"id"`
	Name     string    `json:"name"`
	Dir      string    `json:"dir"`
	InMemory bool      `json:"in_memory"`
	Roles    farm.Role `json:"roles"`
}

// Snapshot is the full body returned by /debug/bbp.
type Snapshot struct {
	Timestamp time.Time    `json:"timestamp"`
	LogNo     int64        `json:"log_no"`
	TransID   int64        `json:"trans_id"`
	Stats     engine.Stats `json:"stats"`
	Farms     []FarmStat   `json:"farms"`
}

// TrimResult is the body returned by POST /trim.
type TrimResult struct {
	Unloaded int `json:"unloaded"`
}

// SyncResult is the body returned by POST /sync.
type SyncResult struct {
	LogNo     int64   `json:"log_no"`
	TransID   int64   `json:"trans_id"`
	Committed []int32 `json:"committed"`
}

// Server exposes /healthz, /metrics, /debug/bbp and /leftovers, plus
// POST /trim and POST /sync, for a single engine.
type Server struct {
	eng *engine.Engine
	reg *prometheus.Registry
	srv *http.Server
}

// New builds a diag server bound to eng. It registers pkg/metrics'
// collectors against a private registry (rather than the global default
// one) so multiple engines can coexist in one process, matching
// pkg/metrics.AllCollectors' stated intent.
func New(eng *engine.Engine, addr string) *Server {
	reg := prometheus.NewRegistry()
	for _, c := range metrics.AllCollectors() {
		_ = reg.Register(c)
	}

	mux := http.NewServeMux()
	s := &Server{eng: eng, reg: reg}
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/debug/bbp", s.handleDebugBBP)
	mux.HandleFunc("/leftovers", s.handleLeftovers)
	mux.HandleFunc("/trim", s.handleTrim)
	mux.HandleFunc("/sync", s.handleSync)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe starts serving; it blocks until the server stops, same
// contract as http.Server.ListenAndServe.
func (s *Server) ListenAndServe() error {
	diagLogger := log.WithComponent("diag")
	diagLogger.Info().Str("addr", s.srv.Addr).Msg("diag server listening")
	return s.srv.ListenAndServe()
}

// Close shuts the server down immediately, with no graceful drain: an
// in-flight request, including a POST /trim or /sync, is not waited out.
func (s *Server) Close() error {
	return s.srv.Close()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleDebugBBP(w http.ResponseWriter, r *http.Request) {
	s.eng.RefreshMetrics()
	farms := s.eng.Farms()
	fstats := make([]FarmStat, 0, len(farms))
	for _, f := range farms {
		fstats = append(fstats, FarmStat{
			ID: f.ID, Name: f.Name, Dir: f.Dir, InMemory: f.InMemory(), Roles: f.Roles,
		})
	}
	snap := Snapshot{
		Timestamp: time.Now(),
		LogNo:     s.eng.GetLogNo(),
		TransID:   s.eng.GetTransID(),
		Stats:     s.eng.Stats(),
		Farms:     fstats,
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleLeftovers(w http.ResponseWriter, r *http.Request) {
	entries, err := s.eng.Leftovers()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleTrim runs one background-trimmer pass immediately, outside of
// its usual cadence. ?aggressive=true also unloads HOT BATs, not just
// cold ones.
func (s *Server) handleTrim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "trim requires POST", http.StatusMethodNotAllowed)
		return
	}
	aggressive, _ := strconv.ParseBool(r.URL.Query().Get("aggressive"))
	unloaded := s.eng.Trimmer(nil).RunOnce(aggressive)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TrimResult{Unloaded: unloaded})
}

// handleSync runs a full commit over every dirty persistent BAT.
// ?log_no= and ?trans_id= set the values recorded in the catalog.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "sync requires POST", http.StatusMethodNotAllowed)
		return
	}
	logNo, _ := strconv.ParseInt(r.URL.Query().Get("log_no"), 10, 64)
	transID, _ := strconv.ParseInt(r.URL.Query().Get("trans_id"), 10, 64)
	res, err := s.eng.Sync(nil, logNo, transID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(SyncResult{LogNo: res.LogNo, TransID: res.TransID, Committed: res.Committed})
}
