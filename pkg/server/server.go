// Package server exposes the snapshot over a read-only JSON API.
package server

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/cve-monitor/cve-monitor/pkg/filter"
	"github.com/cve-monitor/cve-monitor/pkg/log"
	"github.com/cve-monitor/cve-monitor/pkg/snapshot"
	"github.com/cve-monitor/cve-monitor/pkg/types"
)

type Reader interface {
	Read() (types.Snapshot, error)
}

type Option func(*Server)

func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// Server reads the snapshot on every request so a replaced file is served
// without a restart.
type Server struct {
	reader Reader
	logger *log.Logger
}

func New(reader Reader, opts ...Option) Server {
	s := &Server{
		reader: reader,
		logger: log.WithPrefix("server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return *s
}

func (s Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/cves", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/api/cves/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/api/summary", s.handleSummary).Methods(http.MethodGet)
	return r
}

func (s Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleList returns the snapshot. Query parameters min_severity, keyword
// (repeatable) and poc narrow the records; metadata is recomputed over them.
func (s Server) handleList(w http.ResponseWriter, r *http.Request) {
	opts, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, ok := s.read(w)
	if !ok {
		return
	}

	records := filter.Filter(snap.Records, opts)
	snap.Metadata.TotalCount = len(records)
	snap.Metadata.SeverityDistribution = snapshot.Distribution(records)
	snap.Records = records
	writeJSON(w, http.StatusOK, snap)
}

func (s Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !types.ValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid CVE ID")
		return
	}

	snap, ok := s.read(w)
	if !ok {
		return
	}
	for _, record := range snap.Records {
		if record.ID == id {
			writeJSON(w, http.StatusOK, record)
			return
		}
	}
	writeError(w, http.StatusNotFound, "CVE not found")
}

func (s Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.read(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snap.Metadata)
}

func (s Server) read(w http.ResponseWriter) (types.Snapshot, bool) {
	snap, err := s.reader.Read()
	if err != nil {
		s.logger.Error("Failed to read snapshot", log.Err(err))
		writeError(w, http.StatusServiceUnavailable, "Failed to load CVE data")
		return types.Snapshot{}, false
	}
	return snap, true
}

func parseFilter(r *http.Request) (filter.Options, error) {
	q := r.URL.Query()
	var opts filter.Options
	if v := q.Get("min_severity"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || f < 0 || f > 10 {
			return filter.Options{}, errInvalidParam("min_severity")
		}
		opts.MinSeverity = f
	}
	if v := q.Get("poc"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter.Options{}, errInvalidParam("poc")
		}
		opts.RequirePoC = b
	}
	for _, k := range q["keyword"] {
		opts.Keywords = append(opts.Keywords, strings.Split(k, ",")...)
	}
	return opts, nil
}

type errInvalidParam string

func (e errInvalidParam) Error() string {
	return "invalid query parameter: " + string(e)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
