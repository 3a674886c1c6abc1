package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abramin/tracelens/internal/cache"
	"github.com/abramin/tracelens/internal/config"
	"github.com/abramin/tracelens/internal/index"
	"github.com/abramin/tracelens/internal/logging"
	"github.com/abramin/tracelens/internal/report"
	"github.com/abramin/tracelens/internal/store"
	"github.com/abramin/tracelens/internal/trace"
)

// Server is the TraceLens HTTP server.
type Server struct {
	cache      *cache.Manager
	report     config.ReportConfig
	logger     log.Logger
	router     *mux.Router
	httpServer *http.Server
	port       int
}

// Config holds server configuration.
type Config struct {
	Port   int
	Report config.ReportConfig
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// New creates a new server instance.
func New(mgr *cache.Manager, cfg Config, logger log.Logger) *Server {
	s := &Server{
		cache:  mgr,
		report: cfg.Report,
		logger: logging.OrNop(logger),
		port:   cfg.Port,
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Use(corsMiddleware)

	get := func(path string, h http.HandlerFunc) {
		api.HandleFunc(path, h).Methods(http.MethodGet, http.MethodOptions)
	}
	get("/health", s.handleHealth)
	get("/stats", s.handleStats)
	get("/traces", s.handleTraces)
	get("/traces/{name}/functions", s.handleFunctions)
	get("/traces/{name}/functions/{nr:[0-9]+}/callers", s.handleCallers)
	get("/traces/{name}/functions/{nr:[0-9]+}/callees", s.handleCallees)
	get("/traces/{name}/headers", s.handleHeaders)
	get("/traces/{name}/graph/{nr:[0-9]+}", s.handleGraph)
	get("/traces/{name}/hotpath/{nr:[0-9]+}", s.handleHotPath)

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	s.router = r

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		level.Info(s.logger).Log("msg", "server starting", "addr", fmt.Sprintf("http://localhost:%d", s.port))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	level.Info(s.logger).Log("msg", "shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	level.Info(s.logger).Log("msg", "server stopped")
	return nil
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Warn(s.logger).Log("msg", "error encoding JSON", "err", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// fail maps a domain error to a status code.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var (
		oor *index.OutOfRangeError
		mh  *index.MissingHeaderError
		mt  *trace.MalformedTraceError
	)
	switch {
	case errors.Is(err, cache.ErrUnknownTrace), errors.As(err, &oor), errors.As(err, &mh):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &mt):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		level.Error(s.logger).Log("msg", "request failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats returns catalog statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cache.Stats()
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

type traceView struct {
	*store.Trace
	SizeHuman string `json:"filesizeHuman"`
}

// handleTraces handles GET /api/traces[?refresh=true]
func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		if err := s.cache.Refresh(); err != nil {
			s.fail(w, err)
			return
		}
	}

	traces, err := s.cache.Traces()
	if err != nil {
		s.fail(w, err)
		return
	}
	views := make([]traceView, len(traces))
	for i, tr := range traces {
		views[i] = traceView{Trace: tr, SizeHuman: humanize.Bytes(uint64(tr.Size))}
	}
	s.writeJSON(w, http.StatusOK, views)
}

// reader resolves the {name} route variable to an index reader.
func (s *Server) reader(w http.ResponseWriter, r *http.Request) (*index.Reader, bool) {
	rd, err := s.cache.Reader(mux.Vars(r)["name"])
	if err != nil {
		s.fail(w, err)
		return nil, false
	}
	return rd, true
}

// functionNr resolves the {nr} route variable. The route pattern guarantees
// digits, so only values too large for an int are rejected.
func (s *Server) functionNr(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := mux.Vars(r)["nr"]
	nr, err := strconv.Atoi(raw)
	if err != nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no function %s", raw))
		return 0, false
	}
	return nr, true
}

func (s *Server) costFormat(r *http.Request) report.CostFormat {
	if f := r.URL.Query().Get("costFormat"); f != "" {
		return report.CostFormat(f)
	}
	return report.CostFormat(s.report.CostFormat)
}

func (s *Server) hideInternals(r *http.Request) bool {
	if v, err := strconv.ParseBool(r.URL.Query().Get("hideInternals")); err == nil {
		return v
	}
	return s.report.HideInternals
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func queryFloat(r *http.Request, key string, def float64) float64 {
	if v, err := strconv.ParseFloat(r.URL.Query().Get(key), 64); err == nil {
		return v
	}
	return def
}

// handleFunctions handles GET /api/traces/{name}/functions
func (s *Server) handleFunctions(w http.ResponseWriter, r *http.Request) {
	rd, ok := s.reader(w, r)
	if !ok {
		return
	}

	list, err := report.Functions(rd, report.Options{
		HideInternals:  s.hideInternals(r),
		InternalPrefix: s.report.InternalPrefix,
		ShowFraction:   queryFloat(r, "showFraction", s.report.ShowFraction),
		Format:         s.costFormat(r),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

// handleCallers handles GET /api/traces/{name}/functions/{nr}/callers
func (s *Server) handleCallers(w http.ResponseWriter, r *http.Request) {
	rd, ok := s.reader(w, r)
	if !ok {
		return
	}
	nr, ok := s.functionNr(w, r)
	if !ok {
		return
	}
	callers, err := report.Callers(rd, nr, s.costFormat(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, callers)
}

// handleCallees handles GET /api/traces/{name}/functions/{nr}/callees
func (s *Server) handleCallees(w http.ResponseWriter, r *http.Request) {
	rd, ok := s.reader(w, r)
	if !ok {
		return
	}
	nr, ok := s.functionNr(w, r)
	if !ok {
		return
	}
	callees, err := report.Callees(rd, nr, s.costFormat(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"subCalls": callees})
}

// handleHeaders handles GET /api/traces/{name}/headers
func (s *Server) handleHeaders(w http.ResponseWriter, r *http.Request) {
	rd, ok := s.reader(w, r)
	if !ok {
		return
	}
	headers, err := rd.Headers()
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, headers)
}

func (s *Server) graphFilter(r *http.Request) GraphFilter {
	filter := DefaultGraphFilter()
	filter.HideInternals = s.hideInternals(r)
	filter.InternalPrefix = s.report.InternalPrefix
	filter.MinPercent = queryFloat(r, "minPercent", filter.MinPercent)
	return filter
}

// handleGraph handles GET /api/traces/{name}/graph/{nr}?depth=&minPercent=
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	rd, ok := s.reader(w, r)
	if !ok {
		return
	}
	nr, ok := s.functionNr(w, r)
	if !ok {
		return
	}
	graph, err := NewGraphBuilder(rd, s.graphFilter(r)).BuildFromRoot(nr, queryInt(r, "depth", 3))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, graph)
}

// handleHotPath handles GET /api/traces/{name}/hotpath/{nr}?depth=
func (s *Server) handleHotPath(w http.ResponseWriter, r *http.Request) {
	rd, ok := s.reader(w, r)
	if !ok {
		return
	}
	nr, ok := s.functionNr(w, r)
	if !ok {
		return
	}
	path, err := NewHotPathBuilder(rd, s.graphFilter(r)).Build(nr, queryInt(r, "depth", 10))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, path)
}
