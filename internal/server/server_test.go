package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abramin/tracelens/internal/cache"
	"github.com/abramin/tracelens/internal/config"
	"github.com/abramin/tracelens/internal/report"
	"github.com/abramin/tracelens/internal/store"
	"github.com/abramin/tracelens/internal/trace/tracetest"
)

// branchy has {main} call x, y and an internal function from separate lines.
const branchy = `fl=/t.php
fn=x
2 60

fl=/t.php
fn=y
3 30

fl=/t.php
fn=php::z
0 10

fl=/t.php
fn={main}
1 5
cfn=x
calls=1 0 0
5 60
cfn=y
calls=1 0 0
6 30
cfn=php::z
calls=1 0 0
7 10

summary: 105
`

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.TraceDir = t.TempDir()
	cfg.StorageDir = t.TempDir()

	traces := map[string]string{
		"cachegrind.out.1":   tracetest.Sample,
		"cachegrind.out.2":   branchy,
		"cachegrind.out.bad": "fl=/x.php\n",
	}
	for name, text := range traces {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.TraceDir, name), []byte(text), 0o644))
	}

	st, err := store.Open(cfg.StorageDir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := prometheus.NewRegistry()
	mgr, err := cache.New(cfg, st, nil, reg)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	require.NoError(t, mgr.Refresh())

	return New(mgr, Config{Port: 8080, Report: cfg.Report, Gatherer: reg}, nil)
}

func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.NewDecoder(w.Body).Decode(v))
}

func TestHandleHealth(t *testing.T) {
	s := setupTestServer(t)

	var resp map[string]string
	decode(t, get(t, s, "/api/health"), &resp)
	assert.Equal(t, "ok", resp["status"])
}

func TestCORSPreflight(t *testing.T) {
	s := setupTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/traces", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandleTraces(t *testing.T) {
	s := setupTestServer(t)

	var traces []map[string]any
	decode(t, get(t, s, "/api/traces?refresh=true"), &traces)
	require.Len(t, traces, 3)
	for _, tr := range traces {
		assert.NotEmpty(t, tr["filesizeHuman"])
		assert.NotEmpty(t, tr["filename"])
	}

	var stats store.Stats
	decode(t, get(t, s, "/api/stats"), &stats)
	assert.Equal(t, 3, stats.TraceCount)
}

func TestHandleFunctions(t *testing.T) {
	s := setupTestServer(t)

	var list report.FunctionList
	decode(t, get(t, s, "/api/traces/cachegrind.out.1/functions"), &list)
	require.Len(t, list.Functions, 3)
	assert.Equal(t, "c", list.Functions[0].Name)
	assert.Equal(t, "100", list.Functions[0].SelfCost)
	assert.Equal(t, "/srv/index.php", list.InvokeURL)

	list = report.FunctionList{}
	decode(t, get(t, s, "/api/traces/cachegrind.out.1/functions?costFormat=percent&showFraction=0.4"), &list)
	require.Len(t, list.Functions, 1)
	assert.Equal(t, "50.000", list.Functions[0].SelfCost)

	list = report.FunctionList{}
	decode(t, get(t, s, "/api/traces/cachegrind.out.2/functions?hideInternals=true"), &list)
	for _, fn := range list.Functions {
		assert.False(t, strings.HasPrefix(fn.Name, "php::"), fn.Name)
	}
}

func TestHandleCallInfo(t *testing.T) {
	s := setupTestServer(t)

	var callers report.CallerList
	decode(t, get(t, s, "/api/traces/cachegrind.out.1/functions/1/callers"), &callers)
	require.Len(t, callers.Calls, 1)
	assert.Equal(t, "{main}", callers.Calls[0].Name)
	assert.Equal(t, "125", callers.Calls[0].SummedCost)

	var callees struct {
		SubCalls []report.Call `json:"subCalls"`
	}
	decode(t, get(t, s, "/api/traces/cachegrind.out.1/functions/2/callees?costFormat=percent"), &callees)
	require.Len(t, callees.SubCalls, 1)
	assert.Equal(t, "62.500", callees.SubCalls[0].SummedCost)

	var headers map[string]string
	decode(t, get(t, s, "/api/traces/cachegrind.out.1/headers"), &headers)
	assert.Equal(t, "/srv/index.php", headers["cmd"])
	assert.Equal(t, "200", headers["summary"])
}

func TestHandleErrors(t *testing.T) {
	s := setupTestServer(t)

	tests := []struct {
		target string
		status int
	}{
		{"/api/traces/cachegrind.out.nope/functions", http.StatusNotFound},
		{"/api/traces/cachegrind.out.1/functions/99/callers", http.StatusNotFound},
		{"/api/traces/cachegrind.out.1/graph/99", http.StatusNotFound},
		{"/api/traces/cachegrind.out.bad/functions", http.StatusUnprocessableEntity},
		{"/api/traces/cachegrind.out.1/functions/x/callers", http.StatusNotFound},
		{"/api/traces/cachegrind.out.1/functions/99999999999999999999999/callers", http.StatusNotFound},
		{"/api/traces/cachegrind.out.1/hotpath/99999999999999999999999", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			w := get(t, s, tt.target)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestHandleOversizedFunctionNr(t *testing.T) {
	s := setupTestServer(t)

	const nr = "99999999999999999999999"
	w := get(t, s, "/api/traces/cachegrind.out.1/functions/"+nr+"/callees")
	assert.Equal(t, http.StatusNotFound, w.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "no function "+nr, resp["error"])
}

func TestHandleGraph(t *testing.T) {
	s := setupTestServer(t)

	var graph GraphResponse
	decode(t, get(t, s, "/api/traces/cachegrind.out.1/graph/2?depth=3"), &graph)
	assert.Equal(t, 2, graph.RootID)
	require.Len(t, graph.Nodes, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{graph.Nodes[0].ID, graph.Nodes[1].ID, graph.Nodes[2].ID})
	require.Len(t, graph.Edges, 2)
	assert.Equal(t, GraphEdge{SourceID: 2, TargetID: 1, CallCount: 2, CallsiteCount: 1, SummedCost: 125, Percent: "62.500"}, graph.Edges[0])
	assert.Equal(t, "100.000", graph.Nodes[2].InclusivePercent)

	graph = GraphResponse{}
	decode(t, get(t, s, "/api/traces/cachegrind.out.1/graph/2?depth=3&minPercent=55"), &graph)
	assert.Len(t, graph.Edges, 1)
	assert.Equal(t, 1, graph.Filtered)

	graph = GraphResponse{}
	decode(t, get(t, s, "/api/traces/cachegrind.out.1/graph/2?depth=1"), &graph)
	assert.Len(t, graph.Nodes, 2)
}

func TestHandleHotPath(t *testing.T) {
	s := setupTestServer(t)

	var path HotPathResponse
	decode(t, get(t, s, "/api/traces/cachegrind.out.1/hotpath/2"), &path)
	assert.Equal(t, []int{2, 1, 0}, path.MainPath)
	assert.Zero(t, path.CollapsedCount)

	path = HotPathResponse{}
	// {main} is the last function of the branchy trace.
	decode(t, get(t, s, "/api/traces/cachegrind.out.2/hotpath/3"), &path)
	require.Equal(t, []int{3, 0}, path.MainPath)
	require.NotNil(t, path.Nodes[0].BranchBadge)
	assert.Equal(t, []string{"y", "php::z"}, path.Nodes[0].BranchBadge.Labels)
	assert.Equal(t, uint64(40), path.Nodes[0].BranchBadge.CollapsedCost)
	assert.Equal(t, 4, path.TotalNodes)

	path = HotPathResponse{}
	decode(t, get(t, s, "/api/traces/cachegrind.out.2/hotpath/3?hideInternals=true"), &path)
	assert.Equal(t, []string{"y"}, path.Nodes[0].BranchBadge.Labels)
}

func TestHandleMetrics(t *testing.T) {
	s := setupTestServer(t)

	w := get(t, s, "/api/traces/cachegrind.out.1/functions")
	require.Equal(t, http.StatusOK, w.Code)

	w = get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `tracelens_compiles_total{result="success"} 1`)
	assert.Contains(t, w.Body.String(), "tracelens_reader_cache_requests_total")
}
