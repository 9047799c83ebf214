package endpoints

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jbapple/impala/admission"
	"github.com/jbapple/impala/cloud/cluster"
	"github.com/jbapple/impala/common/stats"
	"github.com/jbapple/impala/requestpool"
)

func makeServer(t *testing.T) (*Server, *admission.AdmissionController, []cluster.Node) {
	backends := cluster.NewBackendNodes(2, 1<<35)
	clusterView := cluster.NewStaticCluster(backends)
	resolver := requestpool.NewStaticResolver(map[string]requestpool.PoolConfig{
		"q1": {MaxRequests: 10, MaxQueued: 10, MaxMemResources: -1},
	})
	stat := stats.DefaultStatsReceiver()
	controller := admission.NewAdmissionController(clusterView, resolver,
		admission.NewTrackerRegistry(), stat, admission.Config{CoordinatorId: "host1:25000"})
	t.Cleanup(func() {
		controller.Close()
		clusterView.Close()
	})
	return NewServer("localhost:0", stat, controller), controller, backends
}

func submitOne(t *testing.T, controller *admission.AdmissionController, backends []cluster.Node) *admission.QuerySchedule {
	s := &admission.QuerySchedule{
		QueryId:            "q-1",
		RequestPool:        "q1",
		Executors:          backends,
		PerHostMemEstimate: 1 << 30,
		Profile:            admission.NewProfile(),
	}
	if err := controller.SubmitForAdmission(s, admission.NewAdmitOutcome()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	return s
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Body.String() != "ok" {
		t.Fatalf("health: %q", rec.Body.String())
	}
}

func TestPoolsHandler(t *testing.T) {
	server, controller, backends := makeServer(t)
	submitOne(t, controller, backends)

	rec := httptest.NewRecorder()
	server.poolsHandler(rec, httptest.NewRequest("GET", "/admission/pools.json", nil))
	var pools []admission.PoolJson
	if err := json.Unmarshal(rec.Body.Bytes(), &pools); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, rec.Body.String())
	}
	if len(pools) != 1 || pools[0].PoolName != "q1" || pools[0].AggNumRunning != 1 {
		t.Fatalf("pools: %+v", pools)
	}

	rec = httptest.NewRecorder()
	server.poolsHandler(rec, httptest.NewRequest("GET", "/admission/pools.json?pool=absent", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown pool: %v", rec.Code)
	}
}

func TestBackendsHandler(t *testing.T) {
	server, controller, backends := makeServer(t)
	submitOne(t, controller, backends)

	rec := httptest.NewRecorder()
	server.backendsHandler(rec, httptest.NewRequest("GET", "/admission/backends.json", nil))
	var hosts map[string]admission.HostMem
	if err := json.Unmarshal(rec.Body.Bytes(), &hosts); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if hosts["host1:25000"].MemAdmitted != 1<<30 {
		t.Fatalf("backends: %+v", hosts)
	}
}

func TestResetHandlerRequiresPost(t *testing.T) {
	server, _, _ := makeServer(t)
	rec := httptest.NewRecorder()
	server.resetHandler(rec, httptest.NewRequest("GET", "/admission/reset_stats", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET reset: %v", rec.Code)
	}
	rec = httptest.NewRecorder()
	server.resetHandler(rec, httptest.NewRequest("POST", "/admission/reset_stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST reset: %v", rec.Code)
	}
}
