package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tphummel/lab_power/internal/db"
	"github.com/tphummel/lab_power/internal/models"
)

type fakeHistory struct {
	counts []db.OperationCount
	err    error
}

func (f fakeHistory) CountOperations() ([]db.OperationCount, error) { return f.counts, f.err }

type fakeConfig uint64

func (f fakeConfig) Writes() uint64 { return uint64(f) }

func gather(t *testing.T, reg *prometheus.Registry) map[string][]float64 {
	t.Helper()
	families, err := reg.Gather()
	out := map[string][]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				out[mf.GetName()] = append(out[mf.GetName()], m.GetGauge().GetValue())
			case m.GetCounter() != nil:
				out[mf.GetName()] = append(out[mf.GetName()], m.GetCounter().GetValue())
			}
		}
	}
	if err != nil {
		out["error"] = []float64{1}
	}
	return out
}

func TestRegister_HistoryAndConfigWrites(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg, fakeHistory{counts: []db.OperationCount{
		{Action: "power_on", Outcome: "success", Count: 3},
		{Action: "power_off", Outcome: "failure", Count: 1},
	}}, fakeConfig(7))

	got := gather(t, reg)
	if len(got["lab_power_operation_history"]) != 2 {
		t.Errorf("history series: got %v", got["lab_power_operation_history"])
	}
	if w := got["lab_power_config_writes_total"]; len(w) != 1 || w[0] != 7 {
		t.Errorf("config writes: got %v, want [7]", w)
	}
}

func TestRegister_HistoryError(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg, fakeHistory{err: errors.New("db closed")}, fakeConfig(0))
	if got := gather(t, reg); got["error"] == nil {
		t.Error("expected gather error when history query fails")
	}
}

func TestOperationStarted(t *testing.T) {
	before := testutil.ToFloat64(operationsTotal.WithLabelValues("power_off", "success"))

	done := OperationStarted(models.ActionPowerOff)
	if got := testutil.ToFloat64(operationsInFlight); got < 1 {
		t.Errorf("in flight while running: got %v", got)
	}
	done(true)

	after := testutil.ToFloat64(operationsTotal.WithLabelValues("power_off", "success"))
	if after-before != 1 {
		t.Errorf("operations_total delta: got %v, want 1", after-before)
	}
}

func TestObserveStatus(t *testing.T) {
	ObserveStatus(&models.Snapshot{
		Summary: models.Summary{ServersOnline: 2, PlugsOnline: 1, TotalPower: 55.5},
		Plugs: []models.PlugStatus{
			{Name: "p1", Online: true, CurrentPower: 55.5},
			{Name: "p2", Online: false},
		},
	})
	if got := testutil.ToFloat64(serversOnline); got != 2 {
		t.Errorf("servers_online: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(plugPower.WithLabelValues("p1")); got != 55.5 {
		t.Errorf("plug power p1: got %v, want 55.5", got)
	}
	if n := testutil.CollectAndCount(plugPower); n != 1 {
		t.Errorf("plug power series: got %d, want 1", n)
	}
}

func TestMiddleware_RecordsStatus(t *testing.T) {
	h := Middleware("/api/v1/test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/v1/test", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/test", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/v1/test", "418"))
	if after-before != 1 {
		t.Errorf("requests_total delta: got %v, want 1", after-before)
	}
}

func TestMiddleware_Unwrap(t *testing.T) {
	h := Middleware("/stream", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := http.NewResponseController(w).Flush(); err != nil {
			t.Errorf("Flush through middleware: %v", err)
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/stream", nil))
}
