package db_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/tphummel/lab_power/internal/db"
	"github.com/tphummel/lab_power/internal/models"
	"github.com/tphummel/lab_power/internal/outlet"
)

// newTestDB opens a fresh in-memory SQLite database for each test.
func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// sampleOperation returns a fully-populated OperationRecord for use in tests.
func sampleOperation(id, server string, started time.Time, success bool) *models.OperationRecord {
	return &models.OperationRecord{
		ID:         id,
		Server:     server,
		Action:     models.ActionPowerOn,
		Success:    success,
		Message:    "Server is online!",
		Logs:       []string{"Turning on plug...", "Plug turned on"},
		StartedAt:  started,
		FinishedAt: started.Add(14 * time.Second),
	}
}

func TestNew(t *testing.T) {
	d := newTestDB(t)
	if err := d.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestRecordOperation_GetOperation(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	started := time.Date(2025, 1, 2, 3, 4, 5, 600, time.UTC)
	op := sampleOperation("op-1", "alpha", started, true)

	if err := d.RecordOperation(ctx, op); err != nil {
		t.Fatalf("RecordOperation: %v", err)
	}
	got, err := d.GetOperation(ctx, "op-1")
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if got.Server != "alpha" || got.Action != models.ActionPowerOn || !got.Success {
		t.Errorf("got %+v", got)
	}
	if len(got.Logs) != 2 || got.Logs[1] != "Plug turned on" {
		t.Errorf("Logs: got %v", got.Logs)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt: got %v, want %v", got.StartedAt, started)
	}
	if !got.FinishedAt.Equal(started.Add(14 * time.Second)) {
		t.Errorf("FinishedAt: got %v", got.FinishedAt)
	}
}

func TestGetOperation_NotFound(t *testing.T) {
	d := newTestDB(t)
	_, err := d.GetOperation(context.Background(), "missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("got %v, want sql.ErrNoRows", err)
	}
}

func TestRecordOperation_NilLogs(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	op := sampleOperation("op-1", "alpha", time.Now(), false)
	op.Logs = nil
	if err := d.RecordOperation(ctx, op); err != nil {
		t.Fatalf("RecordOperation: %v", err)
	}
	got, err := d.GetOperation(ctx, "op-1")
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if got.Logs == nil || len(got.Logs) != 0 {
		t.Errorf("Logs: got %#v, want empty slice", got.Logs)
	}
}

func TestListOperations(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	// Same second with and without a fraction must still order correctly.
	ops := []*models.OperationRecord{
		sampleOperation("a1", "alpha", base, true),
		sampleOperation("a2", "alpha", base.Add(500*time.Millisecond), true),
		sampleOperation("b1", "beta", base.Add(time.Second), false),
		sampleOperation("a3", "alpha", base.Add(2*time.Second), true),
	}
	for _, op := range ops {
		if err := d.RecordOperation(ctx, op); err != nil {
			t.Fatalf("RecordOperation: %v", err)
		}
	}

	tests := []struct {
		name   string
		server string
		limit  int
		want   []string
	}{
		{"all", "", 0, []string{"a3", "b1", "a2", "a1"}},
		{"by server", "alpha", 0, []string{"a3", "a2", "a1"}},
		{"limited", "", 2, []string{"a3", "b1"}},
		{"unknown server", "gamma", 0, []string{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := d.ListOperations(ctx, tc.server, tc.limit)
			if err != nil {
				t.Fatalf("ListOperations: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("count: got %d, want %d", len(got), len(tc.want))
			}
			for i, id := range tc.want {
				if got[i].ID != id {
					t.Errorf("[%d]: got %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestCountOperations(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	for i, success := range []bool{true, true, false} {
		op := sampleOperation(fmt.Sprintf("op-%d", i), "alpha", now.Add(time.Duration(i)*time.Second), success)
		if err := d.RecordOperation(ctx, op); err != nil {
			t.Fatal(err)
		}
	}

	counts, err := d.CountOperations()
	if err != nil {
		t.Fatalf("CountOperations: %v", err)
	}
	got := map[string]int{}
	for _, c := range counts {
		got[c.Action+"/"+c.Outcome] = c.Count
	}
	if got["power_on/success"] != 2 || got["power_on/failure"] != 1 {
		t.Errorf("counts: got %v", got)
	}
}

func record(t *testing.T, d *db.DB, ip string, at time.Time, totalWh float64, on bool) {
	t.Helper()
	err := d.RecordEnergySample(context.Background(), outlet.EnergySample{
		OutletIP: ip, At: at, TotalWh: totalWh, PowerW: 50, On: on,
	})
	if err != nil {
		t.Fatalf("RecordEnergySample: %v", err)
	}
}

func TestEnergySince(t *testing.T) {
	d := newTestDB(t)
	midnight := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

	record(t, d, "10.0.0.5", midnight.Add(-30*time.Minute), 1000, true)
	record(t, d, "10.0.0.5", midnight.Add(30*time.Minute), 1050, true)
	record(t, d, "10.0.0.5", midnight.Add(90*time.Minute), 1100, false)
	record(t, d, "10.0.0.5", midnight.Add(150*time.Minute), 1100, false)
	// Another outlet must not leak in.
	record(t, d, "10.0.0.6", midnight.Add(time.Hour), 99999, true)

	got, err := d.EnergySince(context.Background(), "10.0.0.5", midnight)
	if err != nil {
		t.Fatalf("EnergySince: %v", err)
	}
	if math.Abs(got.EnergyWh-100) > 1e-9 {
		t.Errorf("EnergyWh: got %v, want 100", got.EnergyWh)
	}
	// On from midnight (clipped baseline) until the off sample at 01:30.
	if got.Runtime != 90*time.Minute {
		t.Errorf("Runtime: got %v, want 1h30m", got.Runtime)
	}
}

func TestEnergySince_CounterReset(t *testing.T) {
	d := newTestDB(t)
	start := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

	record(t, d, "10.0.0.5", start, 500, false)
	record(t, d, "10.0.0.5", start.Add(time.Minute), 520, false)
	record(t, d, "10.0.0.5", start.Add(2*time.Minute), 5, false)

	got, err := d.EnergySince(context.Background(), "10.0.0.5", start)
	if err != nil {
		t.Fatalf("EnergySince: %v", err)
	}
	if math.Abs(got.EnergyWh-25) > 1e-9 {
		t.Errorf("EnergyWh: got %v, want 25", got.EnergyWh)
	}
	if got.Runtime != 0 {
		t.Errorf("Runtime: got %v, want 0", got.Runtime)
	}
}

func TestEnergySince_NoSamples(t *testing.T) {
	d := newTestDB(t)
	got, err := d.EnergySince(context.Background(), "10.0.0.5", time.Now())
	if err != nil {
		t.Fatalf("EnergySince: %v", err)
	}
	if got.EnergyWh != 0 || got.Runtime != 0 {
		t.Errorf("got %+v, want zero totals", got)
	}
}

func TestPruneEnergySamples(t *testing.T) {
	d := newTestDB(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	record(t, d, "10.0.0.5", base, 1, false)
	record(t, d, "10.0.0.5", base.Add(time.Hour), 2, false)
	record(t, d, "10.0.0.5", base.Add(2*time.Hour), 3, false)

	n, err := d.PruneEnergySamples(context.Background(), base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("PruneEnergySamples: %v", err)
	}
	if n != 2 {
		t.Errorf("removed: got %d, want 2", n)
	}
}
