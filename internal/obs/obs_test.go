package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLoggerEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLoggerTo(&buf)
	lg.Warn(map[string]interface{}{"op": "commit", "error": errors.New("boom")})

	var got map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("not json: %q", buf.String())
	}
	if got["level"] != "warn" || got["op"] != "commit" || got["error"] != "boom" {
		t.Fatalf("unexpected line: %v", got)
	}
	if _, ok := got["ts"]; !ok {
		t.Fatal("missing ts")
	}
}

func TestNilHelpersAreNoops(t *testing.T) {
	var lg *Logger
	lg.Info(map[string]interface{}{"op": "x"})

	var m *Metrics
	m.Cycle("general", "idle")
	m.Booked("general")
	m.ObserveLatency("cycle", time.Now())
}

func TestMetricsCount(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.Cycle("general", "booked")
	m.Cycle("general", "booked")
	m.Anomaly("general", "lost_race")

	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues("general", "booked")); got != 2 {
		t.Fatalf("expected 2 cycles, got %v", got)
	}
	if got := testutil.ToFloat64(m.AnomaliesTotal.WithLabelValues("general", "lost_race")); got != 1 {
		t.Fatalf("expected 1 anomaly, got %v", got)
	}
}
