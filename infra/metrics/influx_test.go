package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/shopspring/decimal"

	coremetrics "github.com/kilianp07/flexplan/core/metrics"
	"github.com/kilianp07/flexplan/core/model"
)

func captureServer(t *testing.T) (*httptest.Server, func() []string) {
	t.Helper()
	var (
		mu    sync.Mutex
		lines []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		for _, l := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			if l != "" {
				lines = append(lines, l)
			}
		}
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), lines...)
	}
}

func lineOf(p *write.Point) string {
	return strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
}

func TestInfluxSink_RecordValidation(t *testing.T) {
	srv, lines := captureServer(t)
	sink := NewInfluxSink(srv.URL, "token", "org", "bucket")
	defer sink.Close()

	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	ev := coremetrics.ValidationEvent{
		DocumentType: model.DocPrognosis,
		Participant:  "agr.example.com",
		Accepted:     false,
		Reason:       "PTUS_INCOMPLETE",
		Time:         now,
	}
	if err := sink.RecordValidation(ev); err != nil {
		t.Fatalf("record error: %v", err)
	}
	p := write.NewPointWithMeasurement("document_validated").
		AddTag("document_type", model.DocPrognosis.String()).
		AddTag("participant", "agr.example.com").
		AddTag("accepted", "false").
		AddField("duplicate", false).
		AddField("reason", "PTUS_INCOMPLETE").
		SetTime(now)
	if got := lines(); len(got) != 1 || got[0] != lineOf(p) {
		t.Errorf("unexpected body: %#v", got)
	}
}

func TestInfluxSink_RecordSettlement(t *testing.T) {
	srv, lines := captureServer(t)
	sink := NewInfluxSink(srv.URL+"/api/v2/write", "token", "org", "bucket")
	defer sink.Close()

	period := model.MustPeriod("2026-06-01")
	row := model.SettlementPTU{
		Period:             period,
		Participant:        "agr.example.com",
		ConnectionGroup:    "cp.1",
		Index:              2,
		PrognosisPower:     model.Watts(60000),
		OrderedFlexPower:   model.Watts(10000),
		ActualPower:        model.Watts(45000),
		DeliveredFlexPower: model.Watts(5000),
		PowerDeficiency:    model.Watts(5000),
		Price:              decimal.RequireFromString("3"),
		Penalty:            decimal.RequireFromString("3"),
		NetSettlement:      decimal.Zero,
	}
	zero := model.ZeroSettlement(period, "other.example.com", "cp.2")
	err := sink.RecordSettlement(coremetrics.SettlementEvent{
		Period:      period,
		PTUDuration: 360,
		Rows:        []model.SettlementPTU{row, zero},
	})
	if err != nil {
		t.Fatalf("record error: %v", err)
	}
	got := lines()
	if len(got) != 2 {
		t.Fatalf("expected 2 points, got %#v", got)
	}
	want := write.NewPointWithMeasurement("settlement_ptu").
		AddTag("participant", "agr.example.com").
		AddTag("connection_group", "cp.1").
		AddTag("period", "2026-06-01").
		AddTag("ptu", "2").
		AddField("prognosis_w", 60000.0).
		AddField("ordered_w", 10000.0).
		AddField("actual_w", 45000.0).
		AddField("delivered_w", 5000.0).
		AddField("deficiency_w", 5000.0).
		AddField("price", 3.0).
		AddField("penalty", 3.0).
		AddField("net", 0.0).
		SetTime(time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC))
	if got[0] != lineOf(want) {
		t.Errorf("unexpected line: %s", got[0])
	}
	if !strings.HasSuffix(got[1], " "+strconv.FormatInt(period.Start(time.UTC).UnixNano(), 10)) {
		t.Errorf("zero row not stamped at period start: %s", got[1])
	}
}

func TestInfluxSink_RecordSettlementEmpty(t *testing.T) {
	srv, lines := captureServer(t)
	sink := NewInfluxSink(srv.URL, "token", "org", "bucket")
	defer sink.Close()
	if err := sink.RecordSettlement(coremetrics.SettlementEvent{}); err != nil {
		t.Fatalf("record error: %v", err)
	}
	if got := lines(); len(got) != 0 {
		t.Fatalf("expected no write, got %#v", got)
	}
}

func TestInfluxSink_RecordCongestion(t *testing.T) {
	srv, lines := captureServer(t)
	sink := NewInfluxSink(srv.URL, "token", "org", "bucket")
	defer sink.Close()

	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	err := sink.RecordCongestion(coremetrics.CongestionEvent{
		Period:          model.MustPeriod("2026-06-02"),
		CongestionPoint: "cp.1",
		Generation:      3,
		Requested:       2,
		Time:            now,
	})
	if err != nil {
		t.Fatalf("record error: %v", err)
	}
	p := write.NewPointWithMeasurement("congestion_analysis").
		AddTag("congestion_point", "cp.1").
		AddTag("period", "2026-06-02").
		AddField("generation", int64(3)).
		AddField("requested_ptus", 2).
		AddField("stale", false).
		SetTime(now)
	if got := lines(); len(got) != 1 || got[0] != lineOf(p) {
		t.Errorf("unexpected body: %#v", got)
	}
}

func TestNewInfluxSinkWithFallback(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			called = true
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}))
	defer srv.Close()

	sink := NewInfluxSinkWithFallback(srv.URL+"/api/v2/write", "tok", "org", "bucket")
	if _, ok := sink.(*InfluxSink); ok {
		t.Fatalf("expected NopSink on failing health check")
	}
	if !called {
		t.Fatalf("health endpoint not called")
	}
}

func TestInfluxSinkFromConf(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cases := []struct {
		name    string
		conf    map[string]any
		wantErr bool
		nop     bool
	}{
		{"missing bucket", map[string]any{"url": srv.URL, "org": "o"}, true, false},
		{"unhealthy dropped", map[string]any{"url": srv.URL, "org": "o", "bucket": "b"}, false, true},
		{"unhealthy required", map[string]any{"url": srv.URL, "org": "o", "bucket": "b", "required": true}, true, false},
	}
	for _, c := range cases {
		sink, err := newInfluxFromConf(c.conf)
		if (err != nil) != c.wantErr {
			t.Fatalf("%s: err %v", c.name, err)
		}
		if c.nop {
			if _, ok := sink.(coremetrics.NopSink); !ok {
				t.Fatalf("%s: expected NopSink, got %T", c.name, sink)
			}
		}
	}
}
