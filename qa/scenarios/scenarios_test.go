package scenarios

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/flexplan/infra/metrics"
)

func TestScenario(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "*.yaml"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("no scenarios found")
	}
	for _, f := range files {
		sc, err := Load(f)
		if err != nil {
			t.Fatalf("load %s: %v", f, err)
		}
		t.Run(sc.Name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			sink, err := metrics.NewPromSinkWithRegistry(reg)
			require.NoError(t, err)

			res, err := Run(context.Background(), sc, Options{Sink: sink})
			require.NoError(t, err)
			if err := sc.Check(res); err != nil {
				t.Fatalf("unexpected outcome:\n%v", err)
			}
			if n := testutil.CollectAndCount(reg, "flexplan_settlement_rows_total"); n == 0 {
				t.Errorf("no settlement rows recorded")
			}
		})
	}
}

func TestCheckReportsMismatch(t *testing.T) {
	sc, err := Load(filepath.Join("testdata", "congested_evening.yaml"))
	require.NoError(t, err)
	zero := 0
	sc.Expected.Orders = &zero
	res, err := Run(context.Background(), sc, Options{})
	require.NoError(t, err)
	require.ErrorContains(t, sc.Check(res), "orders")
}

func TestLoadInvalid(t *testing.T) {
	cases := map[string]string{
		"yaml":      "name: [",
		"period":    "name: x\ngroups:\n  - name: cp\n    aggregator: agr\n    prognosis: [0, 0, 0, 0]\n",
		"ptu":       "name: x\nperiod: \"2026-06-02\"\nptu_duration: 7\ngroups:\n  - name: cp\n    aggregator: agr\n    prognosis: [0]\n",
		"groups":    "name: x\nperiod: \"2026-06-02\"\n",
		"prognosis": "name: x\nperiod: \"2026-06-02\"\ngroups:\n  - name: cp\n    aggregator: agr\n    prognosis: [0, 0]\n",
		"meter":     "name: x\nperiod: \"2026-06-02\"\ngroups:\n  - name: cp\n    aggregator: agr\n    prognosis: [0, 0, 0, 0]\n    meter_data: [1]\n",
	}
	dir := t.TempDir()
	for name, data := range cases {
		path := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file: expected error")
	}
}
