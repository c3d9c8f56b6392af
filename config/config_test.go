package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/step"
	"github.com/kilianp07/flexplan/core/step/builtin"
)

func write(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sample = `planboard:
  host_domain: "dso.example.com"
  host_role: "DSO"
  ptu_duration: 15
  power_ceiling: "100000"
  timezone: "Europe/Amsterdam"
steps:
  default_timeout: 10s
  role_timeouts:
    dso: 20s
  bindings:
    - key: "dso.non_participant_forecast"
      type: "static-forecast"
      conf:
        power: 60000
    - key: "dso.flex_order"
      type: "cheapest-order"
      timeout: 5s
store:
  backend: "sqlite"
  path: "/tmp/flex.db"
sequence:
  backend: "redis"
  redis:
    addr: "redis:6379"
channel:
  type: "mqtt"
  conf:
    broker: "tcp://localhost:1883"
metrics:
  sinks:
    - type: "prometheus"
journal:
  path: "/tmp/journal.jsonl"
scheduler:
  gate_closure: "14:30"
api:
  addr: ":8080"
  token: "secret"
clock:
  start: "2026-06-01T10:00:00Z"
  speed: 60
participants:
  - connection_group: "cp.1"
    domain: "agr.example.com"
    role: "AGR"
    valid_from: "2026-01-01"
`

//nolint:gocyclo
func TestLoad(t *testing.T) {
	if _, err := time.LoadLocation("Europe/Amsterdam"); err != nil {
		t.Skipf("no tzdata: %v", err)
	}
	cfg, err := Load(write(t, "config.yaml", sample))
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"host_domain", cfg.Planboard.HostDomain, "dso.example.com"},
		{"host_role", cfg.Planboard.HostRole, model.RoleDSO},
		{"currency default", cfg.Planboard.Currency, "EUR"},
		{"offer validity default", cfg.Planboard.OfferValidity(), 2 * time.Hour},
		{"store", cfg.Store.Backend, "sqlite"},
		{"redis addr", cfg.Sequence.Redis.Addr, "redis:6379"},
		{"channel", cfg.Channel.Type, "mqtt"},
		{"channel broker", cfg.Channel.Conf["broker"], "tcp://localhost:1883"},
		{"prometheus addr default", cfg.Metrics.PrometheusAddr, ":9100"},
		{"journal rotation default", cfg.Journal.MaxSizeMB, 10},
		{"gate closure", cfg.Scheduler.GateClosure, "14:30"},
		{"settle default", cfg.Scheduler.SettleAt, "06:00"},
		{"participants", len(cfg.Participants), 1},
		{"valid_from", cfg.Participants[0].ValidFrom, model.MustPeriod("2026-01-01")},
		{"logging level", cfg.Logging.Level, "info"},
		{"api addr", cfg.API.Addr, ":8080"},
		{"simulated clock", cfg.Clock.Simulated(), true},
		{"clock speed", cfg.Clock.Speed, 60.0},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s mismatch: %v", c.name, c.got)
		}
	}

	opts := cfg.Steps.Options()
	if opts.DefaultTimeout != 10*time.Second || opts.Timeouts["dso"] != 20*time.Second || opts.Timeouts[step.KeyOrder] != 5*time.Second {
		t.Errorf("unexpected step options %#v", opts)
	}
	b := cfg.Steps.ForRole(model.RoleDSO)
	if b[step.KeyGridSafety].Type != builtin.CeilingGridSafety {
		t.Errorf("grid safety not defaulted: %#v", b)
	}
	if _, ok := b[step.KeyOffer]; ok {
		t.Errorf("aggregator step bound on a DSO node")
	}
	if fmt.Sprint(b[step.KeyForecast].Conf["power"]) != "60000" {
		t.Errorf("forecast conf lost: %#v", b[step.KeyForecast])
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FLEX_PLANBOARD__HOST_DOMAIN", "other.example.com")
	path := write(t, "config.yaml", "planboard:\n  host_domain: dso.example.com\n  host_role: DSO\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Planboard.HostDomain != "other.example.com" {
		t.Fatalf("env override ignored: %s", cfg.Planboard.HostDomain)
	}
}

func TestLoadRejectsBadPTUDuration(t *testing.T) {
	path := write(t, "config.json", `{"planboard":{"host_domain":"a","host_role":"AGR","ptu_duration":7}}`)
	_, err := Load(path)
	var ce *step.ConfigurationError
	if !errors.As(err, &ce) || !errors.Is(err, model.ErrInvalidPTUDuration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"format":      "planboard: {}",
		"role":        "planboard:\n  host_domain: a\n  host_role: X\n",
		"store":       "planboard:\n  host_domain: a\n  host_role: AGR\nstore:\n  backend: pg\n",
		"binding":     "planboard:\n  host_domain: a\n  host_role: AGR\nsteps:\n  bindings:\n    - key: offer\n      type: x\n",
		"ceiling":     "planboard:\n  host_domain: a\n  host_role: DSO\n  power_ceiling: lots\n",
		"participant": "planboard:\n  host_domain: a\n  host_role: DSO\nparticipants:\n  - domain: b\n    role: AGR\n",
		"clock":       "planboard:\n  host_domain: a\n  host_role: DSO\nclock:\n  start: tomorrow\n",
	}
	for name, data := range cases {
		ext := "config.yaml"
		if name == "format" {
			ext = "config.toml"
		}
		if _, err := Load(write(t, ext, data)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
