//go:build !no_containers

package e2e

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kilianp07/flexplan/infra/metrics"
	"github.com/kilianp07/flexplan/qa/scenarios"
)

const (
	org    = "e2e_org"
	bucket = "e2e_bucket"
	token  = "e2e-token"
)

// junitReport is a minimal representation of a JUnit XML report. The E2E
// suite writes such a report so CI systems can display the results.
type junitReport struct {
	XMLName  xml.Name        `xml:"testsuite"`
	Name     string          `xml:"name,attr"`
	Tests    int             `xml:"tests,attr"`
	Failures int             `xml:"failures,attr"`
	Cases    []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	Name    string  `xml:"name,attr"`
	Failure *string `xml:"failure,omitempty"`
	Time    float64 `xml:"time,attr"`
}

// writeJUnit writes the provided report to the given path.
func writeJUnit(path string, rep junitReport) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := xml.NewEncoder(f)
	enc.Indent("", "  ")
	return enc.Encode(rep)
}

// startInflux starts an InfluxDB 2.7 container set up with the e2e org,
// bucket and token, and returns it along with the base URL.
func startInflux(ctx context.Context, t *testing.T) (tc.Container, string) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "influxdb:2.7",
		ExposedPorts: []string{"8086/tcp"},
		Env: map[string]string{
			"DOCKER_INFLUXDB_INIT_MODE":        "setup",
			"DOCKER_INFLUXDB_INIT_USERNAME":    "e2e",
			"DOCKER_INFLUXDB_INIT_PASSWORD":    "e2e-password",
			"DOCKER_INFLUXDB_INIT_ORG":         org,
			"DOCKER_INFLUXDB_INIT_BUCKET":      bucket,
			"DOCKER_INFLUXDB_INIT_ADMIN_TOKEN": token,
		},
		WaitingFor: wait.ForHTTP("/health").WithPort("8086/tcp").WithStartupTimeout(60 * time.Second),
	}
	cont, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("unable to start influx container: %v", err)
	}
	host, _ := cont.Host(ctx)
	port, _ := cont.MappedPort(ctx, "8086")
	return cont, fmt.Sprintf("http://%s:%s", host, port.Port())
}

// Test_E2E_SettlementReachesInflux plays a congested day and checks that the
// validations, congestion analyses and settlement rows land in InfluxDB.
func Test_E2E_SettlementReachesInflux(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skipf("docker not installed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	started := time.Now()

	influxCont, influxURL := startInflux(ctx, t)
	defer influxCont.Terminate(ctx) //nolint:errcheck
	t.Logf("InfluxDB started at %s", influxURL)

	sc, err := scenarios.Load(filepath.Join("..", "qa", "scenarios", "testdata", "congested_evening.yaml"))
	if err != nil {
		t.Fatalf("load scenario: %v", err)
	}
	cli := NewInfluxClient(influxURL, org, token)
	defer cli.Close()
	runBucket := "settlement_" + sc.Period.String()
	if err := cli.CreateBucket(ctx, runBucket, 30*24*time.Hour); err != nil {
		t.Fatalf("bucket: %v", err)
	}

	sink := metrics.NewInfluxSink(influxURL, token, org, runBucket)
	defer sink.Close()
	res, err := scenarios.Run(ctx, sc, scenarios.Options{Sink: sink})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := sc.Check(res); err != nil {
		t.Fatalf("outcome: %v", err)
	}

	since := sc.Period.AddDays(-7).Start(time.UTC)
	for measurement, field := range map[string]string{
		"document_validated":  "duplicate",
		"congestion_analysis": "requested_ptus",
		"settlement_ptu":      "net",
	} {
		n, err := cli.Count(ctx, runBucket, measurement, field, since)
		if err != nil {
			t.Fatalf("query %s: %v", measurement, err)
		}
		if n == 0 {
			t.Errorf("no %s points in influx", measurement)
		}
		if measurement == "settlement_ptu" && n != len(res.Rows) {
			t.Errorf("settlement points: got %d, want %d", n, len(res.Rows))
		}
	}

	dir := t.TempDir()
	rep := junitReport{Name: "e2e", Tests: 1, Cases: []junitTestCase{{Name: t.Name(), Time: time.Since(started).Seconds()}}}
	if t.Failed() {
		msg := "influx content mismatch"
		rep.Failures = 1
		rep.Cases[0].Failure = &msg
	}
	if err := writeJUnit(filepath.Join(dir, "e2e.xml"), rep); err != nil {
		t.Logf("write junit: %v", err)
	}
}
