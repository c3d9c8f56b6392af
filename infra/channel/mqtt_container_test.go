//go:build !no_containers

package channel

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kilianp07/flexplan/core/document"
)

func startMosquitto(ctx context.Context, t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not installed")
	}
	conf := "listener 1883\nallow_anonymous true\npersistence false\n"
	path := filepath.Join(t.TempDir(), "mosquitto.conf")
	if err := os.WriteFile(path, []byte(conf), 0o644); err != nil {
		t.Fatalf("write conf: %v", err)
	}
	req := tc.ContainerRequest{
		Image:        "eclipse-mosquitto:2.0",
		ExposedPorts: []string{"1883/tcp"},
		WaitingFor:   wait.ForListeningPort("1883/tcp"),
		Files: []tc.ContainerFile{{
			HostFilePath:      path,
			ContainerFilePath: "/mosquitto/config/mosquitto.conf",
			FileMode:          0o644,
		}},
	}
	cont, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("container start: %v", err)
	}
	t.Cleanup(func() { _ = cont.Terminate(context.Background()) })
	host, err := cont.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := cont.MappedPort(ctx, "1883")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	return fmt.Sprintf("tcp://%s:%s", host, port.Port())
}

func TestMQTTRoundTripWithBroker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	broker := startMosquitto(ctx, t)

	agr, err := NewMQTT(MQTTConfig{Broker: broker, ClientID: "agr"})
	if err != nil {
		t.Fatalf("connect agr: %v", err)
	}
	defer func() { _ = agr.Close() }()
	dso, err := NewMQTT(MQTTConfig{Broker: broker, ClientID: "dso"})
	if err != nil {
		t.Fatalf("connect dso: %v", err)
	}
	defer func() { _ = dso.Close() }()

	got := make(chan document.Document, 1)
	err = agr.Receive(ctx, "agr.example.com", func(_ context.Context, d document.Document) error {
		got <- d
		return nil
	})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}

	want := testDoc()
	if err := dso.Send(ctx, want); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case d := <-got:
		if d.Type != want.Type || d.Sequence != want.Sequence || d.SenderDomain != want.SenderDomain {
			t.Fatalf("unexpected document %+v", d)
		}
		if d.PTUs[0].Power.Int64() != 10 {
			t.Fatalf("power lost in transit: %v", d.PTUs[0].Power)
		}
	case <-ctx.Done():
		t.Fatalf("document not delivered")
	}
}
