package channel

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/flexplan/core/document"
	"github.com/kilianp07/flexplan/core/model"
	coremon "github.com/kilianp07/flexplan/core/monitoring"
)

func testDoc() document.Document {
	return document.Document{
		MessageID: "m1",
		Envelope: document.Envelope{
			SenderDomain:    "dso.example.com",
			SenderRole:      model.RoleDSO,
			RecipientDomain: "agr.example.com",
			RecipientRole:   model.RoleAGR,
			PTUDuration:     15,
		},
		Type:     model.DocFlexRequest,
		Period:   model.MustPeriod("2026-06-02"),
		Sequence: 7,
		PTUs:     []model.PTUValue{{Index: 1, Duration: 1, Power: model.Watts(10)}},
	}
}

func withMock(t *testing.T, mc *mockClient) {
	t.Helper()
	newMQTTClient = func(o *paho.ClientOptions) pahoClient { mc.opts = o; return mc }
	t.Cleanup(func() { newMQTTClient = func(opts *paho.ClientOptions) pahoClient { return paho.NewClient(opts) } })
}

// helper to generate self-signed cert
func generateCert(t *testing.T) (certFile, keyFile, caFile string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	tmpl := x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "test"}, NotBefore: time.Now(), NotAfter: time.Now().Add(time.Hour)}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	dir := t.TempDir()
	certFile = dir + "/cert.pem"
	keyFile = dir + "/key.pem"
	caFile = dir + "/ca.pem"
	for path, b := range map[string][]byte{certFile: certPEM, keyFile: keyPEM, caFile: certPEM} {
		if err := os.WriteFile(path, b, 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return
}

func TestLoadTLSConfig(t *testing.T) {
	cert, key, ca := generateCert(t)
	tlsCfg, err := MQTTConfig{UseTLS: true, ClientCert: cert, ClientKey: key, CABundle: ca}.LoadTLSConfig()
	if err != nil {
		t.Fatalf("load tls: %v", err)
	}
	if len(tlsCfg.Certificates) == 0 || tlsCfg.RootCAs == nil {
		t.Fatalf("tls config incomplete")
	}
	if _, err := (MQTTConfig{UseTLS: true}).LoadTLSConfig(); err == nil {
		t.Fatalf("expected error without files")
	}
}

func TestNewClientOptionsAuth(t *testing.T) {
	opts, err := NewClientOptions(MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "id", Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("opts: %v", err)
	}
	if opts.Username != "u" || opts.Password != "p" {
		t.Fatalf("auth not set")
	}
}

func TestMQTTSendTopicAndQoS(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	m, err := NewMQTT(MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "id", QoS: 2})
	require.NoError(t, err)

	require.NoError(t, m.Send(context.Background(), testDoc()))
	require.Len(t, mc.published, 1)
	assert.Equal(t, "flex/agr.example.com/FLEX_REQUEST", mc.published[0].topic)
	assert.Equal(t, byte(2), mc.published[0].qos)

	back, err := document.Unmarshal(mc.published[0].payload)
	require.NoError(t, err)
	assert.Equal(t, int64(7), back.Sequence)
}

func TestMQTTRetryLogic(t *testing.T) {
	mc := &mockClient{publishErrs: []error{fmt.Errorf("net fail"), nil}}
	withMock(t, mc)
	m, err := NewMQTT(MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "id", MaxRetries: 1, BackoffMS: 1})
	require.NoError(t, err)
	require.NoError(t, m.Send(context.Background(), testDoc()))
	if len(mc.published) != 2 {
		t.Fatalf("expected retries, got %d publishes", len(mc.published))
	}
}

func TestMQTTSendErrorCaptured(t *testing.T) {
	fail := fmt.Errorf("net fail")
	mc := &mockClient{publishErrs: []error{fail, fail}}
	withMock(t, mc)
	mon := &recordMonitor{}
	coremon.Init(mon)
	defer coremon.Init(coremon.NopMonitor{})

	m, err := NewMQTT(MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "id", MaxRetries: 1, BackoffMS: 1})
	require.NoError(t, err)
	err = m.Send(context.Background(), testDoc())
	require.ErrorIs(t, err, fail)
	if mon.err == nil {
		t.Fatalf("error not captured")
	}
	if mon.tags["recipient"] != "agr.example.com" || mon.tags["module"] != "mqtt" {
		t.Fatalf("tags not set: %v", mon.tags)
	}
}

func TestMQTTReceive(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	m, err := NewMQTT(MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "id"})
	require.NoError(t, err)

	got := make(chan document.Document, 1)
	require.NoError(t, m.Receive(context.Background(), "agr.example.com", func(_ context.Context, d document.Document) error {
		got <- d
		return nil
	}))
	require.Len(t, mc.subscribed, 1)
	assert.Equal(t, "flex/agr.example.com/#", mc.subscribed[0].topic)

	// malformed payloads are dropped
	mc.subscribed[0].cb(nil, mockMessage{p: []byte("{")})
	payload, err := document.Marshal(testDoc())
	require.NoError(t, err)
	mc.subscribed[0].cb(nil, mockMessage{p: payload})
	select {
	case d := <-got:
		assert.Equal(t, model.DocFlexRequest, d.Type)
	default:
		t.Fatalf("document not delivered")
	}
	assert.Empty(t, got)
	require.NoError(t, m.Close())
}

func TestMQTTResubscribeOnConnect(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	m, err := NewMQTT(MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "id"})
	require.NoError(t, err)
	require.NoError(t, m.Receive(context.Background(), "agr", func(context.Context, document.Document) error { return nil }))
	mc.opts.OnConnect(mc)
	assert.Len(t, mc.subscribed, 2)
}

type recordMonitor struct {
	err  error
	tags map[string]string
}

func (r *recordMonitor) CaptureException(err error, tags map[string]string) {
	r.err = err
	r.tags = tags
}
func (r *recordMonitor) CapturePanic(any)    {}
func (r *recordMonitor) Flush(time.Duration) {}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type subscribed struct {
	topic string
	qos   byte
	cb    paho.MessageHandler
}

// mockClient implements pahoClient for tests
type mockClient struct {
	opts        *paho.ClientOptions
	subscribed  []subscribed
	published   []published
	publishErrs []error
}

func (m *mockClient) IsConnected() bool { return true }
func (m *mockClient) Connect() paho.Token {
	if m.opts != nil && m.opts.OnConnect != nil {
		m.opts.OnConnect(m)
	}
	return &dummyToken{}
}
func (m *mockClient) Disconnect(uint) {}
func (m *mockClient) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	b, _ := payload.([]byte)
	m.published = append(m.published, published{topic, qos, b})
	if len(m.publishErrs) > 0 {
		err := m.publishErrs[0]
		m.publishErrs = m.publishErrs[1:]
		return &dummyToken{err: err}
	}
	return &dummyToken{}
}
func (m *mockClient) Subscribe(topic string, qos byte, cb paho.MessageHandler) paho.Token {
	m.subscribed = append(m.subscribed, subscribed{topic, qos, cb})
	return &dummyToken{}
}
func (m *mockClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &dummyToken{}
}
func (m *mockClient) Unsubscribe(...string) paho.Token        { return &dummyToken{} }
func (m *mockClient) AddRoute(string, paho.MessageHandler)    {}
func (m *mockClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }
func (m *mockClient) IsConnectionOpen() bool                  { return true }

type dummyToken struct{ err error }

func (d dummyToken) Wait() bool                     { return true }
func (d dummyToken) WaitTimeout(time.Duration) bool { return true }
func (d dummyToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (d dummyToken) Error() error                   { return d.err }

type mockMessage struct{ p []byte }

func (m mockMessage) Duplicate() bool   { return false }
func (m mockMessage) Qos() byte         { return 0 }
func (m mockMessage) Retained() bool    { return false }
func (m mockMessage) Topic() string     { return "flex/agr.example.com/FLEX_REQUEST" }
func (m mockMessage) MessageID() uint16 { return 0 }
func (m mockMessage) Payload() []byte   { return m.p }
func (m mockMessage) Ack()              {}
