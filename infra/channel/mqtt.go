package channel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	corechannel "github.com/kilianp07/flexplan/core/channel"
	"github.com/kilianp07/flexplan/core/document"
	"github.com/kilianp07/flexplan/core/monitoring"
	"github.com/kilianp07/flexplan/infra/logger"
)

// MQTTConfig defines the connection parameters for the Paho MQTT client.
type MQTTConfig struct {
	Broker      string      `json:"broker"`
	ClientID    string      `json:"client_id"`
	Username    string      `json:"username"`
	Password    string      `json:"password"`
	TopicPrefix string      `json:"topic_prefix"`
	QoS         byte        `json:"qos"`
	UseTLS      bool        `json:"use_tls"`
	ClientCert  string      `json:"client_cert"`
	ClientKey   string      `json:"client_key"`
	CABundle    string      `json:"ca_bundle"`
	MaxRetries  int         `json:"max_retries"`
	BackoffMS   int         `json:"backoff_ms"`
	TLSConfig   *tls.Config `json:"-"`
}

func (c *MQTTConfig) setDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "flex"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
	if c.QoS == 0 {
		c.QoS = 1
	}
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// MQTT publishes documents as JSON on <prefix>/<recipient>/<type>. Delivery is
// at-least-once (QoS 1 by default).
type MQTT struct {
	cli     pahoClient
	cfg     MQTTConfig
	log     logger.Logger
	backoff time.Duration

	mu   sync.Mutex
	subs map[string]paho.MessageHandler
}

// NewMQTT connects to the broker. Subscriptions made through Receive are
// restored on reconnect.
func NewMQTT(cfg MQTTConfig) (*MQTT, error) {
	cfg.setDefaults()
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	log := logger.New("mqtt_channel")
	m := &MQTT{
		cfg:     cfg,
		log:     log,
		backoff: time.Duration(cfg.BackoffMS) * time.Millisecond,
		subs:    map[string]paho.MessageHandler{},
	}
	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		m.mu.Lock()
		defer m.mu.Unlock()
		for topic, h := range m.subs {
			if token := c.Subscribe(topic, m.cfg.QoS, h); token.Wait() && token.Error() != nil {
				log.Errorf("resubscribe %s: %v", topic, token.Error())
			}
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	m.cli = c
	return m, nil
}

// NewClientOptions builds mqtt client options from MQTTConfig.
func NewClientOptions(cfg MQTTConfig) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c MQTTConfig) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// Topic returns the topic a document is published on.
func (m *MQTT) Topic(d document.Document) string {
	return fmt.Sprintf("%s/%s/%s", m.cfg.TopicPrefix, topicSafe(d.RecipientDomain), d.Type)
}

// Send publishes d, retrying with exponential backoff.
func (m *MQTT) Send(ctx context.Context, d document.Document) error {
	payload, err := document.Marshal(d)
	if err != nil {
		return err
	}
	topic := m.Topic(d)
	var publishErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		token := m.cli.Publish(topic, m.cfg.QoS, false, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			m.log.Debugf("published %s #%d to %s", d.Type, d.Sequence, topic)
			return nil
		}
		m.log.Errorf("publish attempt %d failed: %v", attempt+1, publishErr)
		if attempt == m.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish %s: %w", topic, ctx.Err())
		case <-time.After(m.backoff * time.Duration(1<<attempt)):
		}
	}
	monitoring.CaptureException(publishErr, map[string]string{
		"module":    "mqtt",
		"recipient": d.RecipientDomain,
		"type":      d.Type.String(),
	})
	return fmt.Errorf("publish %s: %w", topic, publishErr)
}

// Receive subscribes to every document addressed to domain.
func (m *MQTT) Receive(ctx context.Context, domain string, h corechannel.Handler) error {
	topic := fmt.Sprintf("%s/%s/#", m.cfg.TopicPrefix, topicSafe(domain))
	cb := func(_ paho.Client, msg paho.Message) {
		m.deliver(ctx, msg, h)
	}
	m.mu.Lock()
	m.subs[topic] = cb
	m.mu.Unlock()
	if token := m.cli.Subscribe(topic, m.cfg.QoS, cb); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	return nil
}

func (m *MQTT) deliver(ctx context.Context, msg paho.Message, h corechannel.Handler) {
	d, err := document.Unmarshal(msg.Payload())
	if err != nil {
		m.log.Errorf("drop message on %s: %v", msg.Topic(), err)
		return
	}
	if err := h(ctx, d); err != nil {
		m.log.Errorf("handle %s #%d from %s: %v", d.Type, d.Sequence, d.SenderDomain, err)
		monitoring.CaptureException(err, map[string]string{"module": "mqtt", "sender": d.SenderDomain})
	}
}

// Close gracefully closes the MQTT connection.
func (m *MQTT) Close() error {
	if m.cli != nil && m.cli.IsConnected() {
		m.cli.Disconnect(250)
	}
	return nil
}

// topicSafe strips MQTT wildcard and level characters from a domain.
func topicSafe(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

var _ corechannel.Transport = (*MQTT)(nil)
