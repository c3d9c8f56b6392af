package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	corechannel "github.com/kilianp07/flexplan/core/channel"
	"github.com/kilianp07/flexplan/core/document"
	corelogger "github.com/kilianp07/flexplan/core/logger"
	"github.com/kilianp07/flexplan/core/monitoring"
	"github.com/kilianp07/flexplan/infra/logger"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        `json:"url"`
	Name          string        `json:"name"`
	SubjectPrefix string        `json:"subject_prefix"`
	Queue         string        `json:"queue"`
	ReconnectWait time.Duration `json:"reconnect_wait"`
	MaxReconnects int           `json:"max_reconnects"`
	Timeout       time.Duration `json:"timeout"`
}

func (c *NATSConfig) setDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "flex"
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// natsConn is the subset of *nats.Conn the channel needs.
type natsConn interface {
	Publish(subj string, data []byte) error
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NATS publishes documents as JSON on <prefix>.<recipient>.<type>.
type NATS struct {
	conn natsConn
	cfg  NATSConfig
	log  logger.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATS connects to the NATS server.
func NewNATS(cfg NATSConfig) (*NATS, error) {
	cfg.setDefaults()
	log := logger.New("nats_channel")
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("nats reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newNATS(conn, cfg, log), nil
}

func newNATS(conn natsConn, cfg NATSConfig, log logger.Logger) *NATS {
	cfg.setDefaults()
	return &NATS{conn: conn, cfg: cfg, log: corelogger.OrNop(log)}
}

// Subject returns the subject a document is published on.
func (n *NATS) Subject(d document.Document) string {
	return fmt.Sprintf("%s.%s.%s", n.cfg.SubjectPrefix, subjectSafe(d.RecipientDomain), d.Type)
}

// Send publishes d and flushes so that a broken connection surfaces here.
func (n *NATS) Send(ctx context.Context, d document.Document) error {
	payload, err := document.Marshal(d)
	if err != nil {
		return err
	}
	subj := n.Subject(d)
	if err := n.conn.Publish(subj, payload); err != nil {
		monitoring.CaptureException(err, map[string]string{"module": "nats", "recipient": d.RecipientDomain})
		return fmt.Errorf("publish %s: %w", subj, err)
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", subj, err)
	}
	n.log.Debugf("published %s #%d to %s", d.Type, d.Sequence, subj)
	return nil
}

// Receive subscribes to every document addressed to domain. With a queue
// configured, replicas of one node share the subscription.
func (n *NATS) Receive(ctx context.Context, domain string, h corechannel.Handler) error {
	subj := fmt.Sprintf("%s.%s.>", n.cfg.SubjectPrefix, subjectSafe(domain))
	cb := func(msg *nats.Msg) {
		d, err := document.Unmarshal(msg.Data)
		if err != nil {
			n.log.Errorf("drop message on %s: %v", msg.Subject, err)
			return
		}
		if err := h(ctx, d); err != nil {
			n.log.Errorf("handle %s #%d from %s: %v", d.Type, d.Sequence, d.SenderDomain, err)
		}
	}
	var (
		sub *nats.Subscription
		err error
	)
	if n.cfg.Queue != "" {
		sub, err = n.conn.QueueSubscribe(subj, n.cfg.Queue, cb)
	} else {
		sub, err = n.conn.Subscribe(subj, cb)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subj, err)
	}
	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()
	// The server knows the subscription once the flush returns.
	return n.conn.FlushWithContext(ctx)
}

// Close drains subscriptions and closes the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}

// subjectSafe replaces the NATS token separator and wildcards in a domain.
func subjectSafe(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

var _ corechannel.Transport = (*NATS)(nil)
