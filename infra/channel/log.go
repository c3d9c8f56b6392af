package channel

import (
	"context"

	corechannel "github.com/kilianp07/flexplan/core/channel"
	"github.com/kilianp07/flexplan/core/document"
	"github.com/kilianp07/flexplan/infra/logger"
)

// Log writes outbound documents to the log and never receives anything. It
// backs dry runs of a node without a broker.
type Log struct {
	log logger.Logger
}

// NewLog returns a log-only transport.
func NewLog(l logger.Logger) *Log {
	if l == nil {
		l = logger.New("log_channel")
	}
	return &Log{log: l}
}

func (l *Log) Send(_ context.Context, d document.Document) error {
	l.log.Debugw("outbound document", map[string]any{
		"type":      d.Type.String(),
		"sequence":  d.Sequence,
		"recipient": d.RecipientDomain,
		"period":    d.Period.String(),
		"ptus":      len(d.PTUs),
	})
	return nil
}

func (l *Log) Receive(context.Context, string, corechannel.Handler) error { return nil }

func (l *Log) Close() error { return nil }

var _ corechannel.Transport = (*Log)(nil)
