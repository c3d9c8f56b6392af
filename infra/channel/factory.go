// Package channel provides the broker-backed message channels.
package channel

import (
	corechannel "github.com/kilianp07/flexplan/core/channel"
	"github.com/kilianp07/flexplan/core/factory"
)

// init registers built-in transports.
func init() {
	_ = corechannel.Register("log", func(map[string]any) (corechannel.Transport, error) {
		return NewLog(nil), nil
	})

	_ = corechannel.Register("mqtt", func(conf map[string]any) (corechannel.Transport, error) {
		var c MQTTConfig
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return NewMQTT(c)
	})

	_ = corechannel.Register("nats", func(conf map[string]any) (corechannel.Transport, error) {
		var c NATSConfig
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return NewNATS(c)
	})

	_ = corechannel.Register("http", func(conf map[string]any) (corechannel.Transport, error) {
		var c HTTPConfig
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return NewHTTP(c)
	})
}
