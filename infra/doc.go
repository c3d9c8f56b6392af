// Package infra holds the adapters behind the core interfaces: SQLite and
// Redis persistence, MQTT, NATS and HTTP channels, Prometheus and InfluxDB
// sinks, the transition journal and the zerolog logger.
package infra
