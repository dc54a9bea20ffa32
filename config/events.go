package config

import "strings"

// EventsConfig controls publication of job lifecycle events to Kafka.
type EventsConfig struct {
	Enabled  bool     `env:"EVENTS_KAFKA_ENABLED"   envDefault:"false"`
	Brokers  []string `env:"EVENTS_KAFKA_BROKERS"   envDefault:""              envSeparator:"," validate:"omitempty,dive,hostname_port"`
	Topic    string   `env:"EVENTS_KAFKA_TOPIC"     envDefault:"dwas.job-events"`
	ClientID string   `env:"EVENTS_KAFKA_CLIENT_ID" envDefault:"dwas-scanner"`
}

// Sanitize trims broker addresses and disables publishing when none remain.
func (e *EventsConfig) Sanitize() {
	brokers := e.Brokers[:0]
	for _, b := range e.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	e.Brokers = brokers
	e.Topic = strings.TrimSpace(e.Topic)
	if len(e.Brokers) == 0 || e.Topic == "" {
		e.Enabled = false
	}
}
