// Package core declares the ports shared by the scan services and their adapters.
package core

import (
	"context"

	"github.com/target/dwas-scanner/internal/domain/model"
)

// NopPublisher discards every event. Used when Kafka publishing is disabled.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(context.Context, model.JobEvent) error { return nil }

// Close implements EventPublisher.
func (NopPublisher) Close() error { return nil }
