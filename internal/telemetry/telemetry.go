// Package telemetry sends optional, anonymous usage events.
package telemetry

import (
	"github.com/posthog/posthog-go"

	"github.com/dmcdo/jabberwocky-container-manager/internal/config"
)

// Event names.
const (
	EventDaemonStarted    = "daemon_started"
	EventContainerBooted  = "container_booted"
	EventBootFailed       = "boot_failed"
	EventContainerStopped = "container_stopped"
)

// Service defines the interface for telemetry operations.
type Service interface {
	Track(event string, properties map[string]any)
	Close()
}

// NoopService is a telemetry service that does nothing.
type NoopService struct{}

func (s *NoopService) Track(event string, properties map[string]any) {}
func (s *NoopService) Close()                                        {}

type posthogService struct {
	client     posthog.Client
	distinctID string
}

// New creates a telemetry service for this host. Returns NoopService if
// telemetry is disabled or has no API key.
func New(cfg config.TelemetryConfig, hostID string) Service {
	if !cfg.Enabled || cfg.APIKey == "" {
		return &NoopService{}
	}

	client, err := posthog.NewWithConfig(cfg.APIKey, posthog.Config{Endpoint: cfg.Endpoint})
	if err != nil {
		return &NoopService{}
	}

	return &posthogService{client: client, distinctID: hostID}
}

func (s *posthogService) Track(event string, properties map[string]any) {
	props := posthog.NewProperties()
	for k, v := range properties {
		props.Set(k, v)
	}

	_ = s.client.Enqueue(posthog.Capture{
		DistinctId: s.distinctID,
		Event:      event,
		Properties: props,
	})
}

func (s *posthogService) Close() {
	_ = s.client.Close()
}
