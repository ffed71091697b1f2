package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/shopboxhq/shopbox/pkg/types"
)

const (
	streamName    = "SHOPBOX_EVENTS"
	subjectPrefix = "shopbox.instances"
)

// Publisher publishes instance lifecycle events to NATS JetStream. Consumers
// (grading pipelines, usage dashboards) subscribe to shopbox.instances.>.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Event is the JSON payload published to NATS.
type Event struct {
	Type       string          `json:"type"`
	InstanceID string          `json:"instance_id"`
	OwnerID    string          `json:"owner_id"`
	Instance   json.RawMessage `json:"instance"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewPublisher connects to NATS and ensures the event stream exists.
func NewPublisher(natsURL string) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		// Stream may already exist, that's OK
		log.Printf("shopbox: event stream setup: %v", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// Publish sends one lifecycle event. Failures are logged, never propagated:
// provisioning must not hinge on the event bus being up.
func (p *Publisher) Publish(eventType string, inst *types.Instance) {
	payload, err := json.Marshal(inst)
	if err != nil {
		log.Printf("shopbox: marshal event for %s: %v", inst.ID, err)
		return
	}

	ev := Event{
		Type:       eventType,
		InstanceID: inst.ID,
		OwnerID:    inst.OwnerID,
		Instance:   payload,
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("shopbox: marshal event envelope for %s: %v", inst.ID, err)
		return
	}

	subject := fmt.Sprintf("%s.%s", subjectPrefix, eventType)
	if _, err := p.js.Publish(subject, data); err != nil {
		log.Printf("shopbox: publish %s for %s: %v", eventType, inst.ID, err)
	}
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	p.nc.Close()
}
