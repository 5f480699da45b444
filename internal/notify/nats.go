package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const subjectPrefix = "mediaforge.jobs."

// NATSNotifier shares wake-ups across server replicas.
type NATSNotifier struct {
	nc *nats.Conn
}

func ConnectNATS(url string) (*NATSNotifier, error) {
	nc, err := nats.Connect(url,
		nats.Name("mediaforge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &NATSNotifier{nc: nc}, nil
}

func Subject(jobID uuid.UUID) string {
	return subjectPrefix + jobID.String()
}

func (n *NATSNotifier) Publish(_ context.Context, jobID uuid.UUID) error {
	if err := n.nc.Publish(Subject(jobID), nil); err != nil {
		return fmt.Errorf("publishing wake-up: %w", err)
	}
	return nil
}

func (n *NATSNotifier) Subscribe(jobID uuid.UUID) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	sub, err := n.nc.Subscribe(Subject(jobID), func(*nats.Msg) { wake(ch) })
	if err != nil {
		return nil, nil, fmt.Errorf("subscribing to %s: %w", Subject(jobID), err)
	}
	return ch, func() { _ = sub.Unsubscribe() }, nil
}

// Close drains pending messages and closes the connection.
func (n *NATSNotifier) Close() {
	if n.nc != nil {
		_ = n.nc.Drain()
	}
}
