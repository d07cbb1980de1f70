package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Lifecycle event subjects.
const (
	SubjectMachineCreated   = "devpool.machine.created"
	SubjectMachineDestroyed = "devpool.machine.destroyed"
	SubjectSessionAcquired  = "devpool.session.acquired"
	SubjectSessionReaped    = "devpool.session.reaped"
	SubjectSessionAdopted   = "devpool.session.adopted"
)

// Publisher emits lifecycle events. The control plane never depends on
// a broker being up: use Noop when NATS is unconfigured.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
	Close()
}

// Noop discards all events.
type Noop struct{}

func (Noop) Publish(context.Context, string, any) error { return nil }
func (Noop) Close()                                     {}

// NATSPublisher publishes events to a NATS broker.
type NATSPublisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

func NewNATSPublisher(url string, logger *zap.Logger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("devpool-mini"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc, logger: logger}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload any) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.nc.Publish(subject, data)
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}
