package publisher

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"transitfuse/internal/domain"
)

// PublisherMetrics is satisfied by the prometheus collector
type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// Conn is the part of *nats.Conn the publisher uses
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

// NATSPublisher forwards changed reconciled entries as JSON messages on
// <prefix>.<kind>.<operator>.<key> subjects.
type NATSPublisher struct {
	nc      Conn
	prefix  string
	metrics PublisherMetrics
	logger  *slog.Logger
}

func NewNATSPublisher(url, prefix string, m PublisherMetrics, logger *slog.Logger) (*NATSPublisher, error) {
	logger = logger.With("component", "nats_publisher")
	nc, err := nats.Connect(url,
		nats.Name("transitfuse"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return New(nc, prefix, m, logger), nil
}

func New(nc Conn, prefix string, m PublisherMetrics, logger *slog.Logger) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: prefix, metrics: m, logger: logger}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// Publish implements the poller's sink contract. Errors are counted and
// logged, never returned to the poll cycle.
func (p *NATSPublisher) Publish(_ context.Context, entries []domain.ReconciledEntry) {
	failed := 0
	for i := range entries {
		if err := p.publish(&entries[i]); err != nil {
			failed++
		}
	}
	if failed > 0 {
		p.logger.Warn("nats publish failed", "failed", failed, "total", len(entries))
	}
}

func (p *NATSPublisher) publish(e *domain.ReconciledEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	start := time.Now()
	err = p.nc.Publish(Subject(p.prefix, e), b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// Subject derives the NATS subject of an entry
func Subject(prefix string, e *domain.ReconciledEntry) string {
	tokens := []string{prefix, subjectToken(string(e.Kind)), subjectToken(e.Operator)}
	switch e.Kind {
	case domain.KindVehiclePosition:
		var id string
		if e.Vehicle != nil {
			id = e.Vehicle.VehicleID
		}
		tokens = append(tokens, subjectToken(id))
	case domain.KindAlert:
		var id string
		if e.Alert != nil {
			id = e.Alert.ID
		}
		tokens = append(tokens, subjectToken(id))
	default:
		tokens = append(tokens, subjectToken(e.TripKey()), subjectToken(e.StopID))
	}
	return strings.Join(tokens, ".")
}

// subjectToken makes s a single NATS token
func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
