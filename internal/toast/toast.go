// Package toast delivers fire-and-forget user-visible messages.
//
// Delivery failures are reported to the caller but must never fail the
// operation that produced the message.
package toast

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/repairtrack/engine/internal/domain"
)

// Message is what the hosting UI shows.
type Message struct {
	Severity domain.Severity      `json:"severity"`
	Title    string               `json:"title,omitempty"`
	Message  string               `json:"message"`
	JobID    string               `json:"job_id,omitempty"`
	State    domain.WorkflowState `json:"state,omitempty"`
}

// Surface accepts toasts for display.
type Surface interface {
	Show(ctx context.Context, m Message) error
}

// Nop discards every toast.
type Nop struct{}

// Show does nothing.
func (Nop) Show(context.Context, Message) error { return nil }

// LogSurface writes toasts to a structured log.
type LogSurface struct {
	Logger zerolog.Logger
}

// Show logs m at a level matching its severity.
func (s LogSurface) Show(_ context.Context, m Message) error {
	var ev *zerolog.Event
	switch m.Severity {
	case domain.SeverityError:
		ev = s.Logger.Error()
	case domain.SeverityWarning:
		ev = s.Logger.Warn()
	default:
		ev = s.Logger.Info()
	}
	ev.Str("severity", string(m.Severity)).
		Str("job_id", m.JobID).
		Str("state", string(m.State)).
		Str("title", m.Title).
		Msg(m.Message)
	return nil
}

// Multi fans a toast out to several surfaces, attempting every one.
type Multi []Surface

// Show delivers m to all surfaces and joins their errors.
func (ms Multi) Show(ctx context.Context, m Message) error {
	var errs []error
	for _, s := range ms {
		if err := s.Show(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NATSSurface publishes toasts as JSON on a NATS subject for connected UIs.
type NATSSurface struct {
	nc      *nats.Conn
	subject string
}

// DialNATS connects to url with reconnects enabled and publishes on subject.
func DialNATS(url, subject string) (*NATSSurface, error) {
	nc, err := nats.Connect(url,
		nats.Name("repairtrack-toasts"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NATSSurface{nc: nc, subject: subject}, nil
}

// Show publishes m. Publishing is asynchronous; only encoding and local
// connection errors are reported.
func (s *NATSSurface) Show(_ context.Context, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.nc.Publish(s.subject, b)
}

// Close drains the connection.
func (s *NATSSurface) Close() {
	if s.nc != nil {
		_ = s.nc.Drain()
	}
}
