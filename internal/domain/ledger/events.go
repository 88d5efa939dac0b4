package ledger

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// EventSink receives events after their state change has committed.
type EventSink interface {
	Publish(ctx context.Context, ev *Event) error
}

// EventSinkFunc is a function adapter for EventSink.
type EventSinkFunc func(ctx context.Context, ev *Event) error

func (f EventSinkFunc) Publish(ctx context.Context, ev *Event) error {
	return f(ctx, ev)
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, ev *Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes every event as a structured log line.
func LogSink(logger zerolog.Logger) EventSink {
	return EventSinkFunc(func(_ context.Context, ev *Event) error {
		evt := logger.Info().
			Str("type", "ledger_event").
			Str("event", string(ev.Type)).
			Uint64("seq", ev.Seq).
			Time("at", ev.At)
		switch ev.Type {
		case EventRoleAssigned:
			evt = evt.Str("principal", string(ev.Principal)).Stringer("role", ev.Role)
		case EventRecordAdded:
			evt = evt.Str("patient", string(ev.Patient)).Str("uploader", string(ev.Uploader))
		case EventAccessGranted, EventAccessRevoked:
			evt = evt.Str("patient", string(ev.Patient)).
				Str("grantee", string(ev.Grantee)).
				Stringer("kind", ev.Kind)
		}
		evt.Msg("event")
		return nil
	})
}
