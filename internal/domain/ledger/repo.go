package ledger

import (
	"context"
	"sync"
	"time"
)

// Reader exposes committed ledger state.
type Reader interface {
	// Role returns RoleNone for principals that never assigned one.
	Role(ctx context.Context, p Principal) (Role, error)
	HasGrant(ctx context.Context, g ConsentGrant) (bool, error)
	Records(ctx context.Context, patient Principal) ([]*Record, error)
	RecordCount(ctx context.Context, patient Principal) (uint64, error)
	// LastRecord returns nil, nil for an empty vault.
	LastRecord(ctx context.Context, patient Principal) (*Record, error)
	Stats(ctx context.Context) (Metadata, error)
}

// Writer stages mutations inside one unit of work.
type Writer interface {
	Reader
	PutRole(ctx context.Context, p Principal, role Role) error
	// AppendRecord assigns rec.Index before storing it.
	AppendRecord(ctx context.Context, rec *Record) error
	PutGrant(ctx context.Context, g ConsentGrant) error
	DeleteGrant(ctx context.Context, g ConsentGrant) error
	// Emit records the event alongside the state delta. Implementations
	// may assign ev.Seq.
	Emit(ctx context.Context, ev *Event) error
}

// Repository is the persistence substrate. Update calls are serialized and
// all-or-nothing: when fn returns an error nothing it staged is applied.
type Repository interface {
	View(ctx context.Context, fn func(r Reader) error) error
	Update(ctx context.Context, fn func(w Writer) error) error
}

// EventLog is implemented by substrates that keep the committed event
// stream queryable for indexers.
type EventLog interface {
	// Events returns committed events with Seq > after in Seq order. A
	// limit <= 0 returns every remaining event.
	Events(ctx context.Context, after uint64, limit int) ([]*Event, error)
}

// Clock supplies record and event timestamps.
type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// MonotonicClock never goes backwards, even if the wrapped source does.
type MonotonicClock struct {
	mu     sync.Mutex
	source Clock
	last   time.Time
}

func NewMonotonicClock(source Clock) *MonotonicClock {
	if source == nil {
		source = ClockFunc(func() time.Time { return time.Now().UTC() })
	}
	return &MonotonicClock{source: source}
}

func (c *MonotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.source.Now()
	if now.Before(c.last) {
		return c.last
	}
	c.last = now
	return now
}
