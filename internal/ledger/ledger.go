package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrHeadMoved is returned by Store.AppendEvent when the stored chain head
// no longer matches the head the caller hashed against. Another writer won
// the race; the caller may retry with a fresh head.
var ErrHeadMoved = errors.New("chain head moved during append")

// Query selects events by insertion time. Zero values mean "no bound".
// Results are always ordered by Seq ascending.
type Query struct {
	Since time.Time // created_at >= Since
	Until time.Time // created_at < Until
	Limit int       // Keep only the last N matching events.
}

// Store is the persistence the ledger needs. AppendEvent must be a
// conditional write: it fails with ErrHeadMoved unless the current head
// still equals expected.
type Store interface {
	ChainHead(ctx context.Context) (ChainHead, error)
	AppendEvent(ctx context.Context, e *Event, expected ChainHead) error
	Events(ctx context.Context, q Query) ([]Event, error)
	EventByID(ctx context.Context, id string) (*Event, error)
	SaveDailyRoot(ctx context.Context, r DailyRoot) error
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used for created_at.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// OnAppend registers a callback run after each successful append. Callbacks
// run outside the chain lock.
func OnAppend(fn func(Event)) Option {
	return func(l *Ledger) { l.onAppend = append(l.onAppend, fn) }
}

// Ledger serializes appends to one logical chain.
//
// The read-head / hash / write / advance sequence runs under mu so two
// concurrent appenders can never both link to the same predecessor. The
// store's conditional write covers writers in other processes.
type Ledger struct {
	mu       sync.Mutex
	store    Store
	now      func() time.Time
	logger   *slog.Logger
	onAppend []func(Event)
}

// New creates a ledger over the given store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append validates, hashes, and persists e as the new chain head.
// Any hash fields set on e by the caller are overwritten.
func (l *Ledger) Append(ctx context.Context, e Event) (Event, error) {
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	material := e.Material()
	fields, err := FieldHashes(material)
	if err != nil {
		return Event{}, err
	}
	e.FieldHashes = fields

	if err := l.appendLocked(ctx, &e, material); err != nil {
		return Event{}, err
	}

	l.logger.Debug("ledger event appended", "id", e.ID, "seq", e.Seq, "row_hash", e.RowHash)
	for _, fn := range l.onAppend {
		fn(e)
	}
	return e, nil
}

func (l *Ledger) appendLocked(ctx context.Context, e *Event, material map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	head, err := l.store.ChainHead(ctx)
	if err != nil {
		return fmt.Errorf("reading chain head: %w", err)
	}
	rowHash, contentHash, err := Append(material, head)
	if err != nil {
		return err
	}
	e.PrevHash = string(head)
	e.ContentHash = contentHash
	e.RowHash = rowHash
	e.CreatedAt = l.now()

	if err := l.store.AppendEvent(ctx, e, head); err != nil {
		return fmt.Errorf("appending event %s: %w", e.ID, err)
	}
	return nil
}

// Head returns the current chain head.
func (l *Ledger) Head(ctx context.Context) (ChainHead, error) {
	return l.store.ChainHead(ctx)
}

// Events returns events matching q in append order.
func (l *Ledger) Events(ctx context.Context, q Query) ([]Event, error) {
	return l.store.Events(ctx, q)
}

// Verify re-checks one stored event against its own stored prev_hash.
func (l *Ledger) Verify(ctx context.Context, id string) (EventVerification, error) {
	e, err := l.store.EventByID(ctx, id)
	if err != nil {
		return EventVerification{}, err
	}
	return VerifyEvent(*e, ChainHead(e.PrevHash))
}

// VerifyRange loads the events selected by q and verifies their hashes
// and linkage.
func (l *Ledger) VerifyRange(ctx context.Context, q Query) (RangeReport, error) {
	events, err := l.store.Events(ctx, q)
	if err != nil {
		return RangeReport{}, fmt.Errorf("reading events for verification: %w", err)
	}
	return VerifyChainRange(events)
}
