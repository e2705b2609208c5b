// Package loanmanager serves one pool's loan-portfolio ledger.
//
// A Service owns a portfolio.Ledger and serializes every call through a
// context-aware mutex. Each mutating call reads the clock once, applies the
// ledger transition, commits the change set to the Store, appends events,
// then hands cash instructions to the CashMover and publishes the result.
// A failed commit reloads the ledger from the Store so memory never runs
// ahead of durable state.
package loanmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/loanmanager/internal/circuitbreaker"
	"github.com/mbd888/loanmanager/internal/idgen"
	"github.com/mbd888/loanmanager/internal/logging"
	"github.com/mbd888/loanmanager/internal/metrics"
	"github.com/mbd888/loanmanager/internal/portfolio"
	"github.com/mbd888/loanmanager/internal/realtime"
	"github.com/mbd888/loanmanager/internal/retry"
	"github.com/mbd888/loanmanager/internal/syncutil"
	"github.com/mbd888/loanmanager/internal/traces"
)

var (
	// ErrPersistence is returned when a change set could not be committed.
	// The ledger has been reloaded from the store.
	ErrPersistence = errors.New("loanmanager: commit failed")

	// ErrUnavailable is returned while the ledger could not be reloaded.
	ErrUnavailable = errors.New("loanmanager: ledger unavailable")
)

// Actor is the identity a call is made under. Authority operations pass
// Address to the ledger, which rejects anything but the pool authority.
type Actor struct {
	Address  common.Address
	Governor bool
}

// Publisher receives committed events for live subscribers.
type Publisher interface {
	Publish(event *realtime.Event)
}

// termsAcceptor is implemented by loan sources that track refinance proposals.
type termsAcceptor interface {
	AcceptRefinance(vehicle common.Address)
}

// Service is the serialized front of one ledger.
type Service struct {
	authority common.Address
	mu        *syncutil.ContextMutex
	ledger    *portfolio.Ledger // nil while unavailable

	store       Store
	events      EventStore
	loans       LoanSource
	fees        FeeSource
	cash        CashMover
	liquidators LiquidatorFactory
	clock       Clock
	publishers  []Publisher
	retry       retry.Policy
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithEventStore replaces the in-memory event log.
func WithEventStore(es EventStore) Option { return func(s *Service) { s.events = es } }

// WithCashMover sets where cash instructions go.
func WithCashMover(c CashMover) Option { return func(s *Service) { s.cash = c } }

// WithLiquidatorFactory sets how liquidators are deployed.
func WithLiquidatorFactory(f LiquidatorFactory) Option { return func(s *Service) { s.liquidators = f } }

// WithPublisher streams committed events, typically to a realtime.Hub.
// Repeated options add publishers; each receives every event.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publishers = append(s.publishers, p) }
}

// WithRetryPolicy sets the commit retry policy.
func WithRetryPolicy(p retry.Policy) Option { return func(s *Service) { s.retry = p } }

// New loads the ledger from store, or opens a fresh one at the current time
// when the store is empty.
func New(ctx context.Context, authority common.Address, store Store, loans LoanSource, fees FeeSource, opts ...Option) (*Service, error) {
	s := &Service{
		authority: authority,
		mu:        syncutil.NewContextMutex(),
		store:     store,
		events:    NewMemoryEventStore(),
		loans:     loans,
		fees:      fees,
		clock:     SystemClock{},
		retry:     retry.DefaultPolicy,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cash == nil {
		s.cash = NewTransferLog(common.Address{}, common.Address{}, s.logger)
	}
	if s.liquidators == nil {
		s.liquidators = CreateAddressFactory{Deployer: authority}
	}

	if err := s.reload(ctx); err != nil {
		return nil, err
	}
	if s.ledger == nil {
		s.ledger = portfolio.New(authority, s.now())
		if err := s.store.Commit(ctx, portfolio.ChangeSet{State: s.ledger.State()}); err != nil {
			return nil, fmt.Errorf("initialize store: %w", err)
		}
		s.logger.Info("opened new portfolio", "authority", authority.Hex(), "domain_start", s.ledger.State().DomainStart)
	}
	s.publishGauges(s.now())
	return s, nil
}

// Authority is the address authority operations act as.
func (s *Service) Authority() common.Address { return s.authority }

// reload replaces the in-memory ledger with the stored one. The ledger stays
// nil when nothing is stored yet.
func (s *Service) reload(ctx context.Context) error {
	snap, found, err := s.store.Load(ctx)
	if err != nil {
		s.ledger = nil
		return fmt.Errorf("load ledger: %w", err)
	}
	if !found {
		s.ledger = nil
		return nil
	}
	l, err := portfolio.Restore(s.authority, snap.State, snap.Loans, snap.Liquidations)
	if err != nil {
		s.ledger = nil
		return fmt.Errorf("restore ledger: %w", err)
	}
	s.ledger = l
	return nil
}

func (s *Service) now() uint64 {
	t := s.clock.Now().Unix()
	if t < 0 {
		return 0
	}
	return uint64(t)
}

// lock takes the ledger mutex and makes sure a ledger is loaded.
func (s *Service) lock(ctx context.Context) (func(), error) {
	unlock, err := s.mu.Lock(ctx)
	if err != nil {
		return nil, err
	}
	if s.ledger == nil {
		if err := s.reload(ctx); err != nil || s.ledger == nil {
			unlock()
			if err == nil {
				err = errors.New("store is empty")
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return unlock, nil
}

// outcome is what a mutating call produced: the events to record and the
// cash instructions to hand over once the change set is durable. Each
// instruction is retried on its own so a later failure never repeats an
// earlier transfer.
type outcome struct {
	target uint64
	events []*Event
	settle []func(ctx context.Context) error
}

// mutate runs one ledger transition end to end.
func (s *Service) mutate(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context, now uint64) (outcome, error)) (err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "loanmanager."+op, attrs...)
	defer func() {
		metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		metrics.OperationsTotal.WithLabelValues(op, resultLabel(err)).Inc()
		traces.End(span, err)
	}()

	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	now := s.now()
	span.SetAttributes(traces.Timestamp(now))
	log := logging.L(ctx).With("op", op, "now", now)

	out, err := fn(ctx, now)
	if err != nil {
		log.Debug("ledger rejected call", "error", err)
		return err
	}
	cs := s.ledger.TakeChanges()

	if err := s.commit(ctx, cs); err != nil {
		log.Error("commit failed, ledger reloaded from store", "error", err)
		return err
	}

	aum := ""
	if v, err := s.ledger.AssetsUnderManagement(now); err == nil {
		aum = v.Dec()
	}
	events := append(out.events, pastDueEvents(cs, out.target)...)
	requestID := logging.RequestID(ctx)
	for _, e := range events {
		e.ID = idgen.EventID()
		e.LedgerAt = now
		e.AUM = aum
		e.RequestID = requestID
	}
	s.record(ctx, log, events)

	for i, step := range out.settle {
		if err := s.retry.Do(ctx, func() error { return step(ctx) }); err != nil {
			// The ledger is committed; the rest of the transfers must be
			// replayed from the event log.
			metrics.OperationsTotal.WithLabelValues("settle", "error").Inc()
			log.Error("cash instruction failed", "step", i, "pending", len(out.settle)-i, "error", err)
			break
		}
	}

	for _, e := range events {
		log.Info("ledger transition", "event", e.Type, "loan_id", e.LoanID, "vehicle", e.Vehicle.Hex())
	}
	s.publishGauges(now)
	return nil
}

func (s *Service) commit(ctx context.Context, cs portfolio.ChangeSet) error {
	err := s.retry.Do(ctx, func() error { return s.store.Commit(ctx, cs) })
	if err == nil {
		return nil
	}
	if rerr := s.reload(ctx); rerr != nil {
		logging.L(ctx).Error("reload after failed commit", "error", rerr)
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}

func (s *Service) record(ctx context.Context, log *slog.Logger, events []*Event) {
	if len(events) == 0 {
		return
	}
	err := s.retry.Do(ctx, func() error {
		err := s.events.Append(ctx, events...)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		log.Error("append events", "count", len(events), "error", err)
	}
	for _, e := range events {
		for _, p := range s.publishers {
			p.Publish(&realtime.Event{
				Type:      realtime.EventType(e.Type),
				Timestamp: time.Unix(int64(e.LedgerAt), 0).UTC(),
				LoanID:    e.LoanID,
				Vehicle:   e.Vehicle.Hex(),
				Data:      e,
			})
		}
	}
}

// pastDueEvents reports loans the call retired because their due date passed.
func pastDueEvents(cs portfolio.ChangeSet, target uint64) []*Event {
	var out []*Event
	for _, rec := range cs.Loans {
		if rec.ID == target || rec.Status != portfolio.StatusPastDue {
			continue
		}
		out = append(out, &Event{
			Type:    EventPastDue,
			LoanID:  rec.ID,
			Vehicle: rec.Vehicle,
			Data:    map[string]string{"paymentDueDate": fmt.Sprint(rec.PaymentDueDate)},
		})
	}
	return out
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPersistence), errors.Is(err, ErrUnavailable),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "error"
	default:
		return "rejected"
	}
}

// publishGauges refreshes the portfolio gauges. Caller holds the lock.
func (s *Service) publishGauges(now uint64) {
	if s.ledger == nil {
		return
	}
	st := s.ledger.State()
	metrics.PrincipalOut.Set(toFloat(st.PrincipalOut))
	metrics.AccountedInterest.Set(toFloat(st.AccountedInterest))
	metrics.UnrealizedLosses.Set(toFloat(st.UnrealizedLosses))
	metrics.ActiveLoans.Set(float64(s.ledger.ActiveLoans()))
	metrics.ScheduledLoans.Set(float64(len(s.ledger.Schedule())))
	if aum, err := s.ledger.AssetsUnderManagement(now); err == nil {
		metrics.AssetsUnderManagement.Set(toFloat(aum))
	}
	remaining := 0.0
	if st.DomainEnd > now {
		remaining = float64(st.DomainEnd - now)
	}
	metrics.DomainSecondsRemaining.Set(remaining)
}
