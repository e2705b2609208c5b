// Package webhooks delivers committed ledger events to operator-registered
// HTTP endpoints.
//
// Each delivery is a signed JSON POST. The signature is the hex HMAC-SHA256
// of the body under the subscription secret, sent in SignatureHeader.
package webhooks

import (
	"bytes"
	"cmp"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/loanmanager/internal/circuitbreaker"
	"github.com/mbd888/loanmanager/internal/idgen"
	"github.com/mbd888/loanmanager/internal/loanmanager"
	"github.com/mbd888/loanmanager/internal/realtime"
	"github.com/mbd888/loanmanager/internal/retry"
)

const (
	SignatureHeader = "X-Loanmanager-Signature"
	EventHeader     = "X-Loanmanager-Event"
	TimestampHeader = "X-Loanmanager-Timestamp"
	DeliveryHeader  = "X-Loanmanager-Delivery"
)

// EventPing is only sent by the test endpoint.
const EventPing loanmanager.EventType = "ping"

// MaxConsecutiveFailures deactivates a subscription once reached.
const MaxConsecutiveFailures = 10

// ErrNotFound is returned for an unknown subscription id.
var ErrNotFound = errors.New("webhooks: subscription not found")

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loanmanager",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by event type and outcome.",
	}, []string{"event_type", "outcome"})

	deliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "loanmanager",
		Subsystem: "webhook",
		Name:      "delivery_duration_seconds",
		Help:      "Time spent delivering one webhook, retries included.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(deliveriesTotal, deliveryDuration)
}

// Subscription is one registered endpoint. An empty Events list receives
// every event type.
type Subscription struct {
	ID                  string                  `json:"id"`
	URL                 string                  `json:"url"`
	Secret              string                  `json:"-"`
	Events              []loanmanager.EventType `json:"events"`
	Active              bool                    `json:"active"`
	CreatedAt           time.Time               `json:"createdAt"`
	LastSuccess         *time.Time              `json:"lastSuccess,omitempty"`
	LastError           string                  `json:"lastError,omitempty"`
	ConsecutiveFailures int                     `json:"consecutiveFailures"`
}

// Wants reports whether the subscription receives events of type t.
func (s *Subscription) Wants(t loanmanager.EventType) bool {
	return s.Active && (len(s.Events) == 0 || slices.Contains(s.Events, t))
}

func (s *Subscription) clone() *Subscription {
	c := *s
	c.Events = slices.Clone(s.Events)
	if s.LastSuccess != nil {
		ts := *s.LastSuccess
		c.LastSuccess = &ts
	}
	return &c
}

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Payload is the body of a delivery.
type Payload struct {
	ID        string                `json:"id"`
	Type      loanmanager.EventType `json:"type"`
	Timestamp time.Time             `json:"timestamp"`
	LoanID    uint64                `json:"loanId,omitempty"`
	Vehicle   string                `json:"vehicle,omitempty"`
	Event     *loanmanager.Event    `json:"event,omitempty"`
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches payload under secret.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}

// Dispatcher fans committed events out to matching subscriptions. It
// implements loanmanager.Publisher.
type Dispatcher struct {
	store    Store
	client   *http.Client
	breaker  *circuitbreaker.Breaker
	retry    retry.Policy
	logger   *slog.Logger
	validate func(string) error
	now      func() time.Time

	wg  sync.WaitGroup
	sem chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the default 10s-timeout client.
func WithHTTPClient(c *http.Client) Option { return func(d *Dispatcher) { d.client = c } }

// WithRetryPolicy sets per-delivery retries.
func WithRetryPolicy(p retry.Policy) Option { return func(d *Dispatcher) { d.retry = p } }

// WithURLValidator replaces ValidateURL, which rejects private addresses.
func WithURLValidator(fn func(string) error) Option { return func(d *Dispatcher) { d.validate = fn } }

// WithBreaker replaces the per-subscription circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option { return func(d *Dispatcher) { d.breaker = b } }

// NewDispatcher creates a dispatcher over store.
func NewDispatcher(store Store, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		client:   &http.Client{Timeout: 10 * time.Second},
		breaker:  circuitbreaker.New(3, time.Minute),
		retry:    retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		logger:   logger,
		validate: ValidateURL,
		now:      time.Now,
		sem:      make(chan struct{}, 16),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Publish queues delivery of a committed event. It never blocks the caller.
func (d *Dispatcher) Publish(event *realtime.Event) {
	p := &Payload{
		ID:        idgen.WithPrefix("whd_"),
		Type:      loanmanager.EventType(event.Type),
		Timestamp: event.Timestamp,
		LoanID:    event.LoanID,
		Vehicle:   event.Vehicle,
	}
	if e, ok := event.Data.(*loanmanager.Event); ok {
		p.Event = e
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sem <- struct{}{}
		defer func() { <-d.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := d.Dispatch(ctx, p); err != nil {
			d.logger.Warn("webhook dispatch failed", "type", p.Type, "loan_id", p.LoanID, "error", err)
		}
	}()
}

// Wait blocks until queued deliveries finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Dispatch delivers p to every matching subscription and returns the joined
// delivery errors.
func (d *Dispatcher) Dispatch(ctx context.Context, p *Payload) error {
	subs, err := d.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, sub := range subs {
		if !sub.Wants(p.Type) {
			continue
		}
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			if err := d.deliver(ctx, sub, p, body); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", sub.ID, err))
				mu.Unlock()
			}
		}(sub)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Ping sends p to sub once, bypassing retries and the circuit breaker.
func (d *Dispatcher) Ping(ctx context.Context, sub *Subscription, p *Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := d.send(ctx, sub, p, body); err != nil {
		var pe *retry.PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		return err
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, p *Payload, body []byte) error {
	start := time.Now()
	err := d.breaker.Do(ctx, sub.ID, func(ctx context.Context) error {
		return d.retry.Do(ctx, func() error { return d.send(ctx, sub, p, body) })
	})
	deliveryDuration.Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		deliveriesTotal.WithLabelValues(string(p.Type), "skipped").Inc()
		return err
	case err != nil:
		deliveriesTotal.WithLabelValues(string(p.Type), "failed").Inc()
		d.recordFailure(ctx, sub, err)
		return err
	}
	deliveriesTotal.WithLabelValues(string(p.Type), "delivered").Inc()
	d.recordSuccess(ctx, sub)
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, p *Payload, body []byte) error {
	if err := d.validate(sub.URL); err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(p.Type))
	req.Header.Set(DeliveryHeader, p.ID)
	req.Header.Set(TimestampHeader, strconv.FormatInt(p.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := d.now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook status update failed", "id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, cause error) {
	sub.LastError = cause.Error()
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= MaxConsecutiveFailures {
		sub.Active = false
		d.logger.Warn("webhook deactivated", "id", sub.ID, "failures", sub.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook status update failed", "id", sub.ID, "error", err)
	}
}

// MemoryStore keeps subscriptions in memory. It hands out copies.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; ok {
		return fmt.Errorf("webhooks: duplicate subscription %s", sub.ID)
	}
	m.subs[sub.ID] = sub.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sub.clone(), nil
}

// List returns subscriptions oldest first.
func (m *MemoryStore) List(_ context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub.clone())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Subscription) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.ID] = sub.clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
