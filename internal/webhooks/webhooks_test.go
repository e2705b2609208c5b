package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/loanmanager/internal/circuitbreaker"
	"github.com/mbd888/loanmanager/internal/loanmanager"
	"github.com/mbd888/loanmanager/internal/realtime"
	"github.com/mbd888/loanmanager/internal/retry"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func allowAll(string) error { return nil }

// receiver records deliveries and answers with the queued status codes,
// then 200.
type receiver struct {
	mu       sync.Mutex
	statuses []int
	bodies   [][]byte
	headers  []http.Header
	calls    atomic.Int32
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.calls.Add(1)
	body, _ := io.ReadAll(req.Body)

	r.mu.Lock()
	r.bodies = append(r.bodies, body)
	r.headers = append(r.headers, req.Header.Clone())
	status := http.StatusOK
	if len(r.statuses) > 0 {
		status, r.statuses = r.statuses[0], r.statuses[1:]
	}
	r.mu.Unlock()

	w.WriteHeader(status)
}

func newReceiver(t *testing.T, statuses ...int) (*receiver, *httptest.Server) {
	t.Helper()
	r := &receiver{statuses: statuses}
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return r, srv
}

func newDispatcher(store Store, opts ...Option) *Dispatcher {
	opts = append([]Option{
		WithURLValidator(allowAll),
		WithRetryPolicy(retry.Policy{Attempts: 1}),
	}, opts...)
	return NewDispatcher(store, discard, opts...)
}

func addSub(t *testing.T, store Store, id, url string, events ...loanmanager.EventType) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID: id, URL: url, Secret: "s3cret-" + id, Events: events, Active: true, CreatedAt: time.Now(),
	}))
}

func fundedPayload() *Payload {
	return &Payload{
		ID:        "whd_1",
		Type:      loanmanager.EventFunded,
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
		LoanID:    1,
		Vehicle:   "0x0000000000000000000000000000000000001001",
	}
}

func TestSubscription_Wants(t *testing.T) {
	all := &Subscription{Active: true}
	assert.True(t, all.Wants(loanmanager.EventClaimed))

	some := &Subscription{Active: true, Events: []loanmanager.EventType{loanmanager.EventDefaultWarning}}
	assert.True(t, some.Wants(loanmanager.EventDefaultWarning))
	assert.False(t, some.Wants(loanmanager.EventFunded))

	inactive := &Subscription{Active: false}
	assert.False(t, inactive.Wants(loanmanager.EventFunded))
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"type":"funded"}`)
	sig := Sign(body, "secret")
	assert.Len(t, sig, 64)
	assert.True(t, Verify(body, "secret", sig))
	assert.False(t, Verify(body, "other", sig))
	assert.False(t, Verify([]byte(`{"type":"claimed"}`), "secret", sig))
	assert.False(t, Verify(body, "secret", "not-hex"))
}

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	addSub(t, store, "wh_1", "https://example.com/a", loanmanager.EventFunded)

	assert.Error(t, store.Create(ctx, &Subscription{ID: "wh_1"}), "duplicate id")

	got, err := store.Get(ctx, "wh_1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", got.URL)

	// Callers hold copies.
	got.Events[0] = loanmanager.EventClaimed
	again, _ := store.Get(ctx, "wh_1")
	assert.Equal(t, loanmanager.EventFunded, again.Events[0])

	got.LastError = "boom"
	require.NoError(t, store.Update(ctx, got))
	again, _ = store.Get(ctx, "wh_1")
	assert.Equal(t, "boom", again.LastError)

	require.NoError(t, store.Delete(ctx, "wh_1"))
	_, err = store.Get(ctx, "wh_1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "wh_1"), ErrNotFound)
	assert.ErrorIs(t, store.Update(ctx, got), ErrNotFound)
}

func TestMemoryStore_ListOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	for i, id := range []string{"wh_c", "wh_a", "wh_b"} {
		require.NoError(t, store.Create(ctx, &Subscription{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Second)}))
	}
	subs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 3)
	assert.Equal(t, []string{"wh_c", "wh_a", "wh_b"}, []string{subs[0].ID, subs[1].ID, subs[2].ID})
}

func TestDispatcher_DeliversSignedPayload(t *testing.T) {
	rcv, srv := newReceiver(t)
	store := NewMemoryStore()
	addSub(t, store, "wh_1", srv.URL)
	d := newDispatcher(store)

	require.NoError(t, d.Dispatch(context.Background(), fundedPayload()))
	require.Equal(t, int32(1), rcv.calls.Load())

	h := rcv.headers[0]
	assert.Equal(t, "funded", h.Get(EventHeader))
	assert.Equal(t, "whd_1", h.Get(DeliveryHeader))
	assert.Equal(t, "1700000000", h.Get(TimestampHeader))
	assert.True(t, Verify(rcv.bodies[0], "s3cret-wh_1", h.Get(SignatureHeader)))

	var got Payload
	require.NoError(t, json.Unmarshal(rcv.bodies[0], &got))
	assert.Equal(t, uint64(1), got.LoanID)
	assert.Equal(t, loanmanager.EventFunded, got.Type)

	sub, _ := store.Get(context.Background(), "wh_1")
	assert.NotNil(t, sub.LastSuccess)
	assert.Zero(t, sub.ConsecutiveFailures)
}

func TestDispatcher_FiltersByEventType(t *testing.T) {
	rcv, srv := newReceiver(t)
	store := NewMemoryStore()
	addSub(t, store, "wh_warn", srv.URL, loanmanager.EventDefaultWarning)
	d := newDispatcher(store)

	require.NoError(t, d.Dispatch(context.Background(), fundedPayload()))
	assert.Zero(t, rcv.calls.Load())

	p := fundedPayload()
	p.Type = loanmanager.EventDefaultWarning
	require.NoError(t, d.Dispatch(context.Background(), p))
	assert.Equal(t, int32(1), rcv.calls.Load())
}

func TestDispatcher_RetriesServerErrors(t *testing.T) {
	rcv, srv := newReceiver(t, http.StatusServiceUnavailable)
	store := NewMemoryStore()
	addSub(t, store, "wh_1", srv.URL)
	d := newDispatcher(store, WithRetryPolicy(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}))

	require.NoError(t, d.Dispatch(context.Background(), fundedPayload()))
	assert.Equal(t, int32(2), rcv.calls.Load())
}

func TestDispatcher_ClientErrorIsNotRetried(t *testing.T) {
	rcv, srv := newReceiver(t, http.StatusBadRequest, http.StatusBadRequest)
	store := NewMemoryStore()
	addSub(t, store, "wh_1", srv.URL)
	d := newDispatcher(store, WithRetryPolicy(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}))

	err := d.Dispatch(context.Background(), fundedPayload())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), rcv.calls.Load())

	sub, _ := store.Get(context.Background(), "wh_1")
	assert.Equal(t, "status 400", sub.LastError)
	assert.Equal(t, 1, sub.ConsecutiveFailures)
	assert.True(t, sub.Active)
}

func TestDispatcher_DeactivatesAfterRepeatedFailures(t *testing.T) {
	_, srv := newReceiver(t, http.StatusGone)
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID: "wh_1", URL: srv.URL, Active: true, ConsecutiveFailures: MaxConsecutiveFailures - 1,
	}))
	d := newDispatcher(store)

	require.Error(t, d.Dispatch(ctx, fundedPayload()))
	sub, _ := store.Get(ctx, "wh_1")
	assert.False(t, sub.Active)
	assert.Equal(t, MaxConsecutiveFailures, sub.ConsecutiveFailures)
}

func TestDispatcher_OpenCircuitSkipsEndpoint(t *testing.T) {
	rcv, srv := newReceiver(t, http.StatusInternalServerError)
	store := NewMemoryStore()
	addSub(t, store, "wh_1", srv.URL)
	d := newDispatcher(store, WithBreaker(circuitbreaker.New(1, time.Hour)))

	require.Error(t, d.Dispatch(context.Background(), fundedPayload()))
	err := d.Dispatch(context.Background(), fundedPayload())
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(1), rcv.calls.Load())
}

func TestDispatcher_RejectedURLIsPermanent(t *testing.T) {
	store := NewMemoryStore()
	addSub(t, store, "wh_1", "http://127.0.0.1:1/hook")
	d := NewDispatcher(store, discard, WithRetryPolicy(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}))

	err := d.Dispatch(context.Background(), fundedPayload())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loopback")
}

func TestDispatcher_PublishCarriesLedgerEvent(t *testing.T) {
	rcv, srv := newReceiver(t)
	store := NewMemoryStore()
	addSub(t, store, "wh_1", srv.URL)
	d := newDispatcher(store)

	vehicle := common.HexToAddress("0x1001")
	d.Publish(&realtime.Event{
		Type:      realtime.EventType(loanmanager.EventClaimed),
		Timestamp: time.Unix(1_700_000_500, 0).UTC(),
		LoanID:    7,
		Vehicle:   vehicle.Hex(),
		Data: &loanmanager.Event{
			Seq: 3, Type: loanmanager.EventClaimed, LoanID: 7, Vehicle: vehicle,
			Data: map[string]string{"principalPaid": "1000"},
		},
	})
	d.Wait()

	require.Equal(t, int32(1), rcv.calls.Load())
	var got Payload
	require.NoError(t, json.Unmarshal(rcv.bodies[0], &got))
	assert.True(t, strings.HasPrefix(got.ID, "whd_"))
	require.NotNil(t, got.Event)
	assert.Equal(t, int64(3), got.Event.Seq)
	assert.Equal(t, "1000", got.Event.Data["principalPaid"])
}

func TestDispatcher_ListFailure(t *testing.T) {
	d := newDispatcher(failingStore{})
	err := d.Dispatch(context.Background(), fundedPayload())
	assert.ErrorContains(t, err, "list subscriptions")
}

type failingStore struct{ Store }

func (failingStore) List(context.Context) ([]*Subscription, error) {
	return nil, errors.New("db down")
}

func counterValue(t *testing.T, c *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	counter, err := c.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	require.NoError(t, counter.Write(m))
	return m.Counter.GetValue()
}

func TestDispatcher_RecordsMetrics(t *testing.T) {
	_, srv := newReceiver(t, http.StatusOK, http.StatusBadRequest)
	store := NewMemoryStore()
	addSub(t, store, "wh_1", srv.URL)
	d := newDispatcher(store)

	p := fundedPayload()
	p.Type = loanmanager.EventRefinanced
	delivered := counterValue(t, deliveriesTotal, "refinanced", "delivered")
	failed := counterValue(t, deliveriesTotal, "refinanced", "failed")

	require.NoError(t, d.Dispatch(context.Background(), p))
	require.Error(t, d.Dispatch(context.Background(), p))

	assert.Equal(t, delivered+1, counterValue(t, deliveriesTotal, "refinanced", "delivered"))
	assert.Equal(t, failed+1, counterValue(t, deliveriesTotal, "refinanced", "failed"))

	m := &dto.Metric{}
	require.NoError(t, deliveryDuration.Write(m))
	assert.GreaterOrEqual(t, m.Histogram.GetSampleCount(), uint64(2))
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://8.8.8.8/hook", true},
		{"ftp://8.8.8.8/hook", false},
		{"https:///nohost", false},
		{"https://user:pw@8.8.8.8/hook", false},
		{"http://localhost:8080/hook", false},
		{"http://metadata.google.internal/", false},
		{"http://127.0.0.1/hook", false},
		{"http://[::1]/hook", false},
		{"http://10.1.2.3/hook", false},
		{"http://192.168.0.10/hook", false},
		{"http://169.254.169.254/latest/meta-data", false},
		{"http://0.0.0.0/hook", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
