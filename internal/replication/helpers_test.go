package replication_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"replistock/internal/domain"
	"replistock/internal/replication"
	"replistock/internal/store"
	"replistock/internal/store/memory"
)

var fixedTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func sampleItem(id string) domain.Item {
	return domain.Item{
		ID:         id,
		Name:       "Hydraulic Jack",
		SKU:        "HJ-005",
		Price:      decimal.NewFromInt(1450),
		Stock:      12,
		Category:   "Tools",
		LocationID: domain.DefaultLocationID,
		CreatedAt:  fixedTime,
		UpdatedAt:  fixedTime,
	}
}

func sampleInvoice(id string) domain.Invoice {
	return domain.Invoice{
		ID:          id,
		BillNo:      "INV-2026-0001",
		Party:       "Walk-in",
		PaymentMode: domain.PaymentModeOnline,
		Total:       decimal.NewFromInt(900),
		Status:      domain.InvoiceStatusPaid,
		CreatedBy:   "acc-admin",
		CreatedAt:   fixedTime,
		Lines:       []domain.InvoiceLine{},
	}
}

func readItems(t *testing.T, st *store.Store) []domain.Item {
	t.Helper()
	var items []domain.Item
	require.NoError(t, st.Do(context.Background(), func(tx *store.Tx) error {
		var err error
		items, err = tx.Items()
		return err
	}))
	return items
}

func readInvoices(t *testing.T, st *store.Store) []domain.Invoice {
	t.Helper()
	var invoices []domain.Invoice
	require.NoError(t, st.Do(context.Background(), func(tx *store.Tx) error {
		var err error
		invoices, err = tx.Invoices()
		return err
	}))
	return invoices
}

func findItem(items []domain.Item, id string) (domain.Item, bool) {
	for _, it := range items {
		if it.ID == id {
			return it, true
		}
	}
	return domain.Item{}, false
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}

type fakeLink struct {
	mu        sync.Mutex
	published []replication.Message
	subs      []func(replication.Message)
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeLink() *fakeLink {
	return &fakeLink{done: make(chan struct{})}
}

func (l *fakeLink) Publish(_ context.Context, msg replication.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.published = append(l.published, msg)
	return nil
}

func (l *fakeLink) Subscribe(fn func(replication.Message)) func() {
	l.mu.Lock()
	l.subs = append(l.subs, fn)
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		l.subs = nil
		l.mu.Unlock()
	}
}

func (l *fakeLink) deliver(msg replication.Message) {
	l.mu.Lock()
	subs := append([]func(replication.Message){}, l.subs...)
	l.mu.Unlock()
	for _, fn := range subs {
		fn(msg)
	}
}

func (l *fakeLink) sent() []replication.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]replication.Message{}, l.published...)
}

func (l *fakeLink) Done() <-chan struct{} { return l.done }

func (l *fakeLink) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

func (l *fakeLink) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu        sync.Mutex
	link      *fakeLink
	fail      bool
	attempts  int
	addresses []string
}

func (d *fakeDialer) Dial(_ context.Context, address string) (replication.Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	d.addresses = append(d.addresses, address)
	if d.fail {
		return nil, errors.New("connection refused")
	}
	return d.link, nil
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// recorder counts raw messages seen on a transport.
type recorder struct {
	mu   sync.Mutex
	msgs []replication.Message
}

func (r *recorder) add(msg replication.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type replica struct {
	store   *store.Store
	channel *replication.Channel
}

func newReplica(t *testing.T, id string, bus replication.PeerTransport, dialer replication.Dialer) replica {
	t.Helper()
	st := memory.NewStore()
	ch := replication.NewChannel(st, replication.NewApplier(st, nil), replication.Options{
		ReplicaID:      id,
		Broadcast:      bus,
		Dialer:         dialer,
		ConnectTimeout: 50 * time.Millisecond,
		ConnectRetries: 2,
		RetryDelay:     time.Millisecond,
	})
	t.Cleanup(func() { _ = ch.Close() })
	return replica{store: st, channel: ch}
}
