package test

import (
	"context"
	"sync"
	"time"

	"github.com/holdinvoice/hold/holdtypes"
	"github.com/holdinvoice/hold/persistence"
	"github.com/lightningnetwork/lnd/lntypes"
)

// FakeRepository is an in-memory persistence.Repository used by package
// tests that don't need a real database.
type FakeRepository struct {
	mu sync.Mutex

	nextInvoiceID int64
	nextHtlcID    int64

	invoices map[int64]*holdtypes.Invoice
	htlcs    map[int64]*holdtypes.Htlc
}

// NewFakeRepository returns an empty fake repository.
func NewFakeRepository() *FakeRepository {
	return &FakeRepository{
		invoices: make(map[int64]*holdtypes.Invoice),
		htlcs:    make(map[int64]*holdtypes.Htlc),
	}
}

func clone(inv *holdtypes.Invoice) *holdtypes.Invoice {
	c := *inv

	return &c
}

func cloneHtlc(h *holdtypes.Htlc) *holdtypes.Htlc {
	c := *h

	return &c
}

func (f *FakeRepository) InsertInvoice(ctx context.Context, inv *holdtypes.Invoice) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.invoices {
		if existing.PaymentHash == inv.PaymentHash {
			return holdtypes.ErrDuplicatePaymentHash
		}
	}

	f.nextInvoiceID++
	inv.ID = f.nextInvoiceID
	inv.CreatedAt = time.Now().UTC()
	f.invoices[inv.ID] = clone(inv)

	return nil
}

func (f *FakeRepository) FindInvoiceByPaymentHash(ctx context.Context,
	hash lntypes.Hash) (*holdtypes.Invoice, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, inv := range f.invoices {
		if inv.PaymentHash == hash {
			return clone(inv), nil
		}
	}

	return nil, holdtypes.ErrInvoiceNotFound
}

func (f *FakeRepository) ListInvoices(ctx context.Context,
	filter persistence.ListFilter) ([]*holdtypes.Invoice, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*holdtypes.Invoice

	for _, inv := range f.invoices {
		if filter.PaymentHash != nil {
			if inv.PaymentHash == *filter.PaymentHash {
				out = append(out, clone(inv))
			}
			continue
		}

		if inv.ID >= filter.StartID {
			out = append(out, clone(inv))
		}
	}

	return out, nil
}

func (f *FakeRepository) InsertHtlc(ctx context.Context, h *holdtypes.Htlc) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.htlcs {
		if existing.InvoiceID == h.InvoiceID && existing.ChannelID == h.ChannelID {
			return holdtypes.ErrDuplicateHtlc
		}
	}

	f.nextHtlcID++
	h.ID = f.nextHtlcID
	h.CreatedAt = time.Now().UTC()
	f.htlcs[h.ID] = cloneHtlc(h)

	return nil
}

func (f *FakeRepository) FindHtlc(ctx context.Context, invoiceID int64,
	key holdtypes.CircuitKey) (*holdtypes.Htlc, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, h := range f.htlcs {
		if h.InvoiceID == invoiceID && h.ChannelID == key {
			return cloneHtlc(h), nil
		}
	}

	return nil, holdtypes.ErrHtlcNotFound
}

func (f *FakeRepository) ListHtlcsByInvoice(ctx context.Context,
	invoiceID int64) ([]*holdtypes.Htlc, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*holdtypes.Htlc

	for _, h := range f.htlcs {
		if h.InvoiceID == invoiceID {
			out = append(out, cloneHtlc(h))
		}
	}

	return out, nil
}

func (f *FakeRepository) SetInvoiceState(ctx context.Context, id int64,
	from, to holdtypes.InvoiceState, preimage *lntypes.Preimage) (bool, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	inv, ok := f.invoices[id]
	if !ok {
		return false, holdtypes.ErrInvoiceNotFound
	}

	if inv.State != from {
		return false, nil
	}

	inv.State = to
	if preimage != nil {
		inv.Preimage = preimage
	}
	if to == holdtypes.InvoiceStatePaid || to == holdtypes.InvoiceStateCancelled {
		now := time.Now().UTC()
		inv.SettledAt = &now
	}

	return true, nil
}

func (f *FakeRepository) SetHtlcState(ctx context.Context, id int64,
	from, to holdtypes.HtlcState) (bool, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	h, ok := f.htlcs[id]
	if !ok {
		return false, holdtypes.ErrHtlcNotFound
	}

	if h.State != from {
		return false, nil
	}

	h.State = to

	return true, nil
}

func (f *FakeRepository) SetHtlcStatesByInvoice(ctx context.Context, invoiceID int64,
	from, to holdtypes.HtlcState) (int, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	var n int

	for _, h := range f.htlcs {
		if h.InvoiceID == invoiceID && h.State == from {
			h.State = to
			n++
		}
	}

	return n, nil
}

func (f *FakeRepository) DeleteCancelledOlderThan(ctx context.Context,
	cutoff time.Time) (int, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	var n int

	for id, inv := range f.invoices {
		if inv.State != holdtypes.InvoiceStateCancelled {
			continue
		}
		if inv.SettledAt == nil || !inv.SettledAt.Before(cutoff) {
			continue
		}

		for htlcID, h := range f.htlcs {
			if h.InvoiceID == id {
				delete(f.htlcs, htlcID)
			}
		}
		delete(f.invoices, id)
		n++
	}

	return n, nil
}

func (f *FakeRepository) Ping(ctx context.Context) error {
	return nil
}

func (f *FakeRepository) Close() error {
	return nil
}
