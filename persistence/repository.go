// Package persistence defines the storage contract used by the state
// machine and handler, and the conditional-update primitives that push
// concurrency control into the database rather than a process-wide lock.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/holdinvoice/hold/holdtypes"
	"github.com/lightningnetwork/lnd/lntypes"
)

// ErrRaceLost signals that a conditional update kept matching zero rows
// because another writer moved the row first. Repository methods never
// return it; they report a single lost race as (false, nil), and the state
// machine returns ErrRaceLost only once its bounded re-read/retry loop is
// exhausted.
var ErrRaceLost = errors.New("conditional update lost race")

// ListFilter selects which invoices ListInvoices returns. Exactly one of
// PaymentHash or the pagination fields should be set.
type ListFilter struct {
	PaymentHash *lntypes.Hash

	StartID int64
	Limit   int
}

// Repository is the storage contract for invoices and their HTLCs. Both the
// Postgres and sqlite backends implement it identically from the caller's
// point of view; SetInvoiceState/SetHtlcState/SetHtlcStatesByInvoice are
// conditional updates ("set state to S' only if current state = S") that
// report whether the row(s) matched instead of erroring on a lost race.
type Repository interface {
	InsertInvoice(ctx context.Context, inv *holdtypes.Invoice) error

	FindInvoiceByPaymentHash(ctx context.Context, hash lntypes.Hash) (*holdtypes.Invoice, error)

	ListInvoices(ctx context.Context, f ListFilter) ([]*holdtypes.Invoice, error)

	InsertHtlc(ctx context.Context, h *holdtypes.Htlc) error

	// FindHtlc looks up an htlc by its unique (channel id, htlc id) pair
	// within an invoice, implementing invariant 8 of the data model.
	FindHtlc(ctx context.Context, invoiceID int64,
		key holdtypes.CircuitKey) (*holdtypes.Htlc, error)

	ListHtlcsByInvoice(ctx context.Context, invoiceID int64) ([]*holdtypes.Htlc, error)

	// SetInvoiceState performs "UPDATE invoices SET state=to, preimage=?,
	// settled_at=? WHERE id=? AND state=from" atomically and reports
	// whether it matched.
	SetInvoiceState(ctx context.Context, id int64,
		from, to holdtypes.InvoiceState, preimage *lntypes.Preimage) (bool, error)

	// SetHtlcState performs the equivalent conditional update for a
	// single htlc row.
	SetHtlcState(ctx context.Context, id int64,
		from, to holdtypes.HtlcState) (bool, error)

	// SetHtlcStatesByInvoice moves every htlc of an invoice currently in
	// state from to state to, returning the number of rows matched.
	SetHtlcStatesByInvoice(ctx context.Context, invoiceID int64,
		from, to holdtypes.HtlcState) (int, error)

	// DeleteCancelledOlderThan removes Cancelled invoices (and their
	// htlcs) whose settled_at predates cutoff, implementing the optional
	// garbage collector of the invoice lifecycle.
	DeleteCancelledOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	Ping(ctx context.Context) error

	Close() error
}
