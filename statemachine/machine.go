// Package statemachine is the single entry point for legal invoice and
// htlc transitions. It wraps a persistence.Repository conditional update
// with re-read-on-lost-race retry, always following a successful invoice
// state write with event publication so subscribers never observe a
// transition the database doesn't yet reflect. Htlc-only transitions are
// persisted without an event.
package statemachine

import (
	"context"
	"fmt"

	"github.com/holdinvoice/hold/eventbus"
	"github.com/holdinvoice/hold/holdtypes"
	"github.com/holdinvoice/hold/persistence"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"go.uber.org/zap"
)

// maxRaceRetries bounds the re-read/re-validate loop of step 3. Losing the
// conditional update this many times in a row means another writer is
// hammering the same row continuously; giving up surfaces the condition
// rather than spinning forever.
const maxRaceRetries = 5

// Machine is the shared state machine used by the settler and the htlc
// handler to move invoices and htlcs between their legal states.
type Machine struct {
	repo   persistence.Repository
	bus    *eventbus.Bus
	clock  clock.Clock
	logger *zap.SugaredLogger
}

// New returns a Machine backed by repo, publishing transitions to bus.
func New(repo persistence.Repository, bus *eventbus.Bus, clk clock.Clock,
	logger *zap.SugaredLogger) *Machine {

	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	return &Machine{
		repo:   repo,
		bus:    bus,
		clock:  clk,
		logger: logger,
	}
}

// ApplyInvoiceTransition moves inv to the state to, optionally recording
// preimage. inv must reflect the caller's most recently observed state; on
// a lost race the current row is re-read and re-validated before retrying.
// A duplicate terminal request (e.g. Paid->Paid) is an idempotent no-op:
// it succeeds without touching the row or publishing an event.
func (m *Machine) ApplyInvoiceTransition(ctx context.Context, inv *holdtypes.Invoice,
	to holdtypes.InvoiceState, preimage *lntypes.Preimage) (*holdtypes.Invoice, error) {

	current := inv

	for attempt := 0; attempt < maxRaceRetries; attempt++ {
		if current.State == to && isTerminal(to) {
			return current, nil
		}

		if !holdtypes.CanTransitionInvoice(current.State, to) {
			return nil, fmt.Errorf("%w: invoice %d %s -> %s",
				holdtypes.ErrIllegalTransition, current.ID, current.State, to)
		}

		ok, err := m.repo.SetInvoiceState(ctx, current.ID, current.State, to, preimage)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", holdtypes.ErrPersistenceUnavailable, err)
		}

		if ok {
			updated := *current
			updated.State = to
			if preimage != nil {
				updated.Preimage = preimage
			}
			if isTerminal(to) {
				now := m.clock.Now().UTC()
				updated.SettledAt = &now
			}

			m.bus.Publish(eventbus.Event{
				PaymentHash: updated.PaymentHash,
				State:       to,
				Preimage:    updated.Preimage,
				OccurredAt:  m.clock.Now().UTC(),
			})

			m.logger.Debugw("invoice transition applied",
				"paymentHash", updated.PaymentHash,
				"from", current.State, "to", to)

			return &updated, nil
		}

		fresh, err := m.repo.FindInvoiceByPaymentHash(ctx, current.PaymentHash)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", holdtypes.ErrPersistenceUnavailable, err)
		}

		current = fresh
	}

	return nil, fmt.Errorf("%w: invoice %d could not be moved to %s after %d attempts",
		persistence.ErrRaceLost, inv.ID, to, maxRaceRetries)
}

// ApplyHtlcTransition moves a single htlc row to the state to. It does not
// publish a bus event on its own: the bus carries invoice-level state, and
// an htlc-only transition (e.g. one shard of an MPP set cancelled while the
// invoice stays Accepted) has no invoice-level change to announce. Callers
// that also change invoice state call ApplyInvoiceTransition separately.
func (m *Machine) ApplyHtlcTransition(ctx context.Context, h *holdtypes.Htlc,
	to holdtypes.HtlcState) (*holdtypes.Htlc, error) {

	current := h

	for attempt := 0; attempt < maxRaceRetries; attempt++ {
		if current.State == to && isTerminalHtlc(to) {
			return current, nil
		}

		if !holdtypes.CanTransitionHtlc(current.State, to) {
			return nil, fmt.Errorf("%w: htlc %d %s -> %s",
				holdtypes.ErrIllegalTransition, current.ID, current.State, to)
		}

		ok, err := m.repo.SetHtlcState(ctx, current.ID, current.State, to)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", holdtypes.ErrPersistenceUnavailable, err)
		}

		if ok {
			updated := *current
			updated.State = to

			return &updated, nil
		}

		fresh, err := m.repo.FindHtlc(ctx, current.InvoiceID, current.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", holdtypes.ErrPersistenceUnavailable, err)
		}

		current = fresh
	}

	return nil, fmt.Errorf("%w: htlc %d could not be moved to %s after %d attempts",
		persistence.ErrRaceLost, h.ID, to, maxRaceRetries)
}

// ApplyHtlcSetTransition moves every htlc of invoiceID currently in state
// from to state to in one conditional update, used by the MPP-timeout path
// to cancel an entire in-flight shard set atomically.
func (m *Machine) ApplyHtlcSetTransition(ctx context.Context, invoiceID int64,
	from, to holdtypes.HtlcState) (int, error) {

	if !holdtypes.CanTransitionHtlc(from, to) {
		return 0, fmt.Errorf("%w: htlc set %d %s -> %s",
			holdtypes.ErrIllegalTransition, invoiceID, from, to)
	}

	n, err := m.repo.SetHtlcStatesByInvoice(ctx, invoiceID, from, to)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", holdtypes.ErrPersistenceUnavailable, err)
	}

	return n, nil
}

func isTerminal(s holdtypes.InvoiceState) bool {
	return s == holdtypes.InvoiceStatePaid || s == holdtypes.InvoiceStateCancelled
}

func isTerminalHtlc(s holdtypes.HtlcState) bool {
	return s == holdtypes.HtlcStateSettled || s == holdtypes.HtlcStateCancelled
}
