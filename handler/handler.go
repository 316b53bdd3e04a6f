// Package handler implements the HTLC decision engine: for every incoming
// HTLC the host hands to the plugin, it identifies the invoice, validates
// the HTLC against the invoice's terms, aggregates shards under MPP
// semantics, holds the decision until operator action, MPP-timeout, or
// CLTV proximity forces resolution, and returns a verdict.
package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holdinvoice/hold/eventbus"
	"github.com/holdinvoice/hold/holdtypes"
	"github.com/holdinvoice/hold/persistence"
	"github.com/holdinvoice/hold/settler"
	"github.com/holdinvoice/hold/statemachine"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"go.uber.org/zap"
)

// defaultOverpaymentFactor bounds how far the cumulative accepted amount of
// an invoice may run ahead of its stated amount before the handler refuses
// further shards outright.
const defaultOverpaymentFactor = 2

// HtlcRequest is the record the host delivers for each incoming HTLC hop it
// is about to forward or accept.
type HtlcRequest struct {
	PaymentHash   lntypes.Hash
	AmountMsat    lnwire.MilliSatoshi
	CltvExpiry    uint32
	Scid          uint64
	ChannelID     holdtypes.CircuitKey
	MppTotalMsat  lnwire.MilliSatoshi // zero if this shard carries no MPP record
	CurrentHeight uint32
}

// VerdictKind mirrors the three outcomes the host accepts back: continue,
// fail, or (absent any return) hold.
type VerdictKind int

const (
	VerdictContinue VerdictKind = iota
	VerdictFail
)

// Verdict is the handler's resolution for a single HtlcRequest.
type Verdict struct {
	Kind     VerdictKind
	Preimage *lntypes.Preimage
	FailCode lnwire.FailCode
}

func continueVerdict(preimage lntypes.Preimage) Verdict {
	return Verdict{Kind: VerdictContinue, Preimage: &preimage}
}

func failVerdict(code lnwire.FailCode) Verdict {
	return Verdict{Kind: VerdictFail, FailCode: code}
}

// Config configures the handler's timing and safety margins.
type Config struct {
	// MppTimeout is how long, from the first accepted shard of a
	// payment, the handler waits for the remaining shards before
	// cancelling the whole set.
	MppTimeout time.Duration

	// CltvSafetyBlocks is the unilateral-cancel margin: once an
	// accepted htlc's CltvExpiry comes within this many blocks of the
	// observed chain height, the handler cancels it regardless of
	// operator action.
	CltvSafetyBlocks uint32

	// OverpaymentFactor bounds cumulative accepted amount to at most
	// invoice.AmountMsat * OverpaymentFactor. Zero selects
	// defaultOverpaymentFactor.
	OverpaymentFactor uint64

	Clock  clock.Clock
	Logger *zap.SugaredLogger
}

// Handler is the decision engine. One Handler serves every invoice; a
// single call to HandleHtlc blocks until a verdict is reached or ctx ends.
type Handler struct {
	repo    persistence.Repository
	machine *statemachine.Machine
	settler *settler.Settler
	bus     *eventbus.Bus
	height  *HeightTracker

	cfg Config
}

// New returns a Handler wired to the given collaborators.
func New(repo persistence.Repository, machine *statemachine.Machine,
	s *settler.Settler, bus *eventbus.Bus, height *HeightTracker, cfg Config) *Handler {

	if cfg.MppTimeout == 0 {
		cfg.MppTimeout = 60 * time.Second
	}
	if cfg.OverpaymentFactor == 0 {
		cfg.OverpaymentFactor = defaultOverpaymentFactor
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	return &Handler{
		repo:    repo,
		machine: machine,
		settler: s,
		bus:     bus,
		height:  height,
		cfg:     cfg,
	}
}

// HandleHtlc runs the full decision pipeline for req and blocks until a
// verdict is reached, the host withdraws the callback (ctx cancelled), or
// an unrecoverable error occurs.
func (h *Handler) HandleHtlc(ctx context.Context, req HtlcRequest) (Verdict, error) {
	logger := h.cfg.Logger.With("paymentHash", req.PaymentHash, "channelId", req.ChannelID)

	// Step 1: lookup.
	inv, err := h.repo.FindInvoiceByPaymentHash(ctx, req.PaymentHash)
	if err != nil {
		if errors.Is(err, holdtypes.ErrInvoiceNotFound) {
			return failVerdict(lnwire.CodeIncorrectOrUnknownPaymentDetails), nil
		}

		return Verdict{}, fmt.Errorf("%w: %v", holdtypes.ErrPersistenceUnavailable, err)
	}

	// Step 2: duplicate guard / restart recovery.
	existing, err := h.repo.FindHtlc(ctx, inv.ID, req.ChannelID)
	switch {
	case err == nil:
		return h.handleDuplicate(ctx, logger, inv, existing, req)

	case !errors.Is(err, holdtypes.ErrHtlcNotFound):
		return Verdict{}, fmt.Errorf("%w: %v", holdtypes.ErrPersistenceUnavailable, err)
	}

	// Step 3: terminal check.
	if v, done := h.terminalVerdict(inv); done {
		return v, nil
	}

	// Step 4: CLTV check.
	if req.CltvExpiry < req.CurrentHeight ||
		req.CltvExpiry-req.CurrentHeight < uint32(inv.MinFinalCltvDelta) {

		logger.Infow("rejecting htlc: cltv too soon",
			"cltvExpiry", req.CltvExpiry, "currentHeight", req.CurrentHeight)

		return failVerdict(lnwire.CodeFinalIncorrectCltvExpiry), nil
	}

	// Step 5: amount check.
	if code, reject := h.checkAmount(ctx, inv, req); reject {
		logger.Infow("rejecting htlc: amount check failed")

		return failVerdict(code), nil
	}

	// Step 6: persist htlc as Accepted, transition invoice to Accepted.
	newHtlc := &holdtypes.Htlc{
		InvoiceID:  inv.ID,
		State:      holdtypes.HtlcStateAccepted,
		Scid:       req.Scid,
		ChannelID:  req.ChannelID,
		AmountMsat: req.AmountMsat,
		CltvExpiry: req.CltvExpiry,
	}
	if err := h.repo.InsertHtlc(ctx, newHtlc); err != nil {
		if errors.Is(err, holdtypes.ErrDuplicateHtlc) {
			// Lost a race with a concurrent delivery of the same htlc;
			// re-enter as a duplicate.
			dup, findErr := h.repo.FindHtlc(ctx, inv.ID, req.ChannelID)
			if findErr != nil {
				return Verdict{}, fmt.Errorf("%w: %v", holdtypes.ErrPersistenceUnavailable, findErr)
			}

			return h.handleDuplicate(ctx, logger, inv, dup, req)
		}

		return Verdict{}, fmt.Errorf("%w: %v", holdtypes.ErrPersistenceUnavailable, err)
	}

	inv, err = h.machine.ApplyInvoiceTransition(ctx, inv, holdtypes.InvoiceStateAccepted, nil)
	if err != nil {
		return Verdict{}, err
	}

	logger.Debugw("htlc accepted", "amountMsat", req.AmountMsat)

	return h.holdAndAwaitVerdict(ctx, logger, inv, newHtlc)
}

// handleDuplicate covers restart reconciliation and re-delivered htlcs: the
// row already exists, so re-enter at step 2 without re-validating or
// re-inserting.
func (h *Handler) handleDuplicate(ctx context.Context, logger *zap.SugaredLogger,
	inv *holdtypes.Invoice, existing *holdtypes.Htlc, req HtlcRequest) (Verdict, error) {

	switch existing.State {
	case holdtypes.HtlcStateSettled:
		if inv.Preimage != nil {
			return continueVerdict(*inv.Preimage), nil
		}
		// Settled htlc but no preimage on file is inconsistent; fail safe.
		return failVerdict(lnwire.CodeTemporaryChannelFailure), nil

	case holdtypes.HtlcStateCancelled:
		return failVerdict(lnwire.CodeIncorrectOrUnknownPaymentDetails), nil

	default: // Accepted: still held, re-arm the wait.
		logger.Debugw("recovering in-flight htlc on replay")

		if v, done := h.terminalVerdict(inv); done {
			return v, nil
		}

		return h.holdAndAwaitVerdict(ctx, logger, inv, existing)
	}
}

// terminalVerdict implements step 3: a Cancelled invoice always fails a new
// htlc; a Paid invoice with a preimage on file settles immediately (the
// host re-delivered an htlc we already decided on).
func (h *Handler) terminalVerdict(inv *holdtypes.Invoice) (Verdict, bool) {
	switch inv.State {
	case holdtypes.InvoiceStateCancelled:
		return failVerdict(lnwire.CodeIncorrectOrUnknownPaymentDetails), true

	case holdtypes.InvoiceStatePaid:
		if inv.Preimage != nil {
			return continueVerdict(*inv.Preimage), true
		}
		return failVerdict(lnwire.CodeTemporaryChannelFailure), true

	default:
		return Verdict{}, false
	}
}

// checkAmount implements step 5 plus the supplemental overpayment
// protection: a non-MPP shard may not alone exceed the invoice amount; a
// declared MPP total may not undershoot it; and the cumulative accepted
// amount (including this shard) may never run past
// invoice amount * OverpaymentFactor regardless of how the shards are
// declared.
func (h *Handler) checkAmount(ctx context.Context, inv *holdtypes.Invoice,
	req HtlcRequest) (lnwire.FailCode, bool) {

	if req.MppTotalMsat == 0 {
		if req.AmountMsat > inv.AmountMsat {
			return lnwire.CodeIncorrectOrUnknownPaymentDetails, true
		}
	} else if req.MppTotalMsat < inv.AmountMsat {
		return lnwire.CodeIncorrectOrUnknownPaymentDetails, true
	}

	accepted, err := h.repo.ListHtlcsByInvoice(ctx, inv.ID)
	if err != nil {
		// Fail closed: a lookup failure here must not let an
		// over-accumulation slip through silently.
		return lnwire.CodeTemporaryChannelFailure, true
	}

	var sum lnwire.MilliSatoshi
	for _, htlc := range accepted {
		if htlc.State == holdtypes.HtlcStateAccepted {
			sum += htlc.AmountMsat
		}
	}
	sum += req.AmountMsat

	maxAccepted := inv.AmountMsat * lnwire.MilliSatoshi(h.cfg.OverpaymentFactor)
	if sum > maxAccepted {
		return lnwire.CodeIncorrectOrUnknownPaymentDetails, true
	}

	return lnwire.CodeNone, false
}

// holdAndAwaitVerdict implements steps 7 and 8: it aggregates the
// currently-Accepted shards of the invoice, registers a pending decision
// with the settler, and either resolves on the spot if the operator
// already settled the invoice before this shard completed it, or arms an
// MPP timer anchored to the first accepted shard and races that against
// operator resolution and CLTV proximity until one of them wins.
func (h *Handler) holdAndAwaitVerdict(ctx context.Context, logger *zap.SugaredLogger,
	inv *holdtypes.Invoice, self *holdtypes.Htlc) (Verdict, error) {

	accepted, err := h.repo.ListHtlcsByInvoice(ctx, inv.ID)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", holdtypes.ErrPersistenceUnavailable, err)
	}

	var (
		sum         lnwire.MilliSatoshi
		firstAccept = self.CreatedAt
	)
	for _, htlc := range accepted {
		if htlc.State != holdtypes.HtlcStateAccepted {
			continue
		}
		sum += htlc.AmountMsat
		if htlc.CreatedAt.Before(firstAccept) {
			firstAccept = htlc.CreatedAt
		}
	}

	complete := sum >= inv.AmountMsat

	handle := h.settler.Register(inv.PaymentHash)
	defer handle.Release()

	if complete {
		logger.Debugw("htlc set complete, awaiting settlement", "totalMsat", sum)

		if preimage, ok := h.settler.PresettledPreimage(inv.PaymentHash); ok {
			logger.Debugw("presettled preimage on file, settling immediately")

			if err := h.settler.Settle(ctx, preimage); err != nil {
				return Verdict{}, err
			}
		}
	}

	var mppTimer <-chan time.Time
	if !complete {
		deadline := firstAccept.Add(h.cfg.MppTimeout)
		mppTimer = h.cfg.Clock.TickAfter(time.Until(deadline))
	}

	heightCh, cancelHeight := h.height.Subscribe()
	defer cancelHeight()

	// Subscribe only delivers future height observations; an htlc that
	// arrives already within the safety margin of its own CLTV expiry
	// would otherwise wait for a height update that may never come before
	// it expires. Check once up front, yielding to a verdict that already
	// resolved (e.g. the presettled case above).
	if h.height.Current()+h.cfg.CltvSafetyBlocks >= self.CltvExpiry {
		select {
		case verdict := <-handle.C():
			switch verdict.Kind {
			case settler.VerdictSettle:
				return continueVerdict(*verdict.Preimage), nil
			default:
				return failVerdict(verdict.Reason), nil
			}
		default:
			return h.onCltvProximity(ctx, logger, inv, self)
		}
	}

	for {
		select {
		case verdict := <-handle.C():
			switch verdict.Kind {
			case settler.VerdictSettle:
				return continueVerdict(*verdict.Preimage), nil
			default:
				return failVerdict(verdict.Reason), nil
			}

		case <-mppTimer:
			// A later shard may have completed the set while this task
			// waited; only a set that is still short times out.
			current, err := h.repo.ListHtlcsByInvoice(ctx, inv.ID)
			if err != nil {
				return Verdict{}, fmt.Errorf("%w: %v", holdtypes.ErrPersistenceUnavailable, err)
			}
			var total lnwire.MilliSatoshi
			for _, htlc := range current {
				if htlc.State == holdtypes.HtlcStateAccepted {
					total += htlc.AmountMsat
				}
			}
			if total >= inv.AmountMsat {
				mppTimer = nil
				continue
			}

			return h.onMppTimeout(ctx, logger, inv, self)

		case <-heightCh:
			if h.height.Current()+h.cfg.CltvSafetyBlocks >= self.CltvExpiry {
				return h.onCltvProximity(ctx, logger, inv, self)
			}

		case <-ctx.Done():
			// The host withdrew the callback. Persisted state is left
			// untouched; only the in-memory registration is released
			// (via the deferred handle.Release above).
			return Verdict{}, ctx.Err()
		}
	}
}

// onMppTimeout implements the MPP-timeout path: every currently-Accepted
// htlc of the invoice is cancelled, the invoice reverts from Accepted to
// Cancelled if (and only if) no Accepted htlc remains, and this task
// returns Fail(mpp_timeout). Sibling tasks for other shards of the same
// invoice share the same deadline and perform the same idempotent cleanup
// independently; whichever runs first does the actual work.
func (h *Handler) onMppTimeout(ctx context.Context, logger *zap.SugaredLogger,
	inv *holdtypes.Invoice, self *holdtypes.Htlc) (Verdict, error) {

	logger.Infow("mpp timeout")

	if _, err := h.machine.ApplyHtlcSetTransition(ctx, inv.ID,
		holdtypes.HtlcStateAccepted, holdtypes.HtlcStateCancelled); err != nil {
		return Verdict{}, err
	}

	if err := h.reconcileInvoiceAfterHtlcRemoval(ctx, inv); err != nil {
		return Verdict{}, err
	}

	return failVerdict(lnwire.CodeMPPTimeout), nil
}

// onCltvProximity implements step 8: cancel only this htlc, then revert the
// invoice out of Accepted if it was the last one carrying it.
func (h *Handler) onCltvProximity(ctx context.Context, logger *zap.SugaredLogger,
	inv *holdtypes.Invoice, self *holdtypes.Htlc) (Verdict, error) {

	logger.Infow("cltv proximity, unilaterally cancelling htlc",
		"cltvExpiry", self.CltvExpiry, "height", h.height.Current())

	if _, err := h.machine.ApplyHtlcTransition(ctx, self, holdtypes.HtlcStateCancelled); err != nil {
		return Verdict{}, err
	}

	if err := h.reconcileInvoiceAfterHtlcRemoval(ctx, inv); err != nil {
		return Verdict{}, err
	}

	return failVerdict(lnwire.CodeIncorrectOrUnknownPaymentDetails), nil
}

// reconcileInvoiceAfterHtlcRemoval re-reads the invoice's htlcs and, if no
// Accepted htlc remains, moves an Accepted invoice to Cancelled so
// invariant 6 of the data model is never left violated.
func (h *Handler) reconcileInvoiceAfterHtlcRemoval(ctx context.Context, inv *holdtypes.Invoice) error {
	fresh, err := h.repo.FindInvoiceByPaymentHash(ctx, inv.PaymentHash)
	if err != nil {
		return fmt.Errorf("%w: %v", holdtypes.ErrPersistenceUnavailable, err)
	}

	if fresh.State != holdtypes.InvoiceStateAccepted {
		return nil
	}

	remaining, err := h.repo.ListHtlcsByInvoice(ctx, fresh.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", holdtypes.ErrPersistenceUnavailable, err)
	}

	for _, htlc := range remaining {
		if htlc.State == holdtypes.HtlcStateAccepted {
			return nil
		}
	}

	_, err = h.machine.ApplyInvoiceTransition(ctx, fresh, holdtypes.InvoiceStateCancelled, nil)

	return err
}
