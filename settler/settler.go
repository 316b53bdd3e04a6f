// Package settler holds the per-payment-hash registry of pending HTLC
// decisions, correlating operator settle/cancel commands with the handler
// tasks currently holding an HTLC open. A handler doesn't just wait for
// "settled" — it needs the preimage or the cancel reason back — so each
// pending htlc gets a one-shot channel carrying a full verdict. The
// pending map is sharded by payment hash so that unrelated invoices never
// contend on the same mutex.
package settler

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/holdinvoice/hold/holdtypes"
	"github.com/holdinvoice/hold/persistence"
	"github.com/holdinvoice/hold/statemachine"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"go.uber.org/zap"
)

// numShards bounds lock contention: unrelated payment hashes almost never
// land in the same shard, so registering or resolving one invoice's
// handles never blocks another's.
const numShards = 64

// VerdictKind distinguishes the two ways a pending decision resolves.
type VerdictKind int

const (
	// VerdictSettle means the HTLC may be settled with Preimage.
	VerdictSettle VerdictKind = iota

	// VerdictCancel means the HTLC must be failed with Reason.
	VerdictCancel
)

// Verdict is delivered to a handler task through the handle it registered.
type Verdict struct {
	Kind     VerdictKind
	Preimage *lntypes.Preimage
	Reason   lnwire.FailCode
}

// Handle is a one-shot decision future returned by Register. A handler
// task waits on it; Release abandons the wait without altering any
// persisted state.
type Handle struct {
	hash lntypes.Hash
	id   uint64
	ch   chan Verdict

	s *Settler
}

// C exposes the underlying verdict channel for callers that need to race
// it against other awaitables in a select statement rather than go through
// Wait's own context handling.
func (h *Handle) C() <-chan Verdict {
	return h.ch
}

// Wait blocks until the pending decision resolves or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) (Verdict, error) {
	select {
	case v := <-h.ch:
		return v, nil
	case <-ctx.Done():
		h.Release()

		return Verdict{}, ctx.Err()
	}
}

// Release unregisters the handle without resolving it. Safe to call after
// Wait has already returned; a no-op in that case.
func (h *Handle) Release() {
	h.s.release(h)
}

type shard struct {
	mu         sync.Mutex
	pending    map[lntypes.Hash][]*Handle
	presettled map[lntypes.Hash]lntypes.Preimage
}

// Settler is the process-wide registry of pending HTLC decisions.
type Settler struct {
	shards  [numShards]*shard
	repo    persistence.Repository
	machine *statemachine.Machine
	logger  *zap.SugaredLogger

	nextID uint64
	idMu   sync.Mutex
}

// New returns a Settler backed by repo for lookups and machine for
// transitions.
func New(repo persistence.Repository, machine *statemachine.Machine,
	logger *zap.SugaredLogger) *Settler {

	s := &Settler{
		repo:    repo,
		machine: machine,
		logger:  logger,
	}
	for i := range s.shards {
		s.shards[i] = &shard{pending: make(map[lntypes.Hash][]*Handle)}
	}

	return s
}

func (s *Settler) shardFor(hash lntypes.Hash) *shard {
	return s.shards[hash[0]%numShards]
}

// Register records that a handler task is holding an HTLC for hash and
// returns the handle it can wait on for the eventual verdict.
func (s *Settler) Register(hash lntypes.Hash) *Handle {
	s.idMu.Lock()
	s.nextID++
	id := s.nextID
	s.idMu.Unlock()

	h := &Handle{
		hash: hash,
		id:   id,
		ch:   make(chan Verdict, 1),
		s:    s,
	}

	sh := s.shardFor(hash)
	sh.mu.Lock()
	sh.pending[hash] = append(sh.pending[hash], h)
	sh.mu.Unlock()

	return h
}

func (s *Settler) release(h *Handle) {
	sh := s.shardFor(h.hash)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	handles := sh.pending[h.hash]
	for i, candidate := range handles {
		if candidate.id == h.id {
			sh.pending[h.hash] = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(sh.pending[h.hash]) == 0 {
		delete(sh.pending, h.hash)
	}
}

func (s *Settler) takePending(hash lntypes.Hash) []*Handle {
	sh := s.shardFor(hash)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	handles := sh.pending[hash]
	delete(sh.pending, hash)

	return handles
}

// PendingCount reports how many handles are currently registered for
// hash, for tests and diagnostics.
func (s *Settler) PendingCount(hash lntypes.Hash) int {
	sh := s.shardFor(hash)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	return len(sh.pending[hash])
}

// Settle validates that preimage hashes to a known invoice, persists the
// Accepted->Paid transition (idempotent if the invoice is already Paid),
// moves every currently-Accepted htlc of that invoice to Settled, and
// resolves every pending handle for the hash with VerdictSettle. If the
// invoice is still Unpaid (no htlc has arrived yet) the preimage is stored
// regardless so a future matching htlc settles on sight.
func (s *Settler) Settle(ctx context.Context, preimage lntypes.Preimage) error {
	hash := lntypes.Hash(sha256.Sum256(preimage[:]))

	inv, err := s.repo.FindInvoiceByPaymentHash(ctx, hash)
	if err != nil {
		if errors.Is(err, holdtypes.ErrInvoiceNotFound) {
			return holdtypes.ErrPreimageMismatch
		}

		return fmt.Errorf("%w: %v", holdtypes.ErrPersistenceUnavailable, err)
	}

	target := holdtypes.InvoiceStatePaid
	if inv.State == holdtypes.InvoiceStateUnpaid {
		// No htlc has arrived yet; record the preimage for the future
		// arrival without jumping straight to Paid, since Unpaid->Paid
		// is not a legal transition (invariant 4 requires an Accepted
		// HTLC carrying the amount first).
		return s.storePresettledPreimage(ctx, inv, preimage)
	}

	updated, err := s.machine.ApplyInvoiceTransition(ctx, inv, target, &preimage)
	if err != nil {
		return err
	}

	if _, err := s.machine.ApplyHtlcSetTransition(ctx, updated.ID,
		holdtypes.HtlcStateAccepted, holdtypes.HtlcStateSettled); err != nil {
		return err
	}

	for _, h := range s.takePending(hash) {
		select {
		case h.ch <- Verdict{Kind: VerdictSettle, Preimage: &preimage}:
		default:
		}
	}

	s.ClearPresettledPreimage(hash)

	s.logger.Infow("invoice settled", "paymentHash", hash)

	return nil
}

// storePresettledPreimage is reached when the operator calls Settle before
// any htlc has arrived. There is no legal Unpaid->Paid transition, and no
// pending handle exists yet to resolve, so the preimage is kept in the
// shard's in-memory presettled map; the invoice row is left unchanged. The
// htlc handler reads it back through PresettledPreimage once the arriving
// htlc set reaches the invoice amount and then calls Settle itself. The
// record does not survive a process restart.
func (s *Settler) storePresettledPreimage(ctx context.Context, inv *holdtypes.Invoice,
	preimage lntypes.Preimage) error {

	s.logger.Infow("preimage recorded ahead of htlc arrival", "paymentHash", inv.PaymentHash)

	sh := s.shardFor(inv.PaymentHash)

	sh.mu.Lock()
	if sh.presettled == nil {
		sh.presettled = make(map[lntypes.Hash]lntypes.Preimage)
	}
	sh.presettled[inv.PaymentHash] = preimage
	sh.mu.Unlock()

	return nil
}

// PresettledPreimage returns a preimage recorded by Settle before any htlc
// for hash had arrived, if one is on file.
func (s *Settler) PresettledPreimage(hash lntypes.Hash) (lntypes.Preimage, bool) {
	sh := s.shardFor(hash)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	p, ok := sh.presettled[hash]

	return p, ok
}

// ClearPresettledPreimage removes a presettled preimage once the htlc
// handler has consumed it.
func (s *Settler) ClearPresettledPreimage(hash lntypes.Hash) {
	sh := s.shardFor(hash)

	sh.mu.Lock()
	delete(sh.presettled, hash)
	sh.mu.Unlock()
}

// Cancel moves the invoice identified by hash to Cancelled, cancels every
// currently-Accepted htlc of that invoice, and resolves every pending
// handle with VerdictCancel carrying reason.
func (s *Settler) Cancel(ctx context.Context, hash lntypes.Hash,
	reason lnwire.FailCode) error {

	inv, err := s.repo.FindInvoiceByPaymentHash(ctx, hash)
	if err != nil {
		if errors.Is(err, holdtypes.ErrInvoiceNotFound) {
			return holdtypes.ErrInvoiceNotFound
		}

		return fmt.Errorf("%w: %v", holdtypes.ErrPersistenceUnavailable, err)
	}

	updated, err := s.machine.ApplyInvoiceTransition(ctx, inv, holdtypes.InvoiceStateCancelled, nil)
	if err != nil {
		return err
	}

	if _, err := s.machine.ApplyHtlcSetTransition(ctx, updated.ID,
		holdtypes.HtlcStateAccepted, holdtypes.HtlcStateCancelled); err != nil {
		return err
	}

	for _, h := range s.takePending(hash) {
		select {
		case h.ch <- Verdict{Kind: VerdictCancel, Reason: reason}:
		default:
		}
	}

	s.ClearPresettledPreimage(hash)

	s.logger.Infow("invoice cancelled", "paymentHash", hash, "reason", reason)

	return nil
}
