package settler

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/holdinvoice/hold/eventbus"
	"github.com/holdinvoice/hold/holdtypes"
	itest "github.com/holdinvoice/hold/internal/test"
	"github.com/holdinvoice/hold/statemachine"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSettler(t *testing.T) (*Settler, *itest.FakeRepository) {
	repo := itest.NewFakeRepository()
	bus := eventbus.New()
	logger, _ := zap.NewDevelopment()
	machine := statemachine.New(repo, bus, clock.NewDefaultClock(), logger.Sugar())

	return New(repo, machine, logger.Sugar()), repo
}

func insertAccepted(t *testing.T, repo *itest.FakeRepository, hash lntypes.Hash,
	amt int64) *holdtypes.Invoice {

	inv := &holdtypes.Invoice{
		PaymentHash: hash,
		State:       holdtypes.InvoiceStateUnpaid,
		AmountMsat:  lnwire.MilliSatoshi(amt),
	}
	require.NoError(t, repo.InsertInvoice(context.Background(), inv))

	ok, err := repo.SetInvoiceState(context.Background(), inv.ID,
		holdtypes.InvoiceStateUnpaid, holdtypes.InvoiceStateAccepted, nil)
	require.NoError(t, err)
	require.True(t, ok)
	inv.State = holdtypes.InvoiceStateAccepted

	return inv
}

func TestSettleResolvesPendingHandle(t *testing.T) {
	defer itest.Timeout()()

	s, repo := newTestSettler(t)

	var preimage lntypes.Preimage
	preimage[0] = 0x42
	hash := lntypes.Hash(sha256.Sum256(preimage[:]))

	inv := insertAccepted(t, repo, hash, 10_000)

	h := &holdtypes.Htlc{
		InvoiceID:  inv.ID,
		State:      holdtypes.HtlcStateAccepted,
		AmountMsat: 10_000,
	}
	require.NoError(t, repo.InsertHtlc(context.Background(), h))

	handle := s.Register(hash)

	require.NoError(t, s.Settle(context.Background(), preimage))

	verdict, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, VerdictSettle, verdict.Kind)
	require.Equal(t, preimage, *verdict.Preimage)

	updated, err := repo.FindInvoiceByPaymentHash(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, holdtypes.InvoiceStatePaid, updated.State)
}

func TestSettleUnknownPreimage(t *testing.T) {
	defer itest.Timeout()()

	s, _ := newTestSettler(t)

	var preimage lntypes.Preimage
	preimage[0] = 0x99

	err := s.Settle(context.Background(), preimage)
	require.ErrorIs(t, err, holdtypes.ErrPreimageMismatch)
}

func TestCancelResolvesPendingHandle(t *testing.T) {
	defer itest.Timeout()()

	s, repo := newTestSettler(t)

	hash := lntypes.Hash{0x01}
	inv := insertAccepted(t, repo, hash, 10_000)

	h := &holdtypes.Htlc{
		InvoiceID:  inv.ID,
		State:      holdtypes.HtlcStateAccepted,
		AmountMsat: 10_000,
	}
	require.NoError(t, repo.InsertHtlc(context.Background(), h))

	handle := s.Register(hash)

	require.NoError(t, s.Cancel(context.Background(), hash, lnwire.CodeIncorrectOrUnknownPaymentDetails))

	verdict, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, VerdictCancel, verdict.Kind)
	require.Equal(t, lnwire.CodeIncorrectOrUnknownPaymentDetails, verdict.Reason)

	updated, err := repo.FindInvoiceByPaymentHash(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, holdtypes.InvoiceStateCancelled, updated.State)
}

func TestReleaseUnregistersHandle(t *testing.T) {
	defer itest.Timeout()()

	s, _ := newTestSettler(t)
	hash := lntypes.Hash{0x02}

	h := s.Register(hash)
	require.Equal(t, 1, s.PendingCount(hash))

	h.Release()
	require.Equal(t, 0, s.PendingCount(hash))
}

func TestWaitTimesOutAndReleases(t *testing.T) {
	defer itest.Timeout()()

	s, _ := newTestSettler(t)
	hash := lntypes.Hash{0x03}

	h := s.Register(hash)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := h.Wait(ctx)
	require.Error(t, err)
	require.Equal(t, 0, s.PendingCount(hash))
}

func TestPresettledPreimage(t *testing.T) {
	defer itest.Timeout()()

	s, repo := newTestSettler(t)

	var preimage lntypes.Preimage
	preimage[0] = 0x77
	hash := lntypes.Hash(sha256.Sum256(preimage[:]))

	inv := &holdtypes.Invoice{
		PaymentHash: hash,
		State:       holdtypes.InvoiceStateUnpaid,
		AmountMsat:  10_000,
	}
	require.NoError(t, repo.InsertInvoice(context.Background(), inv))

	require.NoError(t, s.Settle(context.Background(), preimage))

	got, ok := s.PresettledPreimage(hash)
	require.True(t, ok)
	require.Equal(t, preimage, got)
}
