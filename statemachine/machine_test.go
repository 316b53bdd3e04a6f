package statemachine

import (
	"context"
	"testing"
	"time"

	"github.com/holdinvoice/hold/eventbus"
	"github.com/holdinvoice/hold/holdtypes"
	itest "github.com/holdinvoice/hold/internal/test"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMachine() (*Machine, *itest.FakeRepository, *eventbus.Bus) {
	repo := itest.NewFakeRepository()
	bus := eventbus.New()
	logger, _ := zap.NewDevelopment()

	return New(repo, bus, clock.NewDefaultClock(), logger.Sugar()), repo, bus
}

func mustInsertInvoice(t *testing.T, repo *itest.FakeRepository, hash lntypes.Hash) *holdtypes.Invoice {
	inv := &holdtypes.Invoice{
		PaymentHash: hash,
		Encoded:     "lnbc...",
		State:       holdtypes.InvoiceStateUnpaid,
		AmountMsat:  10_000,
	}
	require.NoError(t, repo.InsertInvoice(context.Background(), inv))

	return inv
}

func TestApplyInvoiceTransitionHappyPath(t *testing.T) {
	defer itest.Timeout()()

	m, repo, bus := newTestMachine()
	ctx := context.Background()

	hash := testHash(1)
	inv := mustInsertInvoice(t, repo, hash)

	ch, cancel := bus.Subscribe(hash)
	defer cancel()

	accepted, err := m.ApplyInvoiceTransition(ctx, inv, holdtypes.InvoiceStateAccepted, nil)
	require.NoError(t, err)
	require.Equal(t, holdtypes.InvoiceStateAccepted, accepted.State)

	preimage := lntypes.Preimage{0x01}
	paid, err := m.ApplyInvoiceTransition(ctx, accepted, holdtypes.InvoiceStatePaid, &preimage)
	require.NoError(t, err)
	require.Equal(t, holdtypes.InvoiceStatePaid, paid.State)
	require.NotNil(t, paid.SettledAt)
	require.Equal(t, preimage, *paid.Preimage)

	select {
	case ev := <-ch:
		require.Equal(t, holdtypes.InvoiceStateAccepted, ev.State)
	case <-time.After(time.Second):
		t.Fatal("missing accepted event")
	}

	select {
	case ev := <-ch:
		require.Equal(t, holdtypes.InvoiceStatePaid, ev.State)
	case <-time.After(time.Second):
		t.Fatal("missing paid event")
	}
}

func TestApplyInvoiceTransitionIllegal(t *testing.T) {
	defer itest.Timeout()()

	m, repo, _ := newTestMachine()
	ctx := context.Background()

	inv := mustInsertInvoice(t, repo, testHash(2))

	_, err := m.ApplyInvoiceTransition(ctx, inv, holdtypes.InvoiceStatePaid, nil)
	require.ErrorIs(t, err, holdtypes.ErrIllegalTransition)
}

func TestApplyInvoiceTransitionTerminalIdempotent(t *testing.T) {
	defer itest.Timeout()()

	m, repo, bus := newTestMachine()
	ctx := context.Background()

	hash := testHash(3)
	inv := mustInsertInvoice(t, repo, hash)

	cancelled, err := m.ApplyInvoiceTransition(ctx, inv, holdtypes.InvoiceStateCancelled, nil)
	require.NoError(t, err)

	ch, cancel := bus.Subscribe(hash)
	defer cancel()

	// Drain the replayed cancelled event before testing for silence.
	<-ch

	again, err := m.ApplyInvoiceTransition(ctx, cancelled, holdtypes.InvoiceStateCancelled, nil)
	require.NoError(t, err)
	require.Equal(t, holdtypes.InvoiceStateCancelled, again.State)

	select {
	case ev := <-ch:
		t.Fatalf("idempotent no-op should not publish, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestApplyInvoiceTransitionNoReopenAfterCancelled(t *testing.T) {
	defer itest.Timeout()()

	m, repo, _ := newTestMachine()
	ctx := context.Background()

	inv := mustInsertInvoice(t, repo, testHash(4))

	cancelled, err := m.ApplyInvoiceTransition(ctx, inv, holdtypes.InvoiceStateCancelled, nil)
	require.NoError(t, err)

	preimage := lntypes.Preimage{0x02}
	_, err = m.ApplyInvoiceTransition(ctx, cancelled, holdtypes.InvoiceStatePaid, &preimage)
	require.ErrorIs(t, err, holdtypes.ErrIllegalTransition)
}

func TestApplyHtlcTransitionAndSetTransition(t *testing.T) {
	defer itest.Timeout()()

	m, repo, _ := newTestMachine()
	ctx := context.Background()

	inv := mustInsertInvoice(t, repo, testHash(5))

	h1 := &holdtypes.Htlc{
		InvoiceID:  inv.ID,
		State:      holdtypes.HtlcStateAccepted,
		ChannelID:  holdtypes.CircuitKey{ChanID: 1, HtlcID: 1},
		AmountMsat: 5_000,
	}
	h2 := &holdtypes.Htlc{
		InvoiceID:  inv.ID,
		State:      holdtypes.HtlcStateAccepted,
		ChannelID:  holdtypes.CircuitKey{ChanID: 1, HtlcID: 2},
		AmountMsat: 5_000,
	}
	require.NoError(t, repo.InsertHtlc(ctx, h1))
	require.NoError(t, repo.InsertHtlc(ctx, h2))

	settled, err := m.ApplyHtlcTransition(ctx, h1, holdtypes.HtlcStateSettled)
	require.NoError(t, err)
	require.Equal(t, holdtypes.HtlcStateSettled, settled.State)

	n, err := m.ApplyHtlcSetTransition(ctx, inv.ID, holdtypes.HtlcStateAccepted, holdtypes.HtlcStateCancelled)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func testHash(b byte) lntypes.Hash {
	var h lntypes.Hash
	h[0] = b

	return h
}
