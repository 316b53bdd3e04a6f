package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/go-pg/pg/v10"
	"github.com/holdinvoice/hold/holdtypes"
	itest "github.com/holdinvoice/hold/internal/test"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRepo(t *testing.T) *Repository {
	opts := itest.CreatePGTestDB(t)
	t.Cleanup(func() { itest.DropPGTestDB(t, opts) })

	logger, _ := zap.NewDevelopment()

	repo := &Repository{
		conn:   pg.Connect(opts),
		logger: logger.Sugar(),
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func TestInsertAndFindInvoice(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	var hash lntypes.Hash
	hash[0] = 0x01

	inv := &holdtypes.Invoice{
		PaymentHash:       hash,
		Encoded:           "lnbc...",
		State:             holdtypes.InvoiceStateUnpaid,
		AmountMsat:        10_000,
		MinFinalCltvDelta: 40,
		Expiry:            time.Hour,
	}
	require.NoError(t, repo.InsertInvoice(ctx, inv))
	require.NotZero(t, inv.ID)

	found, err := repo.FindInvoiceByPaymentHash(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, inv.ID, found.ID)
	require.Equal(t, holdtypes.InvoiceStateUnpaid, found.State)

	_, err = repo.FindInvoiceByPaymentHash(ctx, lntypes.Hash{0xff})
	require.ErrorIs(t, err, holdtypes.ErrInvoiceNotFound)
}

func TestInsertInvoiceDuplicatePaymentHash(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	hash := lntypes.Hash{0x02}

	mk := func() *holdtypes.Invoice {
		return &holdtypes.Invoice{
			PaymentHash: hash,
			Encoded:     "lnbc...",
			State:       holdtypes.InvoiceStateUnpaid,
			AmountMsat:  5_000,
		}
	}

	require.NoError(t, repo.InsertInvoice(ctx, mk()))
	err := repo.InsertInvoice(ctx, mk())
	require.ErrorIs(t, err, holdtypes.ErrDuplicatePaymentHash)
}

func TestSetInvoiceStateConditional(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	inv := &holdtypes.Invoice{
		PaymentHash: lntypes.Hash{0x03},
		Encoded:     "lnbc...",
		State:       holdtypes.InvoiceStateUnpaid,
		AmountMsat:  1_000,
	}
	require.NoError(t, repo.InsertInvoice(ctx, inv))

	ok, err := repo.SetInvoiceState(ctx, inv.ID,
		holdtypes.InvoiceStateUnpaid, holdtypes.InvoiceStateAccepted, nil)
	require.NoError(t, err)
	require.True(t, ok)

	// Stale "from" no longer matches; this is the lost-race case.
	ok, err = repo.SetInvoiceState(ctx, inv.ID,
		holdtypes.InvoiceStateUnpaid, holdtypes.InvoiceStateAccepted, nil)
	require.NoError(t, err)
	require.False(t, ok)

	preimage := lntypes.Preimage{0x09}
	ok, err = repo.SetInvoiceState(ctx, inv.ID,
		holdtypes.InvoiceStateAccepted, holdtypes.InvoiceStatePaid, &preimage)
	require.NoError(t, err)
	require.True(t, ok)

	found, err := repo.FindInvoiceByPaymentHash(ctx, inv.PaymentHash)
	require.NoError(t, err)
	require.Equal(t, holdtypes.InvoiceStatePaid, found.State)
	require.Equal(t, preimage, *found.Preimage)
}

func TestHtlcUniqueChannelHtlcID(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	inv := &holdtypes.Invoice{
		PaymentHash: lntypes.Hash{0x04},
		Encoded:     "lnbc...",
		State:       holdtypes.InvoiceStateUnpaid,
		AmountMsat:  1_000,
	}
	require.NoError(t, repo.InsertInvoice(ctx, inv))

	key := holdtypes.CircuitKey{ChanID: 1, HtlcID: 1}

	h := &holdtypes.Htlc{
		InvoiceID:  inv.ID,
		State:      holdtypes.HtlcStateAccepted,
		ChannelID:  key,
		AmountMsat: lnwire.MilliSatoshi(1_000),
		CltvExpiry: 800_100,
	}
	require.NoError(t, repo.InsertHtlc(ctx, h))

	dup := &holdtypes.Htlc{
		InvoiceID:  inv.ID,
		State:      holdtypes.HtlcStateAccepted,
		ChannelID:  key,
		AmountMsat: lnwire.MilliSatoshi(1_000),
		CltvExpiry: 800_100,
	}
	err := repo.InsertHtlc(ctx, dup)
	require.ErrorIs(t, err, holdtypes.ErrDuplicateHtlc)

	found, err := repo.FindHtlc(ctx, inv.ID, key)
	require.NoError(t, err)
	require.Equal(t, h.ID, found.ID)
}

func TestDeleteCancelledOlderThan(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	inv := &holdtypes.Invoice{
		PaymentHash: lntypes.Hash{0x05},
		Encoded:     "lnbc...",
		State:       holdtypes.InvoiceStateUnpaid,
		AmountMsat:  1_000,
	}
	require.NoError(t, repo.InsertInvoice(ctx, inv))

	ok, err := repo.SetInvoiceState(ctx, inv.ID,
		holdtypes.InvoiceStateUnpaid, holdtypes.InvoiceStateCancelled, nil)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := repo.DeleteCancelledOlderThan(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = repo.FindInvoiceByPaymentHash(ctx, inv.PaymentHash)
	require.ErrorIs(t, err, holdtypes.ErrInvoiceNotFound)
}
