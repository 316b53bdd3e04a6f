// Package postgres implements the persistence.Repository contract on top
// of Postgres via go-pg.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/go-pg/pg/v10"
	"github.com/holdinvoice/hold/holdtypes"
	"github.com/holdinvoice/hold/persistence"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"go.uber.org/zap"
)

type dbInvoice struct {
	tableName struct{} `pg:"hold.invoices,discard_unknown_columns"` // nolint

	ID                int64     `pg:"id,pk"`
	PaymentHash       []byte    `pg:"payment_hash"`
	Preimage          []byte    `pg:"preimage"`
	Encoded           string    `pg:"encoded"`
	State             string    `pg:"state"`
	CreatedAt         time.Time `pg:"created_at"`
	SettledAt         time.Time `pg:"settled_at"`
	AmountMsat        int64     `pg:"amount_msat,use_zero"`
	MinFinalCltvDelta int32     `pg:"min_final_cltv_delta,use_zero"`
	ExpirySeconds     int64     `pg:"expiry_seconds,use_zero"`
}

type dbHtlc struct {
	tableName struct{} `pg:"hold.htlcs,discard_unknown_columns"` // nolint

	ID         int64     `pg:"id,pk"`
	InvoiceID  int64     `pg:"invoice_id,use_zero"`
	State      string    `pg:"state"`
	Scid       uint64    `pg:"scid,use_zero"`
	ChanID     uint64    `pg:"chan_id,use_zero"`
	HtlcID     uint64    `pg:"htlc_id,use_zero"`
	AmountMsat int64     `pg:"amount_msat,use_zero"`
	CreatedAt  time.Time `pg:"created_at"`
	CltvExpiry uint32    `pg:"cltv_expiry,use_zero"`
}

// Repository persists invoices and htlcs to Postgres.
type Repository struct {
	conn   *pg.DB
	logger *zap.SugaredLogger
}

// Config configures the Postgres repository.
type Config struct {
	Logger *zap.SugaredLogger
}

// NewFromDSN connects to Postgres using dsn.
func NewFromDSN(dsn string, cfg *Config) (*Repository, error) {
	options, err := pg.ParseURL(dsn)
	if err != nil {
		return nil, err
	}

	return &Repository{
		conn:   pg.Connect(options),
		logger: cfg.Logger,
	}, nil
}

func fromDbInvoice(d *dbInvoice) (*holdtypes.Invoice, error) {
	hash, err := lntypes.MakeHash(d.PaymentHash)
	if err != nil {
		return nil, err
	}

	state, err := holdtypes.ParseInvoiceState(d.State)
	if err != nil {
		return nil, err
	}

	inv := &holdtypes.Invoice{
		ID:                d.ID,
		PaymentHash:       hash,
		Encoded:           d.Encoded,
		State:             state,
		CreatedAt:         d.CreatedAt,
		AmountMsat:        lnwire.MilliSatoshi(d.AmountMsat),
		MinFinalCltvDelta: d.MinFinalCltvDelta,
		Expiry:            time.Duration(d.ExpirySeconds) * time.Second,
	}

	if len(d.Preimage) > 0 {
		preimage, err := lntypes.MakePreimage(d.Preimage)
		if err != nil {
			return nil, err
		}
		inv.Preimage = &preimage
	}

	if !d.SettledAt.IsZero() {
		settledAt := d.SettledAt
		inv.SettledAt = &settledAt
	}

	return inv, nil
}

func fromDbHtlc(d *dbHtlc) *holdtypes.Htlc {
	state, _ := holdtypes.ParseHtlcState(d.State)

	return &holdtypes.Htlc{
		ID:        d.ID,
		InvoiceID: d.InvoiceID,
		State:     state,
		Scid:      d.Scid,
		ChannelID: holdtypes.CircuitKey{
			ChanID: d.ChanID,
			HtlcID: d.HtlcID,
		},
		AmountMsat: lnwire.MilliSatoshi(d.AmountMsat),
		CreatedAt:  d.CreatedAt,
		CltvExpiry: d.CltvExpiry,
	}
}

func (r *Repository) InsertInvoice(ctx context.Context, inv *holdtypes.Invoice) error {
	d := &dbInvoice{
		PaymentHash:       inv.PaymentHash[:],
		Encoded:           inv.Encoded,
		State:             inv.State.String(),
		AmountMsat:        int64(inv.AmountMsat),
		MinFinalCltvDelta: inv.MinFinalCltvDelta,
		ExpirySeconds:     int64(inv.Expiry / time.Second),
	}

	_, err := r.conn.ModelContext(ctx, d).Insert()
	if err != nil {
		if isUniqueViolation(err) {
			return holdtypes.ErrDuplicatePaymentHash
		}

		return err
	}

	inv.ID = d.ID
	inv.CreatedAt = d.CreatedAt

	return nil
}

func (r *Repository) FindInvoiceByPaymentHash(ctx context.Context,
	hash lntypes.Hash) (*holdtypes.Invoice, error) {

	var d dbInvoice

	err := r.conn.ModelContext(ctx, &d).Where("payment_hash = ?", hash[:]).Select()
	switch {
	case errors.Is(err, pg.ErrNoRows):
		return nil, holdtypes.ErrInvoiceNotFound
	case err != nil:
		return nil, err
	}

	return fromDbInvoice(&d)
}

func (r *Repository) ListInvoices(ctx context.Context,
	f persistence.ListFilter) ([]*holdtypes.Invoice, error) {

	var rows []*dbInvoice

	q := r.conn.ModelContext(ctx, &rows)

	switch {
	case f.PaymentHash != nil:
		q = q.Where("payment_hash = ?", f.PaymentHash[:])
	default:
		q = q.Where("id >= ?", f.StartID).OrderExpr("id ASC")
		if f.Limit > 0 {
			q = q.Limit(f.Limit)
		}
	}

	if err := q.Select(); err != nil {
		return nil, err
	}

	out := make([]*holdtypes.Invoice, 0, len(rows))
	for _, d := range rows {
		inv, err := fromDbInvoice(d)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}

	return out, nil
}

func (r *Repository) InsertHtlc(ctx context.Context, h *holdtypes.Htlc) error {
	d := &dbHtlc{
		InvoiceID:  h.InvoiceID,
		State:      h.State.String(),
		Scid:       h.Scid,
		ChanID:     h.ChannelID.ChanID,
		HtlcID:     h.ChannelID.HtlcID,
		AmountMsat: int64(h.AmountMsat),
		CltvExpiry: h.CltvExpiry,
	}

	_, err := r.conn.ModelContext(ctx, d).Insert()
	if err != nil {
		if isUniqueViolation(err) {
			return holdtypes.ErrDuplicateHtlc
		}

		return err
	}

	h.ID = d.ID
	h.CreatedAt = d.CreatedAt

	return nil
}

func (r *Repository) FindHtlc(ctx context.Context, invoiceID int64,
	key holdtypes.CircuitKey) (*holdtypes.Htlc, error) {

	var d dbHtlc

	err := r.conn.ModelContext(ctx, &d).
		Where("invoice_id = ?", invoiceID).
		Where("chan_id = ?", key.ChanID).
		Where("htlc_id = ?", key.HtlcID).
		Select()
	switch {
	case errors.Is(err, pg.ErrNoRows):
		return nil, holdtypes.ErrHtlcNotFound
	case err != nil:
		return nil, err
	}

	return fromDbHtlc(&d), nil
}

func (r *Repository) ListHtlcsByInvoice(ctx context.Context,
	invoiceID int64) ([]*holdtypes.Htlc, error) {

	var rows []*dbHtlc

	err := r.conn.ModelContext(ctx, &rows).Where("invoice_id = ?", invoiceID).Select()
	if err != nil {
		return nil, err
	}

	out := make([]*holdtypes.Htlc, 0, len(rows))
	for _, d := range rows {
		out = append(out, fromDbHtlc(d))
	}

	return out, nil
}

func (r *Repository) SetInvoiceState(ctx context.Context, id int64,
	from, to holdtypes.InvoiceState, preimage *lntypes.Preimage) (bool, error) {

	now := time.Now().UTC()

	q := r.conn.ModelContext(ctx, (*dbInvoice)(nil)).
		Where("id = ?", id).
		Where("state = ?", from.String()).
		Set("state = ?", to.String())

	if preimage != nil {
		q = q.Set("preimage = ?", preimage[:])
	}

	if to == holdtypes.InvoiceStatePaid || to == holdtypes.InvoiceStateCancelled {
		q = q.Set("settled_at = ?", now)
	}

	result, err := q.Update()
	if err != nil {
		return false, err
	}

	return result.RowsAffected() == 1, nil
}

func (r *Repository) SetHtlcState(ctx context.Context, id int64,
	from, to holdtypes.HtlcState) (bool, error) {

	result, err := r.conn.ModelContext(ctx, (*dbHtlc)(nil)).
		Where("id = ?", id).
		Where("state = ?", from.String()).
		Set("state = ?", to.String()).
		Update()
	if err != nil {
		return false, err
	}

	return result.RowsAffected() == 1, nil
}

func (r *Repository) SetHtlcStatesByInvoice(ctx context.Context, invoiceID int64,
	from, to holdtypes.HtlcState) (int, error) {

	result, err := r.conn.ModelContext(ctx, (*dbHtlc)(nil)).
		Where("invoice_id = ?", invoiceID).
		Where("state = ?", from.String()).
		Set("state = ?", to.String()).
		Update()
	if err != nil {
		return 0, err
	}

	return result.RowsAffected(), nil
}

func (r *Repository) DeleteCancelledOlderThan(ctx context.Context,
	cutoff time.Time) (int, error) {

	var ids []int64

	err := r.conn.ModelContext(ctx, (*dbInvoice)(nil)).
		Column("id").
		Where("state = ?", holdtypes.InvoiceStateCancelled.String()).
		Where("settled_at < ?", cutoff).
		Select(&ids)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	err = r.conn.RunInTransaction(ctx, func(tx *pg.Tx) error {
		if _, err := tx.ModelContext(ctx, (*dbHtlc)(nil)). //nolint:contextcheck
										Where("invoice_id IN (?)", pg.In(ids)).Delete(); err != nil {
			return err
		}

		_, err := tx.ModelContext(ctx, (*dbInvoice)(nil)). //nolint:contextcheck
									Where("id IN (?)", pg.In(ids)).Delete()

		return err
	})
	if err != nil {
		return 0, err
	}

	return len(ids), nil
}

func (r *Repository) Ping(ctx context.Context) error {
	_, err := r.conn.ExecOneContext(ctx, "SELECT 1")

	return err
}

func (r *Repository) Close() error {
	return r.conn.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr pg.Error

	return errors.As(err, &pgErr) && pgErr.IntegrityViolation()
}
