// Package sqlite implements the persistence.Repository contract on top of
// a single sqlite file, using the pure-Go modernc.org/sqlite driver through
// database/sql so the daemon never needs cgo.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/holdinvoice/hold/holdtypes"
	"github.com/holdinvoice/hold/persistence"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// Repository persists invoices and htlcs to a sqlite database.
type Repository struct {
	db *sql.DB
}

// New opens (creating if necessary) the sqlite database at path and sets a
// busy timeout so concurrent callers block briefly instead of failing
// immediately with SQLITE_BUSY.
func New(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// sqlite only supports a single writer; serialize at the
	// connection-pool level rather than fighting SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	return &Repository{db: db}, nil
}

func (r *Repository) InsertInvoice(ctx context.Context, inv *holdtypes.Invoice) error {
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO invoices
			(payment_hash, preimage, encoded, state, created_at,
			 settled_at, amount_msat, min_final_cltv_delta, expiry_seconds)
		VALUES (?, NULL, ?, ?, ?, NULL, ?, ?, ?)`,
		inv.PaymentHash[:], inv.Encoded, inv.State.String(), now,
		int64(inv.AmountMsat), inv.MinFinalCltvDelta, int64(inv.Expiry/time.Second),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return holdtypes.ErrDuplicatePaymentHash
		}

		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}

	inv.ID = id
	inv.CreatedAt = now

	return nil
}

func (r *Repository) FindInvoiceByPaymentHash(ctx context.Context,
	hash lntypes.Hash) (*holdtypes.Invoice, error) {

	row := r.db.QueryRowContext(ctx, `
		SELECT id, payment_hash, preimage, encoded, state, created_at,
		       settled_at, amount_msat, min_final_cltv_delta, expiry_seconds
		FROM invoices WHERE payment_hash = ?`, hash[:])

	return scanInvoice(row)
}

func (r *Repository) ListInvoices(ctx context.Context,
	f persistence.ListFilter) ([]*holdtypes.Invoice, error) {

	var (
		rows *sql.Rows
		err  error
	)

	const cols = `id, payment_hash, preimage, encoded, state, created_at,
	              settled_at, amount_msat, min_final_cltv_delta, expiry_seconds`

	switch {
	case f.PaymentHash != nil:
		rows, err = r.db.QueryContext(ctx,
			"SELECT "+cols+" FROM invoices WHERE payment_hash = ?", f.PaymentHash[:])
	default:
		limit := f.Limit
		if limit <= 0 {
			limit = -1
		}
		rows, err = r.db.QueryContext(ctx,
			"SELECT "+cols+" FROM invoices WHERE id >= ? ORDER BY id ASC LIMIT ?",
			f.StartID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*holdtypes.Invoice
	for rows.Next() {
		inv, err := scanInvoiceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}

	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row scanner) (*holdtypes.Invoice, error) {
	return scanInvoiceRow(row)
}

func scanInvoiceRow(row scanner) (*holdtypes.Invoice, error) {
	var (
		id                int64
		paymentHash       []byte
		preimage          []byte
		encoded           string
		state             string
		createdAt         time.Time
		settledAt         sql.NullTime
		amountMsat        int64
		minFinalCltvDelta int32
		expirySeconds     int64
	)

	err := row.Scan(&id, &paymentHash, &preimage, &encoded, &state, &createdAt,
		&settledAt, &amountMsat, &minFinalCltvDelta, &expirySeconds)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, holdtypes.ErrInvoiceNotFound
	case err != nil:
		return nil, err
	}

	hash, err := lntypes.MakeHash(paymentHash)
	if err != nil {
		return nil, err
	}

	invState, err := holdtypes.ParseInvoiceState(state)
	if err != nil {
		return nil, err
	}

	inv := &holdtypes.Invoice{
		ID:                id,
		PaymentHash:       hash,
		Encoded:           encoded,
		State:             invState,
		CreatedAt:         createdAt,
		AmountMsat:        lnwire.MilliSatoshi(amountMsat),
		MinFinalCltvDelta: minFinalCltvDelta,
		Expiry:            time.Duration(expirySeconds) * time.Second,
	}

	if len(preimage) > 0 {
		p, err := lntypes.MakePreimage(preimage)
		if err != nil {
			return nil, err
		}
		inv.Preimage = &p
	}

	if settledAt.Valid {
		t := settledAt.Time
		inv.SettledAt = &t
	}

	return inv, nil
}

func (r *Repository) InsertHtlc(ctx context.Context, h *holdtypes.Htlc) error {
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO htlcs
			(invoice_id, state, scid, chan_id, htlc_id, amount_msat,
			 created_at, cltv_expiry)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.InvoiceID, h.State.String(), h.Scid, h.ChannelID.ChanID, h.ChannelID.HtlcID,
		int64(h.AmountMsat), now, h.CltvExpiry,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return holdtypes.ErrDuplicateHtlc
		}

		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}

	h.ID = id
	h.CreatedAt = now

	return nil
}

func (r *Repository) FindHtlc(ctx context.Context, invoiceID int64,
	key holdtypes.CircuitKey) (*holdtypes.Htlc, error) {

	row := r.db.QueryRowContext(ctx, `
		SELECT id, invoice_id, state, scid, chan_id, htlc_id, amount_msat,
		       created_at, cltv_expiry
		FROM htlcs WHERE invoice_id = ? AND chan_id = ? AND htlc_id = ?`,
		invoiceID, key.ChanID, key.HtlcID)

	h, err := scanHtlcRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, holdtypes.ErrHtlcNotFound
	}

	return h, err
}

func (r *Repository) ListHtlcsByInvoice(ctx context.Context,
	invoiceID int64) ([]*holdtypes.Htlc, error) {

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, invoice_id, state, scid, chan_id, htlc_id, amount_msat,
		       created_at, cltv_expiry
		FROM htlcs WHERE invoice_id = ?`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*holdtypes.Htlc
	for rows.Next() {
		h, err := scanHtlcRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}

	return out, rows.Err()
}

func scanHtlcRow(row scanner) (*holdtypes.Htlc, error) {
	var (
		id         int64
		invoiceID  int64
		state      string
		scid       uint64
		chanID     uint64
		htlcID     uint64
		amountMsat int64
		createdAt  time.Time
		cltvExpiry uint32
	)

	err := row.Scan(&id, &invoiceID, &state, &scid, &chanID, &htlcID, &amountMsat,
		&createdAt, &cltvExpiry)
	if err != nil {
		return nil, err
	}

	htlcState, err := holdtypes.ParseHtlcState(state)
	if err != nil {
		return nil, err
	}

	return &holdtypes.Htlc{
		ID:         id,
		InvoiceID:  invoiceID,
		State:      htlcState,
		Scid:       scid,
		ChannelID:  holdtypes.CircuitKey{ChanID: chanID, HtlcID: htlcID},
		AmountMsat: lnwire.MilliSatoshi(amountMsat),
		CreatedAt:  createdAt,
		CltvExpiry: cltvExpiry,
	}, nil
}

func (r *Repository) SetInvoiceState(ctx context.Context, id int64,
	from, to holdtypes.InvoiceState, preimage *lntypes.Preimage) (bool, error) {

	var (
		res sql.Result
		err error
	)

	switch {
	case preimage != nil && (to == holdtypes.InvoiceStatePaid || to == holdtypes.InvoiceStateCancelled):
		res, err = r.db.ExecContext(ctx, `
			UPDATE invoices SET state = ?, preimage = ?, settled_at = ?
			WHERE id = ? AND state = ?`,
			to.String(), preimage[:], time.Now().UTC(), id, from.String())
	case preimage != nil:
		res, err = r.db.ExecContext(ctx, `
			UPDATE invoices SET state = ?, preimage = ?
			WHERE id = ? AND state = ?`,
			to.String(), preimage[:], id, from.String())
	case to == holdtypes.InvoiceStatePaid || to == holdtypes.InvoiceStateCancelled:
		res, err = r.db.ExecContext(ctx, `
			UPDATE invoices SET state = ?, settled_at = ?
			WHERE id = ? AND state = ?`,
			to.String(), time.Now().UTC(), id, from.String())
	default:
		res, err = r.db.ExecContext(ctx, `
			UPDATE invoices SET state = ? WHERE id = ? AND state = ?`,
			to.String(), id, from.String())
	}
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

func (r *Repository) SetHtlcState(ctx context.Context, id int64,
	from, to holdtypes.HtlcState) (bool, error) {

	res, err := r.db.ExecContext(ctx,
		"UPDATE htlcs SET state = ? WHERE id = ? AND state = ?",
		to.String(), id, from.String())
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

func (r *Repository) SetHtlcStatesByInvoice(ctx context.Context, invoiceID int64,
	from, to holdtypes.HtlcState) (int, error) {

	res, err := r.db.ExecContext(ctx,
		"UPDATE htlcs SET state = ? WHERE invoice_id = ? AND state = ?",
		to.String(), invoiceID, from.String())
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()

	return int(n), err
}

func (r *Repository) DeleteCancelledOlderThan(ctx context.Context,
	cutoff time.Time) (int, error) {

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx,
		"SELECT id FROM invoices WHERE state = ? AND settled_at < ?",
		holdtypes.InvoiceStateCancelled.String(), cutoff)
	if err != nil {
		return 0, err
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM htlcs WHERE invoice_id = ?", id); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM invoices WHERE id = ?", id); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return len(ids), nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
