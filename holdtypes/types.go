// Package holdtypes contains the wire-independent domain types shared by
// every component of the hold invoice engine: the persisted invoice and
// HTLC records, their state enums, and the sentinel errors components use
// to communicate boundary conditions to each other.
package holdtypes

import (
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

var (
	// ErrInvoiceNotFound is returned when a targeted invoice can't be
	// located.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrHtlcNotFound is returned when a targeted htlc can't be located.
	ErrHtlcNotFound = errors.New("htlc not found")

	// ErrDuplicateHtlc is returned when the handler is asked to record an
	// htlc whose (channel id, htlc id) pair is already known for the
	// invoice.
	ErrDuplicateHtlc = errors.New("duplicate htlc")

	// ErrDuplicatePaymentHash is returned when an invoice is inserted
	// with a payment hash that already exists.
	ErrDuplicatePaymentHash = errors.New("payment hash already exists")

	// ErrPersistenceUnavailable wraps any repository I/O failure that
	// isn't a recoverable race loss.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	// ErrIllegalTransition is returned when a caller asks the state
	// machine for a transition outside the legal set of invariants 4/5.
	// It is always a bug upstream and is never swallowed.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrPreimageMismatch is returned by a settle command whose preimage
	// does not hash to any known payment hash.
	ErrPreimageMismatch = errors.New("preimage does not match a known payment hash")
)

// InvoiceState is the lifecycle state of an invoice.
type InvoiceState uint8

const (
	InvoiceStateUnpaid InvoiceState = iota
	InvoiceStateAccepted
	InvoiceStatePaid
	InvoiceStateCancelled
)

// String renders the state the way it is persisted: an upper case textual
// enum.
func (s InvoiceState) String() string {
	switch s {
	case InvoiceStateUnpaid:
		return "UNPAID"
	case InvoiceStateAccepted:
		return "ACCEPTED"
	case InvoiceStatePaid:
		return "PAID"
	case InvoiceStateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// ParseInvoiceState parses the textual enum stored in the database.
func ParseInvoiceState(s string) (InvoiceState, error) {
	switch s {
	case "UNPAID":
		return InvoiceStateUnpaid, nil
	case "ACCEPTED":
		return InvoiceStateAccepted, nil
	case "PAID":
		return InvoiceStatePaid, nil
	case "CANCELLED":
		return InvoiceStateCancelled, nil
	default:
		return 0, fmt.Errorf("unknown invoice state %q", s)
	}
}

// CanTransitionInvoice reports whether from->to is a legal invoice
// transition per the invariants of the invoice lifecycle. Idempotent
// terminal no-ops (Paid->Paid, Cancelled->Cancelled) are legal.
func CanTransitionInvoice(from, to InvoiceState) bool {
	if from == to && (from == InvoiceStatePaid || from == InvoiceStateCancelled) {
		return true
	}

	switch from {
	case InvoiceStateUnpaid:
		return to == InvoiceStateAccepted || to == InvoiceStateCancelled
	case InvoiceStateAccepted:
		return to == InvoiceStatePaid || to == InvoiceStateCancelled
	default:
		return false
	}
}

// HtlcState is the lifecycle state of a single HTLC.
type HtlcState uint8

const (
	HtlcStateAccepted HtlcState = iota
	HtlcStateSettled
	HtlcStateCancelled
)

func (s HtlcState) String() string {
	switch s {
	case HtlcStateAccepted:
		return "ACCEPTED"
	case HtlcStateSettled:
		return "SETTLED"
	case HtlcStateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// ParseHtlcState parses the textual enum stored in the database.
func ParseHtlcState(s string) (HtlcState, error) {
	switch s {
	case "ACCEPTED":
		return HtlcStateAccepted, nil
	case "SETTLED":
		return HtlcStateSettled, nil
	case "CANCELLED":
		return HtlcStateCancelled, nil
	default:
		return 0, fmt.Errorf("unknown htlc state %q", s)
	}
}

// CanTransitionHtlc reports whether from->to is a legal htlc transition.
// Terminal states are sticky; a terminal->same-terminal request is treated
// as an idempotent no-op by the state machine, not as a legal "transition"
// here (the state machine special-cases it).
func CanTransitionHtlc(from, to HtlcState) bool {
	return from == HtlcStateAccepted && (to == HtlcStateSettled || to == HtlcStateCancelled)
}

// CircuitKey uniquely identifies an htlc within the host node: the short
// channel id of the incoming channel plus the host-assigned htlc index on
// that channel.
type CircuitKey struct {
	ChanID uint64
	HtlcID uint64
}

func (k CircuitKey) String() string {
	return fmt.Sprintf("%d:%d", k.ChanID, k.HtlcID)
}

// Invoice is a hold invoice as persisted by the repository.
type Invoice struct {
	ID int64

	PaymentHash lntypes.Hash

	// Preimage is set if and only if State == InvoiceStatePaid.
	Preimage *lntypes.Preimage

	// Encoded is the BOLT11 or BOLT12 encoded invoice string.
	Encoded string

	State InvoiceState

	CreatedAt time.Time

	// SettledAt is set if and only if State is Paid or Cancelled.
	SettledAt *time.Time

	AmountMsat lnwire.MilliSatoshi

	MinFinalCltvDelta int32

	Expiry time.Duration
}

// Htlc is a single HTLC accepted against an invoice.
type Htlc struct {
	ID int64

	InvoiceID int64

	State HtlcState

	Scid uint64

	ChannelID CircuitKey

	AmountMsat lnwire.MilliSatoshi

	CreatedAt time.Time

	// CltvExpiry is the absolute block height at which the htlc can be
	// unilaterally reclaimed on-chain.
	CltvExpiry uint32
}
