package eventbus

import (
	"testing"
	"time"

	"github.com/holdinvoice/hold/holdtypes"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

func testHash(b byte) lntypes.Hash {
	var h lntypes.Hash
	h[0] = b

	return h
}

func TestSubscribePublish(t *testing.T) {
	bus := New()
	hash := testHash(1)

	ch, cancel := bus.Subscribe(hash)
	defer cancel()

	ev := Event{PaymentHash: hash, State: holdtypes.InvoiceStateAccepted}
	bus.Publish(ev)

	select {
	case got := <-ch:
		require.Equal(t, ev, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeReplaysLatest(t *testing.T) {
	bus := New()
	hash := testHash(2)

	bus.Publish(Event{PaymentHash: hash, State: holdtypes.InvoiceStateAccepted})
	bus.Publish(Event{PaymentHash: hash, State: holdtypes.InvoiceStatePaid})

	ch, cancel := bus.Subscribe(hash)
	defer cancel()

	select {
	case got := <-ch:
		require.Equal(t, holdtypes.InvoiceStatePaid, got.State)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replayed event")
	}
}

func TestPublishDropsToNewestOnFullBuffer(t *testing.T) {
	bus := New()
	hash := testHash(3)

	ch, cancel := bus.SubscribeBuffered(hash, 1)
	defer cancel()

	bus.Publish(Event{PaymentHash: hash, State: holdtypes.InvoiceStateAccepted})
	bus.Publish(Event{PaymentHash: hash, State: holdtypes.InvoiceStatePaid})

	select {
	case got := <-ch:
		require.Equal(t, holdtypes.InvoiceStatePaid, got.State)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case got := <-ch:
		t.Fatalf("unexpected second event delivered: %+v", got)
	default:
	}
}

func TestCancelUnsubscribes(t *testing.T) {
	bus := New()
	hash := testHash(4)

	_, cancel := bus.Subscribe(hash)
	require.Equal(t, 1, bus.SubscriberCount(hash))

	cancel()
	require.Equal(t, 0, bus.SubscriberCount(hash))

	// Cancelling twice must not panic.
	cancel()
}

func TestPublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	bus := New()
	hash := testHash(5)

	bus.Publish(Event{PaymentHash: hash, State: holdtypes.InvoiceStateCancelled})
}

func TestSubscribeAllReceivesEveryHash(t *testing.T) {
	bus := New()
	hashA, hashB := testHash(6), testHash(7)

	ch, cancel := bus.SubscribeAll()
	defer cancel()

	bus.Publish(Event{PaymentHash: hashA, State: holdtypes.InvoiceStateAccepted})
	bus.Publish(Event{PaymentHash: hashB, State: holdtypes.InvoiceStateCancelled})

	seen := make(map[lntypes.Hash]holdtypes.InvoiceState)
	for i := 0; i < 2; i++ {
		select {
		case got := <-ch:
			seen[got.PaymentHash] = got.State
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for wildcard event")
		}
	}

	require.Equal(t, holdtypes.InvoiceStateAccepted, seen[hashA])
	require.Equal(t, holdtypes.InvoiceStateCancelled, seen[hashB])
}

func TestSubscribeAllReplaysLatestPerInvoice(t *testing.T) {
	bus := New()
	hashA, hashB := testHash(8), testHash(9)

	bus.Publish(Event{PaymentHash: hashA, State: holdtypes.InvoiceStateAccepted})
	bus.Publish(Event{PaymentHash: hashA, State: holdtypes.InvoiceStatePaid})
	bus.Publish(Event{PaymentHash: hashB, State: holdtypes.InvoiceStateCancelled})

	ch, cancel := bus.SubscribeAll()
	defer cancel()

	seen := make(map[lntypes.Hash]holdtypes.InvoiceState)
	for i := 0; i < 2; i++ {
		select {
		case got := <-ch:
			seen[got.PaymentHash] = got.State
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for replayed wildcard event")
		}
	}

	require.Equal(t, holdtypes.InvoiceStatePaid, seen[hashA])
	require.Equal(t, holdtypes.InvoiceStateCancelled, seen[hashB])
}

func TestSubscribeAllCancelUnsubscribes(t *testing.T) {
	bus := New()

	_, cancel := bus.SubscribeAll()
	require.Equal(t, 1, bus.WildcardSubscriberCount())

	cancel()
	require.Equal(t, 0, bus.WildcardSubscriberCount())

	// Cancelling twice must not panic.
	cancel()
}
