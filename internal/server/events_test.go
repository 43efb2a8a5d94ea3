package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/reconciler"
	"github.com/MarcoPoloResearchLab/contentnode/internal/replication"
)

func TestEventDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "0xWallet1")
	defer cleanup()

	dispatcher.PublishSyncOutcome(reconciler.Outcome{
		Request:     reconciler.SyncRequest{Wallet: "0xwallet1", Secondary: "https://cn2.example.com"},
		Success:     true,
		Reason:      reconciler.OutcomeCaughtUp,
		CompletedAt: time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != EventSyncOutcome {
			t.Fatalf("expected event type %s, got %s", EventSyncOutcome, received.EventType)
		}
		outcome, ok := received.Payload.(reconciler.Outcome)
		if !ok || !outcome.Success {
			t.Fatalf("unexpected payload %#v", received.Payload)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event within deadline")
	}
}

func TestEventDispatcherIsolatedByWallet(t *testing.T) {
	dispatcher := NewEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	walletStream, cleanup := dispatcher.Subscribe(ctx, "0xwallet2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "0xwallet3")
	defer otherCleanup()
	allStream, allCleanup := dispatcher.Subscribe(ctx, AllWallets)
	defer allCleanup()

	dispatcher.PublishPull(replication.Result{Wallet: "0xwallet3", Clock: 7}, errors.New("primary unreachable"))

	select {
	case <-walletStream:
		t.Fatal("did not expect event for unrelated wallet")
	case <-time.After(200 * time.Millisecond):
	}

	for name, stream := range map[string]<-chan Event{"wallet": otherStream, "all": allStream} {
		select {
		case event := <-stream:
			if event.Wallet != "0xwallet3" || event.EventType != EventPullOutcome {
				t.Fatalf("%s subscriber received unexpected event %#v", name, event)
			}
			payload, ok := event.Payload.(pullOutcome)
			if !ok || payload.Success || payload.Error == "" {
				t.Fatalf("%s subscriber received unexpected payload %#v", name, event.Payload)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("expected event for %s subscriber", name)
		}
	}
}

func TestEventDispatcherStopsDeliveringAfterCleanup(t *testing.T) {
	dispatcher := NewEventDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), AllWallets)
	cleanup()
	cleanup()

	dispatcher.Publish(Event{EventType: EventMonitorRun})

	select {
	case event := <-stream:
		t.Fatalf("unexpected event after cleanup %#v", event)
	case <-time.After(100 * time.Millisecond):
	}

	closed, _ := dispatcher.Subscribe(context.Background(), "  ")
	if _, ok := <-closed; ok {
		t.Fatal("expected empty wallet subscription to be closed")
	}
}
