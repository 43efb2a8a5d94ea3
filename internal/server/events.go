package server

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/monitor"
	"github.com/MarcoPoloResearchLab/contentnode/internal/reconciler"
	"github.com/MarcoPoloResearchLab/contentnode/internal/reconfig"
	"github.com/MarcoPoloResearchLab/contentnode/internal/replication"
)

// Event types streamed on GET /events.
const (
	EventSyncOutcome     = "sync-outcome"
	EventReconfigOutcome = "reconfig-outcome"
	EventPullOutcome     = "pull-outcome"
	EventMonitorRun      = "monitor-run"
	eventHeartbeat       = "heartbeat"
	eventSourceNode      = "content-node"

	// AllWallets subscribes to every event regardless of wallet.
	AllWallets = "*"
)

// Event is one notification about replica-set activity. Wallet is empty for node-wide events.
type Event struct {
	Wallet    string
	EventType string
	Payload   any
	Timestamp time.Time
}

// EventDispatcher fans events out to stream subscribers. Slow subscribers drop events rather than
// block the publisher.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan Event
}

// NewEventDispatcher constructs an empty dispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[string]map[int64]*eventSubscriber),
		bufferSize:  32,
	}
}

// Subscribe registers for events about wallet, or every event when wallet is AllWallets. The
// subscription ends when ctx ends or the returned cleanup runs.
func (d *EventDispatcher) Subscribe(ctx context.Context, wallet string) (<-chan Event, func()) {
	key := subscriptionKey(wallet)
	if key == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.registerSubscriber(key, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(key, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers event to the wallet's subscribers and to AllWallets subscribers.
func (d *EventDispatcher) Publish(event Event) {
	if d == nil || event.EventType == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	keys := []string{AllWallets}
	if wallet := subscriptionKey(event.Wallet); wallet != "" && wallet != AllWallets {
		keys = append(keys, wallet)
	}

	d.mu.RLock()
	var copies []*eventSubscriber
	for _, key := range keys {
		for _, subscriber := range d.subscribers[key] {
			copies = append(copies, subscriber)
		}
	}
	d.mu.RUnlock()

	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// PublishSyncOutcome reports a resolved sync request.
func (d *EventDispatcher) PublishSyncOutcome(outcome reconciler.Outcome) {
	d.Publish(Event{Wallet: outcome.Request.Wallet, EventType: EventSyncOutcome, Payload: outcome, Timestamp: outcome.CompletedAt})
}

// PublishReconfigOutcome reports an executed or dry-run reconfiguration plan.
func (d *EventDispatcher) PublishReconfigOutcome(outcome reconfig.Outcome) {
	d.Publish(Event{Wallet: outcome.Plan.Wallet, EventType: EventReconfigOutcome, Payload: outcome, Timestamp: outcome.CompletedAt})
}

type pullOutcome struct {
	replication.Result
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// PublishPull reports a finished pull.
func (d *EventDispatcher) PublishPull(result replication.Result, err error) {
	payload := pullOutcome{Result: result, Success: err == nil}
	if err != nil {
		payload.Error = err.Error()
	}
	d.Publish(Event{Wallet: result.Wallet, EventType: EventPullOutcome, Payload: payload})
}

// PublishMonitorRun reports the trace of a finished monitoring run.
func (d *EventDispatcher) PublishMonitorRun(result monitor.JobResult) {
	d.Publish(Event{EventType: EventMonitorRun, Payload: result.Trace})
}

func (d *EventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *EventDispatcher) registerSubscriber(key string, subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[int64]*eventSubscriber)
	}
	d.subscribers[key][subscriber.id] = subscriber
}

func (d *EventDispatcher) unregisterSubscriber(key string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[key]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, key)
		}
	}
	d.mu.Unlock()
}

func subscriptionKey(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}
