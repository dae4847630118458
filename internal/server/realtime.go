package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/reconcile"
)

const (
	runEventStatus    = "status"
	runEventHeartbeat = "heartbeat"
	runEventSource    = "vaultsync"
	dispatcherBuffer  = 64
	defaultHeartbeat  = 15 * time.Second
)

// RunMessage is one import-run event fanned out to stream subscribers.
type RunMessage struct {
	RunID         string
	EventType     string
	CollectionKey string
	Resolution    *reconcile.Resolution
	Status        RunStatus
	Timestamp     time.Time
}

// RunEventDispatcher fans import-run events out to subscribers keyed by run id.
type RunEventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*runSubscriber
	nextID      int64
	bufferSize  int
}

type runSubscriber struct {
	id     int64
	stream chan RunMessage
}

func NewRunEventDispatcher() *RunEventDispatcher {
	return &RunEventDispatcher{
		subscribers: make(map[string]map[int64]*runSubscriber),
		bufferSize:  dispatcherBuffer,
	}
}

// Subscribe registers a stream for runID until ctx ends or cleanup is called.
func (d *RunEventDispatcher) Subscribe(ctx context.Context, runID string) (<-chan RunMessage, func()) {
	if runID == "" {
		ch := make(chan RunMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &runSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RunMessage, d.bufferSize),
	}
	d.registerSubscriber(runID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(runID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to every subscriber of its run. Slow subscribers
// drop messages instead of blocking the run.
func (d *RunEventDispatcher) Publish(message RunMessage) {
	if message.RunID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.RunID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*runSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RunEventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RunEventDispatcher) registerSubscriber(runID string, subscriber *runSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[runID]; !ok {
		d.subscribers[runID] = make(map[int64]*runSubscriber)
	}
	d.subscribers[runID][subscriber.id] = subscriber
}

func (d *RunEventDispatcher) unregisterSubscriber(runID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[runID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, runID)
		}
	}
	d.mu.Unlock()
}
