// Package sync broadcasts tag invalidations between client instances that
// share one todo backend, so a mutation made by one instance refreshes the
// lists cached by the others.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/huykn/querycache/types"
)

// InvalidationEvent is an alias for types.InvalidationEvent
type InvalidationEvent = types.InvalidationEvent

// DefaultChannel is the Pub/Sub channel used when none is configured.
const DefaultChannel = "querycache:invalidations"

// PubSubSynchronizer implements cache synchronization using Redis Pub/Sub.
type PubSubSynchronizer struct {
	client     *redis.Client
	channel    string
	instanceID string
	pubsub     *redis.PubSub

	callbacks      []func(event InvalidationEvent)
	callbacksMutex sync.RWMutex

	// OnError receives payloads that could not be decoded. Optional.
	OnError func(error)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPubSubSynchronizer creates a synchronizer for instanceID on channel.
// Events whose Sender is instanceID are not delivered to callbacks.
func NewPubSubSynchronizer(client *redis.Client, channel, instanceID string) *PubSubSynchronizer {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PubSubSynchronizer{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		callbacks:  make([]func(event InvalidationEvent), 0),
		done:       make(chan struct{}),
	}
}

// Channel returns the Pub/Sub channel name.
func (ps *PubSubSynchronizer) Channel() string {
	return ps.channel
}

// Subscribe starts listening for invalidation events. It returns once Redis
// has confirmed the subscription, so events published afterwards are seen.
func (ps *PubSubSynchronizer) Subscribe(ctx context.Context) error {
	if ps.pubsub != nil {
		return nil
	}
	pubsub := ps.client.Subscribe(ctx, ps.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("sync: subscribe %s: %w", ps.channel, err)
	}
	ps.pubsub = pubsub

	ps.wg.Add(1)
	go ps.listenForEvents(pubsub.Channel())

	return nil
}

// Publish publishes an invalidation event.
func (ps *PubSubSynchronizer) Publish(ctx context.Context, event InvalidationEvent) error {
	if event.Sender == "" {
		event.Sender = ps.instanceID
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if err := ps.client.Publish(ctx, ps.channel, data).Err(); err != nil {
		return fmt.Errorf("sync: publish %s: %w", event.Action, err)
	}
	return nil
}

// OnInvalidate registers a callback for invalidation events.
func (ps *PubSubSynchronizer) OnInvalidate(callback func(event InvalidationEvent)) {
	ps.callbacksMutex.Lock()
	defer ps.callbacksMutex.Unlock()
	ps.callbacks = append(ps.callbacks, callback)
}

// Close stops the listener. It is safe to call more than once.
func (ps *PubSubSynchronizer) Close() error {
	var err error
	ps.closeOnce.Do(func() {
		close(ps.done)
		if ps.pubsub != nil {
			err = ps.pubsub.Close()
		}
		ps.wg.Wait()
	})
	return err
}

func (ps *PubSubSynchronizer) listenForEvents(ch <-chan *redis.Message) {
	defer ps.wg.Done()

	for {
		select {
		case <-ps.done:
			return
		case msg, ok := <-ch:
			if !ok || msg == nil {
				return
			}
			ps.dispatch(msg.Payload)
		}
	}
}

func (ps *PubSubSynchronizer) dispatch(payload string) {
	var event InvalidationEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		ps.reportError(fmt.Errorf("sync: decode event: %w", err))
		return
	}
	if event.Sender == ps.instanceID {
		return
	}
	if event.Action == "" {
		ps.reportError(fmt.Errorf("sync: event from %q has no action", event.Sender))
		return
	}

	ps.callbacksMutex.RLock()
	callbacks := ps.callbacks
	ps.callbacksMutex.RUnlock()

	for _, callback := range callbacks {
		callback(event)
	}
}

func (ps *PubSubSynchronizer) reportError(err error) {
	if ps.OnError != nil {
		ps.OnError(err)
	}
}
