// Package broadcast delivers network change events to the observers that
// asked for them.
package broadcast

import (
	"fmt"
	"sync"

	"github.com/nyiyui/netcfg/change"
	"github.com/nyiyui/netcfg/subscription"
	"go.uber.org/zap"
)

//go:generate mockgen -source=broadcast.go -destination=mocks/mock_emitter.go -package=mocks

// Emitter is the transport side of the broadcaster.
type Emitter interface {
	// Emit sends msg to one observer.
	Emit(target subscription.Identity, msg change.WireMessage) error
	// Broadcast sends msg to every observer on the transport.
	Broadcast(msg change.WireMessage) error
}

// DeliveryError describes an event that could not be handed to an observer.
type DeliveryError struct {
	// Target is empty for a broadcast.
	Target subscription.Identity
	Event  change.Event
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("broadcast of [%s] failed: %s", e.Event, e.Err)
	}
	return fmt.Sprintf("delivery of [%s] to %s failed: %s", e.Event, e.Target, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Broadcaster publishes events through an Emitter.
// Without a registry, every event is broadcast to all observers. With one,
// events go only to subscribers whose mask selects the event's kind.
type Broadcaster struct {
	emitter Emitter
	logger  *zap.SugaredLogger
	encode  func(change.Event) change.WireMessage

	registry     *subscription.Registry
	registryLock sync.RWMutex
}

// New returns a Broadcaster in broadcast-to-all mode.
// A nil logger means zap.S().
func New(emitter Emitter, logger *zap.SugaredLogger) *Broadcaster {
	if logger == nil {
		logger = zap.S()
	}
	return &Broadcaster{
		emitter: emitter,
		logger:  logger,
		encode:  change.Encode,
	}
}

// AttachRegistry switches b to targeted delivery. A nil registry switches back
// to broadcast-to-all.
func (b *Broadcaster) AttachRegistry(r *subscription.Registry) {
	b.registryLock.Lock()
	defer b.registryLock.Unlock()
	b.registry = r
}

// Publish delivers ev. Delivery failures are logged and never returned;
// one failing observer does not stop delivery to the others.
func (b *Broadcaster) Publish(ev change.Event) {
	if ev.Empty() {
		return
	}
	b.registryLock.RLock()
	registry := b.registry
	b.registryLock.RUnlock()

	if registry == nil {
		msg := b.encode(ev)
		err := b.emitter.Broadcast(msg)
		if err != nil {
			b.logger.Warnw("network change not delivered", "error", &DeliveryError{Event: ev, Err: err})
		}
		return
	}

	targets := registry.MatchingSubscribers(ev)
	if len(targets) == 0 {
		b.logger.Debugf("no subscribers for [%s].", ev)
		return
	}
	msg := b.encode(ev)
	for _, target := range targets {
		err := b.emitter.Emit(target, msg)
		if err != nil {
			b.logger.Warnw("network change not delivered", "target", string(target), "error", &DeliveryError{Target: target, Event: ev, Err: err})
		}
	}
}
