package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/maniartech/signals"
	"github.com/nyiyui/netcfg/change"
	"github.com/nyiyui/netcfg/subscription"
	"go.uber.org/zap"
)

// Local delivers events to observers in the same process, such as the status
// endpoint or tests.
type Local struct {
	lock      sync.RWMutex
	observers map[subscription.Identity]signals.Signal[change.WireMessage]
	all       signals.Signal[change.WireMessage]
}

func NewLocal() *Local {
	return &Local{
		observers: map[subscription.Identity]signals.Signal[change.WireMessage]{},
		all:       signals.New[change.WireMessage](),
	}
}

// Observe registers fn under id and returns a function that removes it.
// fn may run on another goroutine.
func (l *Local) Observe(id subscription.Identity, fn func(change.Event)) (cancel func()) {
	l.lock.Lock()
	defer l.lock.Unlock()
	sig, ok := l.observers[id]
	if !ok {
		sig = signals.New[change.WireMessage]()
		l.observers[id] = sig
	}
	listener := func(_ context.Context, msg change.WireMessage) {
		ev, err := change.Decode(msg)
		if err != nil {
			zap.S().Warnf("local: %s: dropping network change: %s", id, err)
			return
		}
		fn(ev)
	}
	key := string(id)
	sig.AddListener(listener, key)
	l.all.AddListener(listener, key)
	return func() {
		l.lock.Lock()
		defer l.lock.Unlock()
		l.all.RemoveListener(key)
		sig, ok := l.observers[id]
		if ok {
			sig.RemoveListener(key)
			delete(l.observers, id)
		}
	}
}

func (l *Local) Emit(target subscription.Identity, msg change.WireMessage) error {
	l.lock.RLock()
	sig, ok := l.observers[target]
	l.lock.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObserver, target)
	}
	sig.Emit(context.Background(), msg)
	return nil
}

func (l *Local) Broadcast(msg change.WireMessage) error {
	l.all.Emit(context.Background(), msg)
	return nil
}
