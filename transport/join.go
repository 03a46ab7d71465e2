package transport

import (
	"errors"

	"github.com/nyiyui/netcfg/broadcast"
	"github.com/nyiyui/netcfg/change"
	"github.com/nyiyui/netcfg/subscription"
)

// Joined delivers through several emitters at once.
type Joined []broadcast.Emitter

// Join returns an emitter over emitters. Emit tries them in order and stops
// at the first that knows the target, so an emitter that cannot tell (such
// as DBus) belongs last.
func Join(emitters ...broadcast.Emitter) Joined {
	return Joined(emitters)
}

func (j Joined) Emit(target subscription.Identity, msg change.WireMessage) error {
	err := error(ErrUnknownObserver)
	for _, e := range j {
		err = e.Emit(target, msg)
		if !errors.Is(err, ErrUnknownObserver) {
			return err
		}
	}
	return err
}

func (j Joined) Broadcast(msg change.WireMessage) error {
	var errs []error
	for _, e := range j {
		errs = append(errs, e.Broadcast(msg))
	}
	return errors.Join(errs...)
}
