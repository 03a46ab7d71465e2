package tunnel

import (
	"strconv"

	"github.com/nyiyui/netcfg/change"
)

func deviceEvent(kind change.Kind, name string, mtu int) change.Event {
	ev := change.NewEvent(kind, name)
	if mtu != 0 {
		ev.Details.Set("mtu", strconv.Itoa(mtu))
	}
	return ev
}

func addrEvent(kind change.Kind, name string, addr IPNet) change.Event {
	ones, _ := addr.Mask.Size()
	return change.NewEvent(kind, name,
		"ip_address", addr.IP.String(),
		"prefix", strconv.Itoa(ones),
	)
}

func routeEvent(kind change.Kind, name string, route IPNet) change.Event {
	ones, _ := route.Mask.Size()
	return change.NewEvent(kind, name,
		"subnet", route.network().IP.String(),
		"prefix", strconv.Itoa(ones),
	)
}

// establishEvents lists the changes of a successful Establish, in the order
// they were applied.
func establishEvents(cfg Config, created bool) []change.Event {
	var events []change.Event
	if created {
		events = append(events, deviceEvent(change.DeviceAdded, cfg.Name, cfg.MTU))
	}
	for _, addr := range cfg.Addresses {
		events = append(events, addrEvent(change.IPAddrAdded, cfg.Name, addr))
	}
	for _, route := range cfg.Routes {
		events = append(events, routeEvent(change.RouteAdded, cfg.Name, route))
	}
	for _, route := range cfg.ExcludedRoutes {
		events = append(events, routeEvent(change.RouteExcluded, cfg.Name, route))
	}
	return events
}

// teardownEvents lists the changes of Teardown, in reverse order of
// establishEvents.
func teardownEvents(cfg Config, removed bool) []change.Event {
	var events []change.Event
	for _, route := range cfg.Routes {
		events = append(events, routeEvent(change.RouteRemoved, cfg.Name, route))
	}
	for _, addr := range cfg.Addresses {
		events = append(events, addrEvent(change.IPAddrRemoved, cfg.Name, addr))
	}
	if removed {
		events = append(events, deviceEvent(change.DeviceRemoved, cfg.Name, 0))
	}
	return events
}

func publishAll(pub Publisher, events []change.Event) {
	if pub == nil {
		return
	}
	for _, ev := range events {
		pub.Publish(ev)
	}
}
