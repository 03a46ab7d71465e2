//go:build linux

package tunnel

import (
	"fmt"
	"net"
	"strings"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

type routeTask struct {
	add bool
	ip  IPNet
}

func (r routeTask) String() string {
	if r.add {
		return fmt.Sprintf("+ %s", r.ip)
	}
	return fmt.Sprintf("- %s", r.ip)
}

func (r routeTask) apply(handle *netlink.Handle, link netlink.Link) error {
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       r.ip.network(),
	}
	if r.add {
		return handle.RouteAdd(route)
	}
	return handle.RouteDel(route)
}

func (r routeTask) inverse() routeTask {
	return routeTask{add: !r.add, ip: r.ip}
}

// configureLink applies addresses, MTU, link state and routes of cfg to link.
// On error, the addresses and routes already applied are removed again.
func configureLink(handle *netlink.Handle, link netlink.Link, cfg Config) (err error) {
	// Steps:
	// - set MTU
	// - add addresses
	// - set up link
	// - add routes

	if cfg.MTU != 0 {
		zap.S().Debugf("setting mtu of %s to %d.", cfg.Name, cfg.MTU)
		err = handle.LinkSetMTU(link, cfg.MTU)
		if err != nil {
			return fmt.Errorf("setting mtu: %w", err)
		}
	}

	zap.S().Debugf("add %d addresses to %s.", len(cfg.Addresses), cfg.Name)
	// === add addresses ===
	addedIndex := -1
	// CLEANUP: remove each address added
	defer func() {
		if err == nil {
			return
		}
		for i, addr := range cfg.Addresses {
			if i > addedIndex {
				break
			}
			zap.S().Debugf("cleanup: undoing: adding address %s to %s", addr, cfg.Name)
			err2 := handle.AddrDel(link, &netlink.Addr{IPNet: (*net.IPNet)(&addr)})
			if err2 != nil {
				zap.S().Debugf("cleanup: undoing: adding address %s to %s failed: %s", addr, cfg.Name, err2)
			}
		}
	}()
	for i, addr := range cfg.Addresses {
		zap.S().Debugf("adding address %s to %s", addr, cfg.Name)
		err = handle.AddrAdd(link, &netlink.Addr{IPNet: (*net.IPNet)(&addr)})
		if err != nil {
			return fmt.Errorf("adding address %s to %s failed: %w", addr, cfg.Name, err)
		}
		addedIndex = i
	}

	zap.S().Debug("set up link")
	err = handle.LinkSetUp(link)
	if err != nil {
		return fmt.Errorf("link set up: %w", err)
	}

	tasks := make([]routeTask, len(cfg.Routes))
	tasksStrings := make([]string, len(cfg.Routes))
	for i, route := range cfg.Routes {
		tasks[i] = routeTask{add: true, ip: route}
		tasksStrings[i] = tasks[i].String()
	}
	zap.S().Debugf("changing %d routes to %s:\n%s", len(tasks), cfg.Name, strings.Join(tasksStrings, "\n"))

	var taskDone int
	// CLEANUP: remove each route added
	defer func() {
		if err == nil {
			return
		}
		for i := 0; i < taskDone; i++ {
			zap.S().Debugf("cleanup: undoing: %s on %s", tasks[i], cfg.Name)
			err2 := tasks[i].inverse().apply(handle, link)
			if err2 != nil {
				zap.S().Debugf("cleanup: undoing: %s on %s failed: %s", tasks[i], cfg.Name, err2)
			}
		}
	}()
	for i, task := range tasks {
		err = task.apply(handle, link)
		if err != nil {
			return fmt.Errorf("adding route %s to %s failed: %w", task.ip, cfg.Name, err)
		}
		taskDone = i + 1
	}
	return nil
}

// unconfigureLink reverses configureLink. It keeps going on errors and
// returns the first one.
func unconfigureLink(handle *netlink.Handle, link netlink.Link, cfg Config) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, route := range cfg.Routes {
		zap.S().Debugf("removing route %s from %s", route, cfg.Name)
		err := routeTask{add: false, ip: route}.apply(handle, link)
		if err != nil {
			keep(fmt.Errorf("removing route %s from %s: %w", route, cfg.Name, err))
		}
	}
	for _, addr := range cfg.Addresses {
		zap.S().Debugf("removing address %s from %s", addr, cfg.Name)
		err := handle.AddrDel(link, &netlink.Addr{IPNet: (*net.IPNet)(&addr)})
		if err != nil {
			keep(fmt.Errorf("removing address %s from %s: %w", addr, cfg.Name, err))
		}
	}
	err := handle.LinkSetDown(link)
	if err != nil {
		keep(fmt.Errorf("link set down: %w", err))
	}
	return firstErr
}
