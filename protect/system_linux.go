//go:build linux

package protect

import (
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// NetlinkSystem implements System with rtnetlink and socket options.
type NetlinkSystem struct {
	handle *netlink.Handle
}

var _ System = (*NetlinkSystem)(nil)

func NewSystem() (*NetlinkSystem, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, err
	}
	return &NetlinkSystem{handle: h}, nil
}

func (s *NetlinkSystem) RouteList(family int) ([]netlink.Route, error) {
	return s.handle.RouteListFiltered(family, &netlink.Route{Table: unix.RT_TABLE_MAIN}, netlink.RT_FILTER_TABLE)
}

func (s *NetlinkSystem) RouteAdd(r *netlink.Route) error { return s.handle.RouteAdd(r) }

func (s *NetlinkSystem) RouteDel(r *netlink.Route) error { return s.handle.RouteDel(r) }

func (s *NetlinkSystem) LinkByIndex(index int) (netlink.Link, error) {
	return s.handle.LinkByIndex(index)
}

func (s *NetlinkSystem) LinkByName(name string) (netlink.Link, error) {
	return s.handle.LinkByName(name)
}

func (s *NetlinkSystem) BindToDevice(fd int, device string) error {
	return unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, device)
}

func (s *NetlinkSystem) SetMark(fd int, mark int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, mark)
}

// Close releases the netlink handle.
func (s *NetlinkSystem) Close() {
	s.handle.Close()
}
