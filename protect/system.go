package protect

import (
	"net"

	"github.com/vishvananda/netlink"
)

// System is the OS surface used to protect sockets.
type System interface {
	// RouteList returns the main-table routes of the given address family.
	RouteList(family int) ([]netlink.Route, error)
	RouteAdd(r *netlink.Route) error
	RouteDel(r *netlink.Route) error
	LinkByIndex(index int) (netlink.Link, error)
	LinkByName(name string) (netlink.Link, error)
	// BindToDevice sets SO_BINDTODEVICE on fd.
	BindToDevice(fd int, device string) error
	// SetMark sets SO_MARK on fd.
	SetMark(fd int, mark int) error
}

const (
	familyV4 = 2  // AF_INET
	familyV6 = 10 // AF_INET6
)

// bestRoute returns the most specific route containing dst that does not go
// through the link with index exclude (0 excludes nothing). Ties go to the
// lower metric.
func bestRoute(routes []netlink.Route, dst net.IP, exclude int) (netlink.Route, bool) {
	var best netlink.Route
	bestOnes := -1
	for _, r := range routes {
		if exclude != 0 && r.LinkIndex == exclude {
			continue
		}
		ones := 0
		if r.Dst != nil {
			if !r.Dst.Contains(dst) {
				continue
			}
			ones, _ = r.Dst.Mask.Size()
		}
		if ones > bestOnes || (ones == bestOnes && r.Priority < best.Priority) {
			best = r
			bestOnes = ones
		}
	}
	return best, bestOnes >= 0
}
