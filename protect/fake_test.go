package protect

import (
	"fmt"
	"net"
	"slices"
	"sync"
	"syscall"

	"github.com/vishvananda/netlink"
)

// fakeSystem is an in-memory routing table with two links:
// eth0 (index 2, default via 192.168.1.1) and tun0 (index 5).
type fakeSystem struct {
	mu     sync.Mutex
	links  map[int]netlink.Link
	routes []netlink.Route
	bound  map[int]string
	marks  map[int]int
}

var _ System = (*fakeSystem)(nil)

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

func newFakeSystem() *fakeSystem {
	return &fakeSystem{
		links: map[int]netlink.Link{
			2: &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "eth0", Index: 2}},
			5: &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "tun0", Index: 5}},
		},
		routes: []netlink.Route{
			{LinkIndex: 2, Gw: net.ParseIP("192.168.1.1"), Priority: 100},
			{LinkIndex: 2, Dst: mustParseCIDR("192.168.1.0/24")},
		},
		bound: map[int]string{},
		marks: map[int]int{},
	}
}

// withTunnelDefault adds the split default routes a full tunnel installs.
func (f *fakeSystem) withTunnelDefault() *fakeSystem {
	f.routes = append(f.routes,
		netlink.Route{LinkIndex: 5, Dst: mustParseCIDR("0.0.0.0/1")},
		netlink.Route{LinkIndex: 5, Dst: mustParseCIDR("128.0.0.0/1")},
	)
	return f
}

func routeKey(r netlink.Route) string {
	return fmt.Sprintf("%v|%v|%d", r.Dst, r.Gw, r.LinkIndex)
}

func (f *fakeSystem) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, len(f.routes))
	for i, r := range f.routes {
		keys[i] = routeKey(r)
	}
	slices.Sort(keys)
	return keys
}

func routeFamily(r netlink.Route) int {
	ip := r.Gw
	if r.Dst != nil {
		ip = r.Dst.IP
	}
	if ip.To4() != nil {
		return familyV4
	}
	return familyV6
}

func (f *fakeSystem) RouteList(family int) ([]netlink.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []netlink.Route
	for _, r := range f.routes {
		if routeFamily(r) == family {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSystem) RouteAdd(r *netlink.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := routeKey(*r)
	for _, existing := range f.routes {
		if routeKey(existing) == key {
			return syscall.EEXIST
		}
	}
	f.routes = append(f.routes, *r)
	return nil
}

func (f *fakeSystem) RouteDel(r *netlink.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := routeKey(*r)
	i := slices.IndexFunc(f.routes, func(existing netlink.Route) bool { return routeKey(existing) == key })
	if i == -1 {
		return syscall.ESRCH
	}
	f.routes = slices.Delete(f.routes, i, i+1)
	return nil
}

func (f *fakeSystem) LinkByIndex(index int) (netlink.Link, error) {
	link, ok := f.links[index]
	if !ok {
		return nil, fmt.Errorf("link %d not found", index)
	}
	return link, nil
}

func (f *fakeSystem) LinkByName(name string) (netlink.Link, error) {
	for _, link := range f.links {
		if link.Attrs().Name == name {
			return link, nil
		}
	}
	return nil, fmt.Errorf("link %s not found", name)
}

func (f *fakeSystem) BindToDevice(fd int, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound[fd] = device
	return nil
}

func (f *fakeSystem) SetMark(fd int, mark int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks[fd] = mark
	return nil
}
