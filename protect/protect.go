// Package protect keeps a VPN's own control-channel sockets off the tunnel it
// establishes, and remembers how to undo that per owning process.
package protect

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"syscall"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

// ErrRouteLookupFailed is returned when no usable route or device exists for
// a remote host.
var ErrRouteLookupFailed = errors.New("route lookup failed")

// Mode selects which protections ProtectAndTrack applies.
type Mode struct {
	// BindDevice binds the socket to the device currently routing the remote.
	BindDevice bool
	// Mark sets SO_MARK to this value if non-zero.
	Mark int
	// HostRoute installs a host route to the remote that bypasses the tunnel.
	HostRoute bool
}

// Manager applies protections and tracks their undo commands per owner pid.
// It is safe for concurrent use; no lock is held while talking to the OS.
type Manager struct {
	sys     System
	mode    Mode
	journal *Journal
	logger  *zap.SugaredLogger

	table     map[int]*ActionList
	tableLock sync.Mutex
	// pidLocks order table and journal updates of the same pid; pid n uses
	// pidLocks[n%len(pidLocks)]. Unlike tableLock, they are held across OS
	// calls.
	pidLocks [32]sync.Mutex
}

// NewManager returns a Manager. journal and logger may be nil.
func NewManager(sys System, mode Mode, journal *Journal, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.S()
	}
	return &Manager{
		sys:     sys,
		mode:    mode,
		journal: journal,
		logger:  logger,
		table:   map[int]*ActionList{},
	}
}

// Mode returns the protections ProtectAndTrack applies.
func (m *Manager) Mode() Mode {
	return m.mode
}

func resolveRemote(remote string, ipv6 bool) (net.IP, error) {
	if ip := net.ParseIP(remote); ip != nil {
		return ip, nil
	}
	network := "ip4"
	if ipv6 {
		network = "ip6"
	}
	addr, err := net.ResolveIPAddr(network, remote)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %w", ErrRouteLookupFailed, remote, err)
	}
	return addr.IP, nil
}

func hostPrefix(ip net.IP) (*net.IPNet, int) {
	if ip4 := ip.To4(); ip4 != nil {
		return &net.IPNet{IP: ip4, Mask: net.CIDRMask(32, 32)}, familyV4
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}, familyV6
}

// routeAround returns the most specific main-table route to ip that does not
// go through tunDev.
func (m *Manager) routeAround(tunDev, remote string, ip net.IP, family int) (netlink.Route, error) {
	exclude := 0
	if tunDev != "" {
		link, err := m.sys.LinkByName(tunDev)
		if err == nil {
			exclude = link.Attrs().Index
		}
	}
	routes, err := m.sys.RouteList(family)
	if err != nil {
		return netlink.Route{}, fmt.Errorf("%w: listing routes: %w", ErrRouteLookupFailed, err)
	}
	best, ok := bestRoute(routes, ip, exclude)
	if !ok || best.LinkIndex == 0 {
		return netlink.Route{}, fmt.Errorf("%w: %s: no route outside %s", ErrRouteLookupFailed, remote, tunDev)
	}
	return best, nil
}

// BindToRoute binds fd to the device that reaches remote without going
// through tunDev. tunDev may be empty when no tunnel exists yet.
func (m *Manager) BindToRoute(fd int, remote string, ipv6 bool, tunDev string) error {
	ip, err := resolveRemote(remote, ipv6)
	if err != nil {
		return err
	}
	_, family := hostPrefix(ip)
	best, err := m.routeAround(tunDev, remote, ip, family)
	if err != nil {
		return err
	}
	link, err := m.sys.LinkByIndex(best.LinkIndex)
	if err != nil {
		return fmt.Errorf("%w: %s: device %d: %w", ErrRouteLookupFailed, remote, best.LinkIndex, err)
	}
	name := link.Attrs().Name
	m.logger.Debugf("binding socket %d for %s to %s.", fd, remote, name)
	err = m.sys.BindToDevice(fd, name)
	if err != nil {
		return fmt.Errorf("binding socket %d to %s: %w", fd, name, err)
	}
	return nil
}

// SetPacketMark tags packets of fd with mark. remote is only logged.
func (m *Manager) SetPacketMark(fd int, remote string, mark int) error {
	m.logger.Debugf("marking socket %d for %s with %#x.", fd, remote, mark)
	err := m.sys.SetMark(fd, mark)
	if err != nil {
		return fmt.Errorf("marking socket %d: %w", fd, err)
	}
	return nil
}

// AddHostRoute routes remote through whatever would carry it without tunDev,
// and returns the commands that undo this. The caller owns the returned
// list: run it, or hand it to Track.
func (m *Manager) AddHostRoute(tunDev, remote string, ipv6 bool, pid int) (*ActionList, error) {
	ip, err := resolveRemote(remote, ipv6)
	if err != nil {
		return nil, err
	}
	dst, family := hostPrefix(ip)
	best, err := m.routeAround(tunDev, remote, ip, family)
	if err != nil {
		return nil, err
	}

	add := Command{
		Op:        OpAdd,
		Dst:       dst.String(),
		LinkIndex: best.LinkIndex,
		Table:     mainTable,
	}
	if best.Gw != nil {
		add.Gw = best.Gw.String()
	}
	m.logger.Debugf("pid %d: host route for %s: %s", pid, remote, add)
	err = add.Execute(m.sys)
	if errors.Is(err, syscall.EEXIST) {
		// already protected, and undone by whoever added it
		m.logger.Debugf("pid %d: host route for %s exists.", pid, remote)
		return NewActionList(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("adding host route %s: %w", add, err)
	}
	return NewActionList(add.Inverse()), nil
}

func (m *Manager) lockPid(pid int) (unlock func()) {
	i := pid % len(m.pidLocks)
	if i < 0 {
		i = -i
	}
	m.pidLocks[i].Lock()
	return m.pidLocks[i].Unlock
}

// Track takes ownership of l and appends its commands to pid's entry.
func (m *Manager) Track(pid int, l *ActionList) {
	if l.Len() == 0 {
		return
	}
	taken := l.Take()
	cmds := taken.Commands()
	unlock := m.lockPid(pid)
	defer unlock()
	func() {
		m.tableLock.Lock()
		defer m.tableLock.Unlock()
		entry, ok := m.table[pid]
		if !ok {
			entry = new(ActionList)
			m.table[pid] = entry
		}
		entry.Append(taken)
	}()
	if m.journal != nil {
		err := m.journal.Append(pid, cmds)
		if err != nil {
			m.logger.Warnf("pid %d: journaling %d undo commands failed: %s", pid, len(cmds), err)
		}
	}
}

// ProtectAndTrack applies the manager's Mode to fd and tracks any resulting
// undo commands under pid. tunDev names the tunnel to bypass and may be
// empty when no tunnel exists yet.
func (m *Manager) ProtectAndTrack(fd int, remote string, ipv6 bool, pid int, tunDev string) error {
	if m.mode.Mark != 0 {
		err := m.SetPacketMark(fd, remote, m.mode.Mark)
		if err != nil {
			return err
		}
	}
	if m.mode.BindDevice {
		err := m.BindToRoute(fd, remote, ipv6, tunDev)
		if err != nil {
			return err
		}
	}
	if m.mode.HostRoute {
		l, err := m.AddHostRoute(tunDev, remote, ipv6, pid)
		if err != nil {
			return err
		}
		m.Track(pid, l)
	}
	return nil
}

// CleanupProtectedSockets reverses everything tracked for pid in the order it
// was recorded and forgets pid. Failures are logged and do not stop the
// remaining commands. It returns the number of commands executed.
func (m *Manager) CleanupProtectedSockets(pid int) int {
	unlock := m.lockPid(pid)
	defer unlock()
	var entry *ActionList
	func() {
		m.tableLock.Lock()
		defer m.tableLock.Unlock()
		entry = m.table[pid]
		delete(m.table, pid)
	}()
	if entry == nil {
		return 0
	}
	n, err := entry.Run(m.sys)
	if err != nil {
		m.logger.Warnf("pid %d: cleanup: %s", pid, err)
	}
	if m.journal != nil {
		err = m.journal.Delete(pid)
		if err != nil {
			m.logger.Warnf("pid %d: removing journal entry failed: %s", pid, err)
		}
	}
	m.logger.Infof("pid %d: reversed %d protection commands.", pid, n)
	return n
}

// CleanupAll runs CleanupProtectedSockets for every tracked pid.
func (m *Manager) CleanupAll() int {
	total := 0
	for _, pid := range m.Pids() {
		total += m.CleanupProtectedSockets(pid)
	}
	return total
}

// Pids returns the tracked owner pids in ascending order.
func (m *Manager) Pids() []int {
	m.tableLock.Lock()
	defer m.tableLock.Unlock()
	pids := maps.Keys(m.table)
	slices.Sort(pids)
	return pids
}

// Tracked returns the number of undo commands held for pid.
func (m *Manager) Tracked(pid int) int {
	m.tableLock.Lock()
	defer m.tableLock.Unlock()
	return m.table[pid].Len()
}

// Recover executes the undo commands journaled by a previous process and
// clears them. Pids tracked by m itself are not touched.
func (m *Manager) Recover() (int, error) {
	if m.journal == nil {
		return 0, nil
	}
	entries, err := m.journal.Entries()
	if err != nil {
		return 0, fmt.Errorf("reading journal: %w", err)
	}
	live := m.Pids()
	total := 0
	for pid, cmds := range entries {
		if slices.Contains(live, pid) {
			continue
		}
		n, err := NewActionList(cmds...).Run(m.sys)
		if err != nil {
			m.logger.Warnf("recover: pid %d: %s", pid, err)
		}
		total += n
		err = m.journal.Delete(pid)
		if err != nil {
			return total, fmt.Errorf("removing journal entry for pid %d: %w", pid, err)
		}
	}
	if total > 0 {
		m.logger.Infof("recover: reversed %d orphaned protection commands.", total)
	}
	return total, nil
}
