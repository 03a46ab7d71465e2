// Package device ties the pieces of a VPN session together: the control
// channel's protection, the tunnel device and its DNS settings.
package device

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/nyiyui/netcfg/protect"
	"github.com/nyiyui/netcfg/tunnel"
	"go.uber.org/zap"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionBusy    = errors.New("session is being changed")
	ErrSessionActive  = errors.New("session already has an active tunnel")
)

// Protector is the part of protect.Manager sessions use.
type Protector interface {
	Mode() protect.Mode
	AddHostRoute(tunDev, remote string, ipv6 bool, pid int) (*protect.ActionList, error)
	Track(pid int, l *protect.ActionList)
	ProtectAndTrack(fd int, remote string, ipv6 bool, pid int, tunDev string) error
	CleanupProtectedSockets(pid int) int
}

// Resolver is the part of dns.Resolver sessions use.
type Resolver interface {
	Apply(device string, servers, search []string) error
	Restore(device string) error
}

type state int

const (
	stateBusy state = iota
	stateActive
	// stateParked means the tunnel was torn down without disconnecting; the
	// session keeps its handle and protections.
	stateParked
)

type session struct {
	state  state
	handle *tunnel.Handle
	// device is the tunnel name, also known while parked.
	device string
	dns    bool
	// remotes lists the control-channel hosts routed around the tunnel.
	remotes []string
}

// Session describes a session for status reporting.
type Session struct {
	Pid    int    `json:"pid"`
	Device string `json:"device"`
	Active bool   `json:"active"`
}

// Manager runs VPN sessions, keyed by the pid of the owning process.
type Manager struct {
	builder   tunnel.Builder
	protector Protector
	resolver  Resolver
	logger    *zap.SugaredLogger

	sessionsLock sync.Mutex
	sessions     map[int]*session
}

// NewManager returns a Manager. protector and resolver may be nil to skip
// socket protection and DNS respectively.
func NewManager(builder tunnel.Builder, protector Protector, resolver Resolver, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.S()
	}
	return &Manager{
		builder:   builder,
		protector: protector,
		resolver:  resolver,
		logger:    logger,
		sessions:  map[int]*session{},
	}
}

// claim marks pid's session busy, creating it if needed. fresh is set if the
// session did not exist.
func (m *Manager) claim(pid int, create bool) (s *session, prev state, fresh bool, err error) {
	m.sessionsLock.Lock()
	defer m.sessionsLock.Unlock()
	s, ok := m.sessions[pid]
	if !ok {
		if !create {
			return nil, 0, false, fmt.Errorf("%w: pid %d", ErrUnknownSession, pid)
		}
		s = &session{state: stateBusy}
		m.sessions[pid] = s
		return s, stateBusy, true, nil
	}
	switch s.state {
	case stateBusy:
		return nil, 0, false, fmt.Errorf("%w: pid %d", ErrSessionBusy, pid)
	case stateActive:
		if create {
			return nil, 0, false, fmt.Errorf("%w: pid %d", ErrSessionActive, pid)
		}
	}
	prev = s.state
	s.state = stateBusy
	return s, prev, false, nil
}

// release sets s to next, or forgets pid if gone is set.
func (m *Manager) release(pid int, s *session, next state, gone bool) {
	m.sessionsLock.Lock()
	defer m.sessionsLock.Unlock()
	if gone {
		delete(m.sessions, pid)
		return
	}
	s.state = next
}

// Connect establishes cfg's tunnel on behalf of pid. The control channel to
// cfg.Remote is routed around the tunnel first; failing that, nothing is
// established.
func (m *Manager) Connect(pid int, cfg tunnel.Config) (_ *tunnel.Handle, err error) {
	err = cfg.Validate()
	if err != nil {
		return nil, &tunnel.EstablishError{Name: cfg.Name, Step: "validate config", Err: err}
	}
	s, prev, fresh, err := m.claim(pid, true)
	if err != nil {
		return nil, err
	}
	if !fresh && s.device != cfg.Name {
		m.release(pid, s, prev, false)
		return nil, fmt.Errorf("pid %d: parked tunnel is %s, not %s", pid, s.device, cfg.Name)
	}
	defer func() {
		if err != nil {
			m.release(pid, s, prev, fresh)
		}
	}()

	// === protect control channel ===
	// A resumed session keeps its earlier host routes; a new remote gets one
	// more, appended to pid's entry.
	if m.protector != nil && m.protector.Mode().HostRoute && cfg.Remote != "" && !slices.Contains(s.remotes, cfg.Remote) {
		l, err := m.protector.AddHostRoute(cfg.Name, cfg.Remote, cfg.RemoteIPv6, pid)
		if err != nil {
			return nil, &tunnel.EstablishError{Name: cfg.Name, Step: "protect control channel", Err: err}
		}
		m.protector.Track(pid, l)
		s.remotes = append(s.remotes, cfg.Remote)
	}
	defer func() {
		if err != nil && fresh && m.protector != nil {
			// CLEANUP: undo protection
			m.logger.Debugf("cleanup: undoing: pid %d protections", pid)
			m.protector.CleanupProtectedSockets(pid)
		}
	}()

	// === establish tunnel ===
	h, err := m.builder.Establish(cfg)
	if err != nil {
		return nil, err
	}
	m.logger.Infof("pid %d: tunnel %s (index %d) established.", pid, h.Name, h.Index)
	defer func() {
		if err != nil {
			// CLEANUP: tear down tunnel
			m.logger.Debugf("cleanup: undoing: tunnel %s", h.Name)
			err2 := m.builder.Teardown(h, fresh)
			if err2 != nil {
				m.logger.Errorf("cleanup: tearing down %s failed: %s", h.Name, err2)
			}
		}
	}()

	// === configure DNS ===
	useDNS := m.resolver != nil && (len(cfg.DNSServers) > 0 || len(cfg.DNSSearch) > 0)
	if useDNS {
		err = m.resolver.Apply(cfg.Name, cfg.DNSServers, cfg.DNSSearch)
		if err != nil {
			return nil, &tunnel.EstablishError{Name: cfg.Name, Step: "configure dns", Err: err}
		}
	}

	m.sessionsLock.Lock()
	s.handle = h
	s.device = h.Name
	s.dns = useDNS
	s.state = stateActive
	m.sessionsLock.Unlock()
	return h, nil
}

// ProtectSocket keeps fd, a socket pid holds to remote, off pid's tunnel.
func (m *Manager) ProtectSocket(pid int, fd int, remote string, ipv6 bool) error {
	if m.protector == nil {
		return nil
	}
	m.sessionsLock.Lock()
	var tunDev string
	if s, ok := m.sessions[pid]; ok {
		tunDev = s.device
	}
	m.sessionsLock.Unlock()
	return m.protector.ProtectAndTrack(fd, remote, ipv6, pid, tunDev)
}

// Disconnect tears down pid's tunnel. With disconnect set, the session ends:
// the device is removed and the protections are reversed. Otherwise the
// session is parked for a later Connect.
func (m *Manager) Disconnect(pid int, disconnect bool) error {
	s, prev, _, err := m.claim(pid, false)
	if err != nil {
		return err
	}
	var errs []error
	if prev == stateActive && s.dns {
		err = m.resolver.Restore(s.device)
		if err != nil {
			errs = append(errs, fmt.Errorf("restoring dns: %w", err))
		}
	}
	if s.handle != nil {
		// a parked handle only needs removing when disconnecting
		err = m.builder.Teardown(s.handle, disconnect)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if disconnect && m.protector != nil {
		m.protector.CleanupProtectedSockets(pid)
	}
	m.sessionsLock.Lock()
	s.dns = false
	m.sessionsLock.Unlock()
	m.release(pid, s, stateParked, disconnect)
	if disconnect {
		m.logger.Infof("pid %d: disconnected from %s.", pid, s.device)
	} else {
		m.logger.Infof("pid %d: parked %s.", pid, s.device)
	}
	return errors.Join(errs...)
}

// ProcessExited ends pid's session, if any, and reverses its protections.
func (m *Manager) ProcessExited(pid int) {
	err := m.Disconnect(pid, true)
	if errors.Is(err, ErrUnknownSession) {
		if m.protector != nil {
			m.protector.CleanupProtectedSockets(pid)
		}
		return
	}
	if err != nil {
		m.logger.Warnf("pid %d exited; disconnecting: %s", pid, err)
	}
}

// Pids returns the owner pids of all sessions in ascending order.
func (m *Manager) Pids() []int {
	m.sessionsLock.Lock()
	defer m.sessionsLock.Unlock()
	pids := make([]int, 0, len(m.sessions))
	for pid := range m.sessions {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids
}

// Sessions lists sessions by pid.
func (m *Manager) Sessions() []Session {
	m.sessionsLock.Lock()
	defer m.sessionsLock.Unlock()
	list := make([]Session, 0, len(m.sessions))
	for pid, s := range m.sessions {
		list = append(list, Session{Pid: pid, Device: s.device, Active: s.state == stateActive})
	}
	slices.SortFunc(list, func(a, b Session) int { return a.Pid - b.Pid })
	return list
}

// Close disconnects every session.
func (m *Manager) Close() error {
	var errs []error
	for _, s := range m.Sessions() {
		err := m.Disconnect(s.Pid, true)
		if err != nil {
			errs = append(errs, fmt.Errorf("pid %d: %w", s.Pid, err))
		}
	}
	return errors.Join(errs...)
}
