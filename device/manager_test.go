package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nyiyui/netcfg/protect"
	"github.com/nyiyui/netcfg/tunnel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// calls records what the fakes were asked to do, in order.
type calls []string

func (c *calls) add(format string, a ...any) { *c = append(*c, fmt.Sprintf(format, a...)) }

type fakeBuilder struct {
	log       *calls
	failWith  error
	nextIndex int
}

func (b *fakeBuilder) Establish(cfg tunnel.Config) (*tunnel.Handle, error) {
	b.log.add("establish %s", cfg.Name)
	if b.failWith != nil {
		return nil, &tunnel.EstablishError{Name: cfg.Name, Step: "fake", Err: b.failWith}
	}
	b.nextIndex++
	return &tunnel.Handle{Name: cfg.Name, Index: b.nextIndex, Config: cfg}, nil
}

func (b *fakeBuilder) Teardown(h *tunnel.Handle, disconnect bool) error {
	b.log.add("teardown %s %t", h.Name, disconnect)
	return nil
}

type fakeProtector struct {
	log      *calls
	failWith error
	tracked  map[int]int
	mode     protect.Mode
}

func (p *fakeProtector) Mode() protect.Mode { return p.mode }

func (p *fakeProtector) AddHostRoute(tunDev, remote string, ipv6 bool, pid int) (*protect.ActionList, error) {
	p.log.add("host route %s avoiding %s", remote, tunDev)
	if p.failWith != nil {
		return nil, p.failWith
	}
	return protect.NewActionList(protect.Command{Op: protect.OpDel, Dst: remote + "/32"}), nil
}

func (p *fakeProtector) Track(pid int, l *protect.ActionList) {
	p.tracked[pid] += l.Take().Len()
}

func (p *fakeProtector) ProtectAndTrack(fd int, remote string, ipv6 bool, pid int, tunDev string) error {
	p.log.add("protect fd %d to %s avoiding %s", fd, remote, tunDev)
	p.tracked[pid]++
	return nil
}

func (p *fakeProtector) CleanupProtectedSockets(pid int) int {
	p.log.add("cleanup pid %d", pid)
	n := p.tracked[pid]
	delete(p.tracked, pid)
	return n
}

type fakeResolver struct {
	log      *calls
	failWith error
}

func (r *fakeResolver) Apply(device string, servers, search []string) error {
	r.log.add("dns apply %s %v %v", device, servers, search)
	return r.failWith
}

func (r *fakeResolver) Restore(device string) error {
	r.log.add("dns restore %s", device)
	return nil
}

type fixture struct {
	log       *calls
	builder   *fakeBuilder
	protector *fakeProtector
	resolver  *fakeResolver
	m         *Manager
}

func newFixture() *fixture {
	log := new(calls)
	f := &fixture{
		log:       log,
		builder:   &fakeBuilder{log: log},
		protector: &fakeProtector{log: log, tracked: map[int]int{}, mode: protect.Mode{HostRoute: true}},
		resolver:  &fakeResolver{log: log},
	}
	f.m = NewManager(f.builder, f.protector, f.resolver, zap.NewNop().Sugar())
	return f
}

var testConfig = tunnel.Config{
	Name:       "tun0",
	Remote:     "203.0.113.7",
	DNSServers: []string{"10.8.0.1"},
	DNSSearch:  []string{"corp.example"},
}

func TestConnectDisconnect(t *testing.T) {
	f := newFixture()
	h, err := f.m.Connect(100, testConfig)
	require.NoError(t, err)
	assert.Equal(t, "tun0", h.Name)
	assert.Equal(t, 1, f.protector.tracked[100])
	assert.Equal(t, []Session{{Pid: 100, Device: "tun0", Active: true}}, f.m.Sessions())

	require.NoError(t, f.m.Disconnect(100, true))
	want := calls{
		"host route 203.0.113.7 avoiding tun0",
		"establish tun0",
		"dns apply tun0 [10.8.0.1] [corp.example]",
		"dns restore tun0",
		"teardown tun0 true",
		"cleanup pid 100",
	}
	if diff := cmp.Diff(want, *f.log); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
	assert.Empty(t, f.m.Sessions())
	assert.Empty(t, f.protector.tracked)
}

func TestConnectRouteLookupFailed(t *testing.T) {
	f := newFixture()
	f.protector.failWith = fmt.Errorf("%w: no route", protect.ErrRouteLookupFailed)
	_, err := f.m.Connect(100, testConfig)
	assert.ErrorIs(t, err, protect.ErrRouteLookupFailed)
	assert.ErrorIs(t, err, tunnel.ErrEstablishFailed)
	assert.Equal(t, calls{"host route 203.0.113.7 avoiding tun0"}, *f.log)
	assert.Empty(t, f.m.Sessions())
}

func TestConnectEstablishFailedUndoesProtection(t *testing.T) {
	f := newFixture()
	f.builder.failWith = errors.New("no wireguard module")
	_, err := f.m.Connect(100, testConfig)
	assert.ErrorIs(t, err, tunnel.ErrEstablishFailed)
	want := calls{
		"host route 203.0.113.7 avoiding tun0",
		"establish tun0",
		"cleanup pid 100",
	}
	assert.Equal(t, want, *f.log)
	assert.Empty(t, f.protector.tracked)
	assert.Empty(t, f.m.Sessions())
}

func TestConnectDNSFailedUndoesEverything(t *testing.T) {
	f := newFixture()
	f.resolver.failWith = errors.New("read-only file system")
	_, err := f.m.Connect(100, testConfig)
	assert.ErrorIs(t, err, tunnel.ErrEstablishFailed)
	want := calls{
		"host route 203.0.113.7 avoiding tun0",
		"establish tun0",
		"dns apply tun0 [10.8.0.1] [corp.example]",
		"teardown tun0 true",
		"cleanup pid 100",
	}
	assert.Equal(t, want, *f.log)
	assert.Empty(t, f.m.Sessions())
}

func TestConnectInvalidConfig(t *testing.T) {
	f := newFixture()
	_, err := f.m.Connect(100, tunnel.Config{})
	assert.ErrorIs(t, err, tunnel.ErrEstablishFailed)
	assert.Empty(t, *f.log)
}

func TestConnectTwice(t *testing.T) {
	f := newFixture()
	_, err := f.m.Connect(100, testConfig)
	require.NoError(t, err)
	_, err = f.m.Connect(100, testConfig)
	assert.ErrorIs(t, err, ErrSessionActive)
}

func TestParkAndResume(t *testing.T) {
	f := newFixture()
	_, err := f.m.Connect(100, testConfig)
	require.NoError(t, err)
	require.NoError(t, f.m.Disconnect(100, false))
	assert.Equal(t, []Session{{Pid: 100, Device: "tun0", Active: false}}, f.m.Sessions())
	assert.Equal(t, 1, f.protector.tracked[100], "parking keeps protections")

	_, err = f.m.Connect(100, testConfig)
	require.NoError(t, err)
	_, err = f.m.Connect(100, tunnel.Config{Name: "tun1"})
	assert.ErrorIs(t, err, ErrSessionActive)

	require.NoError(t, f.m.Disconnect(100, false))
	_, err = f.m.Connect(100, tunnel.Config{Name: "tun1"})
	assert.Error(t, err)

	want := calls{
		"host route 203.0.113.7 avoiding tun0",
		"establish tun0",
		"dns apply tun0 [10.8.0.1] [corp.example]",
		"dns restore tun0",
		"teardown tun0 false",
		"establish tun0",
		"dns apply tun0 [10.8.0.1] [corp.example]",
		"dns restore tun0",
		"teardown tun0 false",
	}
	if diff := cmp.Diff(want, *f.log); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
}

func TestDisconnectParked(t *testing.T) {
	f := newFixture()
	_, err := f.m.Connect(100, testConfig)
	require.NoError(t, err)
	require.NoError(t, f.m.Disconnect(100, false))
	*f.log = nil
	require.NoError(t, f.m.Disconnect(100, true))
	assert.Equal(t, calls{"teardown tun0 true", "cleanup pid 100"}, *f.log)
	assert.Empty(t, f.m.Sessions())
}

func TestDisconnectUnknown(t *testing.T) {
	f := newFixture()
	assert.ErrorIs(t, f.m.Disconnect(100, true), ErrUnknownSession)
}

func TestProtectSocket(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.m.ProtectSocket(100, 7, "203.0.113.7", false))
	_, err := f.m.Connect(100, testConfig)
	require.NoError(t, err)
	require.NoError(t, f.m.ProtectSocket(100, 8, "203.0.113.8", false))
	assert.Equal(t, 3, f.protector.tracked[100])
	assert.Contains(t, *f.log, "protect fd 7 to 203.0.113.7 avoiding ")
	assert.Contains(t, *f.log, "protect fd 8 to 203.0.113.8 avoiding tun0")
}

func TestProcessExited(t *testing.T) {
	f := newFixture()
	_, err := f.m.Connect(100, testConfig)
	require.NoError(t, err)
	require.NoError(t, f.m.ProtectSocket(200, 7, "203.0.113.7", false))

	f.m.ProcessExited(100)
	f.m.ProcessExited(200)
	assert.Empty(t, f.m.Sessions())
	assert.Empty(t, f.protector.tracked)
}

func TestClose(t *testing.T) {
	f := newFixture()
	_, err := f.m.Connect(100, testConfig)
	require.NoError(t, err)
	cfg := testConfig
	cfg.Name = "tun1"
	_, err = f.m.Connect(101, cfg)
	require.NoError(t, err)
	require.NoError(t, f.m.Close())
	assert.Empty(t, f.m.Sessions())
	assert.Contains(t, *f.log, "teardown tun0 true")
	assert.Contains(t, *f.log, "teardown tun1 true")
}

func TestWithoutProtectorOrResolver(t *testing.T) {
	log := new(calls)
	m := NewManager(&fakeBuilder{log: log}, nil, nil, nil)
	_, err := m.Connect(100, testConfig)
	require.NoError(t, err)
	require.NoError(t, m.ProtectSocket(100, 7, "203.0.113.7", false))
	require.NoError(t, m.Disconnect(100, true))
	assert.Equal(t, calls{"establish tun0", "teardown tun0 true"}, *log)
}

func TestConnectWithoutHostRoutes(t *testing.T) {
	f := newFixture()
	f.protector.mode = protect.Mode{BindDevice: true}
	_, err := f.m.Connect(100, testConfig)
	require.NoError(t, err)
	assert.NotContains(t, *f.log, "host route 203.0.113.7 avoiding tun0")
	assert.Zero(t, f.protector.tracked[100])
}

func TestResumeWithNewRemote(t *testing.T) {
	f := newFixture()
	_, err := f.m.Connect(100, testConfig)
	require.NoError(t, err)
	require.NoError(t, f.m.Disconnect(100, false))

	moved := testConfig
	moved.Remote = "198.51.100.9"
	_, err = f.m.Connect(100, moved)
	require.NoError(t, err)
	assert.Contains(t, *f.log, "host route 198.51.100.9 avoiding tun0")
	assert.Equal(t, 2, f.protector.tracked[100])

	// back to the first gateway, whose host route is still in place
	require.NoError(t, f.m.Disconnect(100, false))
	*f.log = nil
	_, err = f.m.Connect(100, testConfig)
	require.NoError(t, err)
	assert.Equal(t, "establish tun0", (*f.log)[0])
	assert.Equal(t, 2, f.protector.tracked[100])

	require.NoError(t, f.m.Disconnect(100, true))
	assert.Empty(t, f.protector.tracked)
}

func TestPids(t *testing.T) {
	f := newFixture()
	cfg := testConfig
	cfg.Remote = ""
	_, err := f.m.Connect(200, cfg)
	require.NoError(t, err)
	cfg.Name = "tun1"
	_, err = f.m.Connect(100, cfg)
	require.NoError(t, err)
	assert.Equal(t, []int{100, 200}, f.m.Pids())
	assert.Empty(t, f.protector.tracked)
}
