package transport

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nyiyui/netcfg/broadcast"
	"github.com/nyiyui/netcfg/change"
	"github.com/nyiyui/netcfg/subscription"
	"github.com/nyiyui/netcfg/tunnel"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/sys/unix"
)

type protectCall struct {
	pid    int
	remote string
	ipv6   bool
	// ino identifies the file behind the received descriptor.
	ino uint64
}

type fakeSessions struct {
	lock         sync.Mutex
	connected    map[int]tunnel.Config
	disconnected []int
	protected    []protectCall
	failConnect  error
}

func (f *fakeSessions) ProtectSocket(pid int, fd int, remote string, ipv6 bool) error {
	var st unix.Stat_t
	err := unix.Fstat(fd, &st)
	if err != nil {
		return err
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	f.protected = append(f.protected, protectCall{pid: pid, remote: remote, ipv6: ipv6, ino: uint64(st.Ino)})
	return nil
}

func (f *fakeSessions) Protected() []protectCall {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]protectCall(nil), f.protected...)
}

func inode(file *os.File) uint64 {
	var st unix.Stat_t
	Expect(unix.Fstat(int(file.Fd()), &st)).To(Succeed())
	return uint64(st.Ino)
}

func (f *fakeSessions) Connect(pid int, cfg tunnel.Config) (*tunnel.Handle, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.failConnect != nil {
		return nil, f.failConnect
	}
	f.connected[pid] = cfg
	return &tunnel.Handle{Name: cfg.Name, Index: 7, Config: cfg}, nil
}

func (f *fakeSessions) Disconnect(pid int, disconnect bool) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if _, ok := f.connected[pid]; !ok {
		return errors.New("no session")
	}
	if disconnect {
		delete(f.connected, pid)
	}
	f.disconnected = append(f.disconnected, pid)
	return nil
}

func (f *fakeSessions) Disconnected() []int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]int(nil), f.disconnected...)
}

type observer struct {
	client *RPCClient
	events chan change.Event
}

func connect(srv *RPCServer) *observer {
	serverConn, clientConn := net.Pipe()
	go srv.ServeConn(serverConn)
	o := &observer{events: make(chan change.Event, 2*queueLen)}
	o.client = NewRPCClient(clientConn, func(ev change.Event) { o.events <- ev })
	return o
}

var _ = Describe("RPCServer", func() {
	var (
		registry *subscription.Registry
		sessions *fakeSessions
		srv      *RPCServer
		b        *broadcast.Broadcaster
	)

	routeAdded := change.NewEvent(change.RouteAdded, "tun0", "subnet", "10.8.0.0", "prefix", "24")
	dnsAdded := change.NewEvent(change.DNSServerAdded, "tun0", "server", "10.8.0.1")

	BeforeEach(func() {
		registry = subscription.NewRegistry()
		sessions = &fakeSessions{connected: map[int]tunnel.Config{}}
		srv = NewRPCServer(registry, sessions, nil)
		b = broadcast.New(srv, nil)
		b.AttachRegistry(registry)
	})

	Describe("subscriptions", func() {
		It("delivers only matching events", func() {
			routes := connect(srv)
			defer routes.client.Close()
			dns := connect(srv)
			defer dns.client.Close()

			Expect(routes.client.Subscribe(change.MaskOf(change.RouteAdded, change.RouteRemoved))).To(Succeed())
			Expect(dns.client.Subscribe(change.MaskOf(change.DNSServerAdded))).To(Succeed())
			Expect(registry.Len()).To(Equal(2))

			b.Publish(routeAdded)
			Eventually(routes.events).Should(Receive(Satisfy(routeAdded.Equal)))
			Consistently(dns.events, 100*time.Millisecond).ShouldNot(Receive())

			b.Publish(dnsAdded)
			Eventually(dns.events).Should(Receive(Satisfy(dnsAdded.Equal)))
			Consistently(routes.events, 100*time.Millisecond).ShouldNot(Receive())
		})

		It("stops delivering after Unsubscribe", func() {
			o := connect(srv)
			defer o.client.Close()
			Expect(o.client.Subscribe(change.MaskAll)).To(Succeed())
			Expect(o.client.Unsubscribe()).To(Succeed())
			Expect(registry.Len()).To(BeZero())

			b.Publish(routeAdded)
			Consistently(o.events, 100*time.Millisecond).ShouldNot(Receive())
		})

		It("lists subscribers", func() {
			o := connect(srv)
			defer o.client.Close()
			Expect(o.client.Subscribe(change.MaskOf(change.DeviceAdded))).To(Succeed())

			subs, err := o.client.Subscribers()
			Expect(err).NotTo(HaveOccurred())
			Expect(subs).To(HaveLen(1))
			Expect(string(subs[0].Identity)).To(HavePrefix("rpc:"))
			Expect(subs[0].Mask).To(Equal(change.MaskOf(change.DeviceAdded)))
		})

		It("drops the subscription when the observer goes away", func() {
			o := connect(srv)
			Expect(o.client.Subscribe(change.MaskAll)).To(Succeed())
			Expect(registry.Len()).To(Equal(1))
			Expect(o.client.Close()).To(Succeed())
			Eventually(registry.Len).Should(BeZero())
			Eventually(srv.Clients).Should(BeEmpty())
		})
	})

	Describe("without a registry", func() {
		BeforeEach(func() {
			srv = NewRPCServer(nil, sessions, nil)
			b = broadcast.New(srv, nil)
		})

		It("broadcasts to every observer", func() {
			a := connect(srv)
			defer a.client.Close()
			c := connect(srv)
			defer c.client.Close()
			Eventually(srv.Clients).Should(HaveLen(2))

			b.Publish(routeAdded)
			Eventually(a.events).Should(Receive(Satisfy(routeAdded.Equal)))
			Eventually(c.events).Should(Receive(Satisfy(routeAdded.Equal)))
		})

		It("does not wait for an observer that stopped reading", func() {
			srv.WriteTimeout = 200 * time.Millisecond
			a := connect(srv)
			defer a.client.Close()
			serverConn, stalled := net.Pipe()
			defer stalled.Close()
			go srv.ServeConn(serverConn)
			Eventually(srv.Clients).Should(HaveLen(2))

			done := make(chan struct{})
			go func() {
				defer close(done)
				for i := 0; i < 2*queueLen; i++ {
					b.Publish(routeAdded)
				}
			}()
			Eventually(done).Should(BeClosed())
			Eventually(a.events).Should(Receive(Satisfy(routeAdded.Equal)))

			// the stalled connection is dropped once a write times out
			Eventually(srv.Clients, 2*time.Second).Should(HaveLen(1))
		})

		It("refuses subscriptions", func() {
			o := connect(srv)
			defer o.client.Close()
			err := o.client.Subscribe(change.MaskAll)
			Expect(err).To(MatchError(ContainSubstring(ErrSubscriptionsDisabled.Error())))
		})
	})

	Describe("sessions", func() {
		cfg := tunnel.Config{Name: "tun0", MTU: 1420}

		It("establishes and disconnects", func() {
			o := connect(srv)
			defer o.client.Close()
			reply, err := o.client.Establish(1234, cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(reply).To(Equal(EstablishReply{Name: "tun0", Index: 7}))

			Expect(o.client.Disconnect(1234, true)).To(Succeed())
			Expect(sessions.Disconnected()).To(Equal([]int{1234}))
		})

		It("reports establishment errors", func() {
			sessions.failConnect = errors.New("no route to gateway")
			o := connect(srv)
			defer o.client.Close()
			_, err := o.client.Establish(1234, cfg)
			Expect(err).To(MatchError(ContainSubstring("no route to gateway")))
		})

		It("disconnects sessions of an observer that goes away", func() {
			o := connect(srv)
			_, err := o.client.Establish(1234, cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(o.client.Close()).To(Succeed())
			Eventually(sessions.Disconnected).Should(Equal([]int{1234}))
		})
	})

	Describe("socket protection", func() {
		It("passes the socket to the sessions", func() {
			dir, err := os.MkdirTemp("", "netcfg")
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(os.RemoveAll, dir)
			path := filepath.Join(dir, "netcfgd.sock")
			lis, err := Listen(path)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(lis.Close)
			go srv.Serve(lis)

			client, err := DialRPC(path, nil)
			Expect(err).NotTo(HaveOccurred())
			defer client.Close()
			r, w, err := os.Pipe()
			Expect(err).NotTo(HaveOccurred())
			defer r.Close()
			defer w.Close()

			Expect(client.ProtectSocket(1234, int(r.Fd()), "203.0.113.7", false)).To(Succeed())
			Expect(sessions.Protected()).To(Equal([]protectCall{
				{pid: 1234, remote: "203.0.113.7", ino: inode(r)},
			}))
		})

		It("fails without a descriptor", func() {
			o := connect(srv)
			defer o.client.Close()
			err := o.client.ProtectSocket(1234, 0, "203.0.113.7", false)
			Expect(err).To(MatchError(ContainSubstring(ErrNoFD.Error())))
			Expect(sessions.Protected()).To(BeEmpty())
		})
	})

	It("fails to emit to an unknown observer", func() {
		err := srv.Emit("rpc:99", change.Encode(routeAdded))
		Expect(err).To(MatchError(ErrUnknownObserver))
	})
})
