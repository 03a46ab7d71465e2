// Package transport carries network change events and subscription requests
// between netcfgd and its observers.
//
// Three transports are provided: an rpc2 unix socket (RPCServer), the D-Bus
// system or session bus (DBus) and an in-process one (Local). All of them
// implement broadcast.Emitter.
package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/rpc2"
	"github.com/nyiyui/netcfg/change"
	"github.com/nyiyui/netcfg/subscription"
	"github.com/nyiyui/netcfg/tunnel"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	MethodSubscribe     = "NetCfg.Subscribe"
	MethodUnsubscribe   = "NetCfg.Unsubscribe"
	MethodSubscribers   = "NetCfg.Subscribers"
	MethodEstablish     = "NetCfg.Establish"
	MethodDisconnect    = "NetCfg.Disconnect"
	MethodProtectSocket = "NetCfg.ProtectSocket"
	MethodNetworkChange = "Observer.NetworkChange"
)

var (
	ErrSubscriptionsDisabled = errors.New("subscriptions not enabled")
	ErrUnknownObserver       = errors.New("unknown observer")
	ErrNoSessions            = errors.New("tunnel management not enabled")
	ErrObserverBacklogged    = errors.New("observer is not keeping up; event dropped")
	ErrNoFD                  = errors.New("no file descriptor received")
)

const (
	// queueLen is how many events may wait for a slow observer.
	queueLen = 64
	// DefaultWriteTimeout bounds a single write to an observer.
	DefaultWriteTimeout = 10 * time.Second
	stateConn           = "conn"
)

type SubscribeArgs struct {
	Mask uint32
}

type SubscriberInfo struct {
	Identity string
	Mask     uint32
}

type EstablishArgs struct {
	Pid    int
	Config tunnel.Config
}

type EstablishReply struct {
	Name  string
	Index int
}

type DisconnectArgs struct {
	Pid        int
	Disconnect bool
}

// ProtectSocketArgs accompany a socket passed with SCM_RIGHTS.
type ProtectSocketArgs struct {
	Pid    int
	Remote string
	IPv6   bool
}

// Sessions is the tunnel side of the daemon (device.Manager).
type Sessions interface {
	Connect(pid int, cfg tunnel.Config) (*tunnel.Handle, error)
	Disconnect(pid int, disconnect bool) error
	ProtectSocket(pid int, fd int, remote string, ipv6 bool) error
}

type rpcObserver struct {
	c     *rpc2.Client
	queue chan change.WireMessage
}

// RPCServer serves observers over rpc2. Each connection gets an identity of
// the form "rpc:N" that is used for subscriptions. Events are queued per
// observer, so a stalled observer only loses its own events.
type RPCServer struct {
	// WriteTimeout bounds each write to a connection; a connection that
	// exceeds it is closed. Set it before serving.
	WriteTimeout time.Duration

	srv      *rpc2.Server
	registry *subscription.Registry
	sessions Sessions
	logger   *zap.SugaredLogger

	lock      sync.RWMutex
	next      uint64
	ids       map[*rpc2.Client]subscription.Identity
	observers map[subscription.Identity]*rpcObserver
	owned     map[subscription.Identity][]int
}

// NewRPCServer returns a server. registry may be nil when subscriptions are
// disabled, and sessions may be nil for a notification-only server.
func NewRPCServer(registry *subscription.Registry, sessions Sessions, logger *zap.SugaredLogger) *RPCServer {
	if logger == nil {
		logger = zap.S()
	}
	s := &RPCServer{
		WriteTimeout: DefaultWriteTimeout,
		srv:          rpc2.NewServer(),
		registry:     registry,
		sessions:     sessions,
		logger:       logger,
		ids:          map[*rpc2.Client]subscription.Identity{},
		observers:    map[subscription.Identity]*rpcObserver{},
		owned:        map[subscription.Identity][]int{},
	}
	s.srv.OnConnect(func(c *rpc2.Client) {
		id := s.identity(c)
		s.logger.Debugf("rpc: %s connected", id)
	})
	s.srv.OnDisconnect(s.disconnected)
	s.srv.Handle(MethodSubscribe, s.subscribe)
	s.srv.Handle(MethodUnsubscribe, s.unsubscribe)
	s.srv.Handle(MethodSubscribers, s.subscribers)
	s.srv.Handle(MethodEstablish, s.establish)
	s.srv.Handle(MethodDisconnect, s.disconnect)
	s.srv.Handle(MethodProtectSocket, s.protectSocket)
	return s
}

// AttachSessions sets the sessions Establish and Disconnect act on. It must
// be called before serving.
func (s *RPCServer) AttachSessions(sessions Sessions) {
	s.sessions = sessions
}

// Listen creates a unix socket at path, replacing a stale one.
func Listen(path string) (net.Listener, error) {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	err = os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	err = os.Chmod(path, 0660)
	if err != nil {
		lis.Close()
		return nil, fmt.Errorf("chmod: %w", err)
	}
	return lis, nil
}

// Serve accepts connections until lis is closed.
func (s *RPCServer) Serve(lis net.Listener) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Errorf("rpc: accept: %s", err)
			}
			return
		}
		go s.ServeConn(conn)
	}
}

// ServeConn serves a single connection and blocks until it is closed.
func (s *RPCServer) ServeConn(conn net.Conn) {
	sc := newServerConn(conn, s.WriteTimeout)
	state := rpc2.NewState()
	state.Set(stateConn, sc)
	s.srv.ServeCodecWithState(rpc2.NewGobCodec(sc), state)
}

// identity returns the identity of c, assigning one if c is new. Connect
// callbacks run asynchronously, so a request may be the first to see c, and
// a client that is already gone is not registered.
func (s *RPCServer) identity(c *rpc2.Client) subscription.Identity {
	s.lock.Lock()
	defer s.lock.Unlock()
	id, ok := s.ids[c]
	if ok {
		return id
	}
	s.next++
	id = subscription.Identity(fmt.Sprintf("rpc:%d", s.next))
	select {
	case <-c.DisconnectNotify():
		return id
	default:
	}
	o := &rpcObserver{c: c, queue: make(chan change.WireMessage, queueLen)}
	s.ids[c] = id
	s.observers[id] = o
	go s.deliver(id, o)
	return id
}

// deliver writes queued events to o until its connection is gone.
func (s *RPCServer) deliver(id subscription.Identity, o *rpcObserver) {
	for {
		select {
		case <-o.c.DisconnectNotify():
			return
		case msg := <-o.queue:
			err := o.c.Notify(MethodNetworkChange, msg)
			if err != nil {
				s.logger.Warnf("rpc: %s: delivering network change: %s", id, err)
			}
		}
	}
}

func (s *RPCServer) disconnected(c *rpc2.Client) {
	s.lock.Lock()
	id, ok := s.ids[c]
	delete(s.ids, c)
	delete(s.observers, id)
	pids := s.owned[id]
	delete(s.owned, id)
	s.lock.Unlock()
	if !ok {
		return
	}
	s.logger.Debugf("rpc: %s disconnected", id)
	if s.registry != nil {
		s.registry.Unsubscribe(id)
	}
	for _, pid := range pids {
		err := s.sessions.Disconnect(pid, true)
		if err != nil {
			s.logger.Warnf("rpc: %s gone; disconnecting pid %d: %s", id, pid, err)
		}
	}
}

// Clients returns the identities of connected observers, sorted.
func (s *RPCServer) Clients() []subscription.Identity {
	s.lock.RLock()
	defer s.lock.RUnlock()
	ids := make([]subscription.Identity, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *RPCServer) subscribe(c *rpc2.Client, args *SubscribeArgs, reply *bool) error {
	if s.registry == nil {
		return ErrSubscriptionsDisabled
	}
	id := s.identity(c)
	s.registry.Subscribe(id, change.Mask(args.Mask))
	s.logger.Infof("rpc: %s subscribed to %s", id, change.MaskToString(change.Mask(args.Mask), true))
	*reply = true
	return nil
}

func (s *RPCServer) unsubscribe(c *rpc2.Client, _ *bool, reply *bool) error {
	if s.registry == nil {
		return ErrSubscriptionsDisabled
	}
	id := s.identity(c)
	s.registry.Unsubscribe(id)
	s.logger.Infof("rpc: %s unsubscribed", id)
	*reply = true
	return nil
}

func (s *RPCServer) subscribers(_ *rpc2.Client, _ *bool, reply *[]SubscriberInfo) error {
	if s.registry == nil {
		return ErrSubscriptionsDisabled
	}
	subs := s.registry.List()
	*reply = make([]SubscriberInfo, len(subs))
	for i, sub := range subs {
		(*reply)[i] = SubscriberInfo{Identity: string(sub.Identity), Mask: uint32(sub.Mask)}
	}
	return nil
}

func (s *RPCServer) establish(c *rpc2.Client, args *EstablishArgs, reply *EstablishReply) error {
	if s.sessions == nil {
		return ErrNoSessions
	}
	id := s.identity(c)
	h, err := s.sessions.Connect(args.Pid, args.Config)
	if err != nil {
		return err
	}
	s.lock.Lock()
	if !slices.Contains(s.owned[id], args.Pid) {
		s.owned[id] = append(s.owned[id], args.Pid)
	}
	s.lock.Unlock()
	*reply = EstablishReply{Name: h.Name, Index: h.Index}
	return nil
}

func (s *RPCServer) disconnect(c *rpc2.Client, args *DisconnectArgs, reply *bool) error {
	if s.sessions == nil {
		return ErrNoSessions
	}
	id := s.identity(c)
	err := s.sessions.Disconnect(args.Pid, args.Disconnect)
	if err != nil {
		return err
	}
	if args.Disconnect {
		s.lock.Lock()
		s.owned[id] = slices.DeleteFunc(s.owned[id], func(pid int) bool { return pid == args.Pid })
		s.lock.Unlock()
	}
	*reply = true
	return nil
}

func (o *rpcObserver) enqueue(id subscription.Identity, msg change.WireMessage) error {
	select {
	case o.queue <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrObserverBacklogged, id)
	}
}

func (s *RPCServer) protectSocket(c *rpc2.Client, args *ProtectSocketArgs, reply *bool) error {
	if s.sessions == nil {
		return ErrNoSessions
	}
	var sc *serverConn
	if c.State != nil {
		v, _ := c.State.Get(stateConn)
		sc, _ = v.(*serverConn)
	}
	if sc == nil {
		return ErrNoFD
	}
	fd, ok := sc.takeFD()
	if !ok {
		return ErrNoFD
	}
	defer unix.Close(fd)
	err := s.sessions.ProtectSocket(args.Pid, fd, args.Remote, args.IPv6)
	if err != nil {
		return err
	}
	*reply = true
	return nil
}

// Emit queues msg for the observer named target. It does not wait for the
// observer.
func (s *RPCServer) Emit(target subscription.Identity, msg change.WireMessage) error {
	s.lock.RLock()
	o, ok := s.observers[target]
	s.lock.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObserver, target)
	}
	return o.enqueue(target, msg)
}

// Broadcast queues msg for every connected observer.
func (s *RPCServer) Broadcast(msg change.WireMessage) error {
	s.lock.RLock()
	observers := make(map[subscription.Identity]*rpcObserver, len(s.observers))
	for id, o := range s.observers {
		observers[id] = o
	}
	s.lock.RUnlock()
	var errs []error
	for id, o := range observers {
		err := o.enqueue(id, msg)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
