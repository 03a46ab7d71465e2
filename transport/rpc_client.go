package transport

import (
	"io"
	"net"
	"sync"

	"github.com/cenkalti/rpc2"
	"github.com/nyiyui/netcfg/change"
	"github.com/nyiyui/netcfg/subscription"
	"github.com/nyiyui/netcfg/tunnel"
	"go.uber.org/zap"
)

// RPCClient is the client for RPCServer.
type RPCClient struct {
	c    *rpc2.Client
	conn *clientConn

	// callLock keeps an attached descriptor with its own request.
	callLock sync.Mutex
}

// DialRPC connects to the unix socket at path. onChange is called for every
// event the server sends.
func DialRPC(path string, onChange func(change.Event)) (*RPCClient, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	return NewRPCClient(conn, onChange), nil
}

// NewRPCClient runs a client over conn. Events are handed to onChange in the
// order they were sent.
func NewRPCClient(conn io.ReadWriteCloser, onChange func(change.Event)) *RPCClient {
	var cc *clientConn
	if nc, ok := conn.(net.Conn); ok {
		cc = &clientConn{Conn: nc}
		conn = cc
	}
	c := rpc2.NewClient(conn)
	c.SetBlocking(true)
	c.Handle(MethodNetworkChange, func(_ *rpc2.Client, msg *change.WireMessage, _ *bool) error {
		ev, err := change.Decode(*msg)
		if err != nil {
			zap.S().Warnf("rpc: dropping network change: %s", err)
			return err
		}
		if onChange != nil {
			onChange(ev)
		}
		return nil
	})
	go c.Run()
	return &RPCClient{c: c, conn: cc}
}

func (r *RPCClient) call(method string, args, reply any) error {
	r.callLock.Lock()
	defer r.callLock.Unlock()
	return r.c.Call(method, args, reply)
}

// Subscribe replaces this client's subscription with mask.
func (r *RPCClient) Subscribe(mask change.Mask) error {
	return r.call(MethodSubscribe, SubscribeArgs{Mask: uint32(mask)}, new(bool))
}

func (r *RPCClient) Unsubscribe() error {
	return r.call(MethodUnsubscribe, true, new(bool))
}

// Subscribers lists the server's subscriptions.
func (r *RPCClient) Subscribers() ([]subscription.Subscriber, error) {
	var infos []SubscriberInfo
	err := r.call(MethodSubscribers, true, &infos)
	if err != nil {
		return nil, err
	}
	subs := make([]subscription.Subscriber, len(infos))
	for i, info := range infos {
		subs[i] = subscription.Subscriber{Identity: subscription.Identity(info.Identity), Mask: change.Mask(info.Mask)}
	}
	return subs, nil
}

// Establish brings up the tunnel in cfg on behalf of pid.
func (r *RPCClient) Establish(pid int, cfg tunnel.Config) (EstablishReply, error) {
	var reply EstablishReply
	err := r.call(MethodEstablish, EstablishArgs{Pid: pid, Config: cfg}, &reply)
	return reply, err
}

// Disconnect tears down pid's tunnel. Without disconnect, the device is kept
// for a later Establish.
func (r *RPCClient) Disconnect(pid int, disconnect bool) error {
	return r.call(MethodDisconnect, DisconnectArgs{Pid: pid, Disconnect: disconnect}, new(bool))
}

// ProtectSocket asks the server to keep fd, pid's socket to remote, off the
// tunnel. The descriptor is passed over the unix socket, so this only works
// on clients made with DialRPC or over a *net.UnixConn.
func (r *RPCClient) ProtectSocket(pid int, fd int, remote string, ipv6 bool) error {
	r.callLock.Lock()
	defer r.callLock.Unlock()
	if r.conn == nil {
		return ErrNoFD
	}
	r.conn.attach(fd)
	defer r.conn.detach()
	return r.c.Call(MethodProtectSocket, ProtectSocketArgs{Pid: pid, Remote: remote, IPv6: ipv6}, new(bool))
}

// DisconnectNotify is closed when the connection is lost.
func (r *RPCClient) DisconnectNotify() chan struct{} {
	return r.c.DisconnectNotify()
}

// Close calls the underlying rpc2.Client.Close.
func (r *RPCClient) Close() error {
	return r.c.Close()
}
