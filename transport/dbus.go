package transport

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/nyiyui/netcfg/change"
	"github.com/nyiyui/netcfg/subscription"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	DBusName      = "net.openvpn.v3.netcfg"
	DBusPath      = dbus.ObjectPath("/net/openvpn/v3/netcfg")
	DBusInterface = "net.openvpn.v3.netcfg"
	DBusSignal    = "NetworkChange"
)

const introspectXML = `
<node>
	<interface name="` + DBusInterface + `">
		<method name="NotificationSubscribe">
			<arg name="filter" type="u" direction="in"/>
		</method>
		<method name="NotificationUnsubscribe"/>
		<method name="NotificationSubscriberList">
			<arg name="subscribers" type="a(su)" direction="out"/>
		</method>
		<method name="ProtectSocket">
			<arg name="remote" type="s" direction="in"/>
			<arg name="ipv6" type="b" direction="in"/>
			<arg name="fd" type="h" direction="in"/>
			<arg name="succeeded" type="b" direction="out"/>
		</method>
		<signal name="` + DBusSignal + `">
			<arg name="type" type="u"/>
			<arg name="device" type="s"/>
			<arg name="details" type="a{ss}"/>
		</signal>
	</interface>` + introspect.IntrospectDeclarationString + `
</node>`

// DBus publishes events as NetworkChange signals. Subscribers are identified
// by their unique bus name, and subscriptions are dropped when the name
// disappears from the bus.
type DBus struct {
	conn     *dbus.Conn
	registry *subscription.Registry
	sessions Sessions
	logger   *zap.SugaredLogger
	signals  chan *dbus.Signal
}

// ConnectBus connects to the "system" or "session" bus.
func ConnectBus(bus string) (*dbus.Conn, error) {
	switch bus {
	case "system":
		return dbus.ConnectSystemBus()
	case "session":
		return dbus.ConnectSessionBus()
	default:
		return nil, fmt.Errorf("unknown bus %q", bus)
	}
}

// NewDBus returns a transport on conn. registry may be nil when
// subscriptions are disabled.
func NewDBus(conn *dbus.Conn, registry *subscription.Registry, logger *zap.SugaredLogger) *DBus {
	if logger == nil {
		logger = zap.S()
	}
	return &DBus{conn: conn, registry: registry, logger: logger}
}

// AttachSessions sets the sessions ProtectSocket acts on. It must be called
// before Export.
func (d *DBus) AttachSessions(sessions Sessions) {
	d.sessions = sessions
}

// senderPid asks the bus for the process id behind a unique name.
func (d *DBus) senderPid(sender dbus.Sender) (int, error) {
	var pid uint32
	err := d.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0, string(sender)).Store(&pid)
	if err != nil {
		return 0, fmt.Errorf("pid of %s: %w", sender, err)
	}
	return int(pid), nil
}

// Export exports the netcfg object, claims DBusName and starts watching for
// subscribers leaving the bus.
func (d *DBus) Export() error {
	methods := &dbusMethods{
		registry: d.registry,
		sessions: d.sessions,
		logger:   d.logger,
		pidOf:    d.senderPid,
	}
	err := d.conn.Export(methods, DBusPath, DBusInterface)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	err = d.conn.Export(introspect.Introspectable(introspectXML), DBusPath, "org.freedesktop.DBus.Introspectable")
	if err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}
	reply, err := d.conn.RequestName(DBusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("request name: %s already taken", DBusName)
	}
	err = d.conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	)
	if err != nil {
		return fmt.Errorf("watch NameOwnerChanged: %w", err)
	}
	d.signals = make(chan *dbus.Signal, 16)
	d.conn.Signal(d.signals)
	return nil
}

// Run drops the subscriptions of departed bus names until ctx is done.
// Export must have been called.
func (d *DBus) Run(ctx context.Context) error {
	defer d.conn.RemoveSignal(d.signals)
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-d.signals:
			if !ok {
				return nil
			}
			d.ownerChanged(sig)
		}
	}
}

func (d *DBus) ownerChanged(sig *dbus.Signal) {
	if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
		return
	}
	name, _ := sig.Body[0].(string)
	newOwner, _ := sig.Body[2].(string)
	if newOwner != "" || d.registry == nil {
		return
	}
	_, ok := d.registry.Subscribed(subscription.Identity(name))
	if !ok {
		return
	}
	d.registry.Unsubscribe(subscription.Identity(name))
	d.logger.Infof("dbus: %s left the bus; unsubscribed", name)
}

func signalBody(msg change.WireMessage) []interface{} {
	return []interface{}(msg)
}

// Emit sends a NetworkChange signal addressed to target only.
func (d *DBus) Emit(target subscription.Identity, msg change.WireMessage) error {
	body := signalBody(msg)
	m := &dbus.Message{
		Type: dbus.TypeSignal,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldPath:        dbus.MakeVariant(DBusPath),
			dbus.FieldInterface:   dbus.MakeVariant(DBusInterface),
			dbus.FieldMember:      dbus.MakeVariant(DBusSignal),
			dbus.FieldDestination: dbus.MakeVariant(string(target)),
			dbus.FieldSignature:   dbus.MakeVariant(dbus.SignatureOf(body...)),
		},
		Body: body,
	}
	return d.conn.Send(m, nil).Err
}

// Broadcast emits a NetworkChange signal to anyone listening.
func (d *DBus) Broadcast(msg change.WireMessage) error {
	return d.conn.Emit(DBusPath, DBusInterface+"."+DBusSignal, signalBody(msg)...)
}

type dbusSubscriber struct {
	Name string
	Mask uint32
}

// dbusMethods is the exported object. Method names are part of the bus API.
type dbusMethods struct {
	registry *subscription.Registry
	sessions Sessions
	logger   *zap.SugaredLogger
	pidOf    func(dbus.Sender) (int, error)
}

func (m *dbusMethods) NotificationSubscribe(sender dbus.Sender, filter uint32) *dbus.Error {
	if m.registry == nil {
		return dbus.MakeFailedError(ErrSubscriptionsDisabled)
	}
	if filter > uint32(change.MaskAll) {
		return dbus.MakeFailedError(fmt.Errorf("invalid filter mask %#x", filter))
	}
	m.registry.Subscribe(subscription.Identity(sender), change.Mask(filter))
	m.logger.Infof("dbus: %s subscribed to %s", sender, change.MaskToString(change.Mask(filter), true))
	return nil
}

func (m *dbusMethods) NotificationUnsubscribe(sender dbus.Sender) *dbus.Error {
	if m.registry == nil {
		return dbus.MakeFailedError(ErrSubscriptionsDisabled)
	}
	m.registry.Unsubscribe(subscription.Identity(sender))
	m.logger.Infof("dbus: %s unsubscribed", sender)
	return nil
}

func (m *dbusMethods) NotificationSubscriberList() ([]dbusSubscriber, *dbus.Error) {
	if m.registry == nil {
		return nil, dbus.MakeFailedError(ErrSubscriptionsDisabled)
	}
	subs := m.registry.List()
	list := make([]dbusSubscriber, len(subs))
	for i, sub := range subs {
		list[i] = dbusSubscriber{Name: string(sub.Identity), Mask: uint32(sub.Mask)}
	}
	return list, nil
}

// ProtectSocket keeps fd, the caller's socket to remote, off the caller's
// tunnel. The caller is identified by the pid owning its bus connection.
func (m *dbusMethods) ProtectSocket(sender dbus.Sender, remote string, ipv6 bool, fd dbus.UnixFD) (bool, *dbus.Error) {
	defer unix.Close(int(fd))
	if m.sessions == nil {
		return false, dbus.MakeFailedError(ErrNoSessions)
	}
	pid, err := m.pidOf(sender)
	if err != nil {
		return false, dbus.MakeFailedError(err)
	}
	err = m.sessions.ProtectSocket(pid, int(fd), remote, ipv6)
	if err != nil {
		m.logger.Warnf("dbus: %s (pid %d): protecting socket to %s: %s", sender, pid, remote, err)
		return false, dbus.MakeFailedError(err)
	}
	return true, nil
}
