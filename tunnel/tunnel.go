// Package tunnel brings WireGuard tunnel devices up and down and reports the
// resulting network changes.
// Note: the builders are Linux only.
package tunnel

import (
	"errors"
	"fmt"

	"github.com/nyiyui/netcfg/change"
)

// ErrEstablishFailed matches every error returned by Builder.Establish.
var ErrEstablishFailed = errors.New("tunnel establishment failed")

// EstablishError reports the step at which establishing Name failed.
type EstablishError struct {
	Name string
	Step string
	Err  error
}

func (e *EstablishError) Error() string {
	return fmt.Sprintf("establishing %s: %s: %s", e.Name, e.Step, e.Err)
}

func (e *EstablishError) Unwrap() error { return e.Err }

func (e *EstablishError) Is(target error) bool { return target == ErrEstablishFailed }

type Config struct {
	Name string

	// MTU of the device. 0 keeps the default.
	MTU int

	PrivateKey Key

	// ListenPort is the device's listening port. 0 picks one at random.
	ListenPort int

	Addresses []IPNet

	// Routes are sent through the device.
	Routes []IPNet

	// ExcludedRoutes stay on the underlying network. They are announced but
	// not installed.
	ExcludedRoutes []IPNet

	DNSServers []string
	DNSSearch  []string

	// Remote is the control-channel host, kept off Routes by the caller.
	Remote     string
	RemoteIPv6 bool

	Peers []Peer
}

type Peer struct {
	Name string

	PublicKey Key

	PresharedKey *Key

	// Endpoint as a string that will be looked up.
	// Set to an empty string for nothing.
	Endpoint string

	// PersistentKeepalive of 0 disables it.
	PersistentKeepalive Duration

	AllowedIPs []IPNet
}

// Validate checks what the kernel would otherwise reject halfway through.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.New("no interface name")
	}
	if len(c.Name) > 15 {
		return errors.New("interface name too long (max 15)")
	}
	if c.MTU != 0 && (c.MTU < 576 || c.MTU > 65535) {
		return fmt.Errorf("mtu %d out of range", c.MTU)
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen port %d out of range", c.ListenPort)
	}
	for i, peer := range c.Peers {
		if peer.PublicKey == (Key{}) {
			return fmt.Errorf("peer index %d: no public key", i)
		}
	}
	return nil
}

// Handle refers to an established tunnel device.
type Handle struct {
	Name   string
	Index  int
	Config Config

	// created is set if Establish added the link rather than reusing one.
	created bool
	// parked is set by Teardown without disconnect.
	parked bool
	// dev is set for userspace devices.
	dev userspaceDevice
}

// userspaceDevice is the part of a wireguard-go device a Handle keeps.
type userspaceDevice interface {
	IpcSet(uapiConf string) error
	Up() error
	Down() error
	Close()
}

// Builder establishes and tears down tunnel devices.
type Builder interface {
	// Establish creates (or reuses) the device and applies cfg. On error,
	// whatever was applied is undone and the error matches ErrEstablishFailed.
	Establish(cfg Config) (*Handle, error)
	// Teardown removes what Establish applied. With disconnect set, the
	// device itself is removed; otherwise it is left down for a later
	// Establish with the same name.
	Teardown(h *Handle, disconnect bool) error
}

// Publisher receives the changes a Builder makes.
type Publisher interface {
	Publish(ev change.Event)
}
