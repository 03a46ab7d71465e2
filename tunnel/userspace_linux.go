//go:build linux

package tunnel

import (
	"fmt"
	"sync"

	"github.com/nyiyui/netcfg/change"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"
)

const defaultMTU = 1420

// UserspaceBuilder establishes tunnels with wireguard-go, for hosts without
// the WireGuard kernel module.
type UserspaceBuilder struct {
	handle *netlink.Handle
	pub    Publisher

	// parked holds devices kept by Teardown without disconnect.
	parked     map[string]*Handle
	parkedLock sync.Mutex
}

var _ Builder = (*UserspaceBuilder)(nil)

func NewUserspaceBuilder(pub Publisher) (*UserspaceBuilder, error) {
	handle, err := netlink.NewHandle()
	if err != nil {
		return nil, err
	}
	return &UserspaceBuilder{handle: handle, pub: pub, parked: map[string]*Handle{}}, nil
}

func wireguardLogger(name string) *device.Logger {
	s := zap.S().Named("wireguard").With("device", name)
	return &device.Logger{
		Verbosef: s.Debugf,
		Errorf:   s.Errorf,
	}
}

func (b *UserspaceBuilder) unpark(name string) (*Handle, bool) {
	b.parkedLock.Lock()
	defer b.parkedLock.Unlock()
	h, ok := b.parked[name]
	delete(b.parked, name)
	return h, ok
}

func (b *UserspaceBuilder) Establish(cfg Config) (_ *Handle, err error) {
	// Steps:
	// - create tun (unless a parked one exists)
	// - configure wg device
	// - configure link

	err = cfg.Validate()
	if err != nil {
		return nil, &EstablishError{Name: cfg.Name, Step: "validate", Err: err}
	}

	h, parked := b.unpark(cfg.Name)
	if !parked {
		// === create tun ===
		mtu := cfg.MTU
		if mtu == 0 {
			mtu = defaultMTU
		}
		zap.S().Debugf("creating tun %s.", cfg.Name)
		tdev, err := tun.CreateTUN(cfg.Name, mtu)
		if err != nil {
			return nil, &EstablishError{Name: cfg.Name, Step: "create tun", Err: err}
		}
		dev := device.NewDevice(tdev, conn.NewDefaultBind(), wireguardLogger(cfg.Name))
		h = &Handle{Name: cfg.Name, created: true, dev: dev}
	}
	// CLEANUP: close (or re-park) device
	defer func() {
		if err == nil {
			return
		}
		if parked {
			zap.S().Debugf("cleanup: undoing: unparking %s", cfg.Name)
			h.dev.Down()
			b.parkedLock.Lock()
			b.parked[cfg.Name] = h
			b.parkedLock.Unlock()
			return
		}
		zap.S().Debugf("cleanup: undoing: creating %s", cfg.Name)
		h.dev.Close()
	}()

	// === configure wg device ===
	ipc, err := ipcConfig(cfg)
	if err != nil {
		return nil, &EstablishError{Name: cfg.Name, Step: "configure wg device", Err: err}
	}
	err = h.dev.IpcSet(ipc)
	if err != nil {
		return nil, &EstablishError{Name: cfg.Name, Step: "configure wg device", Err: err}
	}
	err = h.dev.Up()
	if err != nil {
		return nil, &EstablishError{Name: cfg.Name, Step: "device up", Err: err}
	}

	// === configure link ===
	link, err := b.handle.LinkByName(cfg.Name)
	if err != nil {
		return nil, &EstablishError{Name: cfg.Name, Step: "find link", Err: err}
	}
	err = configureLink(b.handle, link, cfg)
	if err != nil {
		return nil, &EstablishError{Name: cfg.Name, Step: "configure link", Err: err}
	}

	publishAll(b.pub, establishEvents(cfg, !parked))
	zap.S().Infof("established %s (userspace).", cfg.Name)
	h.Index = link.Attrs().Index
	h.Config = cfg
	h.parked = false
	return h, nil
}

func (b *UserspaceBuilder) Teardown(h *Handle, disconnect bool) error {
	if h.parked {
		if !disconnect {
			return nil
		}
		b.unpark(h.Name)
		h.dev.Close()
		publishAll(b.pub, []change.Event{deviceEvent(change.DeviceRemoved, h.Name, 0)})
		zap.S().Infof("closed parked %s.", h.Name)
		return nil
	}
	var err error
	link, err2 := b.handle.LinkByName(h.Name)
	if err2 == nil {
		err = unconfigureLink(b.handle, link, h.Config)
		if err != nil {
			zap.S().Warnf("tearing down %s: %s", h.Name, err)
		}
	} else {
		err = fmt.Errorf("tearing down %s: %w", h.Name, err2)
	}
	if disconnect {
		h.dev.Close()
		err = nil
	} else {
		err2 = h.dev.Down()
		if err2 != nil && err == nil {
			err = fmt.Errorf("parking %s: %w", h.Name, err2)
		}
		h.parked = true
		b.parkedLock.Lock()
		b.parked[h.Name] = h
		b.parkedLock.Unlock()
	}
	publishAll(b.pub, teardownEvents(h.Config, disconnect))
	zap.S().Infof("tore down %s (disconnect: %t).", h.Name, disconnect)
	return err
}

// Close closes every parked device.
func (b *UserspaceBuilder) Close() error {
	b.parkedLock.Lock()
	defer b.parkedLock.Unlock()
	for name, h := range b.parked {
		h.dev.Close()
		delete(b.parked, name)
	}
	b.handle.Close()
	return nil
}
