//go:build linux

package tunnel

import (
	"errors"
	"fmt"

	"github.com/nyiyui/netcfg/change"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl"
)

// KernelBuilder establishes tunnels on the in-kernel WireGuard module.
type KernelBuilder struct {
	client *wgctrl.Client
	handle *netlink.Handle
	pub    Publisher
}

var _ Builder = (*KernelBuilder)(nil)

func NewKernelBuilder(pub Publisher) (*KernelBuilder, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, err
	}
	handle, err := netlink.NewHandle()
	if err != nil {
		client.Close()
		return nil, err
	}
	return &KernelBuilder{client: client, handle: handle, pub: pub}, nil
}

func (b *KernelBuilder) Establish(cfg Config) (h *Handle, err error) {
	// Steps:
	// - add interface (unless a parked one exists)
	// - configure wg interface
	// - configure link

	err = cfg.Validate()
	if err != nil {
		return nil, &EstablishError{Name: cfg.Name, Step: "validate", Err: err}
	}

	// === add interface ===
	created := false
	link, err := b.handle.LinkByName(cfg.Name)
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		// ip link add dev <cfg.Name> type wireguard
		zap.S().Debugf("adding link %s.", cfg.Name)
		err = b.handle.LinkAdd(&netlink.GenericLink{
			LinkAttrs: netlink.LinkAttrs{
				Name: cfg.Name,
			},
			LinkType: "wireguard",
		})
		if err != nil {
			return nil, &EstablishError{Name: cfg.Name, Step: "add link", Err: err}
		}
		created = true
		link, err = b.handle.LinkByName(cfg.Name)
	}
	if err != nil {
		return nil, &EstablishError{Name: cfg.Name, Step: "find link", Err: err}
	}
	// CLEANUP: clean up created link
	defer func() {
		if err == nil || !created {
			return
		}
		err2 := b.handle.LinkDel(link)
		if err2 != nil {
			zap.S().Infof("cleanup: undoing: adding link %s failed: %s", cfg.Name, err2)
		}
	}()

	zap.S().Debugf("configuring wg interface %s.", cfg.Name)
	// === configure wg interface ===
	wc, err := wgConfig(cfg)
	if err != nil {
		return nil, &EstablishError{Name: cfg.Name, Step: "configure wg interface", Err: err}
	}
	err = b.client.ConfigureDevice(cfg.Name, wc)
	if err != nil {
		return nil, &EstablishError{Name: cfg.Name, Step: "configure wg interface", Err: err}
	}
	zap.S().Debug("wg interface configured.")
	// CLEANUP: wg device is deleted when `ip link del` happens, so no cleanup is necessary.

	// === configure link ===
	err = configureLink(b.handle, link, cfg)
	if err != nil {
		return nil, &EstablishError{Name: cfg.Name, Step: "configure link", Err: err}
	}

	publishAll(b.pub, establishEvents(cfg, created))
	zap.S().Infof("established %s.", cfg.Name)
	return &Handle{
		Name:    cfg.Name,
		Index:   link.Attrs().Index,
		Config:  cfg,
		created: created,
	}, nil
}

func (b *KernelBuilder) Teardown(h *Handle, disconnect bool) error {
	link, err := b.handle.LinkByName(h.Name)
	if err != nil {
		return fmt.Errorf("tearing down %s: %w", h.Name, err)
	}
	if h.parked {
		if !disconnect {
			return nil
		}
		err = b.handle.LinkDel(link)
		if err != nil {
			return fmt.Errorf("deleting parked link %s: %w", h.Name, err)
		}
		publishAll(b.pub, []change.Event{deviceEvent(change.DeviceRemoved, h.Name, 0)})
		zap.S().Infof("deleted parked %s.", h.Name)
		return nil
	}
	err = unconfigureLink(b.handle, link, h.Config)
	if err != nil {
		zap.S().Warnf("tearing down %s: %s", h.Name, err)
	}
	if disconnect {
		zap.S().Debugf("deleting link %s.", h.Name)
		err = b.handle.LinkDel(link)
		if err != nil {
			return fmt.Errorf("deleting link %s: %w", h.Name, err)
		}
	}
	h.parked = !disconnect
	publishAll(b.pub, teardownEvents(h.Config, disconnect))
	zap.S().Infof("tore down %s (disconnect: %t).", h.Name, disconnect)
	return err
}

func (b *KernelBuilder) Close() error {
	b.handle.Close()
	return b.client.Close()
}
