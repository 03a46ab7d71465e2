//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nyiyui/netcfg/broadcast"
	"github.com/nyiyui/netcfg/change"
	"github.com/nyiyui/netcfg/config"
	"github.com/nyiyui/netcfg/device"
	"github.com/nyiyui/netcfg/dns"
	"github.com/nyiyui/netcfg/protect"
	"github.com/nyiyui/netcfg/status"
	"github.com/nyiyui/netcfg/subscription"
	"github.com/nyiyui/netcfg/transport"
	"github.com/nyiyui/netcfg/tunnel"
	"github.com/nyiyui/netcfg/util"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type builder interface {
	tunnel.Builder
	Close() error
}

func runServe(cmd *cobra.Command, args []string) error {
	c, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	err = util.SetupLog(c.Log.Level, c.Log.Development)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, c)
}

func serve(ctx context.Context, c config.Config) error {
	// === subscriptions and transports ===
	var registry *subscription.Registry
	if c.Subscriptions.Enabled {
		registry = subscription.NewRegistry()
	} else {
		zap.S().Info("subscriptions disabled; every observer gets every change.")
	}
	local := transport.NewLocal()
	var primary broadcast.Emitter
	var rpcServer *transport.RPCServer
	var bus *transport.DBus
	switch c.Transport.Kind {
	case "rpc":
		rpcServer = transport.NewRPCServer(registry, nil, zap.S().Named("rpc"))
		primary = rpcServer
	case "dbus":
		conn, err := transport.ConnectBus(c.Transport.Bus)
		if err != nil {
			return util.Fatal(fmt.Errorf("connecting to %s bus: %w", c.Transport.Bus, err))
		}
		defer conn.Close()
		bus = transport.NewDBus(conn, registry, zap.S().Named("dbus"))
		primary = bus
	}
	b := broadcast.New(transport.Join(local, primary), zap.S().Named("broadcast"))
	if registry != nil {
		b.AttachRegistry(registry)
	}

	// === socket protection ===
	sys, err := protect.NewSystem()
	if err != nil {
		return util.Fatal(fmt.Errorf("netlink: %w", err))
	}
	defer sys.Close()
	var journal *protect.Journal
	if c.Protect.Journal != "" {
		journal, err = protect.OpenJournal(c.Protect.Journal)
		if err != nil {
			return util.Fatal(err)
		}
		defer journal.Close()
	}
	protector := protect.NewManager(sys, protect.Mode{
		BindDevice: c.Protect.BindDevice,
		Mark:       c.Protect.Mark,
		HostRoute:  c.Protect.HostRoute,
	}, journal, zap.S().Named("protect"))
	_, err = protector.Recover()
	if err != nil {
		return util.Fatal(err)
	}

	// === tunnels and DNS ===
	var tb builder
	switch c.Tunnel.Kind {
	case "kernel":
		tb, err = tunnel.NewKernelBuilder(b)
	case "userspace":
		tb, err = tunnel.NewUserspaceBuilder(b)
	}
	if err != nil {
		return util.Fatal(fmt.Errorf("%s tunnel builder: %w", c.Tunnel.Kind, err))
	}
	defer tb.Close()
	var resolver device.Resolver
	if c.DNS.ResolvConf != "" {
		resolver = dns.NewResolver(c.DNS.ResolvConf, b)
	}
	sessions := device.NewManager(tb, protector, resolver, zap.S().Named("device"))
	if rpcServer != nil {
		rpcServer.AttachSessions(sessions)
	}
	if bus != nil {
		bus.AttachSessions(sessions)
	}

	g, gctx := errgroup.WithContext(ctx)

	// === serve ===
	switch {
	case rpcServer != nil:
		lis, err := transport.Listen(c.Transport.Listen)
		if err != nil {
			return util.Fatal(fmt.Errorf("listen: %w", err))
		}
		zap.S().Infof("listening on %s.", c.Transport.Listen)
		g.Go(func() error {
			rpcServer.Serve(lis)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return lis.Close()
		})
	case bus != nil:
		err = bus.Export()
		if err != nil {
			return util.Fatal(err)
		}
		zap.S().Infof("serving %s on the %s bus.", transport.DBusName, c.Transport.Bus)
		g.Go(func() error { return bus.Run(gctx) })
	}

	if c.Protect.ReapInterval > 0 {
		reaper := protect.NewReaper(protector, c.Protect.ReapInterval, sessions.ProcessExited)
		reaper.Watch(sessions.Pids)
		g.Go(func() error {
			err := reaper.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if c.Status.Listen != "" {
		statusServer := status.NewServer(registry, sessions, protector)
		defer local.Observe(status.Identity, statusServer.Record)()
		if registry != nil {
			registry.Subscribe(status.Identity, change.MaskAll)
		}
		hs := &http.Server{Addr: c.Status.Listen, Handler: statusServer}
		g.Go(func() error {
			zap.S().Infof("status on http://%s.", c.Status.Listen)
			err := hs.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(ctx)
		})
	}

	err = util.Notify("READY=1")
	if err != nil {
		zap.S().Warnf("sd_notify: %s", err)
	}
	zap.S().Info("ready.")
	err = g.Wait()

	// === shutdown ===
	zap.S().Info("shutting down…")
	util.Notify("STOPPING=1")
	err2 := sessions.Close()
	if err2 != nil {
		zap.S().Warnf("disconnecting sessions: %s", err2)
	}
	n := protector.CleanupAll()
	zap.S().Infof("reversed %d remaining protection commands.", n)
	return err
}
