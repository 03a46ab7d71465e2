// Command netcfg-monitor prints the network changes netcfgd reports.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nyiyui/netcfg/change"
	"github.com/nyiyui/netcfg/transport"
	"github.com/nyiyui/netcfg/util"
	"go.uber.org/zap"
)

var socketPath string
var filter string
var technical bool
var list bool

func main() {
	flag.StringVar(&socketPath, "socket", "/run/netcfgd/netcfgd.sock", "path to the netcfgd socket")
	flag.StringVar(&filter, "filter", "", "comma-separated kinds to subscribe to (empty: everything)")
	flag.BoolVar(&technical, "technical", false, "print technical labels")
	flag.BoolVar(&list, "list", false, "list subscribers and exit")
	flag.Parse()
	err := util.SetupLog("info", true)
	if err != nil {
		panic(err)
	}

	mask := change.MaskAll
	if filter != "" {
		mask, err = change.ParseMask(strings.Split(filter, ",")...)
		if err != nil {
			zap.S().Fatalf("parsing filter: %s", err)
		}
	}

	client, err := transport.DialRPC(socketPath, func(ev change.Event) {
		fmt.Println(ev.Format(technical))
	})
	if err != nil {
		zap.S().Fatalf("connecting to %s: %s", socketPath, err)
	}
	defer client.Close()

	if list {
		subs, err := client.Subscribers()
		if err != nil {
			zap.S().Fatalf("listing subscribers: %s", err)
		}
		for _, sub := range subs {
			fmt.Printf("%s\t%s\n", sub.Identity, change.MaskToString(sub.Mask, technical))
		}
		return
	}

	err = client.Subscribe(mask)
	if err != nil {
		// without subscriptions the daemon sends everything anyway
		zap.S().Warnf("subscribing: %s", err)
	} else {
		zap.S().Infof("subscribed to %s.", change.MaskToString(mask, technical))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		err = client.Unsubscribe()
		if err != nil {
			zap.S().Debugf("unsubscribing: %s", err)
		}
	case <-client.DisconnectNotify():
		zap.S().Info("netcfgd went away.")
	}
}
