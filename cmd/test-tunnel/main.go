// Command test-tunnel establishes a tunnel through netcfgd and tears it down
// on SIGINT.
package main

import (
	"encoding/json"
	"flag"
	"net"
	"os"
	"os/signal"

	"github.com/nyiyui/netcfg/change"
	"github.com/nyiyui/netcfg/transport"
	"github.com/nyiyui/netcfg/tunnel"
	"github.com/nyiyui/netcfg/util"
	"go.uber.org/zap"
)

var socketPath string
var configPath string
var park bool
var control string

func main() {
	util.SetupLog("debug", true)

	flag.StringVar(&socketPath, "socket", "/run/netcfgd/netcfgd.sock", "path to the netcfgd socket")
	flag.StringVar(&configPath, "config-path", "", "path to tunnel config (JSON)")
	flag.BoolVar(&park, "park", false, "park the tunnel first, then disconnect")
	flag.StringVar(&control, "control", "", "host:port to open a protected UDP control socket to")
	flag.Parse()

	zap.S().Info("parsing tunnel config…")
	data, err := os.ReadFile(configPath)
	if err != nil {
		panic(err)
	}
	var cfg tunnel.Config
	err = json.Unmarshal(data, &cfg)
	if err != nil {
		panic(err)
	}
	zap.S().Info("done parsing tunnel config.")

	client, err := transport.DialRPC(socketPath, func(ev change.Event) {
		zap.S().Infof("change: %s", ev)
	})
	if err != nil {
		panic(err)
	}
	defer client.Close()
	err = client.Subscribe(change.MaskAll)
	if err != nil {
		zap.S().Warnf("subscribing: %s", err)
	}

	pid := os.Getpid()
	if control != "" {
		conn, err := net.Dial("udp", control)
		if err != nil {
			panic(err)
		}
		defer conn.Close()
		f, err := conn.(*net.UDPConn).File()
		if err != nil {
			panic(err)
		}
		host, _, _ := net.SplitHostPort(control)
		ip := net.ParseIP(host)
		err = client.ProtectSocket(pid, int(f.Fd()), host, ip != nil && ip.To4() == nil)
		f.Close()
		if err != nil {
			panic(err)
		}
		zap.S().Infof("protected control socket to %s.", control)
	}
	reply, err := client.Establish(pid, cfg)
	if err != nil {
		panic(err)
	}
	zap.S().Infof("established %s (index %d) as pid %d.", reply.Name, reply.Index, pid)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
	if park {
		err = client.Disconnect(pid, false)
		if err != nil {
			panic(err)
		}
		zap.S().Info("parked; interrupt again to disconnect.")
		<-sig
	}
	err = client.Disconnect(pid, true)
	if err != nil {
		panic(err)
	}
	zap.S().Info("disconnected.")
}
