// Package config loads the netcfgd configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfigLoad wraps every error returned by Load.
var ErrConfigLoad = errors.New("loading config failed")

const DefaultPath = "/etc/netcfgd/netcfgd.yaml"

type Config struct {
	Log           Log           `yaml:"log"`
	Transport     Transport     `yaml:"transport"`
	Subscriptions Subscriptions `yaml:"subscriptions"`
	Protect       Protect       `yaml:"protect"`
	Tunnel        Tunnel        `yaml:"tunnel"`
	DNS           DNS           `yaml:"dns"`
	Status        Status        `yaml:"status"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Transport struct {
	// Kind is "rpc" or "dbus".
	Kind string `yaml:"kind"`
	// Listen is the unix socket path for rpc.
	Listen string `yaml:"listen"`
	// Bus is "system" or "session" for dbus.
	Bus string `yaml:"bus"`
}

type Subscriptions struct {
	// Enabled turns on per-observer filtering. Off, every event goes to
	// every observer.
	Enabled bool `yaml:"enabled"`
}

type Protect struct {
	BindDevice   bool          `yaml:"bindDevice"`
	Mark         int           `yaml:"mark"`
	HostRoute    bool          `yaml:"hostRoute"`
	Journal      string        `yaml:"journal"`
	ReapInterval time.Duration `yaml:"reapInterval"`
}

type Tunnel struct {
	// Kind is "kernel" or "userspace".
	Kind string `yaml:"kind"`
}

type DNS struct {
	// ResolvConf is empty to leave DNS alone.
	ResolvConf string `yaml:"resolvConf"`
}

type Status struct {
	// Listen is an HTTP address; empty disables the status endpoint.
	Listen string `yaml:"listen"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() Config {
	return Config{
		Log:           Log{Level: "info"},
		Transport:     Transport{Kind: "rpc", Listen: "/run/netcfgd/netcfgd.sock", Bus: "system"},
		Subscriptions: Subscriptions{Enabled: true},
		Protect: Protect{
			HostRoute:    true,
			Journal:      "/var/lib/netcfgd/protect.db",
			ReapInterval: 10 * time.Second,
		},
		Tunnel: Tunnel{Kind: "kernel"},
		DNS:    DNS{ResolvConf: "/etc/resolv.conf"},
	}
}

// Load reads path over Default.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfigLoad, err)
	}
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfigLoad, path, err)
	}
	err = c.Validate()
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfigLoad, path, err)
	}
	return c, nil
}

func (c Config) Validate() error {
	switch c.Transport.Kind {
	case "rpc":
		if c.Transport.Listen == "" {
			return errors.New("transport.listen: required for rpc")
		}
	case "dbus":
		if c.Transport.Bus != "system" && c.Transport.Bus != "session" {
			return fmt.Errorf("transport.bus: %q is not system or session", c.Transport.Bus)
		}
	default:
		return fmt.Errorf("transport.kind: %q is not rpc or dbus", c.Transport.Kind)
	}
	switch c.Tunnel.Kind {
	case "kernel", "userspace":
	default:
		return fmt.Errorf("tunnel.kind: %q is not kernel or userspace", c.Tunnel.Kind)
	}
	if c.Protect.Mark < 0 {
		return fmt.Errorf("protect.mark: %d is negative", c.Protect.Mark)
	}
	if c.Protect.ReapInterval < 0 {
		return fmt.Errorf("protect.reapInterval: %s is negative", c.Protect.ReapInterval)
	}
	return nil
}
