package tunnel

import (
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func resolvePeerEndpoint(peer Peer) (*net.UDPAddr, error) {
	if peer.Endpoint == "" {
		return nil, nil
	}
	zap.S().Debugf("resolving %s for peer %s.", peer.Endpoint, peer.Name)
	endpoint, err := net.ResolveUDPAddr("udp", peer.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("resolving %s for peer %s: %w", peer.Endpoint, peer.Name, err)
	}
	return endpoint, nil
}

// wgConfig is the kernel (wgctrl) form of cfg.
func wgConfig(cfg Config) (wgtypes.Config, error) {
	peers := make([]wgtypes.PeerConfig, len(cfg.Peers))
	for i, peer := range cfg.Peers {
		endpoint, err := resolvePeerEndpoint(peer)
		if err != nil {
			return wgtypes.Config{}, err
		}
		var keepalive *time.Duration
		if peer.PersistentKeepalive != 0 {
			d := time.Duration(peer.PersistentKeepalive)
			keepalive = &d
		}
		peers[i] = wgtypes.PeerConfig{
			PublicKey:                   wgtypes.Key(peer.PublicKey),
			PresharedKey:                (*wgtypes.Key)(peer.PresharedKey),
			Endpoint:                    endpoint,
			PersistentKeepaliveInterval: keepalive,
			ReplaceAllowedIPs:           true,
			AllowedIPs:                  ipNetUtilToStd(peer.AllowedIPs),
		}
	}
	privateKey := wgtypes.Key(cfg.PrivateKey)
	wc := wgtypes.Config{
		PrivateKey:   &privateKey,
		ReplacePeers: true,
		Peers:        peers,
	}
	if cfg.ListenPort != 0 {
		port := cfg.ListenPort
		wc.ListenPort = &port
	}
	return wc, nil
}

// ipcConfig is the userspace (UAPI) form of cfg.
func ipcConfig(cfg Config) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", cfg.PrivateKey.hex())
	if cfg.ListenPort != 0 {
		fmt.Fprintf(&b, "listen_port=%d\n", cfg.ListenPort)
	}
	b.WriteString("replace_peers=true\n")
	for _, peer := range cfg.Peers {
		fmt.Fprintf(&b, "public_key=%s\n", peer.PublicKey.hex())
		if peer.PresharedKey != nil {
			fmt.Fprintf(&b, "preshared_key=%s\n", peer.PresharedKey.hex())
		}
		endpoint, err := resolvePeerEndpoint(peer)
		if err != nil {
			return "", err
		}
		if endpoint != nil {
			fmt.Fprintf(&b, "endpoint=%s\n", endpoint)
		}
		if peer.PersistentKeepalive != 0 {
			fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", int(time.Duration(peer.PersistentKeepalive).Seconds()))
		}
		b.WriteString("replace_allowed_ips=true\n")
		for _, ip := range peer.AllowedIPs {
			fmt.Fprintf(&b, "allowed_ip=%s\n", ip.network())
		}
	}
	return b.String(), nil
}
