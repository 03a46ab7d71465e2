package tunnel

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

type IPNet net.IPNet

func (in *IPNet) UnmarshalJSON(data []byte) error {
	var s string
	err := json.Unmarshal(data, &s)
	if err != nil {
		return err
	}
	in2, err := ParseIPNet(s)
	if err != nil {
		return err
	}
	*in = in2
	return nil
}

func (in IPNet) MarshalJSON() ([]byte, error) {
	return json.Marshal(in.String())
}

func (in IPNet) String() string {
	return (*net.IPNet)(&in).String()
}

// ParseIPNet parses CIDR notation, keeping the host bits of the address
// (10.8.0.2/24 stays 10.8.0.2/24).
func ParseIPNet(s string) (IPNet, error) {
	ip, in, err := net.ParseCIDR(s)
	if err != nil {
		return IPNet{}, fmt.Errorf("parsing CIDR: %w", err)
	}
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	return IPNet{IP: ip, Mask: in.Mask}, nil
}

// network returns in with host bits cleared, as routes want it.
func (in IPNet) network() *net.IPNet {
	return &net.IPNet{IP: in.IP.Mask(in.Mask), Mask: in.Mask}
}

func ipNetUtilToStd(s []IPNet) []net.IPNet {
	s2 := make([]net.IPNet, len(s))
	for i := range s {
		s2[i] = net.IPNet(s[i])
	}
	return s2
}

type Key wgtypes.Key

func (k *Key) UnmarshalJSON(data []byte) error {
	var s string
	err := json.Unmarshal(data, &s)
	if err != nil {
		return err
	}
	k2, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(k2) != len(k) {
		return fmt.Errorf("key length must be %d but was %d", len(k), len(k2))
	}
	*k = Key(k2)
	return nil
}

func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(wgtypes.Key(k).String())
}

// hex is the encoding used by the WireGuard UAPI.
func (k Key) hex() string {
	return hex.EncodeToString(k[:])
}

// Duration is a encoding-friendly time.Duration.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	err := json.Unmarshal(data, &raw)
	if err != nil {
		return err
	}
	d2, err := time.ParseDuration(raw)
	*d = Duration(d2)
	return err
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}
