// Package change provides the network change events published by netcfgd,
// their filter masks, and the wire form used to carry them to observers.
package change

import (
	"fmt"
	"math/bits"
)

// Kind is a single category of network change.
// Every valid non-zero Kind has exactly one bit set.
type Kind uint16

const (
	Unset            Kind = 0
	DeviceAdded      Kind = 1 << 0
	DeviceRemoved    Kind = 1 << 1
	IPAddrAdded      Kind = 1 << 2
	IPAddrRemoved    Kind = 1 << 3
	RouteAdded       Kind = 1 << 4
	RouteRemoved     Kind = 1 << 5
	RouteExcluded    Kind = 1 << 6
	DNSServerAdded   Kind = 1 << 7
	DNSServerRemoved Kind = 1 << 8
	DNSSearchAdded   Kind = 1 << 9
	DNSSearchRemoved Kind = 1 << 10
)

// kindBits is the width of the kind space.
const kindBits = 16

type label struct {
	human     string
	technical string
}

var labels = map[Kind]label{
	DeviceAdded:      {"Device Added", "DEVICE_ADDED"},
	DeviceRemoved:    {"Device Removed", "DEVICE_REMOVED"},
	IPAddrAdded:      {"IP Address Added", "IPADDR_ADDED"},
	IPAddrRemoved:    {"IP Address Removed", "IPADDR_REMOVED"},
	RouteAdded:       {"Route Added", "ROUTE_ADDED"},
	RouteRemoved:     {"Route Removed", "ROUTE_REMOVED"},
	RouteExcluded:    {"Route Excluded", "ROUTE_EXCLUDED"},
	DNSServerAdded:   {"DNS Server Added", "DNS_SERVER_ADDED"},
	DNSServerRemoved: {"DNS Server Removed", "DNS_SERVER_REMOVED"},
	DNSSearchAdded:   {"DNS Search domain Added", "DNS_SEARCH_ADDED"},
	DNSSearchRemoved: {"DNS Search domain Removed", "DNS_SEARCH_REMOVED"},
}

// ParseKind validates a raw kind value as received from the wire.
// Zero and single-bit values within the kind space are accepted, including bits
// with no known label.
func ParseKind(v uint32) (Kind, error) {
	if v >= 1<<kindBits {
		return Unset, fmt.Errorf("kind %#x: out of range", v)
	}
	if bits.OnesCount32(v) > 1 {
		return Unset, fmt.Errorf("kind %#x: not a power of two", v)
	}
	return Kind(v), nil
}

// Known reports whether k is one of the defined kinds.
func (k Kind) Known() bool {
	_, ok := labels[k]
	return ok
}

// Label returns the human-readable label (e.g. "Route Added"), or the
// technical one (e.g. "ROUTE_ADDED") if technical is set.
func (k Kind) Label(technical bool) string {
	if k == Unset {
		return "[UNSET]"
	}
	l, ok := labels[k]
	if !ok {
		return fmt.Sprintf("[UNKNOWN: %d]", uint16(k))
	}
	if technical {
		return l.technical
	}
	return l.human
}

func (k Kind) String() string { return k.Label(false) }
