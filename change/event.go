package change

import (
	"fmt"
	"slices"
	"strings"
)

// Detail is one key/value pair describing an Event.
type Detail struct {
	Key   string
	Value string
}

// Details is an ordered list of Detail with unique keys.
type Details []Detail

// Set replaces the value of key in place, or appends it.
func (d *Details) Set(key, value string) {
	for i := range *d {
		if (*d)[i].Key == key {
			(*d)[i].Value = value
			return
		}
	}
	*d = append(*d, Detail{Key: key, Value: value})
}

// Get returns the value for key.
func (d Details) Get(key string) (string, bool) {
	for _, kv := range d {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Map returns the details as a map.
func (d Details) Map() map[string]string {
	m := make(map[string]string, len(d))
	for _, kv := range d {
		m[kv.Key] = kv.Value
	}
	return m
}

// Equal compares d and o as mappings; order does not matter.
func (d Details) Equal(o Details) bool {
	if len(d) != len(o) {
		return false
	}
	for _, kv := range d {
		v, ok := o.Get(kv.Key)
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}

// DetailsFromMap returns details with keys in ascending order.
func DetailsFromMap(m map[string]string) Details {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	d := make(Details, len(keys))
	for i, k := range keys {
		d[i] = Detail{Key: k, Value: m[k]}
	}
	return d
}

// Event is a single network change on a device.
// The zero Event is empty.
type Event struct {
	Kind    Kind
	Device  string
	Details Details
}

// NewEvent returns an event with details given as alternating keys and values.
func NewEvent(kind Kind, device string, kv ...string) Event {
	if len(kv)%2 != 0 {
		panic("change.NewEvent: odd number of detail arguments")
	}
	e := Event{Kind: kind, Device: device}
	for i := 0; i < len(kv); i += 2 {
		e.Details.Set(kv[i], kv[i+1])
	}
	return e
}

// Empty reports whether e carries no change.
func (e Event) Empty() bool {
	return e.Kind == Unset
}

// Reset makes e empty.
func (e *Event) Reset() {
	*e = Event{}
}

func (e Event) Equal(o Event) bool {
	return e.Kind == o.Kind && e.Device == o.Device && e.Details.Equal(o.Details)
}

func (e Event) String() string { return e.Format(false) }

// Format renders e with human or technical kind labels.
func (e Event) Format(technical bool) string {
	if e.Empty() {
		return "(Empty Network Change Event)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Device %s - %s", e.Device, e.Kind.Label(technical))
	for i, kv := range e.Details {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s='%s'", kv.Key, kv.Value)
	}
	return b.String()
}
