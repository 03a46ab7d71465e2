package change

import (
	"fmt"
	"strconv"
	"strings"
)

// Mask is a filter over Kinds: bit i set means interested in Kind(1<<i).
// The zero Mask selects nothing.
type Mask uint32

// MaskAll selects every kind.
const MaskAll Mask = 1<<kindBits - 1

// DefaultSeparator joins labels in MaskToString.
const DefaultSeparator = ", "

// MaskOf returns the union of the given kinds.
func MaskOf(kinds ...Kind) Mask {
	var m Mask
	for _, k := range kinds {
		m |= Mask(k)
	}
	return m
}

// Matches reports whether k is selected by m.
// Unset never matches.
func Matches(m Mask, k Kind) bool {
	return m&Mask(k) != 0
}

// Kinds returns the known kinds selected by m, lowest bit first.
func (m Mask) Kinds() []Kind {
	var kinds []Kind
	for i := 0; i < kindBits; i++ {
		k := Kind(1 << i)
		if m&Mask(k) == 0 || !k.Known() {
			continue
		}
		kinds = append(kinds, k)
	}
	return kinds
}

func (m Mask) String() string { return MaskToString(m, false) }

// KindsInMask returns the labels of the known kinds selected by m, lowest bit
// first. Bits with no known kind are skipped.
func KindsInMask(m Mask, technical bool) []string {
	kinds := m.Kinds()
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = k.Label(technical)
	}
	return out
}

// MaskToString joins KindsInMask with separator, or DefaultSeparator when
// none is given.
func MaskToString(m Mask, technical bool, separator ...string) string {
	sep := DefaultSeparator
	if len(separator) > 0 {
		sep = separator[0]
	}
	return strings.Join(KindsInMask(m, technical), sep)
}

// ParseMask builds a Mask from kind labels in either form (case-insensitive)
// or numeric values. Each name may itself be a comma-separated list.
func ParseMask(names ...string) (Mask, error) {
	var m Mask
	for _, name := range names {
		for _, part := range strings.Split(name, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if n, err := strconv.ParseUint(part, 0, 32); err == nil {
				m |= Mask(n)
				continue
			}
			k, ok := kindByLabel(part)
			if !ok {
				return 0, fmt.Errorf("unknown kind %q", part)
			}
			m |= Mask(k)
		}
	}
	return m, nil
}

func kindByLabel(s string) (Kind, bool) {
	for k, l := range labels {
		if strings.EqualFold(s, l.technical) || strings.EqualFold(s, l.human) {
			return k, true
		}
	}
	return Unset, false
}
