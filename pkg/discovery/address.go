package discovery

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"meshdeploy/pkg/types"
)

// Range selects the addresses Base+Start through Base+End inclusive.
//
// Base is either a full IPv4 address (192.168.1.0) or a three-octet prefix
// (192.168.1), in which case the last octet is zero. Offsets are added to
// the 32-bit address value, so a range may cross octet boundaries.
type Range struct {
	Base  string `json:"base" yaml:"base"`
	Start int    `json:"start" yaml:"start"`
	End   int    `json:"end" yaml:"end"`
}

// ParseBase parses a range base into its 32-bit value.
func ParseBase(base string) (uint32, error) {
	s := strings.TrimSpace(base)
	if s == "" {
		return 0, types.ConfigErrorf("discovery base cannot be empty")
	}
	if strings.Count(s, ".") == 2 {
		s += ".0"
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, types.ConfigErrorf("invalid discovery base %q", base)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, types.ConfigErrorf("discovery base %q is not IPv4", base)
	}
	return binary.BigEndian.Uint32(v4), nil
}

// Validate checks the range without expanding it.
func (r Range) Validate() error {
	base, err := ParseBase(r.Base)
	if err != nil {
		return err
	}
	if r.Start < 0 || r.End < 0 {
		return types.ConfigErrorf("discovery offsets must be non-negative (start=%d end=%d)", r.Start, r.End)
	}
	if r.Start > r.End {
		return types.ConfigErrorf("discovery start %d is after end %d", r.Start, r.End)
	}
	if uint64(base)+uint64(r.End) > 0xFFFFFFFF {
		return types.ConfigErrorf("discovery range %s+%d overflows 255.255.255.255", r.Base, r.End)
	}
	return nil
}

// Addresses expands the range in ascending order.
func (r Range) Addresses() ([]string, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	base, _ := ParseBase(r.Base)
	out := make([]string, 0, r.End-r.Start+1)
	for i := r.Start; i <= r.End; i++ {
		out = append(out, uint32ToIP(base+uint32(i)))
	}
	return out, nil
}

// Size is the number of addresses in a valid range.
func (r Range) Size() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

func (r Range) String() string {
	return fmt.Sprintf("%s+[%d,%d]", r.Base, r.Start, r.End)
}

// RangeFromCIDR returns the host addresses of an IPv4 prefix, excluding the
// network and broadcast addresses for prefixes shorter than /31.
func RangeFromCIDR(cidr string) (Range, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return Range{}, types.ConfigErrorf("invalid CIDR %q: %v", cidr, err)
	}
	v4 := ipnet.IP.To4()
	if v4 == nil {
		return Range{}, types.ConfigErrorf("CIDR %q is not IPv4", cidr)
	}
	ones, bits := ipnet.Mask.Size()
	hosts := 1 << (bits - ones)
	r := Range{Base: v4.String(), Start: 0, End: hosts - 1}
	if hosts > 2 {
		r.Start, r.End = 1, hosts-2
	}
	return r, nil
}

func ipToUint32(ip net.IP) (uint32, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(v4), true
}

func uint32ToIP(v uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return net.IP(b[:]).String()
}
