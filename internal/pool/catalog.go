// Package pool holds the subnet catalog and the candidate-address scan order for allocation.
package pool

import (
	"fmt"
	"iter"
	"net"
	"time"

	"github.com/hivemind-dhcp/hivemind/internal/config"
	"github.com/hivemind-dhcp/hivemind/pkg/dhcpv4"
)

// Subnet is one configured address block. Immutable after NewCatalog.
type Subnet struct {
	Index     int // 1-based catalog position, also the lease store partition
	Network   *net.IPNet
	Mask      net.IPMask
	First     net.IP // first usable host, nil when the block has none
	Last      net.IP // last usable host, nil when the block has none
	LeaseTime time.Duration

	firstU uint32
	lastU  uint32
	size   uint32
}

// NewSubnet builds a Subnet from a CIDR string.
func NewSubnet(index int, cidr string, leaseTime time.Duration) (*Subnet, error) {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("subnet %d: %w", index, err)
	}
	if network.IP.To4() == nil {
		return nil, fmt.Errorf("subnet %d: %s is not IPv4", index, cidr)
	}

	s := &Subnet{
		Index:     index,
		Network:   network,
		Mask:      network.Mask,
		LeaseTime: leaseTime,
	}

	// Usable hosts lie strictly between the network and broadcast addresses.
	base := dhcpv4.IPToUint32(network.IP)
	bcast := dhcpv4.IPToUint32(dhcpv4.BroadcastAddr(network))
	if bcast-base >= 2 {
		s.firstU = base + 1
		s.lastU = bcast - 1
		s.size = s.lastU - s.firstU + 1
		s.First = dhcpv4.Uint32ToIP(s.firstU)
		s.Last = dhcpv4.Uint32ToIP(s.lastU)
	}
	return s, nil
}

// Size returns the number of usable host addresses.
func (s *Subnet) Size() uint32 {
	return s.size
}

// Contains reports whether ip lies inside the block (network and broadcast included).
func (s *Subnet) Contains(ip net.IP) bool {
	return ip != nil && s.Network.Contains(ip)
}

// IsUsable reports whether ip is a host address of this subnet.
func (s *Subnet) IsUsable(ip net.IP) bool {
	if s.size == 0 || ip.To4() == nil {
		return false
	}
	u := dhcpv4.IPToUint32(ip)
	return u >= s.firstU && u <= s.lastU
}

// MaskString returns the mask in dotted-quad form.
func (s *Subnet) MaskString() string {
	return dhcpv4.MaskString(s.Mask)
}

// Candidates yields the usable hosts in ascending order, skipping exclude
// (the relay address, which doubles as the router). The sequence is lazy;
// callers stop it as soon as they have claimed an address.
func (s *Subnet) Candidates(exclude net.IP) iter.Seq[net.IP] {
	var skip uint32
	hasSkip := false
	if ip4 := exclude.To4(); ip4 != nil {
		skip = dhcpv4.IPToUint32(ip4)
		hasSkip = true
	}

	return func(yield func(net.IP) bool) {
		if s.size == 0 {
			return
		}
		for u := s.firstU; ; u++ {
			if !hasSkip || u != skip {
				if !yield(dhcpv4.Uint32ToIP(u)) {
					return
				}
			}
			if u == s.lastU {
				return
			}
		}
	}
}

// String returns a human-readable subnet description.
func (s *Subnet) String() string {
	return s.Network.String()
}

// Catalog is the ordered, read-only list of configured subnets.
type Catalog struct {
	subnets []*Subnet
}

// NewCatalog builds the catalog in configuration order.
func NewCatalog(cfgs []config.SubnetConfig) (*Catalog, error) {
	c := &Catalog{subnets: make([]*Subnet, 0, len(cfgs))}
	for i, sc := range cfgs {
		s, err := NewSubnet(i+1, sc.Subnet, sc.LeaseDuration())
		if err != nil {
			return nil, err
		}
		c.subnets = append(c.subnets, s)
	}
	return c, nil
}

// FindForRelay returns the first subnet, in configuration order, whose block contains relay.
// Overlapping blocks are not resolved beyond first match.
func (c *Catalog) FindForRelay(relay net.IP) (*Subnet, bool) {
	if relay.To4() == nil {
		return nil, false
	}
	for _, s := range c.subnets {
		if s.Contains(relay) {
			return s, true
		}
	}
	return nil, false
}

// Get returns the subnet for a 1-based partition index.
func (c *Catalog) Get(index int) (*Subnet, bool) {
	if index < 1 || index > len(c.subnets) {
		return nil, false
	}
	return c.subnets[index-1], true
}

// Subnets returns the subnets in configuration order.
func (c *Catalog) Subnets() []*Subnet {
	out := make([]*Subnet, len(c.subnets))
	copy(out, c.subnets)
	return out
}

// Len returns the number of configured subnets.
func (c *Catalog) Len() int {
	return len(c.subnets)
}
