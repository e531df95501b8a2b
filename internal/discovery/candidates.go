// Package discovery finds lanshare servers on the local subnet.
package discovery

import (
	"iter"
	"net/netip"
)

// minBits is the widest subnet ever scanned. Larger local networks are
// narrowed to the /24 around our own address.
const minBits = 24

// Candidates yields every address worth probing in the subnet of local,
// excluding the network and broadcast addresses and local itself. The
// sequence is lazy and may be ranged over any number of times.
func Candidates(local netip.Prefix) iter.Seq[netip.Addr] {
	return func(yield func(netip.Addr) bool) {
		self := local.Addr()
		if !self.Is4() || !local.IsValid() {
			return
		}
		bits := local.Bits()
		if bits < minBits {
			bits = minBits
		}
		network := netip.PrefixFrom(self, bits).Masked()
		first := network.Addr()
		pointToPoint := bits >= 31

		for a := first; a.IsValid() && network.Contains(a); a = a.Next() {
			if !pointToPoint {
				if a == first {
					continue
				}
				if !network.Contains(a.Next()) {
					return // broadcast
				}
			}
			if a == self {
				continue
			}
			if !yield(a) {
				return
			}
		}
	}
}
