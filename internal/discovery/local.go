package discovery

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/jackpal/gateway"

	"github.com/fruitsalade/lanshare/internal/logging"
)

// fallbackPrefix is used when no LAN interface can be found.
var fallbackPrefix = netip.MustParsePrefix("127.0.0.1/24")

// LocalPrefix returns our IPv4 address and subnet on the LAN. It prefers
// the interface that reaches the default gateway, then the interface
// carrying outbound traffic, and finally falls back to loopback.
func LocalPrefix() netip.Prefix {
	if gw, err := gateway.DiscoverGateway(); err == nil {
		if p, err := prefixContaining(gw); err == nil {
			return p
		}
	} else {
		logging.Debug("gateway discovery failed", logging.Err(err))
	}

	if ip, err := outboundIP(); err == nil {
		if p, err := prefixOf(ip); err == nil {
			return p
		}
		if addr, ok := netip.AddrFromSlice(ip.To4()); ok {
			return netip.PrefixFrom(addr, minBits)
		}
	} else {
		logging.Debug("outbound address lookup failed", logging.Err(err))
	}

	return fallbackPrefix
}

// LocalAddr returns just the address part of LocalPrefix.
func LocalAddr() netip.Addr {
	return LocalPrefix().Addr()
}

// prefixContaining finds the local interface whose subnet contains target.
func prefixContaining(target net.IP) (netip.Prefix, error) {
	return findPrefix(func(ipnet *net.IPNet) bool { return ipnet.Contains(target) })
}

// prefixOf finds the local interface that owns ip.
func prefixOf(ip net.IP) (netip.Prefix, error) {
	return findPrefix(func(ipnet *net.IPNet) bool { return ipnet.IP.Equal(ip) })
}

func findPrefix(match func(*net.IPNet) bool) (netip.Prefix, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ipv4 := ipnet.IP.To4()
			if ipv4 == nil || !ipv4.IsGlobalUnicast() || !match(ipnet) {
				continue
			}
			addr, _ := netip.AddrFromSlice(ipv4)
			ones, _ := ipnet.Mask.Size()
			return netip.PrefixFrom(addr, ones), nil
		}
	}
	return netip.Prefix{}, fmt.Errorf("no matching IPv4 interface")
}

// outboundIP asks the kernel which source address it would use for an
// external destination. No packet is sent for a UDP dial.
func outboundIP() (net.IP, error) {
	conn, err := net.Dial("udp4", "192.0.2.1:80")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}
