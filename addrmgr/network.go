package addrmgr

import (
	"fmt"
	"net"

	"github.com/btcsuite/btcd/wire"
)

var (
	// rfc1918Nets specifies the IPv4 private address blocks.
	rfc1918Nets = []net.IPNet{
		ipNet("10.0.0.0", 8, 32),
		ipNet("172.16.0.0", 12, 32),
		ipNet("192.168.0.0", 16, 32),
	}

	// rfc3964Net specifies the IPv6 to IPv4 encapsulation address block.
	rfc3964Net = ipNet("2002::", 16, 128)

	// rfc4193Net specifies the IPv6 unique local address block.
	rfc4193Net = ipNet("FC00::", 7, 128)

	// rfc4862Net specifies the IPv6 stateless address autoconfiguration
	// address block.
	rfc4862Net = ipNet("FE80::", 64, 128)

	// heNet defines the Hurricane Electric IPv6 address block.
	heNet = ipNet("2001:470::", 32, 128)
)

// ipNet returns a net.IPNet struct given the passed IP address string, number
// of one bits to include at the start of the mask, and the total number of bits
// for the mask.
func ipNet(ip string, ones, bits int) net.IPNet {
	return net.IPNet{IP: net.ParseIP(ip), Mask: net.CIDRMask(ones, bits)}
}

// isIPv4 returns whether or not the given address is an IPv4 address.
func isIPv4(na *wire.NetAddress) bool {
	return na.IP.To4() != nil
}

// isLocal returns whether or not the given address is a local address.
func isLocal(na *wire.NetAddress) bool {
	return na.IP.IsLoopback() || rfc4862Net.Contains(na.IP)
}

// isRFC1918 returns whether or not the passed address is part of the IPv4
// private network address space as defined by RFC1918.
func isRFC1918(na *wire.NetAddress) bool {
	for _, rfc := range rfc1918Nets {
		if rfc.Contains(na.IP) {
			return true
		}
	}
	return false
}

// IsRoutable returns whether or not the passed address is routable over the
// public internet.  This is true as long as the address is valid and is not in
// any reserved ranges.
func IsRoutable(na *wire.NetAddress) bool {
	if na.IP == nil {
		return false
	}
	if na.IP.IsUnspecified() || na.IP.IsLoopback() ||
		na.IP.IsMulticast() || na.IP.IsLinkLocalUnicast() {

		return false
	}
	if isRFC1918(na) || rfc4193Net.Contains(na.IP) ||
		rfc4862Net.Contains(na.IP) {

		return false
	}
	return true
}

// GroupKey returns a string representing the network group an address is part
// of.  This is the /16 for IPv4, the /32 (/36 for he.net) for IPv6, the string
// "local" for a local address, and the string "unroutable" for an unroutable
// address.  Addresses which map to the same group key are considered to be
// under shared control for bucketing purposes.
func GroupKey(na *wire.NetAddress) string {
	if isLocal(na) {
		return "local"
	}
	if !IsRoutable(na) {
		return "unroutable"
	}
	if isIPv4(na) {
		return na.IP.Mask(net.CIDRMask(16, 32)).String()
	}
	if rfc3964Net.Contains(na.IP) {
		ip := net.IP(na.IP[2:6])
		return ip.Mask(net.CIDRMask(16, 32)).String()
	}

	// OK, so now we know ourselves to be a IPv6 address.
	// bitcoind uses /32 for everything, except for Hurricane Electric's
	// (he.net) IP range, which it uses /36 for.
	bits := 32
	if heNet.Contains(na.IP) {
		bits = 36
	}
	return na.IP.Mask(net.CIDRMask(bits, 128)).String()
}

// NetAddressKey returns a string key in the form of ip:port for IPv4 addresses
// or [ip]:port for IPv6 addresses.  The key uniquely identifies an address
// within the manager.
func NetAddressKey(na *wire.NetAddress) string {
	port := fmt.Sprintf("%d", na.Port)
	return net.JoinHostPort(na.IP.String(), port)
}
