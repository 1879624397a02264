// Package hostgw resolves the host's own default-gateway addresses: the
// external collaborator the root factories use to find a PCP/NAT-PMP
// gateway IP when the caller doesn't supply one.
package hostgw

import (
	"net"

	"github.com/hlandau/gwmap/gwerr"
)

// GetIPs returns the IPs of this host's default gateways.
//
// Only IPv4 default gateways are returned, and there may be more than one;
// IPv6 default gateways are not looked up on any platform.
func GetIPs() ([]net.IP, error) {
	return getGatewayAddrs()
}

// DefaultIPv4 returns the first IPv4 default gateway address, the
// convenience path PCPNat/PMPNat use when constructed without an explicit
// gateway IP.
func DefaultIPv4() (net.IP, error) {
	ips, err := GetIPs()
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, gwerr.NewProtocol("hostgw: no IPv4 default gateway found")
}
