// Package gwmap is a port-mapping gateway runtime supporting PCP (RFC
// 6887), NAT-PMP, and UPnP IGD v1/v2. It exposes a uniform gateway
// abstraction that can map one or many local interfaces, renew leases
// before they expire, recover from gateway reboots, and report the
// externally-visible IP address.
package gwmap

import (
	"net"

	"github.com/hlandau/gwmap/gwtypes"
	"github.com/hlandau/gwmap/hostgw"
	"github.com/hlandau/gwmap/natpmp"
	"github.com/hlandau/gwmap/pcp"
	"github.com/hlandau/gwmap/ssdp"
)

// Re-exported so callers need only import this package for the common
// surface (spec §6 "External Interfaces").
type Gateway = gwtypes.Gateway
type Options = gwtypes.Options
type PortMapping = gwtypes.PortMapping
type MappingView = gwtypes.MappingView

// NewOptions returns Options with AutoRefresh defaulted to true.
func NewOptions() Options { return gwtypes.NewOptions() }

// PCPNat constructs a PCP gateway (component E) against gatewayIP. If
// gatewayIP is nil, the host's own default gateway is resolved via
// hostgw.
func PCPNat(gatewayIP net.IP) (Gateway, error) {
	ip, err := resolveGatewayIP(gatewayIP)
	if err != nil {
		return nil, err
	}
	return pcp.New(ip)
}

// PMPNat constructs a NAT-PMP gateway (component F) against gatewayIP. If
// gatewayIP is nil, the host's own default gateway is resolved via
// hostgw.
func PMPNat(gatewayIP net.IP) (Gateway, error) {
	ip, err := resolveGatewayIP(gatewayIP)
	if err != nil {
		return nil, err
	}
	return natpmp.New(ip)
}

func resolveGatewayIP(gatewayIP net.IP) (net.IP, error) {
	if gatewayIP != nil {
		return gatewayIP, nil
	}
	return hostgw.DefaultIPv4()
}

// UPnPNAT is the discovery-backed UPnP client: spec §2's "client produces
// one or more gateway instances ... UPnP: discovered via SSDP".
type UPnPNAT struct {
	d *ssdp.Discovery
}

// UPnPNat starts SSDP discovery and returns a UPnPNAT client for finding
// IGD gateways on the local network.
func UPnPNat() (*UPnPNAT, error) {
	d, err := ssdp.Start()
	if err != nil {
		return nil, err
	}
	return &UPnPNAT{d: d}, nil
}

// FindGateways returns every currently-known IGDv2 gateway discovered via
// SSDP so far.
func (n *UPnPNAT) FindGateways() (<-chan Gateway, error) {
	return n.d.FindGateways()
}

// GetGateway fetches a device descriptor directly, bypassing SSDP, and
// constructs its gateway (spec §4.H).
func (n *UPnPNAT) GetGateway(descriptorURL string) (Gateway, error) {
	return ssdp.GetGateway(descriptorURL)
}

// Stop terminates SSDP discovery.
func (n *UPnPNAT) Stop() {
	n.d.Stop()
}

// IsGloballyRoutable reports whether this host already has a globally
// routable address, in which case no port mapping is needed at all.
func IsGloballyRoutable() bool {
	ip, err := determineSelfIP()
	if err != nil {
		return false
	}
	return ip.IsGlobalUnicast() && !ip.IsPrivate()
}

// determineSelfIP learns the local address the OS would use to reach the
// public internet, by opening a throwaway UDP socket toward a well-known
// public address and reading back the socket's local endpoint.
func determineSelfIP() (net.IP, error) {
	c, err := net.Dial("udp", "4.2.2.1:1")
	if err != nil {
		return nil, err
	}
	defer c.Close()

	return c.LocalAddr().(*net.UDPAddr).IP, nil
}
