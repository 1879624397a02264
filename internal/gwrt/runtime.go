// Package gwrt holds runtime behavior shared by all three gateway
// variants: the lifecycle state machine and local-interface enumeration
// used by MapAll (spec §2 component D, §4.D, "State machine" section).
package gwrt

import (
	"net"
	"strconv"

	"github.com/hlandau/gwmap/gwerr"
	"github.com/hlandau/gwmap/gwtypes"
)

// State is a gateway's lifecycle state.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateListening
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ipv4LinkLocal is 169.254.0.0/16; ipv6LinkLocal is fe80::/10 (spec §4.D).
var (
	ipv4LinkLocal = &net.IPNet{IP: net.IPv4(169, 254, 0, 0).To4(), Mask: net.CIDRMask(16, 32)}
	ipv6LinkLocal = &net.IPNet{IP: net.ParseIP("fe80::"), Mask: net.CIDRMask(10, 128)}
)

// Family selects which address family LocalAddresses enumerates.
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

// LocalAddresses returns every non-internal (non-loopback) unicast address
// of the requested family on this host, excluding link-local addresses,
// for use by MapAll (spec §4.D).
func LocalAddresses(family Family) ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []net.IP
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipn.IP
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			if ipv4LinkLocal.Contains(ip) || ipv6LinkLocal.Contains(ip) {
				continue
			}

			isV4 := ip.To4() != nil
			if (family == FamilyIPv4) != isV4 {
				continue
			}
			out = append(out, ip)
		}
	}
	return out, nil
}

// MapFunc maps internalPort on a single local address; its signature
// matches gwtypes.Gateway.Map exactly so a gateway's own Map method can be
// passed directly.
type MapFunc func(internalPort uint16, internalHost string, opts gwtypes.Options) (gwtypes.PortMapping, error)

// MapAll drives MapFunc over every local address of the given family,
// sending each success to the returned channel (closed when iteration
// finishes) and failing only if every interface failed (spec §4.D, §8 S7).
func MapAll(family Family, internalPort uint16, opts gwtypes.Options, mf MapFunc, logFailure func(host string, err error)) (<-chan gwtypes.PortMapping, error) {
	addrs, err := LocalAddresses(family)
	if err != nil {
		return nil, err
	}

	out := make(chan gwtypes.PortMapping, len(addrs))
	successes := 0
	for _, ip := range addrs {
		pm, err := mf(internalPort, ip.String(), opts)
		if err != nil {
			if logFailure != nil {
				logFailure(ip.String(), err)
			}
			continue
		}
		successes++
		out <- pm
	}
	close(out)

	if successes == 0 {
		return out, gwerr.Policy(
			"All attempts to map port " + strconv.Itoa(int(internalPort)) + " failed")
	}
	return out, nil
}
