package upnp

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/hlandau/gwmap/gwerr"
	"github.com/hlandau/gwmap/gwtypes"
	"github.com/hlandau/gwmap/internal/gwrt"
	"github.com/hlandau/gwmap/mapping"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("gwmap/upnp")

// minPinholeLifetime is the floor IGDv2 requires for IPv6 pinhole leases
// (spec §4.G, Non-goals IPv6 section).
const minPinholeLifetime = time.Hour

// Gateway is a UPnP IGD gateway runtime: component G. A single Gateway
// wraps one discovered control point and drives either its IPv4
// WANIPConnection service or its IPv6 WANIPv6FirewallControl service,
// never both from the same Gateway value.
type Gateway struct {
	descriptorURL string
	controlURL    string
	serviceType   string
	ipv6          bool

	table *mapping.Table

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool

	expires time.Time
	renew   func() (*Descriptor, error)
}

// GetGateway constructs a Gateway directly from a device descriptor URL,
// bypassing SSDP discovery (spec §6, "GetGateway(url)").
func GetGateway(descriptorURL string) (*Gateway, error) {
	desc, err := FetchDescriptor(descriptorURL)
	if err != nil {
		return nil, err
	}
	return newGatewayFromDescriptor(descriptorURL, desc)
}

func newGatewayFromDescriptor(descriptorURL string, desc *Descriptor) (*Gateway, error) {
	if u, ok := desc.ControlURL(ServiceWANIPConnection2); ok {
		return newGateway(descriptorURL, u.String(), ServiceWANIPConnection2, false), nil
	}
	if u, ok := desc.ControlURL(ServiceWANIPConnection1); ok {
		return newGateway(descriptorURL, u.String(), ServiceWANIPConnection1, false), nil
	}
	if u, ok := desc.ControlURL(ServiceWANIPv6Firewall1); ok {
		return newGateway(descriptorURL, u.String(), ServiceWANIPv6Firewall1, true), nil
	}
	return nil, gwerr.NewProtocol("upnp: descriptor exposes no known WAN control service")
}

func newGateway(descriptorURL, controlURL, serviceType string, ipv6 bool) *Gateway {
	return &Gateway{
		descriptorURL: descriptorURL,
		controlURL:    controlURL,
		serviceType:   serviceType,
		ipv6:          ipv6,
		table:         mapping.New(),
		timers:        make(map[string]*time.Timer),
	}
}

func protoNumber(proto string) (uint16, error) {
	switch strings.ToUpper(proto) {
	case "TCP":
		return 6, nil
	case "UDP":
		return 17, nil
	default:
		return 0, gwerr.Input("upnp: protocol must be TCP or UDP")
	}
}

func randomExternalPort() uint16 {
	return uint16(rand.Intn(65000-1025) + 1025)
}

func timerKey(port uint16, proto string) string {
	return strings.ToUpper(proto) + ":" + fmt.Sprint(port)
}

// SetExpiry records when the SSDP advertisement backing this gateway's
// control URL goes stale, and the function used to re-resolve a fresh
// descriptor when it does. Gateways built directly via GetGateway (no
// live discovery behind them) are left with a zero expiry and never
// renew (spec §4.G "Descriptor renewal").
func (g *Gateway) SetExpiry(expires time.Time, renew func() (*Descriptor, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expires = expires
	g.renew = renew
}

// ensureFresh re-resolves the control URL from a fresh descriptor if the
// advertisement behind it has expired, failing with "Could not resolve
// gateway" if none reappears (spec §4.G "Descriptor renewal").
func (g *Gateway) ensureFresh() error {
	g.mu.Lock()
	renew := g.renew
	stale := renew != nil && !g.expires.IsZero() && time.Now().After(g.expires)
	g.mu.Unlock()

	if !stale {
		return nil
	}

	desc, err := renew()
	if err != nil {
		return gwerr.NewProtocol("Could not resolve gateway")
	}

	u, ok := desc.ControlURL(g.serviceType)
	if !ok {
		return gwerr.NewProtocol("Could not resolve gateway")
	}

	g.mu.Lock()
	g.controlURL = u.String()
	g.mu.Unlock()
	return nil
}

// Map adds a port mapping. IPv4 control points use AddAnyPortMapping when
// available (IGDv2), falling back to fixed-port AddPortMapping (IGDv1).
// IPv6 control points use AddPinhole, clamping the lease to at least one
// hour (spec §4.G).
func (g *Gateway) Map(internalPort uint16, internalHost string, opts gwtypes.Options) (gwtypes.PortMapping, error) {
	opts = opts.WithDefaults()
	if err := g.ensureFresh(); err != nil {
		return gwtypes.PortMapping{}, err
	}
	proto := strings.ToUpper(opts.Protocol)

	if g.ipv6 {
		return g.mapPinhole(internalPort, internalHost, proto, opts)
	}
	return g.mapPort(internalPort, internalHost, proto, opts)
}

func (g *Gateway) mapPort(internalPort uint16, internalHost, proto string, opts gwtypes.Options) (gwtypes.PortMapping, error) {
	if _, err := protoNumber(proto); err != nil {
		return gwtypes.PortMapping{}, err
	}

	m, err := g.table.GetOrCreate(internalHost, internalPort, proto, opts.AutoRefresh)
	if err != nil {
		return gwtypes.PortMapping{}, err
	}
	m.AutoRefresh = opts.AutoRefresh

	externalPort := opts.ExternalPort
	lease := uint32(opts.TTL / time.Second)

	var reserved uint16
	if g.serviceType == ServiceWANIPConnection2 {
		if externalPort == 0 {
			externalPort = randomExternalPort()
		}
		reserved, err = AddAnyPortMapping(g.controlURL, g.serviceType, opts.RemoteHost, externalPort, proto, internalHost, internalPort, opts.Description, lease)
		if err != nil {
			return gwtypes.PortMapping{}, err
		}
	} else {
		if externalPort == 0 {
			externalPort = randomExternalPort()
		}
		if err := AddPortMapping(g.controlURL, g.serviceType, opts.RemoteHost, externalPort, proto, internalHost, internalPort, opts.Description, lease); err != nil {
			return gwtypes.PortMapping{}, err
		}
		reserved = externalPort
	}

	expiresAt := time.Time{}
	if opts.TTL > 0 {
		expiresAt = time.Now().Add(opts.TTL)
	}
	g.table.Update(internalPort, proto, m.Nonce, "", reserved, expiresAt, opts.TTL)

	if opts.AutoRefresh && opts.TTL > 0 {
		g.armRefresh(internalPort, internalHost, proto, opts.TTL, opts, "")
	}

	return gwtypes.PortMapping{
		ExternalPort: reserved,
		InternalHost: internalHost,
		InternalPort: internalPort,
		Protocol:     proto,
	}, nil
}

func (g *Gateway) mapPinhole(internalPort uint16, internalHost, proto string, opts gwtypes.Options) (gwtypes.PortMapping, error) {
	protoNum, err := protoNumber(proto)
	if err != nil {
		return gwtypes.PortMapping{}, err
	}

	ttl := opts.TTL
	if ttl < minPinholeLifetime {
		ttl = minPinholeLifetime
	}

	m, err := g.table.GetOrCreate(internalHost, internalPort, proto, opts.AutoRefresh)
	if err != nil {
		return gwtypes.PortMapping{}, err
	}
	m.AutoRefresh = opts.AutoRefresh

	remotePort := opts.ExternalPort
	uniqueID, err := AddPinhole(g.controlURL, g.serviceType, opts.RemoteHost, remotePort, internalHost, internalPort, protoNum, uint32(ttl/time.Second))
	if err != nil {
		return gwtypes.PortMapping{}, err
	}

	expiresAt := time.Now().Add(ttl)
	g.table.Update(internalPort, proto, m.Nonce, uniqueID, remotePort, expiresAt, ttl)

	if opts.AutoRefresh {
		g.armRefresh(internalPort, internalHost, proto, ttl, opts, uniqueID)
	}

	return gwtypes.PortMapping{
		ExternalPort: remotePort,
		InternalHost: internalHost,
		InternalPort: internalPort,
		Protocol:     proto,
	}, nil
}

// MapAll maps internalPort on every non-internal local address of this
// control point's family.
func (g *Gateway) MapAll(internalPort uint16, opts gwtypes.Options) (<-chan gwtypes.PortMapping, error) {
	opts = opts.WithDefaults()
	family := gwrt.FamilyIPv4
	if g.ipv6 {
		family = gwrt.FamilyIPv6
	}
	return gwrt.MapAll(family, internalPort, opts, g.Map, func(host string, err error) {
		log.Infof("upnp: map on %s failed: %v", host, err)
	})
}

// Unmap removes a tracked mapping: DeletePortMapping for IPv4,
// DeletePinhole (by UniqueID, stored in ExternalHost) for IPv6.
func (g *Gateway) Unmap(internalPort uint16, opts gwtypes.Options) error {
	opts = opts.WithDefaults()
	proto := strings.ToUpper(opts.Protocol)

	m := g.table.FindByPortAndProtocol(internalPort, proto)
	if m == nil {
		return gwerr.Input("upnp: no tracked mapping for that port and protocol")
	}

	g.clearRefresh(internalPort, proto)

	var err error
	if g.ipv6 {
		err = DeletePinhole(g.controlURL, g.serviceType, m.ExternalHost)
	} else {
		err = DeletePortMapping(g.controlURL, g.serviceType, opts.RemoteHost, m.ExternalPort, proto)
	}
	if err != nil {
		return err
	}

	g.table.Delete(m.InternalHost, internalPort, proto)
	return nil
}

// ExternalIP returns the WAN address (IPv4 service only; IGDv2 defines no
// equivalent action for WANIPv6FirewallControl, since the IPv6 address is
// already globally routable).
func (g *Gateway) ExternalIP(opts gwtypes.Options) (string, error) {
	if g.ipv6 {
		return "", gwerr.Input("upnp: ExternalIP is not defined for the IPv6 firewall-control service")
	}
	return GetExternalIPAddress(g.controlURL, g.serviceType)
}

// GetMappings returns a snapshot of every tracked mapping.
func (g *Gateway) GetMappings() []gwtypes.MappingView {
	rows := g.table.GetAll()
	out := make([]gwtypes.MappingView, len(rows))
	for i, m := range rows {
		out[i] = gwtypes.MappingView{
			Protocol:     m.Protocol,
			InternalHost: m.InternalHost,
			InternalPort: m.InternalPort,
			ExternalHost: m.ExternalHost,
			ExternalPort: m.ExternalPort,
			ExpiresAt:    m.ExpiresAt,
			Lifetime:     m.Lifetime,
			AutoRefresh:  m.AutoRefresh,
		}
	}
	return out
}

// armRefresh schedules a one-shot refresh timer firing at
// lifetime-refreshThreshold. IPv4 re-issues AddAnyPortMapping/AddPortMapping
// through Map; IPv6 instead issues UpdatePinhole against uniqueID, the
// pinhole's own renewal action, rather than allocating a fresh pinhole
// (spec §4.G "Refresh").
func (g *Gateway) armRefresh(internalPort uint16, internalHost, proto string, lifetime time.Duration, opts gwtypes.Options, uniqueID string) {
	key := timerKey(internalPort, proto)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	if t, ok := g.timers[key]; ok {
		t.Stop()
	}

	delay := lifetime - opts.RefreshThreshold
	if delay <= 0 {
		delay = time.Second
	}

	g.timers[key] = time.AfterFunc(delay, func() {
		var err error
		if g.ipv6 {
			err = g.refreshPinhole(internalPort, internalHost, proto, lifetime, opts, uniqueID)
		} else {
			_, err = g.Map(internalPort, internalHost, gwtypes.Options{
				Protocol:         proto,
				AutoRefresh:      true,
				TTL:              lifetime,
				RefreshThreshold: opts.RefreshThreshold,
				RemoteHost:       opts.RemoteHost,
				Description:      opts.Description,
			})
		}
		if err != nil {
			log.Infof("upnp: refresh of %s:%d/%s failed, stopping its timer: %v", internalHost, internalPort, proto, err)
		}
	})
}

// refreshPinhole renews uniqueID's lease via UpdatePinhole and re-arms the
// next refresh, without allocating a new pinhole (spec §4.G "Refresh").
func (g *Gateway) refreshPinhole(internalPort uint16, internalHost, proto string, lifetime time.Duration, opts gwtypes.Options, uniqueID string) error {
	m := g.table.Get(internalHost, internalPort, proto)
	if m == nil {
		return gwerr.Input("upnp: no tracked mapping for that port and protocol")
	}

	ttl := lifetime
	if ttl < minPinholeLifetime {
		ttl = minPinholeLifetime
	}

	if err := UpdatePinhole(g.controlURL, g.serviceType, uniqueID, uint32(ttl/time.Second)); err != nil {
		return err
	}

	expiresAt := time.Now().Add(ttl)
	g.table.Update(internalPort, proto, m.Nonce, uniqueID, m.ExternalPort, expiresAt, ttl)

	if opts.AutoRefresh {
		g.armRefresh(internalPort, internalHost, proto, ttl, opts, uniqueID)
	}
	return nil
}

func (g *Gateway) clearRefresh(internalPort uint16, proto string) {
	key := timerKey(internalPort, proto)
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.timers[key]; ok {
		t.Stop()
		delete(g.timers, key)
	}
}

// Stop unmaps every tracked mapping (best-effort) and stops all refresh
// timers.
func (g *Gateway) Stop(opts gwtypes.Options) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return gwerr.Input("upnp: already closed")
	}
	g.stopped = true
	for _, t := range g.timers {
		t.Stop()
	}
	g.timers = nil
	g.mu.Unlock()

	rows := g.table.GetAll()
	var wg sync.WaitGroup
	for _, m := range rows {
		wg.Add(1)
		go func(m mapping.Mapping) {
			defer wg.Done()
			if err := g.Unmap(m.InternalPort, gwtypes.Options{Protocol: m.Protocol}); err != nil {
				log.Infof("upnp: unmap during stop failed: %v", err)
			}
		}(m)
	}
	wg.Wait()

	g.table.DeleteAll()
	return nil
}
