package ssdp

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hlandau/gwmap/gwerr"
	"github.com/hlandau/gwmap/gwtypes"
	"github.com/hlandau/gwmap/upnp"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("gwmap/ssdp")

// igd2Suffix is the device-type suffix the discovery adapter looks for
// (component H, spec §4.H).
const igd2Suffix = ":InternetGatewayDevice:2"

// DiscoveredService is what the core treats as opaque apart from its
// location's hostname/port and the parsed service list (spec §3).
type DiscoveredService struct {
	Location          *url.URL
	Details           *upnp.Descriptor
	ServiceType       string
	UniqueServiceName string
	Expires           time.Time
}

// Discovery consumes SSDP beacons and constructs IGD gateways: component
// H. Deduplicates by Location URL, as multiple beacons routinely arrive
// for the same device.
type Discovery struct {
	c *client

	mu   sync.Mutex
	seen map[string]DiscoveredService
}

// Start begins SSDP discovery broadcast and notice reception, returning a
// Discovery from which services and gateways can be obtained.
func Start() (*Discovery, error) {
	c, err := newClient()
	if err != nil {
		return nil, err
	}

	d := &Discovery{c: c, seen: make(map[string]DiscoveredService)}
	go d.loop()
	return d, nil
}

// Stop terminates the underlying multicast client.
func (d *Discovery) Stop() {
	d.c.stop()
}

func (d *Discovery) loop() {
	for ev := range d.c.eventChan {
		if !strings.HasSuffix(ev.ST, igd2Suffix) {
			continue
		}

		key := ev.Location.String()

		d.mu.Lock()
		_, already := d.seen[key]
		d.mu.Unlock()
		if already {
			continue
		}

		desc, err := upnp.FetchDescriptor(key)
		if err != nil {
			log.Infof("ssdp: failed to fetch descriptor at %s: %v", key, err)
			continue
		}

		svc := DiscoveredService{
			Location:          ev.Location,
			Details:           desc,
			ServiceType:       ev.ST,
			UniqueServiceName: ev.USN,
			Expires:           time.Now().Add(ev.MaxAge),
		}

		d.mu.Lock()
		d.seen[key] = svc
		d.mu.Unlock()
	}
}

// Services returns every IGDv2 service discovered so far whose
// advertisement has not expired.
func (d *Discovery) Services() []DiscoveredService {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	out := make([]DiscoveredService, 0, len(d.seen))
	for _, svc := range d.seen {
		if svc.Expires.After(now) {
			out = append(out, svc)
		}
	}
	return out
}

// FindGateways returns a channel yielding one gwtypes.Gateway per
// currently-known, unexpired IGDv2 service, then closes. Callers that
// need an ongoing stream should poll Services() instead.
func (d *Discovery) FindGateways() (<-chan gwtypes.Gateway, error) {
	out := make(chan gwtypes.Gateway)
	go func() {
		defer close(out)
		for _, svc := range d.Services() {
			gw, err := d.GatewayFromService(svc)
			if err != nil {
				log.Infof("ssdp: failed to construct gateway for %s: %v", svc.Location, err)
				continue
			}
			out <- gw
		}
	}()
	return out, nil
}

// GatewayFromService constructs the IPv4 or IPv6 IGD gateway implied by a
// discovered service's descriptor, wiring its descriptor-renewal hook back
// to this Discovery so a stale control URL re-resolves by UniqueServiceName
// instead of failing outright (spec §4.G "Descriptor renewal", §4.H).
func (d *Discovery) GatewayFromService(svc DiscoveredService) (gwtypes.Gateway, error) {
	gw, err := upnp.GetGateway(svc.Location.String())
	if err != nil {
		return nil, err
	}

	usn := svc.UniqueServiceName
	gw.SetExpiry(svc.Expires, func() (*upnp.Descriptor, error) {
		return d.renewDescriptor(usn)
	})
	return gw, nil
}

// renewDescriptor re-resolves a service's descriptor from whatever is
// currently known to share its UniqueServiceName, failing if none
// reappears (spec §4.G "Descriptor renewal").
func (d *Discovery) renewDescriptor(usn string) (*upnp.Descriptor, error) {
	for _, svc := range d.Services() {
		if svc.UniqueServiceName == usn {
			return svc.Details, nil
		}
	}
	return nil, gwerr.NewProtocol("Could not resolve gateway")
}

// GetGateway fetches the descriptor XML at descriptorURL directly,
// bypassing SSDP, and constructs the same kind of gateway FindGateways
// would (spec §4.H, §6).
func GetGateway(descriptorURL string) (gwtypes.Gateway, error) {
	return upnp.GetGateway(descriptorURL)
}
